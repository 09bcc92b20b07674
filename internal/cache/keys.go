package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobKey is the cache key of an onboarding job snapshot
func JobKey(jobID string) string {
	return fmt.Sprintf("onboarding:job:%s", jobID)
}

// ProgressKey is the cache key of the latest progress event for a request
func ProgressKey(requestID string) string {
	return fmt.Sprintf("onboarding:progress:%s", requestID)
}

// SetJSON marshals value and stores it under key
func SetJSON(ctx context.Context, c RedisClient, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return c.Set(ctx, key, string(data), expiration)
}

// GetJSON loads key and unmarshals it into dest
func GetJSON(ctx context.Context, c RedisClient, key string, dest interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal cache value: %w", err)
	}
	return nil
}
