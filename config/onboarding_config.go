package config

import (
	"runtime"
	"time"
)

// DocIntelConfig holds configuration for the document intelligence service client
type DocIntelConfig struct {
	BaseURL       string        // Base URL of the remote service
	APIKey        string        // Optional bearer token
	Timeout       time.Duration // Per-attempt timeout for generation calls
	UploadTimeout time.Duration // Per-attempt timeout for document uploads
	MaxRetries    int           // Retry attempts after the first call
	RetryWait     time.Duration // Initial backoff between attempts
	RetryMaxWait  time.Duration // Upper bound for backoff
	MaxFileSize   int64         // Largest accepted document in bytes
}

// OnboardingConfig holds configuration for the onboarding pipeline
type OnboardingConfig struct {
	Workers        int           // Worker goroutines, 0 means derive from CPU count
	QueueSize      int           // Pending requests before submissions are rejected
	ProgressBuffer int           // Buffered progress events per subscriber
	NotifyTimeout  time.Duration // Bound for the notification stage
	JobTTL         time.Duration // How long job snapshots stay cached
}

// GetWorkerCount returns the number of pipeline workers to start
func (c *OnboardingConfig) GetWorkerCount() int {
	if c.Workers > 0 {
		return c.Workers
	}

	// Pipelines spend most of their time waiting on the remote service
	return max(runtime.NumCPU()*2, 4)
}

// GetQueueSize returns the processor queue capacity
func (c *OnboardingConfig) GetQueueSize() int {
	return max(c.QueueSize, 1)
}

// GetProgressBuffer returns the per-subscriber progress channel size
func (c *OnboardingConfig) GetProgressBuffer() int {
	if c.ProgressBuffer <= 0 {
		return 16
	}
	return c.ProgressBuffer
}

// GetNotifyTimeout returns the notification stage timeout
func (c *OnboardingConfig) GetNotifyTimeout() time.Duration {
	if c.NotifyTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NotifyTimeout
}

// GetRetryBounds returns the backoff window used between remote attempts
func (c *DocIntelConfig) GetRetryBounds() (time.Duration, time.Duration) {
	wait := c.RetryWait
	if wait <= 0 {
		wait = time.Second
	}

	maxWait := c.RetryMaxWait
	if maxWait < wait {
		maxWait = wait
	}
	return wait, maxWait
}

// IsFileSizeAllowed checks a document size against the configured limit
func (c *DocIntelConfig) IsFileSizeAllowed(size int64) bool {
	if c.MaxFileSize <= 0 {
		return true
	}
	return size <= c.MaxFileSize
}
