package service

import (
	"context"
	"time"

	"example.com/backstage/services/onboarding/internal/cache"
	"example.com/backstage/services/onboarding/internal/onboarding"

	"github.com/sirupsen/logrus"
)

const progressTTL = time.Hour

// progressCache mirrors the latest progress event of each request into the
// cache. A single writer keeps the writes in emission order.
type progressCache struct {
	cache cache.RedisClient
	log   *logrus.Logger
	ch    chan onboarding.Progress
}

func newProgressCache(c cache.RedisClient, log *logrus.Logger, size int) *progressCache {
	return &progressCache{
		cache: c,
		log:   log,
		ch:    make(chan onboarding.Progress, size),
	}
}

// Emit queues p for the writer and drops it when the writer is behind
func (pc *progressCache) Emit(p onboarding.Progress) {
	select {
	case pc.ch <- p:
	default:
		pc.log.WithField("request_id", p.RequestID).Debug("Progress cache writer busy, dropping event")
	}
}

func (pc *progressCache) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-pc.ch:
			writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := cache.SetJSON(writeCtx, pc.cache, cache.ProgressKey(p.RequestID), p, progressTTL); err != nil {
				pc.log.WithError(err).WithField("request_id", p.RequestID).Debug("Failed to cache progress event")
			}
			cancel()
		}
	}
}
