package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"example.com/backstage/services/onboarding/internal/cache"
	"example.com/backstage/services/onboarding/internal/models"
	"example.com/backstage/services/onboarding/internal/onboarding"
	"example.com/backstage/services/onboarding/internal/repository"
	"example.com/backstage/services/onboarding/internal/search"
	"example.com/backstage/services/onboarding/internal/telemetry"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
)

// progressRetention is how long the last event of a finished run stays replayable
const progressRetention = 5 * time.Minute

// Runner executes one onboarding request
type Runner interface {
	Run(ctx context.Context, req *onboarding.Request, reporter onboarding.Reporter) (*onboarding.Result, error)
}

// onboardingTask pairs a queued job with its request
type onboardingTask struct {
	job *models.OnboardingJob
	req *onboarding.Request
}

// Processor runs onboarding requests on a fixed pool of workers
type Processor struct {
	repo                        repository.Repository
	cache                       cache.RedisClient
	runner                      Runner
	broker                      *onboarding.Broker
	indexer                     search.Indexer
	app                         *newrelic.Application
	log                         *logrus.Logger
	workers                     int
	jobTTL                      time.Duration
	queue                       chan onboardingTask
	wg                          sync.WaitGroup
	ctx                         context.Context
	cancel                      context.CancelFunc
	queueCapacityAlertThreshold float64

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// ProcessorConfig holds the collaborators of a Processor
type ProcessorConfig struct {
	Repository repository.Repository
	Cache      cache.RedisClient
	Runner     Runner
	Broker     *onboarding.Broker
	Indexer    search.Indexer
	NewRelic   *newrelic.Application
	Logger     *logrus.Logger
	Workers    int
	QueueSize  int
	JobTTL     time.Duration
}

// NewProcessor creates a processor and starts its worker pool
func NewProcessor(cfg ProcessorConfig) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		repo:                        cfg.Repository,
		cache:                       cfg.Cache,
		runner:                      cfg.Runner,
		broker:                      cfg.Broker,
		indexer:                     cfg.Indexer,
		app:                         cfg.NewRelic,
		log:                         cfg.Logger,
		workers:                     cfg.Workers,
		jobTTL:                      cfg.JobTTL,
		queue:                       make(chan onboardingTask, cfg.QueueSize),
		ctx:                         ctx,
		cancel:                      cancel,
		queueCapacityAlertThreshold: 0.8, // 80% by default
	}

	// Start worker pool
	p.startWorkers()

	// Start queue monitoring
	go p.monitorQueueCapacity()

	p.log.Infof("Started onboarding processor with %d workers", p.workers)
	return p
}

// startWorkers launches the worker goroutines
func (p *Processor) startWorkers() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// worker runs queued onboardings until the processor stops
func (p *Processor) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			p.log.Debugf("Worker %d shutting down", id)
			return
		case t := <-p.queue:
			start := time.Now()
			p.process(t)
			p.log.Debugf("Worker %d finished onboarding %s in %v", id, t.job.ID, time.Since(start))
		}
	}
}

// monitorQueueCapacity warns when the queue is close to full
func (p *Processor) monitorQueueCapacity() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			queueLength := len(p.queue)
			queueCapacity := cap(p.queue)
			usage := float64(queueLength) / float64(queueCapacity)

			if usage >= p.queueCapacityAlertThreshold {
				p.log.Warnf("Onboarding queue at %d%% capacity (%d/%d)", int(usage*100), queueLength, queueCapacity)
			}
		}
	}
}

// Enqueue schedules a job. It never blocks and fails with ErrQueueFull
// when every slot is taken.
func (p *Processor) Enqueue(job *models.OnboardingJob, req *onboarding.Request) error {
	select {
	case <-p.ctx.Done():
		return ErrProcessorStopped
	default:
	}

	select {
	case p.queue <- onboardingTask{job: job, req: req}:
		return nil
	default:
		return ErrQueueFull
	}
}

// process runs one job and records its outcome
func (p *Processor) process(t onboardingTask) {
	p.active.Add(1)
	defer p.active.Add(-1)

	job := t.job
	entry := p.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"device_id": job.DeviceID,
	})

	// One background transaction per run
	ctx, end := telemetry.StartBackgroundTransaction(p.ctx, p.app, "onboarding/run")

	// Mark the job as running
	started := time.Now()
	job.Status = models.JobStatusRunning
	job.StartedAt = &started
	job.Error = ""
	p.saveJob(job)

	// Run the pipeline
	result, err := p.runner.Run(ctx, t.req, p.broker)
	end(err)

	finished := time.Now()
	job.CompletedAt = &finished
	p.applyResult(job, result)

	// Determine final status
	switch {
	case err != nil && p.ctx.Err() != nil:
		job.Status = models.JobStatusInterrupted
		job.Error = err.Error()
		p.failed.Add(1)
		entry.WithError(err).Warn("Onboarding interrupted by shutdown")
	case err != nil:
		job.Status = models.JobStatusFailed
		job.Error = err.Error()
		p.failed.Add(1)
		entry.WithError(err).Error("Onboarding failed")
	case p.ctx.Err() != nil:
		job.Status = models.JobStatusInterrupted
		p.failed.Add(1)
		entry.Warn("Onboarding interrupted by shutdown")
	default:
		job.Status = models.JobStatusCompleted
		p.completed.Add(1)
	}

	p.saveJob(job)

	// Project completed runs into search
	if job.Status == models.JobStatusCompleted {
		p.index(t.req, job, result)
	}

	// Keep the terminal event replayable for late subscribers
	requestID := t.req.RequestID
	time.AfterFunc(progressRetention, func() { p.broker.Forget(requestID) })
}

func (p *Processor) applyResult(job *models.OnboardingJob, result *onboarding.Result) {
	if result == nil {
		return
	}

	job.RulesCount = result.Counts.Rules
	job.MaintenanceCount = result.Counts.Maintenance
	job.SafetyCount = result.Counts.Safety

	outcomes, err := json.Marshal(result.Outcomes)
	if err != nil {
		p.log.WithError(err).WithField("job_id", job.ID).Warn("Failed to marshal stage outcomes")
		return
	}
	job.Outcomes = outcomes
}

// saveJob persists and caches a job snapshot. Bookkeeping runs on its own
// context so a shutdown still records how far the job got.
func (p *Processor) saveJob(job *models.OnboardingJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.repo.UpdateJob(ctx, job); err != nil {
		p.log.WithError(err).WithField("job_id", job.ID).Error("Failed to update onboarding job")
	}

	// Update cache
	cacheJob(ctx, p.cache, p.log, job, p.jobTTL)
}

// index writes the onboarding summary to the search projection
func (p *Processor) index(req *onboarding.Request, job *models.OnboardingJob, result *onboarding.Result) {
	if p.indexer == nil || result == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	summary := &search.OnboardingSummary{
		JobID:            job.ID,
		DeviceID:         job.DeviceID,
		DeviceName:       req.Name,
		DeviceType:       req.Type,
		Location:         req.Location,
		OrganizationID:   req.OrganizationID,
		RulesCount:       result.Counts.Rules,
		MaintenanceCount: result.Counts.Maintenance,
		SafetyCount:      result.Counts.Safety,
		Outcomes:         result.Outcomes,
		CompletedAt:      result.CompletedAt,
	}
	if err := p.indexer.IndexOnboarding(ctx, summary); err != nil {
		p.log.WithError(err).WithField("job_id", job.ID).Warn("Failed to index onboarding summary")
	}
}

// Stop cancels running jobs and waits for the workers to exit
func (p *Processor) Stop() {
	p.log.Info("Stopping onboarding processor...")
	p.cancel()
	p.wg.Wait()
	p.log.Info("Onboarding processor stopped")
}

// QueueStats returns current queue statistics
func (p *Processor) QueueStats() map[string]interface{} {
	return map[string]interface{}{
		"queue_length":   len(p.queue),
		"queue_capacity": cap(p.queue),
		"worker_count":   p.workers,
		"active_jobs":    p.active.Load(),
		"completed_jobs": p.completed.Load(),
		"failed_jobs":    p.failed.Load(),
	}
}

// cacheJob stores a job snapshot with a small retry loop
func cacheJob(ctx context.Context, c cache.RedisClient, log *logrus.Logger, job *models.OnboardingJob, ttl time.Duration) {
	maxRetries := 3
	backoff := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := cache.SetJSON(ctx, c, cache.JobKey(job.ID), job, ttl)
		if err == nil {
			return
		}

		log.WithError(err).Warnf("Failed to cache onboarding job (attempt %d/%d): %s", i+1, maxRetries, job.ID)
		if i == maxRetries-1 || errors.Is(err, context.DeadlineExceeded) {
			return
		}

		// Exponential backoff
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff * time.Duration(1<<uint(i))):
		}
	}
}
