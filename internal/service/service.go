package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/onboarding/config"
	"example.com/backstage/services/onboarding/internal/cache"
	"example.com/backstage/services/onboarding/internal/docintel"
	"example.com/backstage/services/onboarding/internal/messaging"
	"example.com/backstage/services/onboarding/internal/models"
	"example.com/backstage/services/onboarding/internal/onboarding"
	"example.com/backstage/services/onboarding/internal/repository"
	"example.com/backstage/services/onboarding/internal/search"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Service defines the business logic operations
type Service interface {
	// Onboarding operations
	SubmitOnboarding(ctx context.Context, req *onboarding.Request, idempotencyKey string) (*models.OnboardingJob, error)
	RunOnboarding(ctx context.Context, req *onboarding.Request, reporter onboarding.Reporter) (*onboarding.Result, error)
	GetOnboardingJob(ctx context.Context, id string) (*models.OnboardingJob, error)
	SubscribeProgress(ctx context.Context, id string) (*onboarding.Subscription, error)

	// Device operations
	GetDeviceDetails(ctx context.Context, id string) (*DeviceDetails, error)

	// Maintenance operations
	SweepOverdueMaintenance(ctx context.Context) (int64, error)
	InterruptStaleJobs(ctx context.Context) (int64, error)

	// Monitoring
	GetProcessorStats() map[string]interface{}
	Shutdown() error
}

// DeviceDetails is a device together with everything generated for it
type DeviceDetails struct {
	Device            *models.Device             `json:"device"`
	Rules             []*models.Rule             `json:"rules"`
	MaintenanceTasks  []*models.MaintenanceTask  `json:"maintenance_tasks"`
	SafetyPrecautions []*models.SafetyPrecaution `json:"safety_precautions"`
}

// service is an implementation of the Service interface
type service struct {
	repo         repository.Repository
	cache        cache.RedisClient
	orchestrator *onboarding.Orchestrator
	broker       *onboarding.Broker
	processor    *Processor
	log          *logrus.Logger
	onboarding   config.OnboardingConfig
	maintenance  config.MaintenanceConfig
	now          func() time.Time
	stopSink     context.CancelFunc
}

// ServiceConfig holds the configuration for the service
type ServiceConfig struct {
	Repository      repository.Repository
	Cache           cache.RedisClient
	DocIntel        docintel.Client
	MessagingClient messaging.ServiceBusClient
	Indexer         search.Indexer
	NewRelic        *newrelic.Application
	Logger          *logrus.Logger
	Onboarding      config.OnboardingConfig
	Maintenance     config.MaintenanceConfig
	Clock           func() time.Time

	// DisableProcessor skips the worker pool for one-shot commands
	DisableProcessor bool
}

// NewService creates a new service instance
func NewService(cfg ServiceConfig) (Service, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.DocIntel == nil {
		return nil, errors.New("document intelligence client is required")
	}
	if cfg.MessagingClient == nil {
		return nil, errors.New("messaging client is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewNoopClient()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	sinkCtx, stopSink := context.WithCancel(context.Background())
	sink := newProgressCache(cfg.Cache, cfg.Logger, cfg.Onboarding.GetQueueSize()*4)
	go sink.run(sinkCtx)

	broker := onboarding.NewBroker(cfg.Onboarding.GetProgressBuffer(), cfg.Logger, sink)

	orchestrator := onboarding.NewOrchestrator(onboarding.Options{
		Store:         cfg.Repository,
		DocIntel:      cfg.DocIntel,
		Notifier:      NewServiceBusNotifier(cfg.MessagingClient),
		Logger:        cfg.Logger,
		Clock:         cfg.Clock,
		NotifyTimeout: cfg.Onboarding.GetNotifyTimeout(),
	})

	s := &service{
		repo:         cfg.Repository,
		cache:        cfg.Cache,
		orchestrator: orchestrator,
		broker:       broker,
		log:          cfg.Logger,
		onboarding:   cfg.Onboarding,
		maintenance:  cfg.Maintenance,
		now:          cfg.Clock,
		stopSink:     stopSink,
	}

	if !cfg.DisableProcessor {
		s.processor = NewProcessor(ProcessorConfig{
			Repository: cfg.Repository,
			Cache:      cfg.Cache,
			Runner:     orchestrator,
			Broker:     broker,
			Indexer:    cfg.Indexer,
			NewRelic:   cfg.NewRelic,
			Logger:     cfg.Logger,
			Workers:    cfg.Onboarding.GetWorkerCount(),
			QueueSize:  cfg.Onboarding.GetQueueSize(),
			JobTTL:     cfg.Onboarding.JobTTL,
		})
	}

	return s, nil
}

// SubmitOnboarding records a job and queues it. A repeated idempotency key
// returns the existing job, re-queueing it with the same device id when the
// previous attempt did not complete.
func (s *service) SubmitOnboarding(ctx context.Context, req *onboarding.Request, idempotencyKey string) (*models.OnboardingJob, error) {
	if s.processor == nil {
		return nil, ErrProcessorDisabled
	}

	var job *models.OnboardingJob
	if idempotencyKey != "" {
		existing, err := s.repo.FindJob(ctx, idempotencyKey)
		switch {
		case err == nil:
			if existing.Status != models.JobStatusFailed && existing.Status != models.JobStatusInterrupted {
				s.log.WithFields(logrus.Fields{
					"job_id": existing.ID,
					"status": existing.Status,
				}).Info("Returning existing onboarding job for idempotency key")
				return existing, nil
			}
			job = existing
		case !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("failed to look up onboarding job: %w", err)
		}
	}

	if job == nil {
		id := idempotencyKey
		if id == "" {
			id = uuid.New().String()
		}
		job = &models.OnboardingJob{
			ID:             id,
			DeviceID:       uuid.New().String(),
			OrganizationID: req.OrganizationID,
			RequestedBy:    req.UserID,
			Status:         models.JobStatusQueued,
		}
		if err := s.repo.CreateJob(ctx, job); err != nil {
			// A concurrent submission with the same key won the insert
			if errors.Is(err, repository.ErrDuplicateKey) && idempotencyKey != "" {
				winner, ferr := s.repo.FindJob(ctx, idempotencyKey)
				if ferr != nil {
					return nil, fmt.Errorf("failed to look up onboarding job: %w", ferr)
				}
				return winner, nil
			}
			return nil, fmt.Errorf("failed to create onboarding job: %w", err)
		}
	} else {
		job.Status = models.JobStatusQueued
		job.Error = ""
		job.CompletedAt = nil
		if err := s.repo.UpdateJob(ctx, job); err != nil {
			return nil, fmt.Errorf("failed to requeue onboarding job: %w", err)
		}

		// Drop the previous run's terminal event so subscribers follow the new run
		s.broker.Forget(job.ID)
		if err := s.cache.Delete(ctx, cache.ProgressKey(job.ID)); err != nil {
			s.log.WithError(err).WithField("job_id", job.ID).Warn("Failed to clear cached progress")
		}
	}

	req.RequestID = job.ID
	req.DeviceID = job.DeviceID

	if err := s.processor.Enqueue(job, req); err != nil {
		job.Status = models.JobStatusFailed
		job.Error = err.Error()
		if uerr := s.repo.UpdateJob(ctx, job); uerr != nil {
			s.log.WithError(uerr).WithField("job_id", job.ID).Error("Failed to record rejected onboarding job")
		}
		return nil, err
	}

	cacheJob(ctx, s.cache, s.log, job, s.onboarding.JobTTL)

	s.log.WithFields(logrus.Fields{
		"job_id":          job.ID,
		"device_id":       job.DeviceID,
		"organization_id": job.OrganizationID,
		"has_document":    req.HasDocument(),
	}).Info("Queued device onboarding")

	return job, nil
}

// RunOnboarding runs the pipeline on the calling goroutine
func (s *service) RunOnboarding(ctx context.Context, req *onboarding.Request, reporter onboarding.Reporter) (*onboarding.Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.DeviceID == "" {
		req.DeviceID = uuid.New().String()
	}
	return s.orchestrator.Run(ctx, req, reporter)
}

func (s *service) GetOnboardingJob(ctx context.Context, id string) (*models.OnboardingJob, error) {
	var cached models.OnboardingJob
	if err := cache.GetJSON(ctx, s.cache, cache.JobKey(id), &cached); err == nil {
		return &cached, nil
	}

	job, err := s.repo.FindJob(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	cacheJob(ctx, s.cache, s.log, job, s.onboarding.JobTTL)
	return job, nil
}

// SubscribeProgress subscribes to the progress of a job. For a job that
// finished before the subscription, the stream holds one terminal event.
func (s *service) SubscribeProgress(ctx context.Context, id string) (*onboarding.Subscription, error) {
	job, err := s.GetOnboardingJob(ctx, id)
	if err != nil {
		return nil, err
	}

	if _, ok := s.broker.Last(id); !ok && (job.Status.IsFinished() || job.Status == models.JobStatusInterrupted) {
		s.broker.Emit(s.finalProgress(ctx, job))
		time.AfterFunc(progressRetention, func() { s.broker.Forget(id) })
	}

	return s.broker.Subscribe(id), nil
}

// finalProgress rebuilds the terminal event of a finished job
func (s *service) finalProgress(ctx context.Context, job *models.OnboardingJob) onboarding.Progress {
	var p onboarding.Progress
	if err := cache.GetJSON(ctx, s.cache, cache.ProgressKey(job.ID), &p); err == nil {
		p.Terminal = true
		return p
	}

	p = onboarding.Progress{
		RequestID: job.ID,
		DeviceID:  job.DeviceID,
		Stage:     models.StageNotify,
		Percent:   100,
		Message:   "Onboarding " + string(job.Status),
		Error:     job.Error,
		Terminal:  true,
		Timestamp: time.Now().UTC(),
	}
	if job.Status != models.JobStatusCompleted {
		p.Stage = models.StageDeviceCreate
		p.Percent = 0
	}
	return p
}

// GetDeviceDetails loads a device and its generated entities concurrently
func (s *service) GetDeviceDetails(ctx context.Context, id string) (*DeviceDetails, error) {
	device, err := s.repo.FindDeviceByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	details := &DeviceDetails{Device: device}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rules, err := s.repo.ListRules(gctx, id)
		details.Rules = rules
		return err
	})
	g.Go(func() error {
		tasks, err := s.repo.ListMaintenanceTasks(gctx, id)
		details.MaintenanceTasks = tasks
		return err
	})
	g.Go(func() error {
		items, err := s.repo.ListSafetyPrecautions(gctx, id)
		details.SafetyPrecautions = items
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load device details: %w", err)
	}

	return details, nil
}

// SweepOverdueMaintenance marks active tasks whose next date has passed
func (s *service) SweepOverdueMaintenance(ctx context.Context) (int64, error) {
	y, m, d := s.now().UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	count, err := s.repo.MarkOverdueMaintenance(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("failed to mark overdue maintenance: %w", err)
	}
	if count > 0 {
		s.log.WithField("count", count).Info("Marked maintenance tasks overdue")
	}
	return count, nil
}

// InterruptStaleJobs marks jobs stuck in queued or running as interrupted
func (s *service) InterruptStaleJobs(ctx context.Context) (int64, error) {
	threshold := s.maintenance.StaleJobThreshold
	if threshold <= 0 {
		threshold = time.Hour
	}

	count, err := s.repo.InterruptStaleJobs(ctx, s.now().Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("failed to interrupt stale jobs: %w", err)
	}
	if count > 0 {
		s.log.WithField("count", count).Warn("Interrupted stale onboarding jobs")
	}
	return count, nil
}

// GetProcessorStats returns statistics about the onboarding processor
func (s *service) GetProcessorStats() map[string]interface{} {
	if s.processor == nil {
		return map[string]interface{}{"enabled": false}
	}
	stats := s.processor.QueueStats()
	stats["enabled"] = true
	return stats
}

// Shutdown gracefully stops the service
func (s *service) Shutdown() error {
	s.log.Info("Shutting down service...")
	if s.processor != nil {
		s.processor.Stop()
	}
	s.stopSink()
	return nil
}
