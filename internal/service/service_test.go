package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/onboarding/config"
	"example.com/backstage/services/onboarding/internal/cache"
	"example.com/backstage/services/onboarding/internal/models"
	"example.com/backstage/services/onboarding/internal/onboarding"
	"example.com/backstage/services/onboarding/internal/repository"
	"example.com/backstage/services/onboarding/internal/search"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestRequest() *onboarding.Request {
	return &onboarding.Request{
		Name:           "Boiler Pump",
		Type:           "pump",
		Protocol:       "MQTT",
		OrganizationID: "org-1",
		UserID:         "user-1",
	}
}

// newTestService builds a service around a processor driven by runner
func newTestService(t *testing.T, repo *MockRepository, c cache.RedisClient, runner Runner, indexer search.Indexer, workers, queueSize int) *service {
	t.Helper()

	log := quietLogger()
	broker := onboarding.NewBroker(8, log)
	processor := NewProcessor(ProcessorConfig{
		Repository: repo,
		Cache:      c,
		Runner:     runner,
		Broker:     broker,
		Indexer:    indexer,
		Logger:     log,
		Workers:    workers,
		QueueSize:  queueSize,
		JobTTL:     time.Hour,
	})
	t.Cleanup(processor.Stop)

	return &service{
		repo:        repo,
		cache:       c,
		broker:      broker,
		processor:   processor,
		log:         log,
		onboarding:  config.OnboardingConfig{JobTTL: time.Hour},
		maintenance: config.MaintenanceConfig{StaleJobThreshold: 30 * time.Minute},
		now:         func() time.Time { return time.Date(2024, time.March, 10, 15, 4, 5, 0, time.UTC) },
		stopSink:    func() {},
	}
}

func waitForStatus(repo *MockRepository, status models.JobStatus) chan struct{} {
	done := make(chan struct{})
	var once sync.Once
	repo.On("UpdateJob", mock.Anything, mock.AnythingOfType("*models.OnboardingJob")).Run(func(args mock.Arguments) {
		if args.Get(1).(*models.OnboardingJob).Status == status {
			once.Do(func() { close(done) })
		}
	}).Return(nil)
	return done
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	require.EqualError(t, err, "repository is required")

	_, err = NewService(ServiceConfig{Repository: new(MockRepository)})
	require.EqualError(t, err, "document intelligence client is required")
}

func TestSubmitOnboardingQueuesNewJob(t *testing.T) {
	repo := new(MockRepository)
	indexer := new(MockIndexer)

	var seen *onboarding.Request
	runner := runnerFunc(func(ctx context.Context, req *onboarding.Request, reporter onboarding.Reporter) (*onboarding.Result, error) {
		seen = req
		reporter.Emit(onboarding.Progress{RequestID: req.RequestID, Percent: 100, Terminal: true})
		return &onboarding.Result{
			RequestID: req.RequestID,
			DeviceID:  req.DeviceID,
			Counts:    onboarding.Counts{Rules: 3, Maintenance: 2, Safety: 1},
			Outcomes:  []models.StageOutcome{{Stage: models.StageDeviceCreate, Status: models.StageSucceeded, ItemCount: 1}},
		}, nil
	})

	repo.On("CreateJob", mock.Anything, mock.AnythingOfType("*models.OnboardingJob")).Return(nil).Once()
	done := waitForStatus(repo, models.JobStatusCompleted)
	indexer.On("IndexOnboarding", mock.Anything, mock.MatchedBy(func(s *search.OnboardingSummary) bool {
		return s.RulesCount == 3 && s.DeviceName == "Boiler Pump"
	})).Return(nil).Once()

	svc := newTestService(t, repo, cache.NewNoopClient(), runner, indexer, 1, 4)

	req := newTestRequest()
	job, err := svc.SubmitOnboarding(context.Background(), req, "")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.NotEmpty(t, job.DeviceID)
	assert.Equal(t, job.ID, req.RequestID)
	assert.Equal(t, job.DeviceID, req.DeviceID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not completed")
	}
	svc.processor.Stop()

	assert.Same(t, req, seen)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 3, job.RulesCount)
	assert.Equal(t, 2, job.MaintenanceCount)
	assert.JSONEq(t, `[{"stage":"DEVICE_CREATE","status":"SUCCEEDED","item_count":1}]`, string(job.Outcomes))
	require.NotNil(t, job.CompletedAt)

	stats := svc.GetProcessorStats()
	assert.Equal(t, int64(1), stats["completed_jobs"])
	indexer.AssertExpectations(t)
}

func TestProcessorRecordsFatalFailure(t *testing.T) {
	repo := new(MockRepository)
	indexer := new(MockIndexer)

	runner := runnerFunc(func(ctx context.Context, req *onboarding.Request, reporter onboarding.Reporter) (*onboarding.Result, error) {
		return &onboarding.Result{RequestID: req.RequestID}, onboarding.ErrDeviceCreate
	})

	repo.On("CreateJob", mock.Anything, mock.Anything).Return(nil).Once()
	done := waitForStatus(repo, models.JobStatusFailed)

	svc := newTestService(t, repo, cache.NewNoopClient(), runner, indexer, 1, 4)
	job, err := svc.SubmitOnboarding(context.Background(), newTestRequest(), "")
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not marked failed")
	}
	svc.processor.Stop()

	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "device creation failed")
	indexer.AssertNotCalled(t, "IndexOnboarding", mock.Anything, mock.Anything)
}

func TestSubmitOnboardingReturnsCompletedJobForKey(t *testing.T) {
	repo := new(MockRepository)
	existing := &models.OnboardingJob{ID: "key-1", DeviceID: "dev-1", Status: models.JobStatusCompleted}
	repo.On("FindJob", mock.Anything, "key-1").Return(existing, nil).Once()

	svc := newTestService(t, repo, cache.NewNoopClient(), runnerFunc(nil), nil, 0, 1)

	job, err := svc.SubmitOnboarding(context.Background(), newTestRequest(), "key-1")
	require.NoError(t, err)
	assert.Same(t, existing, job)
	assert.Equal(t, 0, len(svc.processor.queue))
	repo.AssertNotCalled(t, "CreateJob", mock.Anything, mock.Anything)
}

func TestSubmitOnboardingRequeuesFailedJobWithSameDevice(t *testing.T) {
	repo := new(MockRepository)
	existing := &models.OnboardingJob{ID: "key-1", DeviceID: "dev-1", Status: models.JobStatusInterrupted, Error: "shutdown"}
	repo.On("FindJob", mock.Anything, "key-1").Return(existing, nil).Once()
	repo.On("UpdateJob", mock.Anything, existing).Return(nil).Once()

	svc := newTestService(t, repo, cache.NewNoopClient(), runnerFunc(nil), nil, 0, 1)

	req := newTestRequest()
	job, err := svc.SubmitOnboarding(context.Background(), req, "key-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Empty(t, job.Error)
	assert.Equal(t, "dev-1", req.DeviceID)
	assert.Equal(t, "key-1", req.RequestID)
	assert.Equal(t, 1, len(svc.processor.queue))
	repo.AssertExpectations(t)
}

func TestSubmitOnboardingRequeueClearsPreviousProgress(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	repo := new(MockRepository)
	existing := &models.OnboardingJob{ID: "key-1", DeviceID: "dev-1", Status: models.JobStatusFailed, Error: "old failure"}
	repo.On("FindJob", mock.Anything, "key-1").Return(existing, nil)
	repo.On("UpdateJob", mock.Anything, existing).Return(nil).Once()

	svc := newTestService(t, repo, c, runnerFunc(nil), nil, 0, 1)

	// Previous run ended with a terminal failure
	old := onboarding.Progress{RequestID: "key-1", Percent: 20, Error: "old failure", Terminal: true}
	svc.broker.Emit(old)
	require.NoError(t, cache.SetJSON(context.Background(), c, cache.ProgressKey("key-1"), old, time.Hour))

	job, err := svc.SubmitOnboarding(context.Background(), newTestRequest(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	_, ok := svc.broker.Last("key-1")
	assert.False(t, ok)
	assert.False(t, mr.Exists(cache.ProgressKey("key-1")))

	sub, err := svc.SubscribeProgress(context.Background(), "key-1")
	require.NoError(t, err)
	defer sub.Cancel()

	select {
	case p, open := <-sub.Events():
		t.Fatalf("unexpected event before the new run started: %+v (open=%v)", p, open)
	case <-time.After(50 * time.Millisecond):
	}

	// The re-queued run's events reach the subscriber
	svc.broker.Emit(onboarding.Progress{RequestID: "key-1", Percent: 5})
	select {
	case p := <-sub.Events():
		assert.Equal(t, 5, p.Percent)
		assert.False(t, p.Terminal)
	case <-time.After(time.Second):
		t.Fatal("expected progress from the new run")
	}
}

func TestSubmitOnboardingConcurrentDuplicateKey(t *testing.T) {
	repo := new(MockRepository)
	winner := &models.OnboardingJob{ID: "key-2", DeviceID: "dev-9", Status: models.JobStatusQueued}
	repo.On("FindJob", mock.Anything, "key-2").Return(nil, repository.ErrNotFound).Once()
	repo.On("CreateJob", mock.Anything, mock.Anything).Return(repository.ErrDuplicateKey).Once()
	repo.On("FindJob", mock.Anything, "key-2").Return(winner, nil).Once()

	svc := newTestService(t, repo, cache.NewNoopClient(), runnerFunc(nil), nil, 0, 1)

	job, err := svc.SubmitOnboarding(context.Background(), newTestRequest(), "key-2")
	require.NoError(t, err)
	assert.Equal(t, "dev-9", job.DeviceID)
	assert.Equal(t, 0, len(svc.processor.queue))
	repo.AssertExpectations(t)
}

func TestSubmitOnboardingQueueFull(t *testing.T) {
	repo := new(MockRepository)
	repo.On("CreateJob", mock.Anything, mock.Anything).Return(nil).Twice()
	repo.On("UpdateJob", mock.Anything, mock.MatchedBy(func(j *models.OnboardingJob) bool {
		return j.Status == models.JobStatusFailed
	})).Return(nil).Once()

	svc := newTestService(t, repo, cache.NewNoopClient(), runnerFunc(nil), nil, 0, 1)

	_, err := svc.SubmitOnboarding(context.Background(), newTestRequest(), "")
	require.NoError(t, err)

	_, err = svc.SubmitOnboarding(context.Background(), newTestRequest(), "")
	require.ErrorIs(t, err, ErrQueueFull)
	repo.AssertExpectations(t)
}

func TestSubmitOnboardingWithoutProcessor(t *testing.T) {
	svc := &service{log: quietLogger()}
	_, err := svc.SubmitOnboarding(context.Background(), newTestRequest(), "")
	require.ErrorIs(t, err, ErrProcessorDisabled)
}

func TestGetOnboardingJobUsesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewRedisClientFrom(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	repo := new(MockRepository)
	repo.On("FindJob", mock.Anything, "job-1").Return(&models.OnboardingJob{
		ID: "job-1", DeviceID: "dev-1", Status: models.JobStatusRunning,
	}, nil).Once()

	svc := newTestService(t, repo, c, runnerFunc(nil), nil, 0, 1)

	first, err := svc.GetOnboardingJob(context.Background(), "job-1")
	require.NoError(t, err)
	second, err := svc.GetOnboardingJob(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, first.DeviceID, second.DeviceID)
	assert.True(t, mr.Exists(cache.JobKey("job-1")))
	repo.AssertNumberOfCalls(t, "FindJob", 1)
}

func TestGetOnboardingJobNotFound(t *testing.T) {
	repo := new(MockRepository)
	repo.On("FindJob", mock.Anything, "missing").Return(nil, repository.ErrNotFound).Once()

	svc := newTestService(t, repo, cache.NewNoopClient(), runnerFunc(nil), nil, 0, 1)

	_, err := svc.GetOnboardingJob(context.Background(), "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestSubscribeProgressForFinishedJob(t *testing.T) {
	repo := new(MockRepository)
	repo.On("FindJob", mock.Anything, "job-1").Return(&models.OnboardingJob{
		ID: "job-1", DeviceID: "dev-1", Status: models.JobStatusCompleted,
	}, nil).Once()

	svc := newTestService(t, repo, cache.NewNoopClient(), runnerFunc(nil), nil, 0, 1)

	sub, err := svc.SubscribeProgress(context.Background(), "job-1")
	require.NoError(t, err)

	var events []onboarding.Progress
	for p := range sub.Events() {
		events = append(events, p)
	}
	require.Len(t, events, 1)
	assert.True(t, events[0].Terminal)
	assert.Equal(t, 100, events[0].Percent)
}

func TestSubscribeProgressUnknownJob(t *testing.T) {
	repo := new(MockRepository)
	repo.On("FindJob", mock.Anything, "missing").Return(nil, repository.ErrNotFound).Once()

	svc := newTestService(t, repo, cache.NewNoopClient(), runnerFunc(nil), nil, 0, 1)

	_, err := svc.SubscribeProgress(context.Background(), "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestGetDeviceDetails(t *testing.T) {
	repo := new(MockRepository)
	repo.On("FindDeviceByID", mock.Anything, "dev-1").Return(&models.Device{Model: models.Model{ID: "dev-1"}, Name: "Pump"}, nil).Once()
	repo.On("ListRules", mock.Anything, "dev-1").Return([]*models.Rule{{Name: "High temperature"}}, nil).Once()
	repo.On("ListMaintenanceTasks", mock.Anything, "dev-1").Return([]*models.MaintenanceTask{{TaskName: "Inspect seals"}}, nil).Once()
	repo.On("ListSafetyPrecautions", mock.Anything, "dev-1").Return([]*models.SafetyPrecaution{}, nil).Once()

	svc := newTestService(t, repo, cache.NewNoopClient(), runnerFunc(nil), nil, 0, 1)

	details, err := svc.GetDeviceDetails(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "Pump", details.Device.Name)
	assert.Len(t, details.Rules, 1)
	assert.Len(t, details.MaintenanceTasks, 1)
	assert.Empty(t, details.SafetyPrecautions)
}

func TestGetDeviceDetailsPropagatesListError(t *testing.T) {
	repo := new(MockRepository)
	repo.On("FindDeviceByID", mock.Anything, "dev-1").Return(&models.Device{Model: models.Model{ID: "dev-1"}}, nil).Once()
	repo.On("ListRules", mock.Anything, "dev-1").Return([]*models.Rule(nil), errors.New("connection reset")).Once()
	repo.On("ListMaintenanceTasks", mock.Anything, "dev-1").Return([]*models.MaintenanceTask{}, nil).Maybe()
	repo.On("ListSafetyPrecautions", mock.Anything, "dev-1").Return([]*models.SafetyPrecaution{}, nil).Maybe()

	svc := newTestService(t, repo, cache.NewNoopClient(), runnerFunc(nil), nil, 0, 1)

	_, err := svc.GetDeviceDetails(context.Background(), "dev-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestGetDeviceDetailsNotFound(t *testing.T) {
	repo := new(MockRepository)
	repo.On("FindDeviceByID", mock.Anything, "missing").Return(nil, repository.ErrNotFound).Once()

	svc := newTestService(t, repo, cache.NewNoopClient(), runnerFunc(nil), nil, 0, 1)

	_, err := svc.GetDeviceDetails(context.Background(), "missing")
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSweepOverdueMaintenanceUsesToday(t *testing.T) {
	repo := new(MockRepository)
	today := time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC)
	repo.On("MarkOverdueMaintenance", mock.Anything, today).Return(int64(4), nil).Once()

	svc := newTestService(t, repo, cache.NewNoopClient(), runnerFunc(nil), nil, 0, 1)

	count, err := svc.SweepOverdueMaintenance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
	repo.AssertExpectations(t)
}

func TestInterruptStaleJobsUsesThreshold(t *testing.T) {
	repo := new(MockRepository)
	cutoff := time.Date(2024, time.March, 10, 14, 34, 5, 0, time.UTC)
	repo.On("InterruptStaleJobs", mock.Anything, cutoff).Return(int64(2), nil).Once()

	svc := newTestService(t, repo, cache.NewNoopClient(), runnerFunc(nil), nil, 0, 1)

	count, err := svc.InterruptStaleJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestServiceBusNotifierPublishesEvent(t *testing.T) {
	client := new(MockServiceBusClient)
	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(body interface{}) bool {
		event, ok := body.(OnboardedEvent)
		return ok && event.Type == EventDeviceOnboarded && event.Notification.Counts.Rules == 2
	}), "dev-1").Return(nil).Once()

	notifier := NewServiceBusNotifier(client)
	err := notifier.Notify(context.Background(), onboarding.Notification{
		DeviceID:   "dev-1",
		AssigneeID: "tech-7",
		Counts:     onboarding.Counts{Rules: 2},
	})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestServiceBusNotifierWrapsError(t *testing.T) {
	client := new(MockServiceBusClient)
	client.On("SendMessage", mock.Anything, mock.Anything, "dev-1").Return(errors.New("amqp link detached")).Once()

	err := NewServiceBusNotifier(client).Notify(context.Background(), onboarding.Notification{DeviceID: "dev-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amqp link detached")
}

func TestNewSchedulerRegistersEnabledJobs(t *testing.T) {
	svc := newTestService(t, new(MockRepository), cache.NewNoopClient(), runnerFunc(nil), nil, 0, 1)

	scheduler, err := NewScheduler(context.Background(), svc, config.MaintenanceConfig{
		OverdueSweepInterval:  time.Hour,
		StaleJobSweepInterval: 0,
	}, quietLogger())
	require.NoError(t, err)
	defer scheduler.Shutdown()

	jobs := scheduler.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "overdue-maintenance-sweep", jobs[0].Name())
}
