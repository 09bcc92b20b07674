package onboarding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"example.com/backstage/services/onboarding/internal/docintel"
	"example.com/backstage/services/onboarding/internal/models"
	"example.com/backstage/services/onboarding/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockDocIntel is a mock document intelligence client
type MockDocIntel struct {
	mock.Mock
}

func (m *MockDocIntel) Upload(ctx context.Context, doc docintel.Document, organizationID string) (*docintel.UploadResult, error) {
	args := m.Called(ctx, doc, organizationID)
	if res := args.Get(0); res != nil {
		return res.(*docintel.UploadResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDocIntel) GenerateRules(ctx context.Context, handle docintel.DocumentHandle, deviceID, organizationID string) ([]docintel.GeneratedRule, error) {
	args := m.Called(ctx, handle, deviceID, organizationID)
	if res := args.Get(0); res != nil {
		return res.([]docintel.GeneratedRule), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDocIntel) GenerateMaintenance(ctx context.Context, handle docintel.DocumentHandle, deviceID, organizationID string) ([]docintel.GeneratedMaintenanceTask, error) {
	args := m.Called(ctx, handle, deviceID, organizationID)
	if res := args.Get(0); res != nil {
		return res.([]docintel.GeneratedMaintenanceTask), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDocIntel) GenerateSafety(ctx context.Context, handle docintel.DocumentHandle, deviceID, organizationID string) ([]docintel.GeneratedSafetyItem, error) {
	args := m.Called(ctx, handle, deviceID, organizationID)
	if res := args.Get(0); res != nil {
		return res.([]docintel.GeneratedSafetyItem), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockNotifier is a mock assignee notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, n Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

// memStore keeps everything in maps and mirrors the marker semantics of the repository
type memStore struct {
	mu          sync.Mutex
	devices     map[string]*models.Device
	markers     map[string]*models.StageMarker
	rules       []*models.Rule
	maintenance []*models.MaintenanceTask
	safety      []*models.SafetyPrecaution
	createErr   error
}

func newMemStore() *memStore {
	return &memStore{
		devices: make(map[string]*models.Device),
		markers: make(map[string]*models.StageMarker),
	}
}

func markerKey(deviceID string, stage models.PipelineStage) string {
	return deviceID + "/" + string(stage)
}

func (s *memStore) CreateDevice(ctx context.Context, device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.devices[device.ID]; ok {
		return repository.ErrDuplicateKey
	}
	copied := *device
	s.devices[device.ID] = &copied
	return nil
}

func (s *memStore) FindDeviceByID(ctx context.Context, id string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *d
	return &copied, nil
}

func (s *memStore) AttachDocument(ctx context.Context, deviceID, name, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return repository.ErrNotFound
	}
	d.DocumentName = &name
	d.DocumentRef = &ref
	return nil
}

func (s *memStore) markLocked(deviceID string, stage models.PipelineStage, count int) {
	key := markerKey(deviceID, stage)
	if _, ok := s.markers[key]; ok {
		return
	}
	s.markers[key] = &models.StageMarker{DeviceID: deviceID, Stage: stage, ItemCount: count, CompletedAt: time.Now()}
}

func (s *memStore) SaveRules(ctx context.Context, deviceID string, rules []*models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rules...)
	s.markLocked(deviceID, models.StageRulesGenerate, len(rules))
	return nil
}

func (s *memStore) SaveMaintenanceTasks(ctx context.Context, deviceID string, tasks []*models.MaintenanceTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maintenance = append(s.maintenance, tasks...)
	s.markLocked(deviceID, models.StageMaintenanceGenerate, len(tasks))
	return nil
}

func (s *memStore) SaveSafetyPrecautions(ctx context.Context, deviceID string, items []*models.SafetyPrecaution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.safety = append(s.safety, items...)
	s.markLocked(deviceID, models.StageSafetyGenerate, len(items))
	return nil
}

func (s *memStore) FindStageMarker(ctx context.Context, deviceID string, stage models.PipelineStage) (*models.StageMarker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markers[markerKey(deviceID, stage)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m, nil
}

func (s *memStore) MarkStage(ctx context.Context, marker *models.StageMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLocked(marker.DeviceID, marker.Stage, marker.ItemCount)
	return nil
}

var fixedNow = time.Date(2024, time.January, 31, 10, 30, 0, 0, time.UTC)

func newTestRequest() *Request {
	return &Request{
		RequestID:      "req-1",
		DeviceID:       "dev-1",
		Name:           "Boiler Pump",
		Type:           "pump",
		Location:       "Plant 2",
		Protocol:       "MQTT",
		OrganizationID: "org-1",
		UserID:         "user-1",
		AssigneeID:     "tech-7",
		Document:       &docintel.Document{Filename: "manual.pdf", Content: []byte("%PDF-1.4")},
	}
}

func newTestOrchestrator(store Store, docs docintel.Client, notifier Notifier) *Orchestrator {
	return NewOrchestrator(Options{
		Store:         store,
		DocIntel:      docs,
		Notifier:      notifier,
		Logger:        quietLogger(),
		Clock:         func() time.Time { return fixedNow },
		NotifyTimeout: time.Second,
	})
}

type recorder struct {
	events []Progress
}

func (r *recorder) Emit(p Progress) {
	r.events = append(r.events, p)
}

func (r *recorder) percents() []int {
	out := make([]int, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Percent)
	}
	return out
}

func statuses(result *Result) []models.StageStatus {
	out := make([]models.StageStatus, 0, len(result.Outcomes))
	for _, o := range result.Outcomes {
		out = append(out, o.Status)
	}
	return out
}

func expectGeneration(docs *MockDocIntel) {
	docs.On("GenerateRules", mock.Anything, docintel.DocumentHandle("manual.pdf"), "dev-1", "org-1").Return([]docintel.GeneratedRule{
		{Name: "High temperature", Metric: "temperature", Threshold: "85", Priority: "high"},
		{Name: "No metric", Threshold: "10"},
	}, nil).Once()
	docs.On("GenerateMaintenance", mock.Anything, docintel.DocumentHandle("manual.pdf"), "dev-1", "org-1").Return([]docintel.GeneratedMaintenanceTask{
		{TaskName: "Inspect seals", Description: "Check shaft seals for leaks", Frequency: "30"},
		{TaskName: "Missing description", Frequency: "weekly"},
	}, nil).Once()
	docs.On("GenerateSafety", mock.Anything, docintel.DocumentHandle("manual.pdf"), "dev-1", "org-1").Return([]docintel.GeneratedSafetyItem{
		{Title: "Hot surface", Description: "Casing exceeds 60C during operation"},
	}, nil).Once()
}

func TestRunCompletesAllStages(t *testing.T) {
	store := newMemStore()
	docs := new(MockDocIntel)
	notifier := new(MockNotifier)

	docs.On("Upload", mock.Anything, mock.Anything, "org-1").Return(&docintel.UploadResult{Handle: "manual.pdf", ChunksProcessed: 4}, nil).Once()
	expectGeneration(docs)
	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n Notification) bool {
		return n.AssigneeID == "tech-7" && n.Counts == Counts{Rules: 1, Maintenance: 1, Safety: 1} && !n.Degraded
	})).Return(nil).Once()

	rec := &recorder{}
	result, err := newTestOrchestrator(store, docs, notifier).Run(context.Background(), newTestRequest(), rec)
	require.NoError(t, err)

	assert.Equal(t, []models.StageStatus{
		models.StageSucceeded, models.StageSucceeded, models.StageSucceeded,
		models.StageSucceeded, models.StageSucceeded, models.StageSucceeded,
	}, statuses(result))
	assert.Equal(t, Counts{Rules: 1, Maintenance: 1, Safety: 1}, result.Counts)
	assert.Equal(t, docintel.DocumentHandle("manual.pdf"), result.DocumentHandle)
	assert.False(t, result.Degraded())

	rules, _ := result.Outcome(models.StageRulesGenerate)
	assert.Equal(t, 1, rules.DroppedCount)

	require.Len(t, store.rules, 1)
	assert.Equal(t, models.PriorityHigh, store.rules[0].Priority)
	assert.Equal(t, DefaultRuleDescription, store.rules[0].Description)

	require.Len(t, store.maintenance, 1)
	task := store.maintenance[0]
	assert.Equal(t, "monthly", task.Frequency)
	assert.Equal(t, time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC), task.LastMaintenance)
	assert.Equal(t, time.Date(2024, time.February, 29, 0, 0, 0, 0, time.UTC), task.NextMaintenance)
	assert.Equal(t, models.PriorityMedium, task.Priority)
	require.NotNil(t, task.AssignedTo)
	assert.Equal(t, "tech-7", *task.AssignedTo)

	device, err := store.FindDeviceByID(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, device.Status)
	require.NotNil(t, device.DocumentRef)
	assert.Equal(t, "manual.pdf", *device.DocumentRef)

	assert.Equal(t, []int{5, 15, 20, 35, 40, 55, 60, 75, 80, 90, 95, 100}, rec.percents())
	last := rec.events[len(rec.events)-1]
	assert.True(t, last.Terminal)
	assert.Equal(t, 6, last.StepDetails.CurrentStep)
	assert.Equal(t, StepCompleted, last.StepDetails.Status)
	assert.Equal(t, "1 rules saved, 1 dropped", rec.events[5].SubMessage)

	docs.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestRunUploadFailureSkipsGeneration(t *testing.T) {
	store := newMemStore()
	docs := new(MockDocIntel)
	notifier := new(MockNotifier)

	uploadErr := &docintel.RemoteServiceError{Op: "upload", Kind: docintel.KindRejected, StatusCode: 422, Message: "not a pdf"}
	docs.On("Upload", mock.Anything, mock.Anything, "org-1").Return(nil, uploadErr).Once()
	notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n Notification) bool {
		return n.Counts == Counts{} && n.Degraded
	})).Return(nil).Once()

	rec := &recorder{}
	result, err := newTestOrchestrator(store, docs, notifier).Run(context.Background(), newTestRequest(), rec)
	require.NoError(t, err)

	assert.Equal(t, []models.StageStatus{
		models.StageSucceeded, models.StageFailed, models.StageSkipped,
		models.StageSkipped, models.StageSkipped, models.StageSucceeded,
	}, statuses(result))

	upload, ok := result.Outcome(models.StageDocumentUpload)
	require.True(t, ok)
	assert.Contains(t, upload.Error, "not a pdf")

	_, err = store.FindDeviceByID(context.Background(), "dev-1")
	require.NoError(t, err)

	afterUpload := rec.events[3]
	assert.Equal(t, StepFailed, afterUpload.StepDetails.Status)
	assert.False(t, afterUpload.Retryable)
	assert.NotEmpty(t, afterUpload.Error)

	docs.AssertNotCalled(t, "GenerateRules", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	docs.AssertNotCalled(t, "GenerateMaintenance", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	docs.AssertNotCalled(t, "GenerateSafety", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	notifier.AssertExpectations(t)
}

func TestRunWithoutDocumentOrAssignee(t *testing.T) {
	store := newMemStore()
	docs := new(MockDocIntel)
	notifier := new(MockNotifier)

	req := newTestRequest()
	req.Document = nil
	req.AssigneeID = ""

	rec := &recorder{}
	result, err := newTestOrchestrator(store, docs, notifier).Run(context.Background(), req, rec)
	require.NoError(t, err)

	assert.Equal(t, []models.StageStatus{
		models.StageSucceeded, models.StageSkipped, models.StageSkipped,
		models.StageSkipped, models.StageSkipped, models.StageSkipped,
	}, statuses(result))
	assert.Equal(t, 100, rec.events[len(rec.events)-1].Percent)

	docs.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestRunInvalidRequestIsFatal(t *testing.T) {
	store := newMemStore()
	docs := new(MockDocIntel)

	req := newTestRequest()
	req.Protocol = "smoke-signals"

	rec := &recorder{}
	result, err := newTestOrchestrator(store, docs, nil).Run(context.Background(), req, rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeviceCreate))
	assert.True(t, errors.Is(err, ErrInvalidRequest))

	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, models.StageFailed, result.Outcomes[0].Status)
	assert.Empty(t, store.devices)

	require.Len(t, rec.events, 2)
	assert.True(t, rec.events[1].Terminal)
	assert.NotEmpty(t, rec.events[1].Error)
	assert.Equal(t, 5, rec.events[1].Percent)
	docs.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunStorageFailureIsFatal(t *testing.T) {
	store := newMemStore()
	store.createErr = errors.New("connection refused")

	_, err := newTestOrchestrator(store, new(MockDocIntel), nil).Run(context.Background(), newTestRequest(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeviceCreate))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRunGenerationFailureIsSoft(t *testing.T) {
	store := newMemStore()
	docs := new(MockDocIntel)

	unavailable := &docintel.RemoteServiceError{Op: "generate-rules", Kind: docintel.KindUnavailable, StatusCode: 503}
	docs.On("Upload", mock.Anything, mock.Anything, "org-1").Return(&docintel.UploadResult{Handle: "manual.pdf"}, nil).Once()
	docs.On("GenerateRules", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, unavailable).Once()
	docs.On("GenerateMaintenance", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]docintel.GeneratedMaintenanceTask{}, nil).Once()
	docs.On("GenerateSafety", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]docintel.GeneratedSafetyItem{
		{Title: "Lockout", Description: "Isolate power before service"},
	}, nil).Once()

	req := newTestRequest()
	req.AssigneeID = ""

	rec := &recorder{}
	result, err := newTestOrchestrator(store, docs, nil).Run(context.Background(), req, rec)
	require.NoError(t, err)

	assert.Equal(t, []models.StageStatus{
		models.StageSucceeded, models.StageSucceeded, models.StageFailed,
		models.StageSucceeded, models.StageSucceeded, models.StageSkipped,
	}, statuses(result))
	assert.True(t, result.Degraded())
	assert.Equal(t, Counts{Rules: 0, Maintenance: 0, Safety: 1}, result.Counts)

	maintenance, _ := result.Outcome(models.StageMaintenanceGenerate)
	assert.Equal(t, 0, maintenance.ItemCount)

	afterRules := rec.events[5]
	assert.True(t, afterRules.Retryable)
	assert.Equal(t, StepFailed, afterRules.StepDetails.Status)
	docs.AssertExpectations(t)
}

func TestRunIsIdempotentAcrossRetries(t *testing.T) {
	store := newMemStore()
	docs := new(MockDocIntel)
	notifier := new(MockNotifier)

	docs.On("Upload", mock.Anything, mock.Anything, "org-1").Return(&docintel.UploadResult{Handle: "manual.pdf"}, nil).Once()
	expectGeneration(docs)
	notifier.On("Notify", mock.Anything, mock.Anything).Return(nil).Once()

	orch := newTestOrchestrator(store, docs, notifier)
	first, err := orch.Run(context.Background(), newTestRequest(), nil)
	require.NoError(t, err)

	second, err := orch.Run(context.Background(), newTestRequest(), nil)
	require.NoError(t, err)

	assert.Equal(t, first.Counts, second.Counts)
	assert.Equal(t, statuses(first), statuses(second))
	assert.Len(t, store.devices, 1)
	assert.Len(t, store.rules, 1)
	assert.Len(t, store.maintenance, 1)
	assert.Len(t, store.safety, 1)

	docs.AssertNumberOfCalls(t, "Upload", 1)
	docs.AssertNumberOfCalls(t, "GenerateRules", 1)
	notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestRunRejectsDeviceOfAnotherOrganization(t *testing.T) {
	store := newMemStore()
	store.devices["dev-1"] = &models.Device{Model: models.Model{ID: "dev-1"}, Name: "Other", OrganizationID: "org-2"}

	_, err := newTestOrchestrator(store, new(MockDocIntel), nil).Run(context.Background(), newTestRequest(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeviceCreate))
}

func TestRunRecoversFromStagePanic(t *testing.T) {
	store := newMemStore()
	docs := new(MockDocIntel)
	notifier := new(MockNotifier)

	req := newTestRequest()
	req.Document = nil
	notifier.On("Notify", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		panic("template missing")
	}).Return(nil)

	rec := &recorder{}
	result, err := newTestOrchestrator(store, docs, notifier).Run(context.Background(), req, rec)
	require.NoError(t, err)

	notify, ok := result.Outcome(models.StageNotify)
	require.True(t, ok)
	assert.Equal(t, models.StageFailed, notify.Status)
	assert.Contains(t, notify.Error, "panicked")

	last := rec.events[len(rec.events)-1]
	assert.True(t, last.Terminal)
	assert.Equal(t, 100, last.Percent)
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := newMemStore()
	_, err := newTestOrchestrator(store, new(MockDocIntel), nil).Run(ctx, newTestRequest(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, store.devices)
}

func TestRunNotifiesAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	store := newMemStore()
	docs := new(MockDocIntel)
	notifier := new(MockNotifier)

	docs.On("Upload", mock.Anything, mock.Anything, "org-1").Run(func(mock.Arguments) {
		cancel()
	}).Return(nil, &docintel.RemoteServiceError{Op: "upload", Kind: docintel.KindUnavailable, Err: context.Canceled}).Once()
	notifier.On("Notify", mock.MatchedBy(func(ctx context.Context) bool {
		return ctx.Err() == nil
	}), mock.Anything).Return(nil).Once()

	result, err := newTestOrchestrator(store, docs, notifier).Run(ctx, newTestRequest(), nil)
	require.NoError(t, err)

	assert.Equal(t, []models.StageStatus{
		models.StageSucceeded, models.StageFailed, models.StageSkipped,
		models.StageSkipped, models.StageSkipped, models.StageSucceeded,
	}, statuses(result))
	notifier.AssertExpectations(t)
}
