package service

import (
	"context"
	"time"

	"example.com/backstage/services/onboarding/internal/models"
	"example.com/backstage/services/onboarding/internal/onboarding"
	"example.com/backstage/services/onboarding/internal/repository"
	"example.com/backstage/services/onboarding/internal/search"

	"github.com/stretchr/testify/mock"
)

// MockRepository is a mock implementation of repository.Repository
type MockRepository struct {
	mock.Mock
}

var _ repository.Repository = (*MockRepository)(nil)

func (m *MockRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo repository.Repository) error) error {
	return fn(ctx, m)
}

func (m *MockRepository) EnsureOrganization(ctx context.Context, org *models.Organization) error {
	args := m.Called(ctx, org)
	return args.Error(0)
}

func (m *MockRepository) CreateDevice(ctx context.Context, device *models.Device) error {
	args := m.Called(ctx, device)
	return args.Error(0)
}

func (m *MockRepository) FindDeviceByID(ctx context.Context, id string) (*models.Device, error) {
	args := m.Called(ctx, id)
	if d := args.Get(0); d != nil {
		return d.(*models.Device), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) AttachDocument(ctx context.Context, deviceID, name, ref string) error {
	args := m.Called(ctx, deviceID, name, ref)
	return args.Error(0)
}

func (m *MockRepository) SaveRules(ctx context.Context, deviceID string, rules []*models.Rule) error {
	args := m.Called(ctx, deviceID, rules)
	return args.Error(0)
}

func (m *MockRepository) SaveMaintenanceTasks(ctx context.Context, deviceID string, tasks []*models.MaintenanceTask) error {
	args := m.Called(ctx, deviceID, tasks)
	return args.Error(0)
}

func (m *MockRepository) SaveSafetyPrecautions(ctx context.Context, deviceID string, items []*models.SafetyPrecaution) error {
	args := m.Called(ctx, deviceID, items)
	return args.Error(0)
}

func (m *MockRepository) ListRules(ctx context.Context, deviceID string) ([]*models.Rule, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).([]*models.Rule), args.Error(1)
}

func (m *MockRepository) ListMaintenanceTasks(ctx context.Context, deviceID string) ([]*models.MaintenanceTask, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).([]*models.MaintenanceTask), args.Error(1)
}

func (m *MockRepository) ListSafetyPrecautions(ctx context.Context, deviceID string) ([]*models.SafetyPrecaution, error) {
	args := m.Called(ctx, deviceID)
	return args.Get(0).([]*models.SafetyPrecaution), args.Error(1)
}

func (m *MockRepository) MarkOverdueMaintenance(ctx context.Context, asOf time.Time) (int64, error) {
	args := m.Called(ctx, asOf)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) FindStageMarker(ctx context.Context, deviceID string, stage models.PipelineStage) (*models.StageMarker, error) {
	args := m.Called(ctx, deviceID, stage)
	if sm := args.Get(0); sm != nil {
		return sm.(*models.StageMarker), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) MarkStage(ctx context.Context, marker *models.StageMarker) error {
	args := m.Called(ctx, marker)
	return args.Error(0)
}

func (m *MockRepository) CreateJob(ctx context.Context, job *models.OnboardingJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockRepository) UpdateJob(ctx context.Context, job *models.OnboardingJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *MockRepository) FindJob(ctx context.Context, id string) (*models.OnboardingJob, error) {
	args := m.Called(ctx, id)
	if j := args.Get(0); j != nil {
		return j.(*models.OnboardingJob), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRepository) InterruptStaleJobs(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// MockServiceBusClient is a mock messaging client
type MockServiceBusClient struct {
	mock.Mock
}

func (m *MockServiceBusClient) SendMessage(ctx context.Context, body interface{}, sessionID string) error {
	args := m.Called(ctx, body, sessionID)
	return args.Error(0)
}

func (m *MockServiceBusClient) Close() error {
	return nil
}

// MockIndexer is a mock search indexer
type MockIndexer struct {
	mock.Mock
}

var _ search.Indexer = (*MockIndexer)(nil)

func (m *MockIndexer) IndexOnboarding(ctx context.Context, summary *search.OnboardingSummary) error {
	args := m.Called(ctx, summary)
	return args.Error(0)
}

// runnerFunc adapts a function to the Runner interface
type runnerFunc func(ctx context.Context, req *onboarding.Request, reporter onboarding.Reporter) (*onboarding.Result, error)

func (f runnerFunc) Run(ctx context.Context, req *onboarding.Request, reporter onboarding.Reporter) (*onboarding.Result, error) {
	return f(ctx, req, reporter)
}
