package repository

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/onboarding/internal/database"
	"example.com/backstage/services/onboarding/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides data access methods
type Repository interface {
	// Transaction support
	WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error

	// Organization operations
	EnsureOrganization(ctx context.Context, org *models.Organization) error

	// Device operations
	CreateDevice(ctx context.Context, device *models.Device) error
	FindDeviceByID(ctx context.Context, id string) (*models.Device, error)
	AttachDocument(ctx context.Context, deviceID, name, ref string) error

	// Generated entity operations, each batch committed with its stage marker
	SaveRules(ctx context.Context, deviceID string, rules []*models.Rule) error
	SaveMaintenanceTasks(ctx context.Context, deviceID string, tasks []*models.MaintenanceTask) error
	SaveSafetyPrecautions(ctx context.Context, deviceID string, items []*models.SafetyPrecaution) error
	ListRules(ctx context.Context, deviceID string) ([]*models.Rule, error)
	ListMaintenanceTasks(ctx context.Context, deviceID string) ([]*models.MaintenanceTask, error)
	ListSafetyPrecautions(ctx context.Context, deviceID string) ([]*models.SafetyPrecaution, error)
	MarkOverdueMaintenance(ctx context.Context, asOf time.Time) (int64, error)

	// Stage marker operations
	FindStageMarker(ctx context.Context, deviceID string, stage models.PipelineStage) (*models.StageMarker, error)
	MarkStage(ctx context.Context, marker *models.StageMarker) error

	// OnboardingJob operations
	CreateJob(ctx context.Context, job *models.OnboardingJob) error
	UpdateJob(ctx context.Context, job *models.OnboardingJob) error
	FindJob(ctx context.Context, id string) (*models.OnboardingJob, error)
	InterruptStaleJobs(ctx context.Context, before time.Time) (int64, error)
}

// repo is an implementation of the Repository interface
type repo struct {
	db database.DB
}

// Helper type for transaction support
type dbWrapper struct {
	db *gorm.DB
}

func (w *dbWrapper) DB() (*gorm.DB, error) {
	return w.db, nil
}

func (w *dbWrapper) Close() error {
	return nil
}

// NewRepository creates a new repository instance
func NewRepository(db database.DB) Repository {
	return &repo{
		db: db,
	}
}

func (r *repo) conn(ctx context.Context) (*gorm.DB, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}
	return gormDB.WithContext(ctx), nil
}

// WithTransaction executes the given function within a database transaction
func (r *repo) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return gormDB.Transaction(func(tx *gorm.DB) error {
		txRepo := &repo{
			db: &dbWrapper{db: tx},
		}
		return fn(ctx, txRepo)
	})
}

// Organization operations implementation

func (r *repo) EnsureOrganization(ctx context.Context, org *models.Organization) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return gormDB.Clauses(clause.OnConflict{DoNothing: true}).Create(org).Error
}

// Device operations implementation

// CreateDevice inserts the device and its organization atomically.
// Nothing is persisted when any part fails.
func (r *repo) CreateDevice(ctx context.Context, device *models.Device) error {
	return r.WithTransaction(ctx, func(ctx context.Context, txRepo Repository) error {
		if err := txRepo.EnsureOrganization(ctx, &models.Organization{
			Model:  models.Model{ID: device.OrganizationID},
			Name:   device.OrganizationID,
			Active: true,
		}); err != nil {
			return fmt.Errorf("failed to ensure organization: %w", err)
		}

		gormDB, err := txRepo.(*repo).conn(ctx)
		if err != nil {
			return err
		}
		if err := gormDB.Omit("Organization").Create(device).Error; err != nil {
			return translateError(err)
		}
		return nil
	})
}

func (r *repo) FindDeviceByID(ctx context.Context, id string) (*models.Device, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var device models.Device
	if err := gormDB.Where("id = ?", id).First(&device).Error; err != nil {
		return nil, translateError(err)
	}

	return &device, nil
}

func (r *repo) AttachDocument(ctx context.Context, deviceID, name, ref string) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	result := gormDB.Model(&models.Device{}).
		Where("id = ?", deviceID).
		Updates(map[string]interface{}{
			"document_name": name,
			"document_ref":  ref,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Generated entity operations implementation

func (r *repo) SaveRules(ctx context.Context, deviceID string, rules []*models.Rule) error {
	return r.saveWithMarker(ctx, deviceID, models.StageRulesGenerate, len(rules), rules)
}

func (r *repo) SaveMaintenanceTasks(ctx context.Context, deviceID string, tasks []*models.MaintenanceTask) error {
	return r.saveWithMarker(ctx, deviceID, models.StageMaintenanceGenerate, len(tasks), tasks)
}

func (r *repo) SaveSafetyPrecautions(ctx context.Context, deviceID string, items []*models.SafetyPrecaution) error {
	return r.saveWithMarker(ctx, deviceID, models.StageSafetyGenerate, len(items), items)
}

// saveWithMarker commits a generated batch together with its stage marker so a
// retried pipeline can detect the batch and skip it.
func (r *repo) saveWithMarker(ctx context.Context, deviceID string, stage models.PipelineStage, count int, records interface{}) error {
	return r.WithTransaction(ctx, func(ctx context.Context, txRepo Repository) error {
		gormDB, err := txRepo.(*repo).conn(ctx)
		if err != nil {
			return err
		}

		if count > 0 {
			if err := gormDB.Clauses(clause.OnConflict{DoNothing: true}).Create(records).Error; err != nil {
				return fmt.Errorf("failed to save %s batch: %w", stage, err)
			}
		}

		return txRepo.MarkStage(ctx, &models.StageMarker{
			DeviceID:    deviceID,
			Stage:       stage,
			ItemCount:   count,
			CompletedAt: time.Now().UTC(),
		})
	})
}

func (r *repo) ListRules(ctx context.Context, deviceID string) ([]*models.Rule, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var rules []*models.Rule
	if err := gormDB.Where("device_id = ?", deviceID).Order("created_at").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *repo) ListMaintenanceTasks(ctx context.Context, deviceID string) ([]*models.MaintenanceTask, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var tasks []*models.MaintenanceTask
	if err := gormDB.Where("device_id = ?", deviceID).Order("next_maintenance").Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *repo) ListSafetyPrecautions(ctx context.Context, deviceID string) ([]*models.SafetyPrecaution, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var items []*models.SafetyPrecaution
	if err := gormDB.Where("device_id = ?", deviceID).Order("created_at").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// MarkOverdueMaintenance flags active tasks whose next date is before asOf
func (r *repo) MarkOverdueMaintenance(ctx context.Context, asOf time.Time) (int64, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}

	result := gormDB.Model(&models.MaintenanceTask{}).
		Where("status = ? AND next_maintenance < ?", models.MaintenanceStatusActive, asOf).
		Update("status", models.MaintenanceStatusOverdue)
	return result.RowsAffected, result.Error
}

// Stage marker operations implementation

func (r *repo) FindStageMarker(ctx context.Context, deviceID string, stage models.PipelineStage) (*models.StageMarker, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var marker models.StageMarker
	if err := gormDB.Where("device_id = ? AND stage = ?", deviceID, stage).First(&marker).Error; err != nil {
		return nil, translateError(err)
	}
	return &marker, nil
}

func (r *repo) MarkStage(ctx context.Context, marker *models.StageMarker) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return gormDB.Clauses(clause.OnConflict{DoNothing: true}).Create(marker).Error
}

// OnboardingJob operations implementation

func (r *repo) CreateJob(ctx context.Context, job *models.OnboardingJob) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return translateError(gormDB.Create(job).Error)
}

func (r *repo) UpdateJob(ctx context.Context, job *models.OnboardingJob) error {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return err
	}

	return gormDB.Save(job).Error
}

func (r *repo) FindJob(ctx context.Context, id string) (*models.OnboardingJob, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}

	var job models.OnboardingJob
	if err := gormDB.Where("id = ?", id).First(&job).Error; err != nil {
		return nil, translateError(err)
	}
	return &job, nil
}

// InterruptStaleJobs marks unfinished jobs last touched before the cutoff
func (r *repo) InterruptStaleJobs(ctx context.Context, before time.Time) (int64, error) {
	gormDB, err := r.conn(ctx)
	if err != nil {
		return 0, err
	}

	result := gormDB.Model(&models.OnboardingJob{}).
		Where("status IN ? AND updated_at < ?", []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning}, before).
		Update("status", models.JobStatusInterrupted)
	return result.RowsAffected, result.Error
}
