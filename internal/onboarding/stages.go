package onboarding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/onboarding/internal/docintel"
	"example.com/backstage/services/onboarding/internal/models"
	"example.com/backstage/services/onboarding/internal/repository"
	"example.com/backstage/services/onboarding/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the pipeline depends on
type Store interface {
	CreateDevice(ctx context.Context, device *models.Device) error
	FindDeviceByID(ctx context.Context, id string) (*models.Device, error)
	AttachDocument(ctx context.Context, deviceID, name, ref string) error
	SaveRules(ctx context.Context, deviceID string, rules []*models.Rule) error
	SaveMaintenanceTasks(ctx context.Context, deviceID string, tasks []*models.MaintenanceTask) error
	SaveSafetyPrecautions(ctx context.Context, deviceID string, items []*models.SafetyPrecaution) error
	FindStageMarker(ctx context.Context, deviceID string, stage models.PipelineStage) (*models.StageMarker, error)
	MarkStage(ctx context.Context, marker *models.StageMarker) error
}

// Notification is handed to the notifier once all other stages ran
type Notification struct {
	RequestID      string                `json:"request_id"`
	DeviceID       string                `json:"device_id"`
	DeviceName     string                `json:"device_name"`
	OrganizationID string                `json:"organization_id"`
	AssigneeID     string                `json:"assignee_id"`
	RequestedBy    string                `json:"requested_by"`
	Counts         Counts                `json:"counts"`
	Outcomes       []models.StageOutcome `json:"outcomes"`
	Degraded       bool                  `json:"degraded"`
}

// Notifier delivers the onboarding summary to the assignee
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// State is the mutable context shared by the executors of one run
type State struct {
	Request *Request
	Device  *models.Device
	Handle  docintel.DocumentHandle
	Result  *Result
	Now     time.Time
}

// Executor runs one pipeline stage. A returned error marks the stage FAILED.
type Executor interface {
	Stage() models.PipelineStage
	Execute(ctx context.Context, st *State) (models.StageOutcome, error)
}

// deviceCreator persists the device record, reusing it when a previous
// attempt of the same request already created it.
type deviceCreator struct {
	store Store
	log   *logrus.Logger
}

func (e *deviceCreator) Stage() models.PipelineStage {
	return models.StageDeviceCreate
}

func (e *deviceCreator) Execute(ctx context.Context, st *State) (models.StageOutcome, error) {
	out := models.StageOutcome{Stage: e.Stage()}
	req := st.Request

	if err := utils.ValidateStruct(req); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	existing, err := e.store.FindDeviceByID(ctx, req.DeviceID)
	switch {
	case err == nil:
		e.log.WithField("device_id", req.DeviceID).Info("Device already exists, reusing it")
		return e.reuse(st, existing, out)
	case !errors.Is(err, repository.ErrNotFound):
		return out, fmt.Errorf("failed to look up device: %w", err)
	}

	device := &models.Device{
		Model:            models.Model{ID: req.DeviceID},
		Name:             req.Name,
		Type:             req.Type,
		Location:         req.Location,
		Protocol:         req.Protocol,
		Status:           models.DeviceStatusOnline,
		ConnectionParams: req.ConnectionParams,
		OrganizationID:   req.OrganizationID,
		CreatedBy:        req.UserID,
	}
	if req.AssigneeID != "" {
		assignee := req.AssigneeID
		device.AssignedUserID = &assignee
	}

	if err := e.store.CreateDevice(ctx, device); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			// A concurrent attempt of the same request won the insert
			if existing, ferr := e.store.FindDeviceByID(ctx, req.DeviceID); ferr == nil {
				return e.reuse(st, existing, out)
			}
		}
		return out, err
	}

	st.Device = device
	out.Status = models.StageSucceeded
	out.ItemCount = 1
	return out, nil
}

func (e *deviceCreator) reuse(st *State, device *models.Device, out models.StageOutcome) (models.StageOutcome, error) {
	if device.OrganizationID != st.Request.OrganizationID {
		return out, fmt.Errorf("device %s belongs to another organization", device.ID)
	}
	st.Device = device
	out.Status = models.StageSucceeded
	out.ItemCount = 1
	return out, nil
}

// documentUploader sends the document to the remote service and records
// the returned handle on the device.
type documentUploader struct {
	store Store
	docs  docintel.Client
	log   *logrus.Logger
}

func (e *documentUploader) Stage() models.PipelineStage {
	return models.StageDocumentUpload
}

func (e *documentUploader) Execute(ctx context.Context, st *State) (models.StageOutcome, error) {
	out := models.StageOutcome{Stage: e.Stage()}
	req := st.Request

	if !req.HasDocument() {
		out.Status = models.StageSkipped
		return out, nil
	}

	if st.Device != nil && st.Device.DocumentRef != nil && *st.Device.DocumentRef != "" {
		st.Handle = docintel.DocumentHandle(*st.Device.DocumentRef)
		st.Result.DocumentHandle = st.Handle
		out.Status = models.StageSucceeded
		out.ItemCount = 1
		return out, nil
	}

	uploaded, err := e.docs.Upload(ctx, *req.Document, req.OrganizationID)
	if err != nil {
		return out, err
	}

	st.Handle = uploaded.Handle
	st.Result.DocumentHandle = uploaded.Handle

	if err := e.store.AttachDocument(ctx, req.DeviceID, req.Document.Filename, string(uploaded.Handle)); err != nil {
		// The handle is still usable for this run
		e.log.WithError(err).WithField("device_id", req.DeviceID).Warn("Failed to attach document reference to device")
	}

	e.log.WithFields(logrus.Fields{
		"device_id":        req.DeviceID,
		"handle":           uploaded.Handle,
		"chunks_processed": uploaded.ChunksProcessed,
		"processing_time":  uploaded.ProcessingTime,
	}).Info("Document uploaded")

	out.Status = models.StageSucceeded
	out.ItemCount = 1
	return out, nil
}

// generator is the shared shape of the three generation stages:
// remote call, normalization, conversion and persistence with a stage marker.
type generator[R any, M any] struct {
	stage     models.PipelineStage
	store     Store
	log       *logrus.Logger
	fetch     func(ctx context.Context, handle docintel.DocumentHandle, deviceID, orgID string) ([]R, error)
	normalize func([]R) ([]R, Report)
	build     func(st *State, rec R) M
	save      func(ctx context.Context, deviceID string, items []M) error
	count     func(c *Counts) *int
}

func (g *generator[R, M]) Stage() models.PipelineStage {
	return g.stage
}

func (g *generator[R, M]) Execute(ctx context.Context, st *State) (models.StageOutcome, error) {
	out := models.StageOutcome{Stage: g.stage}
	req := st.Request
	entry := g.log.WithFields(logrus.Fields{"device_id": req.DeviceID, "stage": g.stage})

	if st.Handle == "" {
		out.Status = models.StageSkipped
		return out, nil
	}

	marker, err := g.store.FindStageMarker(ctx, req.DeviceID, g.stage)
	if err == nil {
		entry.WithField("item_count", marker.ItemCount).Info("Stage output already persisted, skipping")
		*g.count(&st.Result.Counts) = marker.ItemCount
		out.Status = models.StageSucceeded
		out.ItemCount = marker.ItemCount
		return out, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return out, fmt.Errorf("failed to check stage marker: %w", err)
	}

	raw, err := g.fetch(ctx, st.Handle, req.DeviceID, req.OrganizationID)
	if err != nil {
		return out, err
	}

	kept, report := g.normalize(raw)
	for _, issue := range report.Issues {
		entry.Warn(issue)
	}

	items := make([]M, 0, len(kept))
	for _, rec := range kept {
		items = append(items, g.build(st, rec))
	}

	if err := g.save(ctx, req.DeviceID, items); err != nil {
		return out, fmt.Errorf("failed to persist generated items: %w", err)
	}

	*g.count(&st.Result.Counts) = len(items)
	out.Status = models.StageSucceeded
	out.ItemCount = len(items)
	out.DroppedCount = report.Dropped
	return out, nil
}

func newRulesGenerator(store Store, docs docintel.Client, log *logrus.Logger) Executor {
	return &generator[docintel.GeneratedRule, *models.Rule]{
		stage:     models.StageRulesGenerate,
		store:     store,
		log:       log,
		fetch:     docs.GenerateRules,
		normalize: NormalizeRules,
		build: func(st *State, r docintel.GeneratedRule) *models.Rule {
			return &models.Rule{
				Model:          models.Model{ID: uuid.NewString()},
				DeviceID:       st.Request.DeviceID,
				OrganizationID: st.Request.OrganizationID,
				Name:           r.Name.String(),
				Description:    r.Description.String(),
				Metric:         r.Metric.String(),
				MetricValue:    r.MetricValue.String(),
				Threshold:      r.Threshold.String(),
				Consequence:    r.Consequence.String(),
				Priority:       models.Priority(r.Priority.String()),
				Active:         true,
			}
		},
		save:  store.SaveRules,
		count: func(c *Counts) *int { return &c.Rules },
	}
}

func newMaintenanceGenerator(store Store, docs docintel.Client, log *logrus.Logger) Executor {
	return &generator[docintel.GeneratedMaintenanceTask, *models.MaintenanceTask]{
		stage:     models.StageMaintenanceGenerate,
		store:     store,
		log:       log,
		fetch:     docs.GenerateMaintenance,
		normalize: NormalizeMaintenance,
		build: func(st *State, t docintel.GeneratedMaintenanceTask) *models.MaintenanceTask {
			schedule := NewSchedule(startOfDay(st.Now), ParseFrequency(t.Frequency.String()))
			task := &models.MaintenanceTask{
				Model:             models.Model{ID: uuid.NewString()},
				DeviceID:          st.Request.DeviceID,
				OrganizationID:    st.Request.OrganizationID,
				TaskName:          t.TaskName.String(),
				Description:       t.Description.String(),
				Frequency:         schedule.Frequency.Label,
				LastMaintenance:   schedule.LastOccurrence,
				NextMaintenance:   schedule.NextOccurrence,
				Priority:          models.Priority(t.Priority.String()),
				Category:          t.Category.String(),
				EstimatedDuration: t.EstimatedDuration.String(),
				RequiredTools:     t.RequiredTools.String(),
				SafetyNotes:       t.SafetyNotes.String(),
				Status:            models.MaintenanceStatusActive,
			}
			if st.Request.AssigneeID != "" {
				assignee := st.Request.AssigneeID
				task.AssignedTo = &assignee
			}
			return task
		},
		save:  store.SaveMaintenanceTasks,
		count: func(c *Counts) *int { return &c.Maintenance },
	}
}

func newSafetyGenerator(store Store, docs docintel.Client, log *logrus.Logger) Executor {
	return &generator[docintel.GeneratedSafetyItem, *models.SafetyPrecaution]{
		stage:     models.StageSafetyGenerate,
		store:     store,
		log:       log,
		fetch:     docs.GenerateSafety,
		normalize: NormalizeSafety,
		build: func(st *State, s docintel.GeneratedSafetyItem) *models.SafetyPrecaution {
			return &models.SafetyPrecaution{
				Model:          models.Model{ID: uuid.NewString()},
				DeviceID:       st.Request.DeviceID,
				OrganizationID: st.Request.OrganizationID,
				Title:          s.Title.String(),
				Description:    s.Description.String(),
				Type:           s.Type.String(),
				Category:       s.Category.String(),
				Severity:       s.Severity.String(),
				Mitigation:     s.Mitigation.String(),
				Active:         true,
			}
		},
		save:  store.SaveSafetyPrecautions,
		count: func(c *Counts) *int { return &c.Safety },
	}
}

// notifyStage hands the final counts to the notifier. It runs on a context
// detached from cancellation so a cancelled run still reports what it did.
type notifyStage struct {
	store    Store
	notifier Notifier
	timeout  time.Duration
	log      *logrus.Logger
}

func (e *notifyStage) Stage() models.PipelineStage {
	return models.StageNotify
}

func (e *notifyStage) Execute(ctx context.Context, st *State) (models.StageOutcome, error) {
	out := models.StageOutcome{Stage: e.Stage()}
	req := st.Request

	if req.AssigneeID == "" || e.notifier == nil {
		out.Status = models.StageSkipped
		return out, nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if _, err := e.store.FindStageMarker(ctx, req.DeviceID, e.Stage()); err == nil {
		out.Status = models.StageSucceeded
		out.ItemCount = 1
		return out, nil
	}

	outcomes := make([]models.StageOutcome, len(st.Result.Outcomes))
	copy(outcomes, st.Result.Outcomes)

	n := Notification{
		RequestID:      req.RequestID,
		DeviceID:       req.DeviceID,
		DeviceName:     req.Name,
		OrganizationID: req.OrganizationID,
		AssigneeID:     req.AssigneeID,
		RequestedBy:    req.UserID,
		Counts:         st.Result.Counts,
		Outcomes:       outcomes,
		Degraded:       st.Result.Degraded(),
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		return out, fmt.Errorf("failed to notify assignee: %w", err)
	}

	if err := e.store.MarkStage(ctx, &models.StageMarker{
		DeviceID:    req.DeviceID,
		Stage:       e.Stage(),
		ItemCount:   1,
		CompletedAt: st.Now,
	}); err != nil {
		e.log.WithError(err).WithField("device_id", req.DeviceID).Warn("Failed to record notification marker")
	}

	out.Status = models.StageSucceeded
	out.ItemCount = 1
	return out, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
