package onboarding

import (
	"errors"
	"time"

	"example.com/backstage/services/onboarding/internal/docintel"
	"example.com/backstage/services/onboarding/internal/models"
)

var (
	// ErrInvalidRequest is returned when the request fails validation
	ErrInvalidRequest = errors.New("onboarding: invalid request")
	// ErrDeviceCreate is returned when the device could not be persisted
	ErrDeviceCreate = errors.New("onboarding: device creation failed")
)

// Request is everything needed to onboard one device
type Request struct {
	RequestID        string             `json:"request_id" validate:"required"`
	DeviceID         string             `json:"device_id" validate:"required"`
	Name             string             `json:"name" validate:"required,notblank,max=255"`
	Type             string             `json:"type" validate:"required,max=100"`
	Location         string             `json:"location" validate:"max=255"`
	Protocol         string             `json:"protocol" validate:"required,protocol"`
	ConnectionParams map[string]any     `json:"connection_params,omitempty"`
	OrganizationID   string             `json:"organization_id" validate:"required"`
	UserID           string             `json:"user_id" validate:"required"`
	AssigneeID       string             `json:"assignee_id,omitempty"`
	Document         *docintel.Document `json:"-"`
}

// HasDocument reports whether a non-empty document was attached
func (r *Request) HasDocument() bool {
	return r.Document != nil && len(r.Document.Content) > 0
}

// Counts holds the number of persisted generated entities
type Counts struct {
	Rules       int `json:"rules"`
	Maintenance int `json:"maintenance"`
	Safety      int `json:"safety"`
}

// Result is the final report of one pipeline run
type Result struct {
	RequestID      string                  `json:"request_id"`
	DeviceID       string                  `json:"device_id"`
	DocumentHandle docintel.DocumentHandle `json:"document_handle,omitempty"`
	Outcomes       []models.StageOutcome   `json:"outcomes"`
	Counts         Counts                  `json:"counts"`
	StartedAt      time.Time               `json:"started_at"`
	CompletedAt    time.Time               `json:"completed_at"`
}

// Outcome returns the recorded outcome of a stage
func (r *Result) Outcome(stage models.PipelineStage) (models.StageOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Stage == stage {
			return o, true
		}
	}
	return models.StageOutcome{}, false
}

// Degraded reports whether any stage after device creation failed
func (r *Result) Degraded() bool {
	for _, o := range r.Outcomes {
		if o.Status == models.StageFailed {
			return true
		}
	}
	return false
}

// Step status values used in progress step details
const (
	StepProcessing = "processing"
	StepCompleted  = "completed"
	StepSkipped    = "skipped"
	StepFailed     = "failed"
)

// StepDetails describes the position of a progress event within the pipeline
type StepDetails struct {
	CurrentStep int    `json:"currentStep"`
	TotalSteps  int    `json:"totalSteps"`
	StepName    string `json:"stepName"`
	Status      string `json:"status"`
}

// Progress is one event on a request's progress stream
type Progress struct {
	RequestID   string               `json:"requestId"`
	DeviceID    string               `json:"deviceId,omitempty"`
	Stage       models.PipelineStage `json:"stage"`
	Percent     int                  `json:"progress"`
	Message     string               `json:"message"`
	SubMessage  string               `json:"subMessage,omitempty"`
	Error       string               `json:"error,omitempty"`
	Retryable   bool                 `json:"retryable"`
	Terminal    bool                 `json:"terminal"`
	Timestamp   time.Time            `json:"timestamp"`
	StepDetails StepDetails          `json:"stepDetails"`
}

// Schedule is the computed maintenance schedule of a task
type Schedule struct {
	LastOccurrence time.Time
	NextOccurrence time.Time
	Frequency      Frequency
}

// NewSchedule computes the schedule starting at last
func NewSchedule(last time.Time, f Frequency) Schedule {
	return Schedule{
		LastOccurrence: last,
		NextOccurrence: f.Next(last),
		Frequency:      f,
	}
}
