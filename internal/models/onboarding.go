package models

import (
	"time"

	"gorm.io/datatypes"
)

// PipelineStage names one step of the onboarding pipeline
type PipelineStage string

const (
	StageDeviceCreate        PipelineStage = "DEVICE_CREATE"
	StageDocumentUpload      PipelineStage = "DOCUMENT_UPLOAD"
	StageRulesGenerate       PipelineStage = "RULES_GENERATE"
	StageMaintenanceGenerate PipelineStage = "MAINTENANCE_GENERATE"
	StageSafetyGenerate      PipelineStage = "SAFETY_GENERATE"
	StageNotify              PipelineStage = "NOTIFY"
)

// PipelineStages lists every stage in execution order
var PipelineStages = []PipelineStage{
	StageDeviceCreate,
	StageDocumentUpload,
	StageRulesGenerate,
	StageMaintenanceGenerate,
	StageSafetyGenerate,
	StageNotify,
}

// StageStatus is the terminal state of a stage
type StageStatus string

const (
	StageSucceeded StageStatus = "SUCCEEDED"
	StageSkipped   StageStatus = "SKIPPED"
	StageFailed    StageStatus = "FAILED"
)

// StageOutcome records what happened during one stage
type StageOutcome struct {
	Stage        PipelineStage `json:"stage"`
	Status       StageStatus   `json:"status"`
	ItemCount    int           `json:"item_count"`
	DroppedCount int           `json:"dropped_count,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// StageMarker records that a stage's output was committed for a device.
// The composite key makes the marker insert itself idempotent.
type StageMarker struct {
	DeviceID    string        `json:"device_id" gorm:"primaryKey;type:varchar(64);Column:device_id"`
	Stage       PipelineStage `json:"stage" gorm:"primaryKey;type:varchar(32);Column:stage"`
	ItemCount   int           `json:"item_count" gorm:"Column:item_count"`
	CompletedAt time.Time     `json:"completed_at" gorm:"Column:completed_at"`
}

// JobStatus tracks an onboarding submission
type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusRunning     JobStatus = "running"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusInterrupted JobStatus = "interrupted"
)

// IsFinished reports whether the job reached a terminal state
func (s JobStatus) IsFinished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// OnboardingJob records one onboarding submission and its outcome
type OnboardingJob struct {
	ID               string         `json:"id" gorm:"primarykey;type:varchar(64)"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	DeviceID         string         `json:"device_id" gorm:"Column:device_id;index"`
	OrganizationID   string         `json:"organization_id" gorm:"Column:organization_id"`
	RequestedBy      string         `json:"requested_by" gorm:"Column:requested_by"`
	Status           JobStatus      `json:"status" gorm:"Column:status;index"`
	Outcomes         datatypes.JSON `json:"outcomes,omitempty" gorm:"Column:outcomes"`
	RulesCount       int            `json:"rules_count" gorm:"Column:rules_count"`
	MaintenanceCount int            `json:"maintenance_count" gorm:"Column:maintenance_count"`
	SafetyCount      int            `json:"safety_count" gorm:"Column:safety_count"`
	Error            string         `json:"error,omitempty" gorm:"Column:error"`
	StartedAt        *time.Time     `json:"started_at,omitempty" gorm:"Column:started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty" gorm:"Column:completed_at"`
}
