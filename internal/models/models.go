package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Model is the base model with common fields for all database entities.
// IDs are assigned by the caller so retried writes can target the same row.
type Model struct {
	ID        string         `json:"id" gorm:"primarykey;type:varchar(64)"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// DeviceStatus is an enum for device connectivity states
type DeviceStatus string

const (
	// DeviceStatusOnline is assigned to every freshly onboarded device
	DeviceStatusOnline DeviceStatus = "ONLINE"
	// DeviceStatusOffline represents a device that stopped reporting
	DeviceStatusOffline DeviceStatus = "OFFLINE"
	// DeviceStatusWarning represents a device reporting degraded health
	DeviceStatusWarning DeviceStatus = "WARNING"
	// DeviceStatusError represents a device in a failed state
	DeviceStatusError DeviceStatus = "ERROR"
)

// Priority is shared by rules and maintenance tasks
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// IsValid reports whether p is one of the known priorities
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// MaintenanceStatus tracks the lifecycle of a maintenance task
type MaintenanceStatus string

const (
	MaintenanceStatusActive    MaintenanceStatus = "ACTIVE"
	MaintenanceStatusPending   MaintenanceStatus = "PENDING"
	MaintenanceStatusOverdue   MaintenanceStatus = "OVERDUE"
	MaintenanceStatusCompleted MaintenanceStatus = "COMPLETED"
	MaintenanceStatusCancelled MaintenanceStatus = "CANCELLED"
)

// Organization model represents the tenant owning devices
type Organization struct {
	Model
	Name   string `json:"name" gorm:"Column:name"`
	Active bool   `json:"active" gorm:"Column:active"`
}

// Device model represents a physical device registered through onboarding
type Device struct {
	Model
	Name             string            `json:"name" gorm:"Column:name"`
	Type             string            `json:"type" gorm:"Column:type"`
	Location         string            `json:"location" gorm:"Column:location"`
	Protocol         string            `json:"protocol" gorm:"Column:protocol"`
	Status           DeviceStatus      `json:"status" gorm:"Column:status"`
	ConnectionParams datatypes.JSONMap `json:"connection_params,omitempty" gorm:"Column:connection_params"`
	OrganizationID   string            `json:"organization_id" gorm:"Column:organization_id;index"`
	Organization     *Organization     `json:"organization,omitempty" gorm:"foreignKey:OrganizationID"`
	CreatedBy        string            `json:"created_by" gorm:"Column:created_by"`
	AssignedUserID   *string           `json:"assigned_user_id,omitempty" gorm:"Column:assigned_user_id"`
	DocumentName     *string           `json:"document_name,omitempty" gorm:"Column:document_name"`
	DocumentRef      *string           `json:"document_ref,omitempty" gorm:"Column:document_ref"`
}

// Rule model represents a monitoring rule generated from device documentation
type Rule struct {
	Model
	DeviceID       string   `json:"device_id" gorm:"Column:device_id;index"`
	OrganizationID string   `json:"organization_id" gorm:"Column:organization_id"`
	Name           string   `json:"name" gorm:"Column:name"`
	Description    string   `json:"description" gorm:"Column:description"`
	Metric         string   `json:"metric" gorm:"Column:metric"`
	MetricValue    string   `json:"metric_value" gorm:"Column:metric_value"`
	Threshold      string   `json:"threshold" gorm:"Column:threshold"`
	Consequence    string   `json:"consequence" gorm:"Column:consequence"`
	Priority       Priority `json:"priority" gorm:"Column:priority"`
	Active         bool     `json:"active" gorm:"Column:active"`
}

// MaintenanceTask model represents a recurring maintenance item for a device
type MaintenanceTask struct {
	Model
	DeviceID          string            `json:"device_id" gorm:"Column:device_id;index"`
	OrganizationID    string            `json:"organization_id" gorm:"Column:organization_id"`
	TaskName          string            `json:"task_name" gorm:"Column:task_name"`
	Description       string            `json:"description" gorm:"Column:description"`
	Frequency         string            `json:"frequency" gorm:"Column:frequency"`
	LastMaintenance   time.Time         `json:"last_maintenance" gorm:"Column:last_maintenance;type:date"`
	NextMaintenance   time.Time         `json:"next_maintenance" gorm:"Column:next_maintenance;type:date;index"`
	Priority          Priority          `json:"priority" gorm:"Column:priority"`
	Category          string            `json:"category" gorm:"Column:category"`
	EstimatedDuration string            `json:"estimated_duration" gorm:"Column:estimated_duration"`
	RequiredTools     string            `json:"required_tools" gorm:"Column:required_tools"`
	SafetyNotes       string            `json:"safety_notes" gorm:"Column:safety_notes"`
	AssignedTo        *string           `json:"assigned_to,omitempty" gorm:"Column:assigned_to"`
	Status            MaintenanceStatus `json:"status" gorm:"Column:status;index"`
}

// SafetyPrecaution model represents a safety item extracted from documentation
type SafetyPrecaution struct {
	Model
	DeviceID       string `json:"device_id" gorm:"Column:device_id;index"`
	OrganizationID string `json:"organization_id" gorm:"Column:organization_id"`
	Title          string `json:"title" gorm:"Column:title"`
	Description    string `json:"description" gorm:"Column:description"`
	Type           string `json:"type" gorm:"Column:type"`
	Category       string `json:"category" gorm:"Column:category"`
	Severity       string `json:"severity" gorm:"Column:severity"`
	Mitigation     string `json:"mitigation" gorm:"Column:mitigation"`
	Active         bool   `json:"active" gorm:"Column:active"`
}
