package models

import (
	"time"

	"gorm.io/datatypes"
)

// Deployment status values.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	// StatusCancelled is part of the schema but nothing transitions to it yet.
	StatusCancelled = "CANCELLED"
)

// Deployment is one request to provision a template with one parameter set.
// It is created PENDING by the API and mutated only by the worker running it.
type Deployment struct {
	DeploymentID  string `gorm:"type:varchar(64);primaryKey" json:"deployment_id"`
	ProviderType  string `gorm:"type:varchar(32);index;not null" json:"provider_type"`
	CloudProvider string `gorm:"type:varchar(16)" json:"cloud_provider"`
	TemplateName  string `gorm:"type:varchar(255)" json:"template_name"`
	ResourceGroup string `gorm:"type:varchar(90)" json:"resource_group,omitempty"`
	Status        string `gorm:"type:varchar(16);index;not null" json:"status"`

	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	UpdatedAt   time.Time  `json:"-"`

	Parameters datatypes.JSONMap           `json:"parameters"`
	Outputs    datatypes.JSONMap           `json:"outputs"`
	Tags       datatypes.JSONSlice[string] `json:"tags"`

	ErrorMessage *string `gorm:"type:text" json:"error_message"`
	Logs         string  `gorm:"type:text" json:"-"`
	TaskID       string  `gorm:"type:varchar(64);index" json:"task_id,omitempty"`
}

// IsTerminal reports whether the deployment reached COMPLETED, FAILED or CANCELLED.
func (d *Deployment) IsTerminal() bool {
	switch d.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Start moves the deployment to RUNNING.
func (d *Deployment) Start(at time.Time, taskID string) {
	d.Status = StatusRunning
	d.StartedAt = &at
	if taskID != "" {
		d.TaskID = taskID
	}
}

// Complete records a successful run. outputs may be nil.
func (d *Deployment) Complete(at time.Time, outputs map[string]any) {
	d.ensureStarted(at)
	d.Status = StatusCompleted
	d.CompletedAt = &at
	d.ErrorMessage = nil
	d.Outputs = datatypes.JSONMap{}
	for k, v := range outputs {
		d.Outputs[k] = v
	}
}

// Fail records a failed run with its user-facing message.
func (d *Deployment) Fail(at time.Time, message string) {
	d.ensureStarted(at)
	d.Status = StatusFailed
	d.CompletedAt = &at
	d.ErrorMessage = &message
	d.Outputs = nil
}

// a deployment that fails before it was picked up still gets started_at
func (d *Deployment) ensureStarted(at time.Time) {
	if d.StartedAt == nil {
		d.StartedAt = &at
	}
}

func (d *Deployment) AppendLog(text string) {
	d.Logs += text
}

// DurationSeconds is (completed_at or now) - started_at, nil before start.
func (d *Deployment) DurationSeconds(now time.Time) *float64 {
	if d.StartedAt == nil {
		return nil
	}
	end := now
	if d.CompletedAt != nil {
		end = *d.CompletedAt
	}
	s := end.Sub(*d.StartedAt).Seconds()
	return &s
}
