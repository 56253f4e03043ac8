package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a reel job
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusUploading  JobStatus = "UPLOADING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
)

// Terminal reports whether the status is absorbing
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobError is the structured error persisted on a FAILED job.
// Stored as a JSON text column so sqlite tests and postgres share one schema.
type JobError struct {
	Kind      string `json:"kind"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Value implements driver.Valuer
func (e JobError) Value() (driver.Value, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (e *JobError) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	default:
		return fmt.Errorf("cannot scan %T into JobError", value)
	}
}

// Job is the durable unit of work driving one reel render
type Job struct {
	ID          string    `gorm:"primaryKey;type:uuid" json:"id"`
	Status      JobStatus `gorm:"not null;index" json:"status"`
	Style       string    `gorm:"not null" json:"style"`
	Progress    int       `gorm:"not null;default:0" json:"progress"`
	CurrentStep string    `json:"current_step"`

	// Creation inputs the pipeline needs back at execution time
	ClipCount      int     `gorm:"not null" json:"clip_count"`
	WindowStartSec float64 `gorm:"not null" json:"window_start_sec"`
	WindowEndSec   float64 `gorm:"not null" json:"window_end_sec"`

	Error            *JobError `gorm:"type:text" json:"error,omitempty"`
	OutputArtifactID *string   `gorm:"type:uuid" json:"output_artifact_id,omitempty"`

	AttemptCount      int        `gorm:"not null;default:0" json:"attempt_count"`
	LastPickupAt      *time.Time `json:"last_pickup_at,omitempty"`
	RetentionDeadline *time.Time `gorm:"index" json:"retention_deadline,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName overrides the default table name
func (Job) TableName() string {
	return "jobs"
}

// WindowLength returns the audio window length in seconds
func (j *Job) WindowLength() float64 {
	return j.WindowEndSec - j.WindowStartSec
}

// StaleProcessing reports whether a PROCESSING job's lease has expired,
// meaning its worker died without acking or nacking.
func (j *Job) StaleProcessing(visibility time.Duration, now time.Time) bool {
	if j.Status != StatusProcessing {
		return false
	}
	if j.LastPickupAt == nil {
		return true
	}
	return now.Sub(*j.LastPickupAt) > visibility
}
