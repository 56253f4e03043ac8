package models

import "time"

// ContentKind classifies the payload of an artifact
type ContentKind string

const (
	ContentVideo ContentKind = "video"
	ContentAudio ContentKind = "audio"
	ContentImage ContentKind = "image"
	ContentJSON  ContentKind = "json"
)

// Valid reports whether the kind is one of the closed enumeration
func (k ContentKind) Valid() bool {
	switch k {
	case ContentVideo, ContentAudio, ContentImage, ContentJSON:
		return true
	}
	return false
}

// StageInput is the pseudo-stage owning user-uploaded artifacts
const StageInput = "input"

// Artifact is an immutable file produced or consumed by a pipeline stage.
// (job_id, stage, name) is unique; the blob lives in the blob store under BlobKey.
type Artifact struct {
	ID          string      `gorm:"primaryKey;type:uuid" json:"id"`
	JobID       string      `gorm:"not null;index;uniqueIndex:idx_artifacts_job_stage_name" json:"job_id"`
	Stage       string      `gorm:"not null;uniqueIndex:idx_artifacts_job_stage_name" json:"stage"`
	Name        string      `gorm:"not null;uniqueIndex:idx_artifacts_job_stage_name" json:"name"`
	BlobKey     string      `gorm:"not null" json:"blob_key"`
	Size        int64       `gorm:"not null;default:0" json:"size"`
	ContentKind ContentKind `gorm:"not null" json:"content_kind"`
	CreatedAt   time.Time   `json:"created_at"`
}

// TableName overrides the default table name
func (Artifact) TableName() string {
	return "artifacts"
}
