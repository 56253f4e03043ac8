// Package store is the typed artifact layer between the pipeline and the
// blob store. Every write lands in two places: the blob itself under
// {job_id}/{stage}/{name}, and an artifacts row in the metadata store.
package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/reelforge/backend/internal/blob"
	apperrors "github.com/reelforge/backend/internal/errors"
	"github.com/reelforge/backend/internal/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ArtifactStore namespaces blobs per job and records each write as a row
type ArtifactStore struct {
	db    *gorm.DB
	blobs blob.Store
}

// New creates an artifact store over the given handles
func New(db *gorm.DB, blobs blob.Store) *ArtifactStore {
	return &ArtifactStore{db: db, blobs: blobs}
}

// Key builds the blob key for an artifact
func Key(jobID, stage, name string) string {
	return fmt.Sprintf("%s/%s/%s", jobID, stage, name)
}

// contentType maps a content kind to a MIME type for the blob backend
func contentType(kind models.ContentKind) string {
	switch kind {
	case models.ContentVideo:
		return "video/mp4"
	case models.ContentAudio:
		return "audio/mp4"
	case models.ContentImage:
		return "image/jpeg"
	case models.ContentJSON:
		return "application/json"
	}
	return "application/octet-stream"
}

// Put stores an artifact blob and upserts its row. Writes are refused for
// jobs that do not exist or already failed; re-writing the same
// (job, stage, name) replaces the blob and keeps the row, which makes stage
// retries idempotent.
func (s *ArtifactStore) Put(ctx context.Context, jobID, stage, name string, kind models.ContentKind, body io.Reader, size int64) (*models.Artifact, error) {
	ctx, span := otel.Tracer("artifact-store").Start(ctx, "artifact.put")
	defer span.End()
	span.SetAttributes(
		attribute.String("artifact.job_id", jobID),
		attribute.String("artifact.stage", stage),
		attribute.String("artifact.name", name),
		attribute.Int64("artifact.size", size),
	)

	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound("job")
		}
		return nil, apperrors.StorageUnavailable(stage, err)
	}
	if job.Status == models.StatusFailed {
		return nil, apperrors.Conflict("job has failed; artifact writes are refused")
	}

	key := Key(jobID, stage, name)
	if err := s.blobs.Put(ctx, key, body, size, contentType(kind)); err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, apperrors.StorageUnavailable(stage, err)
	}

	artifact := &models.Artifact{
		ID:          uuid.New().String(),
		JobID:       jobID,
		Stage:       stage,
		Name:        name,
		BlobKey:     key,
		Size:        size,
		ContentKind: kind,
		CreatedAt:   time.Now().UTC(),
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "stage"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"blob_key", "size", "content_kind"}),
		}).
		Create(artifact).Error
	if err != nil {
		return nil, apperrors.StorageUnavailable(stage, err)
	}

	// The upsert may have kept the original row id; read it back
	var row models.Artifact
	if err := s.db.WithContext(ctx).
		First(&row, "job_id = ? AND stage = ? AND name = ?", jobID, stage, name).Error; err != nil {
		return nil, apperrors.StorageUnavailable(stage, err)
	}
	return &row, nil
}

// PutFile stores a local file as an artifact
func (s *ArtifactStore) PutFile(ctx context.Context, jobID, stage, name string, kind models.ContentKind, path string) (*models.Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.StorageUnavailable(stage, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, apperrors.StorageUnavailable(stage, err)
	}
	return s.Put(ctx, jobID, stage, name, kind, f, fi.Size())
}

// Get looks up one artifact row
func (s *ArtifactStore) Get(ctx context.Context, jobID, stage, name string) (*models.Artifact, error) {
	var a models.Artifact
	err := s.db.WithContext(ctx).
		First(&a, "job_id = ? AND stage = ? AND name = ?", jobID, stage, name).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound(fmt.Sprintf("artifact %s/%s", stage, name))
		}
		return nil, apperrors.StorageUnavailable(stage, err)
	}
	return &a, nil
}

// GetByID looks up an artifact row by primary key
func (s *ArtifactStore) GetByID(ctx context.Context, id string) (*models.Artifact, error) {
	var a models.Artifact
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NotFound("artifact")
		}
		return nil, apperrors.StorageUnavailable("", err)
	}
	return &a, nil
}

// Open returns a reader over the artifact's blob
func (s *ArtifactStore) Open(ctx context.Context, a *models.Artifact) (io.ReadCloser, error) {
	ctx, span := otel.Tracer("artifact-store").Start(ctx, "artifact.get")
	defer span.End()
	span.SetAttributes(attribute.String("artifact.key", a.BlobKey))

	rc, err := s.blobs.Get(ctx, a.BlobKey)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return rc, nil
}

// Download copies the artifact's blob to a local scratch path
func (s *ArtifactStore) Download(ctx context.Context, a *models.Artifact, destPath string) error {
	rc, err := s.Open(ctx, a)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create scratch file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("failed to download artifact %s: %w", a.BlobKey, err)
	}
	return nil
}

// List returns all artifact rows for a job
func (s *ArtifactStore) List(ctx context.Context, jobID string) ([]models.Artifact, error) {
	var artifacts []models.Artifact
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("stage, name").
		Find(&artifacts).Error
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

// ListStage returns a job's artifacts for one stage
func (s *ArtifactStore) ListStage(ctx context.Context, jobID, stage string) ([]models.Artifact, error) {
	var artifacts []models.Artifact
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND stage = ?", jobID, stage).
		Order("name").
		Find(&artifacts).Error
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}

// DeleteStage removes a stage's artifacts, blobs first then rows. Used to
// drop partial outputs after cancellation.
func (s *ArtifactStore) DeleteStage(ctx context.Context, jobID, stage string) error {
	artifacts, err := s.ListStage(ctx, jobID, stage)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		if err := s.blobs.Delete(ctx, a.BlobKey); err != nil {
			return fmt.Errorf("failed to delete blob %s: %w", a.BlobKey, err)
		}
	}
	return s.db.WithContext(ctx).
		Where("job_id = ? AND stage = ?", jobID, stage).
		Delete(&models.Artifact{}).Error
}

// URL returns the public URL of an artifact's blob
func (s *ArtifactStore) URL(a *models.Artifact) string {
	return s.blobs.URL(a.BlobKey)
}

// Blobs exposes the underlying blob store for callers that manage raw
// uploads before a job row exists (the HTTP intake path).
func (s *ArtifactStore) Blobs() blob.Store {
	return s.blobs
}
