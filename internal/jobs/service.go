// Package jobs is the public façade over the pipeline: Create validates and
// persists a job and enqueues its start message, Get reads it back for
// polling clients, Cancel requests termination.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/reelforge/backend/internal/broker"
	"github.com/reelforge/backend/internal/config"
	apperrors "github.com/reelforge/backend/internal/errors"
	"github.com/reelforge/backend/internal/logger"
	"github.com/reelforge/backend/internal/metrics"
	"github.com/reelforge/backend/internal/models"
	"github.com/reelforge/backend/internal/pipeline"
	"github.com/reelforge/backend/internal/statemachine"
	"github.com/reelforge/backend/internal/store"
	"github.com/reelforge/backend/internal/style"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// windowLengthSec is the fixed audio window every reel uses
const windowLengthSec = 30.0

// InputRef points at an input blob the upload surface already stored
type InputRef struct {
	BlobKey     string             `json:"blob_key" validate:"required"`
	ContentKind models.ContentKind `json:"content_kind" validate:"required"`
	SizeBytes   int64              `json:"size_bytes" validate:"gte=0"`
}

// AudioWindow selects the slice of the audio track the reel is cut to
type AudioWindow struct {
	StartSec float64 `json:"start_sec" validate:"gte=0"`
	EndSec   float64 `json:"end_sec" validate:"gtfield=StartSec"`
}

// CreateRequest is the input set for one reel job
type CreateRequest struct {
	Clips       []InputRef  `json:"clips" validate:"required,min=1,dive"`
	Audio       InputRef    `json:"audio" validate:"required"`
	AudioWindow AudioWindow `json:"audio_window"`
	Style       string      `json:"style" validate:"required"`
}

// JobView is what polling clients see
type JobView struct {
	Job       *models.Job `json:"job"`
	OutputURL string      `json:"output_url,omitempty"`
}

// Service implements Create, Get, and Cancel
type Service struct {
	db       *gorm.DB
	sm       *statemachine.Machine
	store    *store.ArtifactStore
	queue    broker.Broker
	cfg      *config.Config
	validate *validator.Validate
	logger   *zap.Logger
}

// NewService wires the job service from injected handles
func NewService(db *gorm.DB, sm *statemachine.Machine, artifacts *store.ArtifactStore, queue broker.Broker, cfg *config.Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		db:       db,
		sm:       sm,
		store:    artifacts,
		queue:    queue,
		cfg:      cfg,
		validate: validator.New(),
		logger:   log,
	}
}

// Create validates the input set, persists the job with its linked input
// artifacts, and enqueues the start message. Any enqueue failure rolls the
// rows back so no orphaned job can exist without a message.
func (s *Service) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := s.validateRequest(req); err != nil {
		return "", err
	}

	jobID := uuid.New().String()
	now := time.Now().UTC()

	job := &models.Job{
		ID:             jobID,
		Status:         models.StatusPending,
		Style:          req.Style,
		ClipCount:      len(req.Clips),
		WindowStartSec: req.AudioWindow.StartSec,
		WindowEndSec:   req.AudioWindow.EndSec,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	artifacts := make([]models.Artifact, 0, len(req.Clips)+1)
	for i, clip := range req.Clips {
		artifacts = append(artifacts, models.Artifact{
			ID:          uuid.New().String(),
			JobID:       jobID,
			Stage:       models.StageInput,
			Name:        pipeline.InputClipArtifact(i),
			BlobKey:     clip.BlobKey,
			Size:        clip.SizeBytes,
			ContentKind: clip.ContentKind,
			CreatedAt:   now,
		})
	}
	artifacts = append(artifacts, models.Artifact{
		ID:          uuid.New().String(),
		JobID:       jobID,
		Stage:       models.StageInput,
		Name:        pipeline.InputAudioArtifact,
		BlobKey:     req.Audio.BlobKey,
		Size:        req.Audio.SizeBytes,
		ContentKind: req.Audio.ContentKind,
		CreatedAt:   now,
	})

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		return tx.Create(&artifacts).Error
	})
	if err != nil {
		return "", apperrors.StorageUnavailable("", err)
	}

	if err := s.queue.Enqueue(ctx, broker.Message{JobID: jobID}, 0); err != nil {
		// Roll the partial write back; the job never existed
		s.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&models.Artifact{})
		s.db.WithContext(ctx).Delete(&models.Job{}, "id = ?", jobID)
		return "", apperrors.StorageUnavailable("", fmt.Errorf("enqueue failed: %w", err))
	}

	metrics.Get().JobsCreatedTotal.Inc()
	s.logger.Info("Job created",
		logger.WithJobID(jobID),
		zap.String("style", req.Style),
		zap.Int("clips", len(req.Clips)),
	)
	return jobID, nil
}

// validateRequest applies the Create-time validation rules
func (s *Service) validateRequest(req CreateRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return apperrors.InvalidInput(err.Error())
	}

	if len(req.Clips) > s.cfg.MaxClipCount {
		return apperrors.InvalidInput(fmt.Sprintf(
			"clip count %d exceeds the maximum of %d", len(req.Clips), s.cfg.MaxClipCount))
	}
	for i, clip := range req.Clips {
		if clip.ContentKind != models.ContentVideo && clip.ContentKind != models.ContentImage {
			return apperrors.InvalidInput(fmt.Sprintf(
				"clip %d has content kind %q, want video or image", i, clip.ContentKind))
		}
		if clip.SizeBytes > s.cfg.MaxFileSize {
			return apperrors.InvalidInput(fmt.Sprintf(
				"clip %d is %d bytes, exceeding the %d byte limit", i, clip.SizeBytes, s.cfg.MaxFileSize))
		}
	}
	if req.Audio.ContentKind != models.ContentAudio {
		return apperrors.InvalidInput(fmt.Sprintf(
			"audio has content kind %q, want audio", req.Audio.ContentKind))
	}
	if req.Audio.SizeBytes > s.cfg.MaxFileSize {
		return apperrors.InvalidInput("audio file exceeds the size limit")
	}

	length := req.AudioWindow.EndSec - req.AudioWindow.StartSec
	if length < windowLengthSec-1e-9 || length > windowLengthSec+1e-9 {
		return apperrors.InvalidInput(fmt.Sprintf(
			"audio window must be exactly %.0f seconds, got %.2f", windowLengthSec, length))
	}

	if _, ok := style.Lookup(req.Style); !ok {
		return apperrors.InvalidInput(fmt.Sprintf(
			"unknown style %q, valid styles: %v", req.Style, style.Names()))
	}
	return nil
}

// Get returns the job row plus the output URL when the job completed
func (s *Service) Get(ctx context.Context, jobID string) (*JobView, error) {
	var job models.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperrors.NotFound("job")
	}
	if err != nil {
		return nil, apperrors.StorageUnavailable("", err)
	}

	view := &JobView{Job: &job}
	if job.OutputArtifactID != nil {
		if a, err := s.store.GetByID(ctx, *job.OutputArtifactID); err == nil {
			view.OutputURL = s.store.URL(a)
		}
	}
	return view, nil
}

// Cancel requests termination. Cancelling an already-cancelled job is a
// no-op; cancelling a job in another terminal state is a conflict. The
// pipeline observes the new status at its next stage boundary.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	var job models.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if err == gorm.ErrRecordNotFound {
		return apperrors.NotFound("job")
	}
	if err != nil {
		return apperrors.StorageUnavailable("", err)
	}

	retention := time.Now().UTC().Add(s.cfg.TerminalRetention)
	won, err := s.sm.Cancel(ctx, jobID, retention)
	if err != nil {
		return apperrors.StorageUnavailable("", err)
	}
	if won {
		s.logger.Info("Job cancelled", logger.WithJobID(jobID))
		return nil
	}

	// CAS lost: either already cancelled (idempotent success) or finished
	if err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err == nil {
		if job.Status == models.StatusCancelled {
			return nil
		}
	}
	return apperrors.Conflict(fmt.Sprintf("job is %s and cannot be cancelled", job.Status))
}
