// Package reaper enforces the retention policy: once a job is past its
// horizon, its blobs go first, then its artifact rows, then the job row.
// Ordering matters — a row must never outlive the ability to find its blob,
// and a blob must never be orphaned by deleting its row first.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/reelforge/backend/internal/blob"
	"github.com/reelforge/backend/internal/config"
	"github.com/reelforge/backend/internal/logger"
	"github.com/reelforge/backend/internal/metrics"
	"github.com/reelforge/backend/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Reaper deletes expired jobs and their artifacts
type Reaper struct {
	db     *gorm.DB
	blobs  blob.Store
	cfg    *config.Config
	logger *zap.Logger
}

// New creates a reaper over the given handles
func New(db *gorm.DB, blobs blob.Store, cfg *config.Config, log *zap.Logger) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{db: db, blobs: blobs, cfg: cfg, logger: log}
}

// RunOnce reaps every job past its horizon. It is idempotent: a failed
// blob delete leaves the job intact for the next cycle.
func (r *Reaper) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()

	var expired []models.Job

	// Terminal jobs past their retention deadline
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND retention_deadline IS NOT NULL AND retention_deadline < ?",
			[]models.JobStatus{models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
			now).
		Find(&expired).Error; err != nil {
		return err
	}

	// Non-terminal jobs abandoned past the long horizon
	var abandoned []models.Job
	if err := r.db.WithContext(ctx).
		Where("status NOT IN ? AND created_at < ?",
			[]models.JobStatus{models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
			now.Add(-r.cfg.AbandonedRetention)).
		Find(&abandoned).Error; err != nil {
		return err
	}
	expired = append(expired, abandoned...)

	for i := range expired {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.reapJob(ctx, &expired[i])
	}
	return nil
}

// reapJob deletes one job in dependency order. Any blob failure aborts the
// row deletes so the next cycle retries the whole job.
func (r *Reaper) reapJob(ctx context.Context, job *models.Job) {
	var artifacts []models.Artifact
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", job.ID).
		Find(&artifacts).Error; err != nil {
		r.logger.Warn("Reaper failed to list artifacts",
			logger.WithJobID(job.ID),
			zap.Error(err),
		)
		return
	}

	// Blob deletes within one job can run concurrently; the row deletes
	// below still wait for every blob to be gone
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, a := range artifacts {
		key := a.BlobKey
		g.Go(func() error {
			if err := r.blobs.Delete(gctx, key); err != nil {
				return fmt.Errorf("blob %s: %w", key, err)
			}
			metrics.Get().ReaperDeletedTotal.WithLabelValues("blob").Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("Reaper blob delete failed, deferring job",
			logger.WithJobID(job.ID),
			zap.Error(err),
		)
		return
	}

	if err := r.db.WithContext(ctx).
		Where("job_id = ?", job.ID).
		Delete(&models.Artifact{}).Error; err != nil {
		r.logger.Warn("Reaper artifact row delete failed",
			logger.WithJobID(job.ID),
			zap.Error(err),
		)
		return
	}
	metrics.Get().ReaperDeletedTotal.WithLabelValues("artifact_row").Add(float64(len(artifacts)))

	if err := r.db.WithContext(ctx).
		Delete(&models.Job{}, "id = ?", job.ID).Error; err != nil {
		r.logger.Warn("Reaper job row delete failed",
			logger.WithJobID(job.ID),
			zap.Error(err),
		)
		return
	}
	metrics.Get().ReaperDeletedTotal.WithLabelValues("job_row").Inc()

	r.logger.Info("Job reaped",
		logger.WithJobID(job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("artifacts", len(artifacts)),
	)
}
