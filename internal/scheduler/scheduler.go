// Package scheduler runs the periodic maintenance loops: the retention
// reaper on its fixed interval, and the abandoned-job detector that
// re-enqueues work whose worker died mid-lease.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/reelforge/backend/internal/broker"
	"github.com/reelforge/backend/internal/config"
	"github.com/reelforge/backend/internal/logger"
	"github.com/reelforge/backend/internal/metrics"
	"github.com/reelforge/backend/internal/models"
	"github.com/reelforge/backend/internal/reaper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Scheduler owns the background tickers
type Scheduler struct {
	db     *gorm.DB
	queue  broker.Broker
	reaper *reaper.Reaper
	cfg    *config.Config
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler over the given handles
func New(db *gorm.DB, queue broker.Broker, r *reaper.Reaper, cfg *config.Config, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{db: db, queue: queue, reaper: r, cfg: cfg, logger: log}
}

// Start launches the reaper and requeue loops
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go s.loop(ctx, s.cfg.ReaperInterval, s.runReaper)
	go s.loop(ctx, s.cfg.RequeueInterval, s.requeueAbandoned)

	s.logger.Info("Scheduler started",
		zap.Duration("reaper_interval", s.cfg.ReaperInterval),
		zap.Duration("requeue_interval", s.cfg.RequeueInterval),
	)
}

// Stop drains the loops
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Scheduler) runReaper(ctx context.Context) {
	if err := s.reaper.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("Reaper cycle failed", zap.Error(err))
	}
	if depth, err := s.queue.Depth(ctx); err == nil {
		metrics.Get().QueueDepth.Set(float64(depth))
	}
}

// requeueAbandoned re-enqueues jobs whose worker lease expired without a
// settle. The pickup CAS keeps a late-but-alive worker and the new message
// from both acting on the job.
func (s *Scheduler) requeueAbandoned(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-(s.cfg.VisibilityTimeout + s.cfg.RequeueSlack))

	var jobs []models.Job
	err := s.db.WithContext(ctx).
		Where("status = ? AND (last_pickup_at IS NULL OR last_pickup_at < ?)",
			models.StatusProcessing, cutoff).
		Find(&jobs).Error
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Abandoned-job scan failed", zap.Error(err))
		}
		return
	}

	for _, job := range jobs {
		if err := s.queue.Enqueue(ctx, broker.Message{JobID: job.ID}, 0); err != nil {
			s.logger.Warn("Requeue failed",
				logger.WithJobID(job.ID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("Requeued abandoned job",
			logger.WithJobID(job.ID),
			zap.Int("attempt_count", job.AttemptCount),
		)
	}
}
