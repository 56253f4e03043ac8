// Package worker runs the long-lived loops that pull job messages off the
// broker and drive them through the pipeline. Workers are stateless:
// correctness comes from the state machine's guarded transitions, so any
// number of workers can run against the same queue.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/reelforge/backend/internal/broker"
	"github.com/reelforge/backend/internal/config"
	apperrors "github.com/reelforge/backend/internal/errors"
	"github.com/reelforge/backend/internal/logger"
	"github.com/reelforge/backend/internal/metrics"
	"github.com/reelforge/backend/internal/models"
	"github.com/reelforge/backend/internal/pipeline"
	"github.com/reelforge/backend/internal/statemachine"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Runner is the pipeline contract the worker drives. It returns the output
// artifact id on success.
type Runner interface {
	Run(ctx context.Context, job *models.Job) (string, error)
}

// Worker consumes the job queue
type Worker struct {
	db       *gorm.DB
	queue    broker.Broker
	sm       *statemachine.Machine
	runner   Runner
	progress *pipeline.Publisher
	cfg      *config.Config
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker pool over the given handles
func New(db *gorm.DB, queue broker.Broker, sm *statemachine.Machine, runner Runner, progress *pipeline.Publisher, cfg *config.Config, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		db:       db,
		queue:    queue,
		sm:       sm,
		runner:   runner,
		progress: progress,
		cfg:      cfg,
		logger:   log,
	}
}

// Start launches the configured number of worker loops
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.logger.Info("🔧 Starting workers", zap.Int("count", w.cfg.WorkerCount))
	for i := 0; i < w.cfg.WorkerCount; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
}

// Stop drains the worker loops. In-flight jobs finish their current stage
// and are released by their visibility timeout if the process dies first.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context, workerID int) {
	defer w.wg.Done()
	log := w.logger.With(logger.WithWorkerID(workerID))
	log.Debug("Worker loop started")

	for {
		delivery, err := w.queue.Receive(ctx)
		if err != nil {
			if err == broker.ErrClosed || ctx.Err() != nil {
				log.Debug("Worker loop stopped")
				return
			}
			log.Error("Queue receive failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		w.handle(ctx, log, delivery)
	}
}

// handle processes one delivery end to end
func (w *Worker) handle(ctx context.Context, log *zap.Logger, delivery broker.Delivery) {
	jobID := delivery.Message().JobID
	log = log.With(logger.WithJobID(jobID))

	var job models.Job
	err := w.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if err == gorm.ErrRecordNotFound {
		// Reaped or never committed; nothing to do
		delivery.Ack(ctx)
		return
	}
	if err != nil {
		// Metadata store is down; let the message redeliver
		log.Warn("Job load failed", zap.Error(err))
		delivery.Nack(ctx, w.cfg.RetryBaseDelay)
		return
	}

	now := time.Now().UTC()

	// Re-enqueued terminal jobs are a no-op: the CAS would reject the
	// pickup anyway, so settle the message without touching the row
	if job.Status.Terminal() {
		delivery.Ack(ctx)
		return
	}
	// A fresh PROCESSING lease means another worker is on it
	if job.Status == models.StatusProcessing && !job.StaleProcessing(w.cfg.VisibilityTimeout, now) {
		delivery.Ack(ctx)
		return
	}

	won, err := w.sm.Pickup(ctx, jobID, now)
	if err != nil {
		log.Warn("Pickup CAS failed", zap.Error(err))
		delivery.Nack(ctx, w.cfg.RetryBaseDelay)
		return
	}
	if !won {
		delivery.Ack(ctx)
		return
	}

	// Reload for the incremented attempt count
	if err := w.db.WithContext(ctx).First(&job, "id = ?", jobID).Error; err != nil {
		log.Warn("Job reload failed", zap.Error(err))
		delivery.Nack(ctx, w.cfg.RetryBaseDelay)
		return
	}
	log = log.With(logger.WithAttempt(job.AttemptCount))

	if job.AttemptCount > w.cfg.MaxAttempts {
		// Backstop for the attempt_count <= max_attempts invariant
		w.fail(ctx, &job, apperrors.New(apperrors.KindInternal, "", "attempt budget exhausted"))
		delivery.Ack(ctx)
		return
	}

	log.Info("🎬 Job picked up", zap.String("style", job.Style), zap.Int("clips", job.ClipCount))
	started := time.Now()

	// Keep the broker lease and the job row lease alive while the pipeline
	// runs, so the scheduler does not hand the job to a second worker
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeat(hbCtx, jobID, delivery)

	outputID, runErr := w.runner.Run(ctx, &job)
	stopHeartbeat()
	elapsed := time.Since(started)

	if runErr == nil {
		retention := time.Now().UTC().Add(w.cfg.TerminalRetention)
		won, err := w.sm.Complete(ctx, jobID, outputID, retention)
		if err != nil || !won {
			// Either the store failed or the job was cancelled mid-flight;
			// the row already reflects the truth, so just settle
			log.Warn("Completion transition not applied", zap.Error(err))
			delivery.Ack(ctx)
			return
		}
		log.Info("✅ Job completed",
			zap.Duration("elapsed", elapsed),
			zap.String("output_artifact_id", outputID),
		)
		metrics.Get().JobsTerminalTotal.WithLabelValues(string(models.StatusCompleted)).Inc()
		metrics.Get().JobDuration.WithLabelValues(string(models.StatusCompleted)).Observe(elapsed.Seconds())
		w.progress.Forget(jobID)
		delivery.Ack(ctx)
		return
	}

	pe := apperrors.FromError(runErr, "")

	if pe.Kind == apperrors.KindCancelled {
		// Status is already CANCELLED; partial stage artifacts were deleted
		// by the executor before it returned
		log.Info("Job cancelled", zap.Duration("elapsed", elapsed))
		metrics.Get().JobsTerminalTotal.WithLabelValues(string(models.StatusCancelled)).Inc()
		w.progress.Forget(jobID)
		delivery.Ack(ctx)
		return
	}

	if pe.Retryable && job.AttemptCount < w.cfg.MaxAttempts {
		delay := w.backoff(job.AttemptCount)
		log.Warn("Job attempt failed, will retry",
			zap.String("kind", string(pe.Kind)),
			zap.String("stage", pe.Stage),
			zap.Duration("backoff", delay),
		)
		metrics.Get().JobAttemptsTotal.WithLabelValues("retry").Inc()
		// Release the row before the message goes back on the queue, or
		// the next pickup would see a fresh PROCESSING lease and drop it
		if _, err := w.sm.Release(ctx, jobID); err != nil {
			log.Warn("Release failed", zap.Error(err))
		}
		delivery.Nack(ctx, delay)
		return
	}

	w.fail(ctx, &job, pe)
	log.Warn("❌ Job failed",
		zap.String("kind", string(pe.Kind)),
		zap.String("stage", pe.Stage),
		zap.Duration("elapsed", elapsed),
	)
	metrics.Get().JobsTerminalTotal.WithLabelValues(string(models.StatusFailed)).Inc()
	metrics.Get().JobDuration.WithLabelValues(string(models.StatusFailed)).Observe(elapsed.Seconds())
	w.progress.Forget(jobID)
	delivery.Ack(ctx)
}

// fail persists the structured error with the terminal transition
func (w *Worker) fail(ctx context.Context, job *models.Job, pe *apperrors.PipelineError) {
	retention := time.Now().UTC().Add(w.cfg.TerminalRetention)
	jobErr := models.JobError{
		Kind:      string(pe.Kind),
		Stage:     pe.Stage,
		Message:   pe.Message,
		Retryable: pe.Retryable,
	}
	if _, err := w.sm.Fail(ctx, job.ID, jobErr, retention); err != nil {
		w.logger.Error("Failed to persist job failure",
			logger.WithJobID(job.ID),
			zap.Error(err),
		)
	}
}

// backoff computes the NACK delay for the given attempt number:
// min(base * 2^(attempt-1), cap)
func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := w.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.cfg.RetryMaxDelay {
			return w.cfg.RetryMaxDelay
		}
	}
	if delay > w.cfg.RetryMaxDelay {
		delay = w.cfg.RetryMaxDelay
	}
	return delay
}

// heartbeat extends the broker lease and refreshes last_pickup_at at half
// the visibility interval while a job runs.
func (w *Worker) heartbeat(ctx context.Context, jobID string, delivery broker.Delivery) {
	interval := w.cfg.VisibilityTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := delivery.Extend(ctx, w.cfg.VisibilityTimeout); err != nil && ctx.Err() == nil {
				w.logger.Warn("Lease extend failed", logger.WithJobID(jobID), zap.Error(err))
			}
			w.db.WithContext(ctx).
				Model(&models.Job{}).
				Where("id = ? AND status = ?", jobID, models.StatusProcessing).
				Update("last_pickup_at", time.Now().UTC())
		}
	}
}
