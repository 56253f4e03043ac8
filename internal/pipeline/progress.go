package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/reelforge/backend/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// minWriteInterval coalesces high-frequency updates: at most one row write
// per job per interval unless the step label changes or the job finishes.
const minWriteInterval = time.Second

// Publisher serializes stage progress into monotonic (percent, step)
// updates on the job row.
type Publisher struct {
	db     *gorm.DB
	logger *zap.Logger

	mu    sync.Mutex
	state map[string]*progressState
}

type progressState struct {
	percent   int
	step      string
	lastWrite time.Time
}

// NewPublisher creates a progress publisher
func NewPublisher(db *gorm.DB, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		db:     db,
		logger: logger,
		state:  make(map[string]*progressState),
	}
}

// Publish records progress for a job. Updates whose percent would move
// backwards are rejected, which keeps per-job progress monotonic no matter
// how fan-out stages interleave.
func (p *Publisher) Publish(ctx context.Context, jobID string, percent int, step string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	p.mu.Lock()
	st, ok := p.state[jobID]
	if !ok {
		st = &progressState{percent: -1}
		p.state[jobID] = st
	}
	if percent < st.percent {
		p.mu.Unlock()
		return
	}
	sameStep := step == st.step
	recent := time.Since(st.lastWrite) < minWriteInterval
	if percent == st.percent && sameStep {
		p.mu.Unlock()
		return
	}
	if recent && sameStep && percent < 100 {
		// Coalesced: remember the value but skip the row write
		st.percent = percent
		p.mu.Unlock()
		return
	}
	st.percent = percent
	st.step = step
	st.lastWrite = time.Now()
	p.mu.Unlock()

	// Guarding on status and on stored progress keeps terminal rows
	// untouched and enforces monotonicity across workers as well
	err := p.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status = ? AND progress <= ?", jobID, models.StatusProcessing, percent).
		Updates(map[string]interface{}{
			"progress":     percent,
			"current_step": step,
		}).Error
	if err != nil {
		p.logger.Warn("Progress write failed",
			zap.String("job_id", jobID),
			zap.Int("percent", percent),
			zap.Error(err),
		)
	}
}

// Forget drops the in-memory state for a job once it reaches a terminal
// status, so long-running workers do not grow without bound.
func (p *Publisher) Forget(jobID string) {
	p.mu.Lock()
	delete(p.state, jobID)
	p.mu.Unlock()
}
