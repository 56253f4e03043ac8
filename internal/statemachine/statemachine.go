// Package statemachine is the single gatekeeper for Job.status writes.
// Every transition is a compare-and-set against the jobs row, so any number
// of workers can race on pickup, cancel, and completion without extra locks.
package statemachine

import (
	"context"
	"time"

	"github.com/reelforge/backend/internal/models"
	"gorm.io/gorm"
)

// allowed lists the legal status transitions. Terminal statuses have no
// outgoing edges; everything else is rejected before touching the database.
var allowed = map[models.JobStatus][]models.JobStatus{
	models.StatusPending: {
		models.StatusProcessing,
		models.StatusCompleted,
		models.StatusFailed,
		models.StatusCancelled,
	},
	models.StatusUploading: {
		models.StatusPending,
		models.StatusCancelled,
	},
	models.StatusProcessing: {
		models.StatusProcessing, // idempotent pickup re-entry after visibility expiry
		models.StatusPending,    // release before a NACK-with-backoff retry
		models.StatusCompleted,
		models.StatusFailed,
		models.StatusCancelled,
	},
}

// CanTransition reports whether from → to is a legal edge
func CanTransition(from, to models.JobStatus) bool {
	for _, t := range allowed[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Machine performs guarded status transitions against the jobs table
type Machine struct {
	db *gorm.DB
}

// New creates a state machine bound to a database handle
func New(db *gorm.DB) *Machine {
	return &Machine{db: db}
}

// transition runs the CAS: status must currently be one of `from`, and each
// from → to edge must be legal. Returns true when this caller won the write.
func (m *Machine) transition(ctx context.Context, jobID string, from []models.JobStatus, to models.JobStatus, updates map[string]interface{}) (bool, error) {
	for _, f := range from {
		if !CanTransition(f, to) {
			return false, nil
		}
	}

	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to

	res := m.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("id = ? AND status IN ?", jobID, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Pickup is the CAS a worker runs when it takes a job off the queue.
// It moves PENDING or stale PROCESSING to PROCESSING, increments the attempt
// counter and stamps the lease. Fails silently when another worker won.
func (m *Machine) Pickup(ctx context.Context, jobID string, now time.Time) (bool, error) {
	return m.transition(ctx, jobID,
		[]models.JobStatus{models.StatusPending, models.StatusProcessing},
		models.StatusProcessing,
		map[string]interface{}{
			"attempt_count":  gorm.Expr("attempt_count + 1"),
			"last_pickup_at": now,
		})
}

// Complete finishes a job: the output artifact id and the terminal status
// land in the same write, so output_artifact_id is non-null iff COMPLETED.
func (m *Machine) Complete(ctx context.Context, jobID, outputArtifactID string, retentionDeadline time.Time) (bool, error) {
	now := time.Now().UTC()
	return m.transition(ctx, jobID,
		[]models.JobStatus{models.StatusPending, models.StatusProcessing},
		models.StatusCompleted,
		map[string]interface{}{
			"output_artifact_id": outputArtifactID,
			"progress":           100,
			"current_step":       "done",
			"completed_at":       now,
			"retention_deadline": retentionDeadline,
		})
}

// Fail moves a job to FAILED with the structured error persisted in the
// same transaction.
func (m *Machine) Fail(ctx context.Context, jobID string, jobErr models.JobError, retentionDeadline time.Time) (bool, error) {
	now := time.Now().UTC()
	return m.transition(ctx, jobID,
		[]models.JobStatus{models.StatusPending, models.StatusProcessing},
		models.StatusFailed,
		map[string]interface{}{
			"error":              jobErr,
			"completed_at":       now,
			"retention_deadline": retentionDeadline,
		})
}

// Release returns a picked-up job to PENDING ahead of a retry NACK, so the
// redelivered message passes the next worker's pickup guard.
func (m *Machine) Release(ctx context.Context, jobID string) (bool, error) {
	return m.transition(ctx, jobID,
		[]models.JobStatus{models.StatusProcessing},
		models.StatusPending,
		map[string]interface{}{
			"last_pickup_at": nil,
		})
}

// Cancel moves a job to CANCELLED. Concurrent calls are idempotent: exactly
// one caller observes won=true, the rest see the job already terminal.
func (m *Machine) Cancel(ctx context.Context, jobID string, retentionDeadline time.Time) (bool, error) {
	now := time.Now().UTC()
	return m.transition(ctx, jobID,
		[]models.JobStatus{models.StatusPending, models.StatusUploading, models.StatusProcessing},
		models.StatusCancelled,
		map[string]interface{}{
			"completed_at":       now,
			"current_step":       "cancelled",
			"retention_deadline": retentionDeadline,
		})
}
