package worker

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/reelforge/backend/internal/broker"
	"github.com/reelforge/backend/internal/config"
	"github.com/reelforge/backend/internal/database"
	apperrors "github.com/reelforge/backend/internal/errors"
	"github.com/reelforge/backend/internal/models"
	"github.com/reelforge/backend/internal/pipeline"
	"github.com/reelforge/backend/internal/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeRunner scripts pipeline outcomes per attempt
type fakeRunner struct {
	calls   atomic.Int32
	outcome func(attempt int32, job *models.Job) (string, error)
}

func (f *fakeRunner) Run(ctx context.Context, job *models.Job) (string, error) {
	n := f.calls.Add(1)
	return f.outcome(n, job)
}

func testWorker(t *testing.T, runner Runner) (*Worker, *gorm.DB, *broker.MemoryBroker) {
	t.Helper()
	db, err := database.ConnectSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	queue := broker.NewMemoryBroker(time.Minute)
	t.Cleanup(func() { queue.Close() })

	cfg := &config.Config{
		WorkerCount:       1,
		MaxAttempts:       2,
		VisibilityTimeout: time.Minute,
		RetryBaseDelay:    20 * time.Millisecond,
		RetryMaxDelay:     time.Second,
		TerminalRetention: time.Hour,
	}
	w := New(db, queue, statemachine.New(db), runner, pipeline.NewPublisher(db, nil), cfg, nil)
	return w, db, queue
}

func seedPendingJob(t *testing.T, db *gorm.DB) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:             uuid.New().String(),
		Status:         models.StatusPending,
		Style:          "energetic_dance",
		ClipCount:      3,
		WindowStartSec: 0,
		WindowEndSec:   30,
	}
	require.NoError(t, db.Create(job).Error)
	return job
}

func waitForStatus(t *testing.T, db *gorm.DB, jobID string, want models.JobStatus, timeout time.Duration) models.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var job models.Job
		require.NoError(t, db.First(&job, "id = ?", jobID).Error)
		if job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", jobID, want)
	return models.Job{}
}

func TestWorkerCompletesJob(t *testing.T) {
	outputID := uuid.New().String()
	runner := &fakeRunner{outcome: func(int32, *models.Job) (string, error) {
		return outputID, nil
	}}
	w, db, queue := testWorker(t, runner)
	job := seedPendingJob(t, db)

	require.NoError(t, queue.Enqueue(context.Background(), broker.Message{JobID: job.ID}, 0))
	w.Start()
	defer w.Stop()

	loaded := waitForStatus(t, db, job.ID, models.StatusCompleted, 5*time.Second)
	assert.Equal(t, 1, loaded.AttemptCount)
	require.NotNil(t, loaded.OutputArtifactID)
	assert.Equal(t, outputID, *loaded.OutputArtifactID)
	assert.Equal(t, 100, loaded.Progress)
	assert.NotNil(t, loaded.RetentionDeadline)
}

func TestWorkerRetriesTransientFailureThenSucceeds(t *testing.T) {
	outputID := uuid.New().String()
	runner := &fakeRunner{outcome: func(attempt int32, _ *models.Job) (string, error) {
		if attempt == 1 {
			return "", apperrors.TransientTool("cut_and_concat", "tool timed out")
		}
		return outputID, nil
	}}
	w, db, queue := testWorker(t, runner)
	job := seedPendingJob(t, db)

	require.NoError(t, queue.Enqueue(context.Background(), broker.Message{JobID: job.ID}, 0))
	w.Start()
	defer w.Stop()

	loaded := waitForStatus(t, db, job.ID, models.StatusCompleted, 5*time.Second)
	assert.Equal(t, 2, loaded.AttemptCount, "the retry must count a second attempt")
	assert.EqualValues(t, 2, runner.calls.Load())
}

func TestWorkerFailsFatalErrorWithoutRetry(t *testing.T) {
	runner := &fakeRunner{outcome: func(int32, *models.Job) (string, error) {
		return "", apperrors.FatalTool("normalize_1", "unsupported pixel format")
	}}
	w, db, queue := testWorker(t, runner)
	job := seedPendingJob(t, db)

	require.NoError(t, queue.Enqueue(context.Background(), broker.Message{JobID: job.ID}, 0))
	w.Start()
	defer w.Stop()

	loaded := waitForStatus(t, db, job.ID, models.StatusFailed, 5*time.Second)
	assert.Equal(t, 1, loaded.AttemptCount)
	assert.EqualValues(t, 1, runner.calls.Load(), "fatal failures must not retry")

	require.NotNil(t, loaded.Error)
	assert.Equal(t, string(apperrors.KindFatalTool), loaded.Error.Kind)
	assert.Equal(t, "normalize_1", loaded.Error.Stage)
	assert.False(t, loaded.Error.Retryable)
	assert.Nil(t, loaded.OutputArtifactID)
}

func TestWorkerExhaustsAttemptsThenFails(t *testing.T) {
	runner := &fakeRunner{outcome: func(int32, *models.Job) (string, error) {
		return "", apperrors.TransientTool("mux", "i/o error")
	}}
	w, db, queue := testWorker(t, runner)
	job := seedPendingJob(t, db)

	require.NoError(t, queue.Enqueue(context.Background(), broker.Message{JobID: job.ID}, 0))
	w.Start()
	defer w.Stop()

	loaded := waitForStatus(t, db, job.ID, models.StatusFailed, 5*time.Second)
	assert.Equal(t, 2, loaded.AttemptCount, "attempt_count must not exceed max_attempts")
	assert.EqualValues(t, 2, runner.calls.Load())
	require.NotNil(t, loaded.Error)
	assert.Equal(t, string(apperrors.KindTransientTool), loaded.Error.Kind)
}

func TestWorkerDropsMessageForTerminalJob(t *testing.T) {
	runner := &fakeRunner{outcome: func(int32, *models.Job) (string, error) {
		return uuid.New().String(), nil
	}}
	w, db, queue := testWorker(t, runner)
	job := seedPendingJob(t, db)
	require.NoError(t, db.Model(&models.Job{}).
		Where("id = ?", job.ID).
		Update("status", models.StatusCompleted).Error)

	require.NoError(t, queue.Enqueue(context.Background(), broker.Message{JobID: job.ID}, 0))
	w.Start()
	defer w.Stop()

	// The message drains without a pipeline run
	require.Eventually(t, func() bool {
		depth, err := queue.Depth(context.Background())
		return err == nil && depth == 0
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runner.calls.Load(), "re-enqueuing a completed job must be a no-op")
}

func TestWorkerDropsUnknownJob(t *testing.T) {
	runner := &fakeRunner{outcome: func(int32, *models.Job) (string, error) {
		return "", nil
	}}
	w, _, queue := testWorker(t, runner)

	require.NoError(t, queue.Enqueue(context.Background(), broker.Message{JobID: uuid.New().String()}, 0))
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		depth, err := queue.Depth(context.Background())
		return err == nil && depth == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, runner.calls.Load())
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	w, _, _ := testWorker(t, &fakeRunner{outcome: func(int32, *models.Job) (string, error) {
		return "", nil
	}})
	w.cfg.RetryBaseDelay = 30 * time.Second
	w.cfg.RetryMaxDelay = 10 * time.Minute

	assert.Equal(t, 30*time.Second, w.backoff(1))
	assert.Equal(t, time.Minute, w.backoff(2))
	assert.Equal(t, 2*time.Minute, w.backoff(3))
	assert.Equal(t, 10*time.Minute, w.backoff(6))
	assert.Equal(t, 10*time.Minute, w.backoff(20), "backoff must cap, not overflow")
}
