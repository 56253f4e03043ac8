package statemachine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/reelforge/backend/internal/database"
	"github.com/reelforge/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.ConnectSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return db
}

func seedJob(t *testing.T, db *gorm.DB, status models.JobStatus) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:             uuid.New().String(),
		Status:         status,
		Style:          "energetic_dance",
		ClipCount:      3,
		WindowStartSec: 10,
		WindowEndSec:   40,
	}
	require.NoError(t, db.Create(job).Error)
	return job
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.StatusPending, models.StatusProcessing))
	assert.True(t, CanTransition(models.StatusProcessing, models.StatusProcessing))
	assert.True(t, CanTransition(models.StatusProcessing, models.StatusCompleted))
	assert.True(t, CanTransition(models.StatusProcessing, models.StatusPending))
	assert.True(t, CanTransition(models.StatusPending, models.StatusCancelled))

	// Terminal statuses are absorbing
	assert.False(t, CanTransition(models.StatusCompleted, models.StatusProcessing))
	assert.False(t, CanTransition(models.StatusFailed, models.StatusPending))
	assert.False(t, CanTransition(models.StatusCancelled, models.StatusProcessing))
	assert.False(t, CanTransition(models.StatusCompleted, models.StatusFailed))
}

func TestPickupIncrementsAttempts(t *testing.T) {
	db := testDB(t)
	m := New(db)
	job := seedJob(t, db, models.StatusPending)

	won, err := m.Pickup(context.Background(), job.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, won)

	var loaded models.Job
	require.NoError(t, db.First(&loaded, "id = ?", job.ID).Error)
	assert.Equal(t, models.StatusProcessing, loaded.Status)
	assert.Equal(t, 1, loaded.AttemptCount)
	assert.NotNil(t, loaded.LastPickupAt)

	// Re-entry is allowed and counts another attempt
	won, err = m.Pickup(context.Background(), job.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, won)

	require.NoError(t, db.First(&loaded, "id = ?", job.ID).Error)
	assert.Equal(t, 2, loaded.AttemptCount)
}

func TestPickupRejectedForTerminalJob(t *testing.T) {
	db := testDB(t)
	m := New(db)

	for _, status := range []models.JobStatus{models.StatusCompleted, models.StatusFailed, models.StatusCancelled} {
		job := seedJob(t, db, status)
		won, err := m.Pickup(context.Background(), job.ID, time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, won, "pickup must lose against status %s", status)
	}
}

func TestCompleteSetsOutputAtomically(t *testing.T) {
	db := testDB(t)
	m := New(db)
	job := seedJob(t, db, models.StatusProcessing)

	outputID := uuid.New().String()
	retention := time.Now().UTC().Add(time.Hour)
	won, err := m.Complete(context.Background(), job.ID, outputID, retention)
	require.NoError(t, err)
	assert.True(t, won)

	var loaded models.Job
	require.NoError(t, db.First(&loaded, "id = ?", job.ID).Error)
	assert.Equal(t, models.StatusCompleted, loaded.Status)
	require.NotNil(t, loaded.OutputArtifactID)
	assert.Equal(t, outputID, *loaded.OutputArtifactID)
	assert.Equal(t, 100, loaded.Progress)
	assert.NotNil(t, loaded.CompletedAt)
	assert.NotNil(t, loaded.RetentionDeadline)

	// A second completion loses the CAS
	won, err = m.Complete(context.Background(), job.ID, uuid.New().String(), retention)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestFailPersistsError(t *testing.T) {
	db := testDB(t)
	m := New(db)
	job := seedJob(t, db, models.StatusProcessing)

	jobErr := models.JobError{
		Kind:      "FATAL_TOOL",
		Stage:     "normalize_1",
		Message:   "exit status 1",
		Retryable: false,
	}
	won, err := m.Fail(context.Background(), job.ID, jobErr, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, won)

	var loaded models.Job
	require.NoError(t, db.First(&loaded, "id = ?", job.ID).Error)
	assert.Equal(t, models.StatusFailed, loaded.Status)
	require.NotNil(t, loaded.Error)
	assert.Equal(t, "FATAL_TOOL", loaded.Error.Kind)
	assert.Equal(t, "normalize_1", loaded.Error.Stage)
	assert.Nil(t, loaded.OutputArtifactID)
}

func TestConcurrentCancelIsIdempotent(t *testing.T) {
	db := testDB(t)
	m := New(db)
	job := seedJob(t, db, models.StatusProcessing)

	const callers = 8
	var wg sync.WaitGroup
	wins := make([]bool, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			won, err := m.Cancel(context.Background(), job.ID, time.Now().UTC().Add(time.Hour))
			assert.NoError(t, err)
			wins[idx] = won
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, w := range wins {
		if w {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one cancel transition must be observed")

	var loaded models.Job
	require.NoError(t, db.First(&loaded, "id = ?", job.ID).Error)
	assert.Equal(t, models.StatusCancelled, loaded.Status)
}

func TestReleaseReturnsJobToPending(t *testing.T) {
	db := testDB(t)
	m := New(db)
	job := seedJob(t, db, models.StatusPending)

	won, err := m.Pickup(context.Background(), job.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, won)

	won, err = m.Release(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, won)

	var loaded models.Job
	require.NoError(t, db.First(&loaded, "id = ?", job.ID).Error)
	assert.Equal(t, models.StatusPending, loaded.Status)
	assert.Nil(t, loaded.LastPickupAt)
	// The spent attempt stays counted
	assert.Equal(t, 1, loaded.AttemptCount)
}
