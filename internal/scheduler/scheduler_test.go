package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/reelforge/backend/internal/blob"
	"github.com/reelforge/backend/internal/broker"
	"github.com/reelforge/backend/internal/config"
	"github.com/reelforge/backend/internal/database"
	"github.com/reelforge/backend/internal/models"
	"github.com/reelforge/backend/internal/reaper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testScheduler(t *testing.T) (*Scheduler, *gorm.DB, *broker.MemoryBroker) {
	t.Helper()
	db, err := database.ConnectSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	queue := broker.NewMemoryBroker(time.Minute)
	t.Cleanup(func() { queue.Close() })

	cfg := &config.Config{
		VisibilityTimeout:  15 * time.Minute,
		RequeueSlack:       2 * time.Minute,
		ReaperInterval:     time.Minute,
		RequeueInterval:    time.Minute,
		TerminalRetention:  time.Hour,
		AbandonedRetention: 24 * time.Hour,
	}
	r := reaper.New(db, blobs, cfg, nil)
	return New(db, queue, r, cfg, nil), db, queue
}

func seedProcessing(t *testing.T, db *gorm.DB, pickedUpAgo time.Duration) *models.Job {
	t.Helper()
	pickup := time.Now().UTC().Add(-pickedUpAgo)
	job := &models.Job{
		ID:           uuid.New().String(),
		Status:       models.StatusProcessing,
		Style:        "luxe_travel",
		ClipCount:    2,
		AttemptCount: 1,
		LastPickupAt: &pickup,
	}
	require.NoError(t, db.Create(job).Error)
	return job
}

func TestRequeueAbandonedEnqueuesExpiredLease(t *testing.T) {
	s, db, queue := testScheduler(t)
	// Picked up 20 minutes ago; T_vis(15m) + slack(2m) has lapsed
	job := seedProcessing(t, db, 20*time.Minute)

	s.requeueAbandoned(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := queue.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, d.Message().JobID)
}

func TestRequeueAbandonedSkipsFreshLease(t *testing.T) {
	s, db, queue := testScheduler(t)
	seedProcessing(t, db, time.Minute)

	s.requeueAbandoned(context.Background())

	depth, err := queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth, "a live lease must not be requeued")
}

func TestRequeueAbandonedSkipsTerminalJobs(t *testing.T) {
	s, db, queue := testScheduler(t)
	job := seedProcessing(t, db, 20*time.Minute)
	require.NoError(t, db.Model(&models.Job{}).
		Where("id = ?", job.ID).
		Update("status", models.StatusFailed).Error)

	s.requeueAbandoned(context.Background())

	depth, err := queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRequeueAbandonedHandlesNullPickup(t *testing.T) {
	s, db, queue := testScheduler(t)
	// PROCESSING with no recorded pickup at all counts as abandoned
	job := &models.Job{
		ID:        uuid.New().String(),
		Status:    models.StatusProcessing,
		Style:     "luxe_travel",
		ClipCount: 1,
	}
	require.NoError(t, db.Create(job).Error)

	s.requeueAbandoned(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := queue.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, d.Message().JobID)
}
