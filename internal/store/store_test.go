package store

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/reelforge/backend/internal/blob"
	"github.com/reelforge/backend/internal/database"
	apperrors "github.com/reelforge/backend/internal/errors"
	"github.com/reelforge/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testStore(t *testing.T) (*ArtifactStore, *gorm.DB) {
	t.Helper()
	db, err := database.ConnectSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	return New(db, blobs), db
}

func seedJob(t *testing.T, db *gorm.DB, status models.JobStatus) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:        uuid.New().String(),
		Status:    status,
		Style:     "luxe_travel",
		ClipCount: 2,
	}
	require.NoError(t, db.Create(job).Error)
	return job
}

func TestPutNamespacesKey(t *testing.T) {
	s, db := testStore(t)
	job := seedJob(t, db, models.StatusProcessing)
	ctx := context.Background()

	a, err := s.Put(ctx, job.ID, "beats", "beat_plan", models.ContentJSON,
		strings.NewReader(`{"tempo_bpm":120}`), 17)
	require.NoError(t, err)

	assert.Equal(t, job.ID+"/beats/beat_plan", a.BlobKey)
	assert.Equal(t, models.ContentJSON, a.ContentKind)
	assert.Equal(t, int64(17), a.Size)

	rc, err := s.Open(ctx, a)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, `{"tempo_bpm":120}`, string(data))
}

func TestPutRefusesMissingJob(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.Put(context.Background(), uuid.New().String(), "beats", "beat_plan",
		models.ContentJSON, strings.NewReader("{}"), 2)
	require.Error(t, err)
	pe, ok := apperrors.AsPipeline(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindNotFound, pe.Kind)
}

func TestPutRefusesFailedJob(t *testing.T) {
	s, db := testStore(t)
	job := seedJob(t, db, models.StatusFailed)

	_, err := s.Put(context.Background(), job.ID, "beats", "beat_plan",
		models.ContentJSON, strings.NewReader("{}"), 2)
	require.Error(t, err)
	pe, ok := apperrors.AsPipeline(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindConflict, pe.Kind)
}

func TestPutIsIdempotentPerKey(t *testing.T) {
	s, db := testStore(t)
	job := seedJob(t, db, models.StatusProcessing)
	ctx := context.Background()

	first, err := s.Put(ctx, job.ID, "plan", "segments", models.ContentJSON,
		strings.NewReader("[1]"), 3)
	require.NoError(t, err)

	// A retry writes the same key; one row survives
	second, err := s.Put(ctx, job.ID, "plan", "segments", models.ContentJSON,
		strings.NewReader("[1,2]"), 5)
	require.NoError(t, err)
	assert.Equal(t, first.BlobKey, second.BlobKey)

	var count int64
	require.NoError(t, db.Model(&models.Artifact{}).
		Where("job_id = ?", job.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestListStageAndDeleteStage(t *testing.T) {
	s, db := testStore(t)
	job := seedJob(t, db, models.StatusProcessing)
	ctx := context.Background()

	for _, name := range []string{"normalized_0", "normalized_1"} {
		_, err := s.Put(ctx, job.ID, "normalize_x", name, models.ContentVideo,
			strings.NewReader("fake video"), 10)
		require.NoError(t, err)
	}
	_, err := s.Put(ctx, job.ID, "beats", "beat_plan", models.ContentJSON,
		strings.NewReader("{}"), 2)
	require.NoError(t, err)

	listed, err := s.ListStage(ctx, job.ID, "normalize_x")
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	require.NoError(t, s.DeleteStage(ctx, job.ID, "normalize_x"))

	listed, err = s.ListStage(ctx, job.ID, "normalize_x")
	require.NoError(t, err)
	assert.Empty(t, listed)

	// Other stages are untouched
	all, err := s.List(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// The blobs are gone too
	_, err = s.Blobs().Stat(ctx, job.ID+"/normalize_x/normalized_0")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestDownload(t *testing.T) {
	s, db := testStore(t)
	job := seedJob(t, db, models.StatusProcessing)
	ctx := context.Background()

	a, err := s.Put(ctx, job.ID, "mux", "muxed", models.ContentVideo,
		strings.NewReader("container bytes"), 15)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "muxed.mp4")
	require.NoError(t, s.Download(ctx, a, dest))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "container bytes", string(data))
}
