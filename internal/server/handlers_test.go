package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/reelforge/backend/internal/blob"
	"github.com/reelforge/backend/internal/broker"
	"github.com/reelforge/backend/internal/config"
	"github.com/reelforge/backend/internal/database"
	"github.com/reelforge/backend/internal/jobs"
	"github.com/reelforge/backend/internal/models"
	"github.com/reelforge/backend/internal/statemachine"
	"github.com/reelforge/backend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T) (*gin.Engine, *broker.MemoryBroker) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.ConnectSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	artifacts := store.New(db, blobs)

	queue := broker.NewMemoryBroker(time.Minute)
	t.Cleanup(func() { queue.Close() })

	cfg := &config.Config{
		MaxClipCount:      5,
		MaxFileSize:       100 << 20,
		TerminalRetention: time.Hour,
	}
	svc := jobs.NewService(db, statemachine.New(db), artifacts, queue, cfg, nil)
	h := NewHandler(svc, artifacts, cfg.MaxFileSize, nil)
	return NewRouter(h, false), queue
}

func createBody(clips int) []byte {
	req := jobs.CreateRequest{
		Audio: jobs.InputRef{
			BlobKey:     fmt.Sprintf("uploads/%s/audio", uuid.New().String()),
			ContentKind: models.ContentAudio,
			SizeBytes:   1 << 20,
		},
		AudioWindow: jobs.AudioWindow{StartSec: 0, EndSec: 30},
		Style:       "cinematic_drama",
	}
	for i := 0; i < clips; i++ {
		req.Clips = append(req.Clips, jobs.InputRef{
			BlobKey:     fmt.Sprintf("uploads/%s/clip_%d", uuid.New().String(), i),
			ContentKind: models.ContentVideo,
			SizeBytes:   1 << 20,
		})
	}
	body, _ := json.Marshal(req)
	return body
}

func postJSON(router *gin.Engine, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestCreateJobEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	w := postJSON(router, "/api/v1/jobs", createBody(2))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["job_id"])
}

func TestCreateJobEndpointRejectsInvalidInput(t *testing.T) {
	router, _ := testRouter(t)

	body := createBody(2)
	var req jobs.CreateRequest
	require.NoError(t, json.Unmarshal(body, &req))
	req.Style = "unknown_style"
	body, _ = json.Marshal(req)

	w := postJSON(router, "/api/v1/jobs", body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_INPUT")
}

func TestGetJobEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	w := postJSON(router, "/api/v1/jobs", createBody(1))
	require.Equal(t, http.StatusAccepted, w.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created["job_id"], nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var view jobs.JobView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, models.StatusPending, view.Job.Status)
	assert.Equal(t, 0, view.Job.Progress)
}

func TestGetJobEndpointNotFound(t *testing.T) {
	router, _ := testRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.New().String(), nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelJobEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	w := postJSON(router, "/api/v1/jobs", createBody(1))
	require.Equal(t, http.StatusAccepted, w.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+created["job_id"]+"/cancel", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// Cancel is idempotent over HTTP too
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+created["job_id"]+"/cancel", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOutputEndpointBeforeCompletion(t *testing.T) {
	router, _ := testRouter(t)

	w := postJSON(router, "/api/v1/jobs", createBody(1))
	require.Equal(t, http.StatusAccepted, w.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+created["job_id"]+"/output", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHealthz(t *testing.T) {
	router, _ := testRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
