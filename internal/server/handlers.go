package server

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	apperrors "github.com/reelforge/backend/internal/errors"
	"github.com/reelforge/backend/internal/jobs"
	"github.com/reelforge/backend/internal/models"
	"github.com/reelforge/backend/internal/store"
	"go.uber.org/zap"
)

// Handler holds the dependencies the HTTP surface needs
type Handler struct {
	svc       *jobs.Service
	artifacts *store.ArtifactStore
	maxUpload int64
	logger    *zap.Logger
}

// NewHandler creates the HTTP handler set
func NewHandler(svc *jobs.Service, artifacts *store.ArtifactStore, maxUpload int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, artifacts: artifacts, maxUpload: maxUpload, logger: logger}
}

// CreateJob accepts either a JSON body referencing already-uploaded blobs or
// a multipart form carrying the files themselves.
func (h *Handler) CreateJob(c *gin.Context) {
	contentType := c.GetHeader("Content-Type")

	var req jobs.CreateRequest
	if strings.HasPrefix(contentType, "multipart/") {
		built, err := h.intakeMultipart(c)
		if err != nil {
			respondError(c, err)
			return
		}
		req = *built
	} else {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.InvalidInput(err.Error()))
			return
		}
	}

	jobID, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// intakeMultipart stores uploaded files on the blob store under a staging
// prefix and builds the create request pointing at them.
func (h *Handler) intakeMultipart(c *gin.Context) (*jobs.CreateRequest, error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, apperrors.InvalidInput(err.Error())
	}

	startSec := 0.0
	if v := c.PostForm("window_start_sec"); v != "" {
		startSec, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, apperrors.InvalidInput("window_start_sec is not a number")
		}
	}

	uploadID := uuid.New().String()
	req := &jobs.CreateRequest{
		Style: c.PostForm("style"),
		AudioWindow: jobs.AudioWindow{
			StartSec: startSec,
			EndSec:   startSec + 30,
		},
	}

	clips := form.File["clips"]
	for i, fh := range clips {
		ref, err := h.stageUpload(c, uploadID, fmt.Sprintf("clip_%d", i), fh)
		if err != nil {
			return nil, err
		}
		req.Clips = append(req.Clips, *ref)
	}

	audios := form.File["audio"]
	if len(audios) != 1 {
		return nil, apperrors.InvalidInput("exactly one audio file is required")
	}
	ref, err := h.stageUpload(c, uploadID, "audio", audios[0])
	if err != nil {
		return nil, err
	}
	req.Audio = *ref

	return req, nil
}

// stageUpload writes one uploaded file to the blob store and returns its ref
func (h *Handler) stageUpload(c *gin.Context, uploadID, name string, fh *multipart.FileHeader) (*jobs.InputRef, error) {
	if fh.Size > h.maxUpload {
		return nil, apperrors.InvalidInput(fmt.Sprintf(
			"%s is %d bytes, exceeding the %d byte limit", fh.Filename, fh.Size, h.maxUpload))
	}

	f, err := fh.Open()
	if err != nil {
		return nil, apperrors.InvalidInput(err.Error())
	}
	defer f.Close()

	kind := kindFromContentType(fh.Header.Get("Content-Type"))
	key := fmt.Sprintf("uploads/%s/%s", uploadID, name)
	if err := h.artifacts.Blobs().Put(c.Request.Context(), key, f, fh.Size, fh.Header.Get("Content-Type")); err != nil {
		return nil, apperrors.StorageUnavailable("", err)
	}

	return &jobs.InputRef{
		BlobKey:     key,
		ContentKind: kind,
		SizeBytes:   fh.Size,
	}, nil
}

// kindFromContentType maps an upload MIME type to a content kind
func kindFromContentType(ct string) models.ContentKind {
	switch {
	case strings.HasPrefix(ct, "video/"):
		return models.ContentVideo
	case strings.HasPrefix(ct, "image/"):
		return models.ContentImage
	case strings.HasPrefix(ct, "audio/"):
		return models.ContentAudio
	}
	return models.ContentVideo
}

// GetJob returns the current job row plus the output URL when complete
func (h *Handler) GetJob(c *gin.Context) {
	view, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CancelJob requests termination of a job
func (h *Handler) CancelJob(c *gin.Context) {
	if err := h.svc.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// GetOutput redirects to the finished reel's public URL
func (h *Handler) GetOutput(c *gin.Context) {
	view, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if view.Job.Status != models.StatusCompleted || view.OutputURL == "" {
		respondError(c, apperrors.Conflict("job has no output yet"))
		return
	}
	c.Redirect(http.StatusFound, view.OutputURL)
}

// respondError maps the error taxonomy onto HTTP status codes
func respondError(c *gin.Context, err error) {
	if pe, ok := apperrors.AsPipeline(err); ok {
		c.JSON(pe.Kind.StatusCode(), gin.H{"error": pe})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{
		"kind":    apperrors.KindInternal,
		"message": err.Error(),
	}})
}
