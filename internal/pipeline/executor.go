// Package pipeline executes the fixed stage graph that renders one reel:
// slice audio, find beats, plan cuts, normalize clips, concatenate to the
// beat, grade, mux, and gate. The executor owns topological dispatch,
// bounded fan-out, cancellation at stage boundaries, and first-failure
// reporting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/reelforge/backend/internal/beats"
	"github.com/reelforge/backend/internal/config"
	apperrors "github.com/reelforge/backend/internal/errors"
	"github.com/reelforge/backend/internal/invoker"
	"github.com/reelforge/backend/internal/logger"
	"github.com/reelforge/backend/internal/metrics"
	"github.com/reelforge/backend/internal/models"
	"github.com/reelforge/backend/internal/plan"
	"github.com/reelforge/backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Executor drives one job through the stage graph
type Executor struct {
	db       *gorm.DB
	store    *store.ArtifactStore
	progress *Publisher
	inv      *invoker.Invoker
	analyzer *beats.Analyzer
	planner  *plan.Planner
	cfg      *config.Config
	logger   *zap.Logger

	// graphFn builds the stage graph for a job; tests swap in synthetic
	// graphs to exercise dispatch, cancellation, and failure handling
	graphFn func(job *models.Job) []Stage
}

// NewExecutor wires an executor from injected handles
func NewExecutor(db *gorm.DB, artifacts *store.ArtifactStore, progress *Publisher, inv *invoker.Invoker, analyzer *beats.Analyzer, planner *plan.Planner, cfg *config.Config, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		db:       db,
		store:    artifacts,
		progress: progress,
		inv:      inv,
		analyzer: analyzer,
		planner:  planner,
		cfg:      cfg,
		logger:   log,
	}
	e.graphFn = e.graph
	return e
}

// stageResult is one finished stage body
type stageResult struct {
	name string
	err  error
}

// Run executes the graph for a job and returns the output artifact id on
// success. On failure it returns the first observed stage error; peers
// cancelled because of that failure are not reported.
func (e *Executor) Run(ctx context.Context, job *models.Job) (string, error) {
	stages := e.graphFn(job)
	byName := make(map[string]*Stage, len(stages))
	totalWeight := 0
	for i := range stages {
		byName[stages[i].Name] = &stages[i]
		totalWeight += stages[i].Weight
	}

	scratchRoot := filepath.Join(e.cfg.ScratchDir, job.ID)
	if err := os.MkdirAll(scratchRoot, 0o755); err != nil {
		return "", apperrors.StorageUnavailable("", err)
	}
	defer os.RemoveAll(scratchRoot)

	runCtx, cancelPeers := context.WithCancel(ctx)
	defer cancelPeers()

	results := make(chan stageResult)
	finished := make(map[string]bool, len(stages))
	succeeded := make(map[string]bool, len(stages))
	started := make(map[string]bool, len(stages))
	running := 0
	doneWeight := 0
	var firstErr *apperrors.PipelineError

	ready := func() []*Stage {
		var out []*Stage
		for i := range stages {
			s := &stages[i]
			if started[s.Name] {
				continue
			}
			ok := true
			for _, dep := range s.Deps {
				if !succeeded[dep] {
					ok = false
					break
				}
			}
			if ok {
				out = append(out, s)
			}
		}
		return out
	}

	for len(finished) < len(stages) {
		// Stage boundary: observe cancellation before dispatching more work
		if firstErr == nil {
			cancelled, err := e.jobCancelled(ctx, job.ID)
			if err != nil {
				firstErr = apperrors.StorageUnavailable("", err)
				cancelPeers()
			} else if cancelled {
				firstErr = apperrors.Cancelled(currentStep(stages, started, succeeded))
				cancelPeers()
			}
		}

		if firstErr == nil {
			for _, s := range ready() {
				if running >= e.cfg.ClipConcurrency {
					break
				}
				started[s.Name] = true
				running++
				go func(s *Stage) {
					results <- stageResult{name: s.Name, err: e.runStage(runCtx, job, s, scratchRoot)}
				}(s)
			}
		}

		if running == 0 {
			if firstErr != nil {
				break
			}
			// No runnable stage and nothing in flight: the graph is stuck
			return "", apperrors.Internal("pipeline graph made no progress")
		}

		res := <-results
		running--
		s := byName[res.name]

		if res.err != nil {
			pe := apperrors.FromError(res.err, res.name)
			if firstErr == nil {
				firstErr = pe
				cancelPeers()
				e.logger.Warn("Stage failed",
					logger.WithJobID(job.ID),
					logger.WithStage(res.name),
					zap.String("kind", string(pe.Kind)),
					zap.Bool("retryable", pe.Retryable),
					zap.String("message", pe.Message),
				)
				metrics.Get().StageRunsTotal.WithLabelValues(stageFamily(res.name), "failed").Inc()
			} else {
				// A peer cancelled because of the first failure; not a
				// genuine failure of its own
				e.logger.Debug("Stage cancelled",
					logger.WithJobID(job.ID),
					logger.WithStage(res.name),
				)
				metrics.Get().StageRunsTotal.WithLabelValues(stageFamily(res.name), "cancelled").Inc()
			}
			// The loop continues to drain in-flight peers
			finished[res.name] = true
			continue
		}

		finished[res.name] = true
		succeeded[res.name] = true
		doneWeight += s.Weight
		metrics.Get().StageRunsTotal.WithLabelValues(stageFamily(res.name), "ok").Inc()
		if firstErr == nil {
			percent := doneWeight * 100 / totalWeight
			e.progress.Publish(ctx, job.ID, percent, currentStep(stages, started, succeeded))
		}
	}

	if firstErr != nil {
		if firstErr.Kind == apperrors.KindCancelled {
			e.cleanupPartialStages(job.ID, stages, started, succeeded)
		}
		return "", firstErr
	}

	if _, ok := byName[StageMux]; !ok {
		// Synthetic graphs without a mux stage have no container output
		return "", nil
	}
	output, err := e.store.Get(ctx, job.ID, StageMux, ArtifactMuxed)
	if err != nil {
		return "", apperrors.FromError(err, StageQualityGate)
	}
	return output.ID, nil
}

// runStage prepares the stage context and executes the body under the
// stage's timeout.
func (e *Executor) runStage(ctx context.Context, job *models.Job, s *Stage, scratchRoot string) error {
	scratch := filepath.Join(scratchRoot, s.Name)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return apperrors.StorageUnavailable(s.Name, err)
	}

	timeout := e.cfg.StageTimeout(s.Name)
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sc := &StageContext{
		Job:     job,
		Stage:   s.Name,
		Scratch: scratch,
		Timeout: timeout,
		store:   e.store,
		inv:     e.inv,
		logger:  e.logger,
	}

	start := time.Now()
	e.logger.Debug("Stage started",
		logger.WithJobID(job.ID),
		logger.WithStage(s.Name),
	)

	err := s.Run(stageCtx, sc)
	elapsed := time.Since(start)
	metrics.Get().StageDuration.WithLabelValues(stageFamily(s.Name)).Observe(elapsed.Seconds())

	if err != nil {
		// Peer cancellation and stage timeouts both surface as context
		// errors from non-tool code paths; classify them here
		if errors.Is(err, context.Canceled) {
			return apperrors.Cancelled(s.Name)
		}
		if errors.Is(err, context.DeadlineExceeded) && stageCtx.Err() == context.DeadlineExceeded {
			return apperrors.TransientTool(s.Name, fmt.Sprintf("stage exceeded its %s timeout", timeout))
		}
		return err
	}

	e.logger.Info("Stage completed",
		logger.WithJobID(job.ID),
		logger.WithStage(s.Name),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// jobCancelled re-reads the job's status
func (e *Executor) jobCancelled(ctx context.Context, jobID string) (bool, error) {
	var job models.Job
	err := e.db.WithContext(ctx).
		Select("status").
		First(&job, "id = ?", jobID).Error
	if err != nil {
		return false, err
	}
	return job.Status == models.StatusCancelled, nil
}

// currentStep picks the progress label: the first started-but-unfinished
// stage in graph order, falling back to the last successful one.
func currentStep(stages []Stage, started, succeeded map[string]bool) string {
	for i := range stages {
		if started[stages[i].Name] && !succeeded[stages[i].Name] {
			return stages[i].Step
		}
	}
	last := ""
	for i := range stages {
		if succeeded[stages[i].Name] {
			last = stages[i].Step
		}
	}
	return last
}

// cleanupPartialStages deletes artifacts written by stages that started but
// never finished cleanly, so a cancelled job leaves no half-written
// outputs. Outputs of stages that already succeeded stay put: a later
// attempt may resume past them, and the reaper owns their end of life.
func (e *Executor) cleanupPartialStages(jobID string, stages []Stage, started, succeeded map[string]bool) {
	// Run the deletes on a fresh context: the run context is already
	// cancelled by the time we get here
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := range stages {
		s := &stages[i]
		if !started[s.Name] || succeeded[s.Name] || len(s.Outputs) == 0 {
			continue
		}
		if err := e.store.DeleteStage(cleanupCtx, jobID, s.Name); err != nil {
			e.logger.Warn("Failed to delete partial stage artifacts",
				logger.WithJobID(jobID),
				logger.WithStage(s.Name),
				zap.Error(err),
			)
		}
	}
}

// stageFamily collapses the normalize fan-out into one metrics label
func stageFamily(stage string) string {
	if len(stage) > len("normalize") && stage[:len("normalize")] == "normalize" {
		return "normalize"
	}
	return stage
}
