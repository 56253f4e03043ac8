package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/reelforge/backend/internal/invoker"
	"github.com/reelforge/backend/internal/models"
	"github.com/reelforge/backend/internal/store"
	"go.uber.org/zap"
)

// StageContext is what a stage body sees: the job, a private scratch
// directory, and typed access to artifacts. Bodies read inputs through
// Input and write outputs through the Put helpers; they never mutate
// inputs or touch another stage's scratch space.
type StageContext struct {
	Job     *models.Job
	Stage   string
	Scratch string
	Timeout time.Duration

	store  *store.ArtifactStore
	inv    *invoker.Invoker
	logger *zap.Logger
}

// Input downloads an artifact into the stage's scratch directory and
// returns the local path. Repeated calls for the same artifact reuse the
// downloaded copy.
func (sc *StageContext) Input(ctx context.Context, producingStage, name string) (string, error) {
	a, err := sc.store.Get(ctx, sc.Job.ID, producingStage, name)
	if err != nil {
		return "", err
	}

	local := filepath.Join(sc.Scratch, fmt.Sprintf("in_%s_%s", producingStage, name))
	if _, statErr := os.Stat(local); statErr == nil {
		return local, nil
	}
	if err := sc.store.Download(ctx, a, local); err != nil {
		return "", err
	}
	return local, nil
}

// Artifact looks up an artifact row without downloading the blob
func (sc *StageContext) Artifact(ctx context.Context, producingStage, name string) (*models.Artifact, error) {
	return sc.store.Get(ctx, sc.Job.ID, producingStage, name)
}

// InputJSON downloads a JSON artifact and unmarshals it into v
func (sc *StageContext) InputJSON(ctx context.Context, producingStage, name string, v interface{}) error {
	path, err := sc.Input(ctx, producingStage, name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read artifact %s/%s: %w", producingStage, name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode artifact %s/%s: %w", producingStage, name, err)
	}
	return nil
}

// OutputPath returns a scratch path for a named stage output
func (sc *StageContext) OutputPath(name string) string {
	return filepath.Join(sc.Scratch, name)
}

// PutFile stores a scratch file as this stage's named output
func (sc *StageContext) PutFile(ctx context.Context, name string, kind models.ContentKind, path string) (*models.Artifact, error) {
	return sc.store.PutFile(ctx, sc.Job.ID, sc.Stage, name, kind, path)
}

// PutJSON stores a value as this stage's named JSON output
func (sc *StageContext) PutJSON(ctx context.Context, name string, v interface{}) (*models.Artifact, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode artifact %s: %w", name, err)
	}
	path := sc.OutputPath(name + ".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact %s: %w", name, err)
	}
	return sc.store.PutFile(ctx, sc.Job.ID, sc.Stage, name, models.ContentJSON, path)
}

// RunTool invokes an external tool under the stage's timeout and converts
// the outcome into the pipeline error taxonomy.
func (sc *StageContext) RunTool(ctx context.Context, argv ...string) error {
	res, err := sc.inv.Run(ctx, invoker.Request{
		Argv:    argv,
		Dir:     sc.Scratch,
		Timeout: sc.Timeout,
	})
	return classifyToolResult(sc.Stage, res, err)
}
