// Package bootstrap wires the kernel from configuration: database, blob
// store, broker, and every pipeline service, with cleanup hooks registered
// in dependency order.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/reelforge/backend/internal/beats"
	"github.com/reelforge/backend/internal/blob"
	"github.com/reelforge/backend/internal/broker"
	"github.com/reelforge/backend/internal/config"
	"github.com/reelforge/backend/internal/database"
	"github.com/reelforge/backend/internal/invoker"
	"github.com/reelforge/backend/internal/jobs"
	"github.com/reelforge/backend/internal/kernel"
	"github.com/reelforge/backend/internal/pipeline"
	"github.com/reelforge/backend/internal/plan"
	"github.com/reelforge/backend/internal/reaper"
	"github.com/reelforge/backend/internal/scheduler"
	"github.com/reelforge/backend/internal/statemachine"
	"github.com/reelforge/backend/internal/store"
	"github.com/reelforge/backend/internal/worker"
	"go.uber.org/zap"
)

// outputWindowSec is the fixed reel length the planner targets
const outputWindowSec = 30.0

// Build assembles a fully wired kernel from configuration
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger) (*kernel.Kernel, error) {
	k := kernel.New().
		SetConfig(cfg).
		SetLogger(log)

	db, err := database.Connect(cfg.DatabaseURL, cfg.DBDebug)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		return nil, err
	}
	k.SetDB(db)
	k.OnCleanup(func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	k.SetBlobStore(blobs)

	queue, err := buildBroker(cfg)
	if err != nil {
		return nil, err
	}
	k.SetQueue(queue)
	k.OnCleanup(func(context.Context) error { return queue.Close() })

	artifacts := store.New(db, blobs)
	k.SetArtifactStore(artifacts)

	machine := statemachine.New(db)
	k.SetStateMachine(machine)

	inv := invoker.New(cfg.ToolGraceTimeout, log)
	analyzer := beats.NewAnalyzer(inv, cfg.ScratchDir, log)
	planner := plan.NewPlanner(outputWindowSec)

	progress := pipeline.NewPublisher(db, log)
	k.SetProgress(progress)

	executor := pipeline.NewExecutor(db, artifacts, progress, inv, analyzer, planner, cfg, log)
	k.SetExecutor(executor)

	svc := jobs.NewService(db, machine, artifacts, queue, cfg, log)
	k.SetJobService(svc)

	workers := worker.New(db, queue, machine, executor, progress, cfg, log)
	k.SetWorkers(workers)

	r := reaper.New(db, blobs, cfg, log)
	k.SetReaper(r)

	sched := scheduler.New(db, queue, r, cfg, log)
	k.SetScheduler(sched)

	if err := k.Validate(); err != nil {
		return nil, err
	}
	return k, nil
}

// buildBlobStore picks the configured blob backend
func buildBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.BlobDriver {
	case "s3":
		return blob.NewS3Store(ctx, cfg.S3Region, cfg.S3Bucket, cfg.S3BaseURL,
			cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey)
	case "fs":
		return blob.NewFSStore(cfg.BlobDir)
	default:
		return nil, fmt.Errorf("bootstrap: unknown blob driver %q", cfg.BlobDriver)
	}
}

// buildBroker picks the configured queue backend
func buildBroker(cfg *config.Config) (broker.Broker, error) {
	switch cfg.BrokerDriver {
	case "redis":
		return broker.NewRedisBroker(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.VisibilityTimeout)
	case "memory":
		return broker.NewMemoryBroker(cfg.VisibilityTimeout), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown broker driver %q", cfg.BrokerDriver)
	}
}
