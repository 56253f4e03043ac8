// Package kernel provides dependency injection management for the pipeline.
// It consolidates all services, provides type-safe access to dependencies,
// and owns LIFO cleanup ordering at shutdown.
package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/reelforge/backend/internal/blob"
	"github.com/reelforge/backend/internal/broker"
	"github.com/reelforge/backend/internal/config"
	"github.com/reelforge/backend/internal/jobs"
	"github.com/reelforge/backend/internal/pipeline"
	"github.com/reelforge/backend/internal/reaper"
	"github.com/reelforge/backend/internal/scheduler"
	"github.com/reelforge/backend/internal/statemachine"
	"github.com/reelforge/backend/internal/store"
	"github.com/reelforge/backend/internal/worker"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Kernel holds all application dependencies and provides type-safe access
type Kernel struct {
	// Core infrastructure
	cfg    *config.Config
	db     *gorm.DB
	logger *zap.Logger

	// Storage and messaging
	blobs     blob.Store
	artifacts *store.ArtifactStore
	queue     broker.Broker

	// Pipeline services
	machine   *statemachine.Machine
	executor  *pipeline.Executor
	progress  *pipeline.Publisher
	jobs      *jobs.Service
	workers   *worker.Worker
	reaper    *reaper.Reaper
	scheduler *scheduler.Scheduler

	// Lifecycle hooks
	cleanupFuncs []func(context.Context) error
	mu           sync.RWMutex
}

// New creates a new empty kernel. Services are registered with Set* methods.
func New() *Kernel {
	return &Kernel{
		cleanupFuncs: make([]func(context.Context) error, 0),
	}
}

// SetConfig registers the loaded configuration
func (k *Kernel) SetConfig(cfg *config.Config) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cfg = cfg
	return k
}

// Config returns the configuration
func (k *Kernel) Config() *config.Config {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.cfg
}

// SetDB registers the database connection
func (k *Kernel) SetDB(db *gorm.DB) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.db = db
	return k
}

// DB returns the database connection
func (k *Kernel) DB() *gorm.DB {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.db
}

// SetLogger registers the logger
func (k *Kernel) SetLogger(l *zap.Logger) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.logger = l
	return k
}

// Logger returns the logger instance
func (k *Kernel) Logger() *zap.Logger {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.logger == nil {
		return zap.NewNop()
	}
	return k.logger
}

// SetBlobStore registers the blob store
func (k *Kernel) SetBlobStore(s blob.Store) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.blobs = s
	return k
}

// BlobStore returns the blob store
func (k *Kernel) BlobStore() blob.Store {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.blobs
}

// SetArtifactStore registers the artifact store adapter
func (k *Kernel) SetArtifactStore(s *store.ArtifactStore) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.artifacts = s
	return k
}

// ArtifactStore returns the artifact store adapter
func (k *Kernel) ArtifactStore() *store.ArtifactStore {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.artifacts
}

// SetQueue registers the job message broker
func (k *Kernel) SetQueue(q broker.Broker) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.queue = q
	return k
}

// Queue returns the job message broker
func (k *Kernel) Queue() broker.Broker {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.queue
}

// SetStateMachine registers the job state machine
func (k *Kernel) SetStateMachine(m *statemachine.Machine) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.machine = m
	return k
}

// StateMachine returns the job state machine
func (k *Kernel) StateMachine() *statemachine.Machine {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.machine
}

// SetExecutor registers the pipeline executor
func (k *Kernel) SetExecutor(e *pipeline.Executor) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.executor = e
	return k
}

// Executor returns the pipeline executor
func (k *Kernel) Executor() *pipeline.Executor {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.executor
}

// SetProgress registers the progress publisher
func (k *Kernel) SetProgress(p *pipeline.Publisher) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.progress = p
	return k
}

// Progress returns the progress publisher
func (k *Kernel) Progress() *pipeline.Publisher {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.progress
}

// SetJobService registers the job service
func (k *Kernel) SetJobService(s *jobs.Service) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.jobs = s
	return k
}

// JobService returns the job service
func (k *Kernel) JobService() *jobs.Service {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.jobs
}

// SetWorkers registers the worker pool
func (k *Kernel) SetWorkers(w *worker.Worker) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.workers = w
	return k
}

// Workers returns the worker pool
func (k *Kernel) Workers() *worker.Worker {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.workers
}

// SetReaper registers the retention reaper
func (k *Kernel) SetReaper(r *reaper.Reaper) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reaper = r
	return k
}

// Reaper returns the retention reaper
func (k *Kernel) Reaper() *reaper.Reaper {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.reaper
}

// SetScheduler registers the scheduler
func (k *Kernel) SetScheduler(s *scheduler.Scheduler) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.scheduler = s
	return k
}

// Scheduler returns the scheduler
func (k *Kernel) Scheduler() *scheduler.Scheduler {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.scheduler
}

// OnCleanup registers a cleanup function called during shutdown.
// Cleanup functions run in LIFO order so dependencies outlive dependents.
func (k *Kernel) OnCleanup(fn func(context.Context) error) *Kernel {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cleanupFuncs = append(k.cleanupFuncs, fn)
	return k
}

// Cleanup performs graceful shutdown of all registered services
func (k *Kernel) Cleanup(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for i := len(k.cleanupFuncs) - 1; i >= 0; i-- {
		if err := k.cleanupFuncs[i](ctx); err != nil {
			k.Logger().Error("Cleanup function failed",
				zap.Int("index", i),
				zap.Error(err),
			)
		}
	}
	return nil
}

// Validate checks that all required dependencies are registered. Call it
// after wiring, before starting workers or the server.
func (k *Kernel) Validate() error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	missing := []string{}
	if k.cfg == nil {
		missing = append(missing, "config")
	}
	if k.db == nil {
		missing = append(missing, "database")
	}
	if k.blobs == nil {
		missing = append(missing, "blob store")
	}
	if k.queue == nil {
		missing = append(missing, "message broker")
	}
	if k.artifacts == nil {
		missing = append(missing, "artifact store")
	}
	if k.machine == nil {
		missing = append(missing, "state machine")
	}
	if k.jobs == nil {
		missing = append(missing, "job service")
	}

	if len(missing) > 0 {
		return fmt.Errorf("kernel: missing required dependencies: %s", strings.Join(missing, ", "))
	}
	return nil
}
