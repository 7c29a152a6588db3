// Package orchestrator wires the walker, tree builder, and change-gated
// sync into the single operation the scheduler drives: buildAndSync. It
// records the outcome of every attempt as a snapshot for health reporting,
// the way main.go's BatchComponents wiring threads a collector into a
// processor into a scheduler, except here all three stages collapse into
// one orchestrator method.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/certen-labs/merkle-snapshot/pkg/apperr"
	"github.com/certen-labs/merkle-snapshot/pkg/scheduler"
	appsync "github.com/certen-labs/merkle-snapshot/pkg/sync"
	"github.com/certen-labs/merkle-snapshot/pkg/tree"
	"github.com/certen-labs/merkle-snapshot/pkg/walker"
)

// Snapshot is the last recorded build outcome, exposed for health checks.
type Snapshot struct {
	Timestamp      time.Time
	Success        bool
	RootHash       string
	FilesProcessed int
	BuildTime      time.Duration
	Written        bool
	Error          string
}

// Orchestrator runs buildAndSync: walk the source directory, build a tree
// over the discovered files, and sync the result to the storage backend.
type Orchestrator struct {
	sourceDirectory string
	batchSize       int
	walker          *walker.Walker
	syncer          *appsync.Syncer
	logger          *log.Logger

	mu        sync.RWMutex
	lastBuild *Snapshot
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a custom logger for the orchestrator.
func WithLogger(logger *log.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithWalker overrides the default walker (chiefly for tests).
func WithWalker(w *walker.Walker) Option {
	return func(o *Orchestrator) {
		o.walker = w
	}
}

// New creates an Orchestrator over sourceDirectory, using syncer to commit
// built trees. batchSize of 0 means "no limit" on files walked per build.
func New(sourceDirectory string, batchSize int, syncer *appsync.Syncer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sourceDirectory: sourceDirectory,
		batchSize:       batchSize,
		walker:          walker.New(),
		syncer:          syncer,
		logger:          log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BuildAndSync implements the §4.9 algorithm and is suitable for direct use
// as a scheduler.BuildFunc.
func (o *Orchestrator) BuildAndSync() scheduler.Attempt {
	start := time.Now()
	snapshot, attempt := o.run(start)

	o.mu.Lock()
	o.lastBuild = &snapshot
	o.mu.Unlock()

	return attempt
}

func (o *Orchestrator) run(start time.Time) (Snapshot, scheduler.Attempt) {
	fail := func(err error) (Snapshot, scheduler.Attempt) {
		buildTime := time.Since(start)
		snap := Snapshot{
			Timestamp: start,
			Success:   false,
			BuildTime: buildTime,
			Error:     err.Error(),
		}
		o.logger.Printf("build failed: %v", err)
		return snap, scheduler.Attempt{
			Timestamp: start,
			Success:   false,
			BuildTime: buildTime,
			Error:     err.Error(),
		}
	}

	if _, err := os.Stat(o.sourceDirectory); err != nil {
		return fail(apperr.New(apperr.KindIO, "orchestrator.BuildAndSync", fmt.Errorf("source directory %s is not accessible: %w", o.sourceDirectory, err)))
	}

	files, err := o.walker.Walk(o.sourceDirectory, o.batchSize)
	if err != nil {
		return fail(err)
	}
	if len(files) == 0 {
		return fail(apperr.New(apperr.KindEmpty, "orchestrator.BuildAndSync", fmt.Errorf("no files found under %s", o.sourceDirectory)))
	}

	t, err := tree.Build(files, tree.ModeFiles)
	if err != nil {
		return fail(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := o.syncer.Sync(ctx, appsync.TreeData{
		Root:       t.Root(),
		Body:       t.Body(),
		ItemCount:  len(files),
		SourcePath: o.sourceDirectory,
	})
	if err != nil {
		return fail(err)
	}

	buildTime := time.Since(start)
	snap := Snapshot{
		Timestamp:      start,
		Success:        true,
		RootHash:       result.RootHash,
		FilesProcessed: len(files),
		BuildTime:      buildTime,
		Written:        result.Written,
	}
	o.logger.Printf("build succeeded: root=%s files=%d written=%v in %s",
		result.RootHash, len(files), result.Written, buildTime)

	return snap, scheduler.Attempt{
		Timestamp:      start,
		Success:        true,
		RootHash:       result.RootHash,
		FilesProcessed: len(files),
		BuildTime:      buildTime,
		Written:        result.Written,
	}
}

// LastBuild returns the most recent build snapshot, or nil if no build has
// run yet.
func (o *Orchestrator) LastBuild() *Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastBuild
}
