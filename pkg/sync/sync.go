// Package sync implements the change-gated commit: a new tree is only
// written to the storage backend when its root hash differs from the
// latest committed root, consulting the cache before the backend and
// updating the cache only after a successful backend write.
package sync

import (
	"context"
	"fmt"

	"github.com/certen-labs/merkle-snapshot/pkg/apperr"
	"github.com/certen-labs/merkle-snapshot/pkg/cache"
	"github.com/certen-labs/merkle-snapshot/pkg/storage"
	"github.com/certen-labs/merkle-snapshot/pkg/tree"
)

// TreeData is the input to Sync: a freshly built tree plus the provenance
// that will become its root record if it is committed.
type TreeData struct {
	Root       tree.Hash
	Body       tree.Body
	ItemCount  int
	SourcePath string
}

// Result reports whether a write occurred.
type Result struct {
	Written      bool
	RootHash     string
	PreviousHash string
	Reason       string
	RootRecordID string
}

// Syncer applies the change-gated commit policy over a cache and a storage
// backend.
type Syncer struct {
	cache   *cache.Cache
	backend storage.Backend
}

// New constructs a Syncer. backend must not be nil; cache may be a
// disabled/down cache.Cache (its Get/Set calls degrade to safe no-ops).
func New(c *cache.Cache, backend storage.Backend) *Syncer {
	return &Syncer{cache: c, backend: backend}
}

// Sync applies the §4.7 algorithm: read latest (cache, falling back to
// backend), compare, commit if changed, update cache on success. Backend
// failures are returned as IO errors and leave the cache untouched.
func (s *Syncer) Sync(ctx context.Context, data TreeData) (Result, error) {
	if data.Root == "" {
		return Result{}, apperr.New(apperr.KindInvalid, "sync.Sync", fmt.Errorf("tree data has no root hash"))
	}
	if data.ItemCount <= 0 {
		return Result{}, apperr.New(apperr.KindInvalid, "sync.Sync", fmt.Errorf("tree data has no items"))
	}

	latest, err := s.latestRootHash(ctx)
	if err != nil {
		return Result{}, err
	}

	if latest == data.Root {
		return Result{Written: false, RootHash: data.Root, PreviousHash: latest, Reason: "unchanged"}, nil
	}

	record, err := s.backend.StoreTree(ctx, storage.NewTree{
		RootHash:   data.Root,
		Body:       data.Body,
		ItemCount:  data.ItemCount,
		SourcePath: data.SourcePath,
	})
	if err != nil {
		return Result{}, apperr.New(apperr.KindIO, "sync.Sync", fmt.Errorf("store tree: %w", err))
	}

	s.cache.SetLatestRootHash(ctx, record.RootHash)
	s.cache.SetTreeMetadata(ctx, cache.TreeMetadata{
		RootHash:   record.RootHash,
		ItemCount:  record.ItemCount,
		SourcePath: record.SourcePath,
		CreatedAt:  record.CreatedAt,
	})

	return Result{
		Written:      true,
		RootHash:     record.RootHash,
		PreviousHash: latest,
		RootRecordID: record.ID,
	}, nil
}

// latestRootHash implements the cache-then-backend read with cache
// backfill on a cache miss, per §4.7 step 1.
func (s *Syncer) latestRootHash(ctx context.Context) (string, error) {
	if hash, ok := s.cache.GetLatestRootHash(ctx); ok {
		return hash, nil
	}

	hash, found, err := s.backend.GetLatestRootHash(ctx)
	if err != nil {
		return "", apperr.New(apperr.KindIO, "sync.latestRootHash", fmt.Errorf("read backend latest root: %w", err))
	}
	if !found {
		return "", nil
	}

	s.cache.SetLatestRootHash(ctx, hash)
	return hash, nil
}
