// Package storage defines the durable-storage contract for committed
// Merkle roots and their tree bodies, plus two concrete backends:
// pkg/storage/relational (Postgres) and pkg/storage/objectstore
// (S3-compatible). Callers depend only on the Backend interface so the
// variant in use is a startup configuration choice, never a compile-time
// one spread through the rest of the service.
package storage

import (
	"context"
	"time"

	"github.com/certen-labs/merkle-snapshot/pkg/tree"
)

// RootRecord is the committed artifact: a root hash plus the provenance of
// the build that produced it.
type RootRecord struct {
	ID         string    `json:"id"`
	RootHash   string    `json:"rootHash"`
	ItemCount  int       `json:"itemCount"`
	SourcePath string    `json:"sourcePath"`
	CreatedAt  time.Time `json:"createdAt"`
}

// FullTree is a RootRecord plus the tree body it was committed with.
type FullTree struct {
	RootRecord
	Body tree.Body `json:"body"`
}

// NewTree is the input to StoreTree: everything needed to commit a new
// root record and its body atomically.
type NewTree struct {
	RootHash   string
	Body       tree.Body
	ItemCount  int
	SourcePath string
}

// ConnectionStatus is the result of a connectivity probe.
type ConnectionStatus struct {
	Connected bool      `json:"connected"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Stats summarizes the committed-tree population for the health/status
// endpoints.
type Stats struct {
	TotalTrees     int64      `json:"totalTrees"`
	LatestTree     *time.Time `json:"latestTree,omitempty"`
	EarliestTree   *time.Time `json:"earliestTree,omitempty"`
	AvgItemCount   float64    `json:"avgItemCount,omitempty"`
	TotalSizeBytes int64      `json:"totalSizeBytes,omitempty"`
}

// Backend is the capability every storage variant exposes. Implementations
// must reject invalid NewTree input (empty RootHash, non-positive
// ItemCount) with an apperr KindInvalid error before performing any write,
// and must never leak backend-specific error shapes through this contract.
type Backend interface {
	// GetLatestRootHash returns the most recently committed root hash, or
	// ("", false) if no root has ever been committed.
	GetLatestRootHash(ctx context.Context) (string, bool, error)

	// StoreTree atomically persists a new root record and its tree body.
	StoreTree(ctx context.Context, in NewTree) (RootRecord, error)

	// GetTreeByRootHash returns the full tree committed under rootHash, or
	// (_, false) if no such root exists.
	GetTreeByRootHash(ctx context.Context, rootHash string) (FullTree, bool, error)

	// GetRecentRoots returns up to limit root records, newest first.
	GetRecentRoots(ctx context.Context, limit int) ([]RootRecord, error)

	// TestConnection probes backend reachability.
	TestConnection(ctx context.Context) ConnectionStatus

	// Stats summarizes the committed population.
	Stats(ctx context.Context) (Stats, error)

	// Close releases any held resources (connection pools, clients).
	Close() error
}
