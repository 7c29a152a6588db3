// Copyright 2025 Certen Protocol
//
// Package relational implements storage.Backend over PostgreSQL: a
// two-table transactional commit (merkle_roots + merkle_tree_data), the
// way the teacher's pkg/database client wraps *sql.DB with pool
// configuration and its repositories hand-write parameterized SQL.
package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/certen-labs/merkle-snapshot/pkg/apperr"
	"github.com/certen-labs/merkle-snapshot/pkg/storage"
	"github.com/certen-labs/merkle-snapshot/pkg/tree"
)

// ErrNotFound names the "no such root record" condition. No Backend method
// returns it: a query that finds no row is reported as (_, false, nil).
var ErrNotFound = errors.New("root record not found")

// Config configures the relational backend's connection pool.
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleSecs int
	ConnMaxLifeSecs int
}

// Backend is the Postgres-backed storage.Backend implementation.
type Backend struct {
	db     *sql.DB
	logger *log.Logger
}

// NewWithDB wraps an already-open *sql.DB, bypassing connection setup — used
// by tests to inject a sqlmock-backed DB.
func NewWithDB(db *sql.DB) *Backend {
	return &Backend{db: db, logger: log.New(log.Writer(), "[Storage] ", log.LstdFlags)}
}

// New opens a connection pool and verifies connectivity.
func New(cfg Config) (*Backend, error) {
	if cfg.DatabaseURL == "" {
		return nil, apperr.New(apperr.KindInvalid, "relational.New", fmt.Errorf("database URL cannot be empty"))
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, apperr.New(apperr.KindIO, "relational.New", fmt.Errorf("open database: %w", err))
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleSecs > 0 {
		db.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleSecs) * time.Second)
	}
	if cfg.ConnMaxLifeSecs > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifeSecs) * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperr.New(apperr.KindIO, "relational.New", fmt.Errorf("ping database: %w", err))
	}

	return &Backend{
		db:     db,
		logger: log.New(log.Writer(), "[Storage] ", log.LstdFlags),
	}, nil
}

// GetLatestRootHash selects the newest root by created_at.
func (b *Backend) GetLatestRootHash(ctx context.Context) (string, bool, error) {
	var hash string
	err := b.db.QueryRowContext(ctx,
		`SELECT root_hash FROM merkle_roots ORDER BY created_at DESC LIMIT 1`,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.New(apperr.KindIO, "relational.GetLatestRootHash", fmt.Errorf("query latest root: %w", err))
	}
	return hash, true, nil
}

// StoreTree runs BEGIN; INSERT roots RETURNING id; INSERT tree_data;
// COMMIT — with ROLLBACK on any failure.
func (b *Backend) StoreTree(ctx context.Context, in storage.NewTree) (storage.RootRecord, error) {
	if in.RootHash == "" {
		return storage.RootRecord{}, apperr.New(apperr.KindInvalid, "relational.StoreTree", fmt.Errorf("root hash is required"))
	}
	if in.ItemCount <= 0 {
		return storage.RootRecord{}, apperr.New(apperr.KindInvalid, "relational.StoreTree", fmt.Errorf("item count must be > 0"))
	}

	treeJSON, err := json.Marshal(in.Body)
	if err != nil {
		return storage.RootRecord{}, apperr.New(apperr.KindInvalid, "relational.StoreTree", fmt.Errorf("marshal tree body: %w", err))
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.RootRecord{}, apperr.New(apperr.KindIO, "relational.StoreTree", fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	var record storage.RootRecord
	record.RootHash = in.RootHash
	record.ItemCount = in.ItemCount
	record.SourcePath = in.SourcePath

	err = tx.QueryRowContext(ctx,
		`INSERT INTO merkle_roots (root_hash, item_count, source_path, created_at)
		 VALUES ($1, $2, $3, DEFAULT)
		 RETURNING id, created_at`,
		in.RootHash, in.ItemCount, in.SourcePath,
	).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return storage.RootRecord{}, apperr.New(apperr.KindIO, "relational.StoreTree", fmt.Errorf("insert root: %w", err))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merkle_tree_data (root_id, tree_json, created_at) VALUES ($1, $2, $3)`,
		record.ID, treeJSON, record.CreatedAt,
	); err != nil {
		return storage.RootRecord{}, apperr.New(apperr.KindIO, "relational.StoreTree", fmt.Errorf("insert tree data: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return storage.RootRecord{}, apperr.New(apperr.KindIO, "relational.StoreTree", fmt.Errorf("commit: %w", err))
	}

	return record, nil
}

// GetTreeByRootHash joins merkle_roots and merkle_tree_data.
func (b *Backend) GetTreeByRootHash(ctx context.Context, rootHash string) (storage.FullTree, bool, error) {
	var full storage.FullTree
	var treeJSON []byte

	err := b.db.QueryRowContext(ctx,
		`SELECT r.id, r.root_hash, r.item_count, r.source_path, r.created_at, d.tree_json
		 FROM merkle_roots r
		 JOIN merkle_tree_data d ON d.root_id = r.id
		 WHERE r.root_hash = $1`,
		rootHash,
	).Scan(&full.ID, &full.RootHash, &full.ItemCount, &full.SourcePath, &full.CreatedAt, &treeJSON)
	if err == sql.ErrNoRows {
		return storage.FullTree{}, false, nil
	}
	if err != nil {
		return storage.FullTree{}, false, apperr.New(apperr.KindIO, "relational.GetTreeByRootHash", fmt.Errorf("query tree: %w", err))
	}

	var body tree.Body
	if err := json.Unmarshal(treeJSON, &body); err != nil {
		return storage.FullTree{}, false, apperr.New(apperr.KindIO, "relational.GetTreeByRootHash", fmt.Errorf("unmarshal tree body: %w", err))
	}
	full.Body = body

	return full, true, nil
}

// GetRecentRoots returns up to limit root records, newest first.
func (b *Backend) GetRecentRoots(ctx context.Context, limit int) ([]storage.RootRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, root_hash, item_count, source_path, created_at
		 FROM merkle_roots ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, apperr.New(apperr.KindIO, "relational.GetRecentRoots", fmt.Errorf("query recent roots: %w", err))
	}
	defer rows.Close()

	var records []storage.RootRecord
	for rows.Next() {
		var r storage.RootRecord
		if err := rows.Scan(&r.ID, &r.RootHash, &r.ItemCount, &r.SourcePath, &r.CreatedAt); err != nil {
			return nil, apperr.New(apperr.KindIO, "relational.GetRecentRoots", fmt.Errorf("scan root: %w", err))
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.New(apperr.KindIO, "relational.GetRecentRoots", fmt.Errorf("iterate roots: %w", err))
	}
	return records, nil
}

// TestConnection pings the pool.
func (b *Backend) TestConnection(ctx context.Context) storage.ConnectionStatus {
	now := time.Now()
	if err := b.db.PingContext(ctx); err != nil {
		return storage.ConnectionStatus{Connected: false, Timestamp: now, Error: err.Error()}
	}
	return storage.ConnectionStatus{Connected: true, Timestamp: now}
}

// Stats aggregates the merkle_roots population.
func (b *Backend) Stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats
	var latest, earliest sql.NullTime
	var avgItems sql.NullFloat64

	err := b.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(created_at), MIN(created_at), AVG(item_count) FROM merkle_roots`,
	).Scan(&stats.TotalTrees, &latest, &earliest, &avgItems)
	if err != nil {
		return storage.Stats{}, apperr.New(apperr.KindIO, "relational.Stats", fmt.Errorf("aggregate stats: %w", err))
	}
	if latest.Valid {
		stats.LatestTree = &latest.Time
	}
	if earliest.Valid {
		stats.EarliestTree = &earliest.Time
	}
	if avgItems.Valid {
		stats.AvgItemCount = avgItems.Float64
	}
	return stats, nil
}

// Close closes the underlying connection pool.
func (b *Backend) Close() error {
	return b.db.Close()
}
