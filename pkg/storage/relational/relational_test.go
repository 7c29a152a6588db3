package relational

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certen-labs/merkle-snapshot/pkg/apperr"
	"github.com/certen-labs/merkle-snapshot/pkg/storage"
	"github.com/certen-labs/merkle-snapshot/pkg/tree"
)

func TestGetLatestRootHash(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	b := NewWithDB(db)

	rows := sqlmock.NewRows([]string{"root_hash"}).AddRow("abc123")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT root_hash FROM merkle_roots ORDER BY created_at DESC LIMIT 1")).
		WillReturnRows(rows)

	hash, ok, err := b.GetLatestRootHash(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc123", hash)
}

func TestGetLatestRootHashEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	b := NewWithDB(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT root_hash FROM merkle_roots ORDER BY created_at DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"root_hash"}))

	_, ok, err := b.GetLatestRootHash(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreTreeRejectsInvalidInput(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	b := NewWithDB(db)

	_, err = b.StoreTree(context.Background(), storage.NewTree{RootHash: "", ItemCount: 1})
	assert.True(t, apperr.Is(err, apperr.KindInvalid))

	_, err = b.StoreTree(context.Background(), storage.NewTree{RootHash: "abc", ItemCount: 0})
	assert.True(t, apperr.Is(err, apperr.KindInvalid))
}

func TestStoreTreeCommitsTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	b := NewWithDB(db)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO merkle_roots")).
		WithArgs("abc123", 3, "/data").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow("root-1", now))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO merkle_tree_data")).
		WithArgs("root-1", sqlmock.AnyArg(), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	body := tree.Body{Levels: [][]tree.Hash{{"a", "b", "c"}}}
	record, err := b.StoreTree(context.Background(), storage.NewTree{
		RootHash: "abc123", ItemCount: 3, SourcePath: "/data", Body: body,
	})
	require.NoError(t, err)
	assert.Equal(t, "root-1", record.ID)
	assert.Equal(t, "abc123", record.RootHash)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreTreeRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	b := NewWithDB(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO merkle_roots")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err = b.StoreTree(context.Background(), storage.NewTree{
		RootHash: "abc123", ItemCount: 1, SourcePath: "/data",
	})
	assert.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindIO))
}

func TestGetRecentRoots(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	b := NewWithDB(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "root_hash", "item_count", "source_path", "created_at"}).
		AddRow("r1", "hash1", 2, "/a", now).
		AddRow("r2", "hash2", 4, "/b", now.Add(-time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, root_hash, item_count, source_path, created_at")).
		WithArgs(5).
		WillReturnRows(rows)

	records, err := b.GetRecentRoots(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "hash1", records[0].RootHash)
}
