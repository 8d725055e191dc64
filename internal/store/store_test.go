package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_AppliesMigrations(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	v, err := db.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	for _, table := range []string{"session_locks", "session_lock_audit", "merge_queue", "queue_processing_lock", "queue_events"} {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	db1, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := Open(ctx, path)
	require.NoError(t, err)
	defer db2.Close()

	var n int
	require.NoError(t, db2.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 3, n)
}

func TestOpen_TwoHandlesShareState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	a, err := Open(ctx, path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(ctx, path)
	require.NoError(t, err)
	defer b.Close()

	_, err = a.ExecContext(ctx, `INSERT INTO session_locks(resource, holder, lock_id, acquired_at, expires_at) VALUES('r', 'h', 'id', 1, 2)`)
	require.NoError(t, err)

	var holder string
	require.NoError(t, b.QueryRowContext(ctx, `SELECT holder FROM session_locks WHERE resource='r'`).Scan(&holder))
	assert.Equal(t, "h", holder)
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestInTx_RollbackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO session_locks(resource, holder, lock_id, acquired_at, expires_at) VALUES('r', 'h', 'id', 1, 2)`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_locks`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestLiveWorkspaceIndex(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	insert := `INSERT INTO merge_queue(workspace, status, added_at) VALUES(?, ?, 0)`
	_, err := db.ExecContext(ctx, insert, "ws", "completed")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, insert, "ws", "pending")
	require.NoError(t, err, "terminal rows do not block a new live entry")
	_, err = db.ExecContext(ctx, insert, "ws", "pending")
	assert.Error(t, err, "second live entry for the same workspace")
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap("op", nil))
	assert.Same(t, sql.ErrNoRows, Wrap("op", sql.ErrNoRows))

	err := Wrap("select", errors.New("disk I/O error"))
	assert.True(t, IsDatabaseError(err))
	assert.Contains(t, err.Error(), "select")

	again := Wrap("outer", err)
	var dbErr *DatabaseError
	require.True(t, errors.As(again, &dbErr))
	assert.Equal(t, "select", dbErr.Op)
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("0002_merge_queue.sql")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = parseMigrationVersion("init.sql")
	assert.Error(t, err)
}

func TestMillisRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.UTC)
	assert.Equal(t, now, FromMillis(Millis(now)))
	assert.Nil(t, TimePtr(sql.NullInt64{}))
	assert.False(t, NullMillis(nil).Valid)
}

type brokenResult struct{}

func (brokenResult) LastInsertId() (int64, error) { return 0, nil }
func (brokenResult) RowsAffected() (int64, error) { return 0, errors.New("driver lost count") }

func TestRowsAffected(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	res, err := db.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (999, 0)`)
	require.NoError(t, err)
	n, err := RowsAffected(res, "insert")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = RowsAffected(brokenResult{}, "claim")
	require.Error(t, err)
	var dbErr *DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, "claim rows affected", dbErr.Op)
}
