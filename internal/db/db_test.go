package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDirectoryAndAppliesPragmas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state", "fleetd.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var foreignKeys int
	require.NoError(t, store.DB.QueryRow(`PRAGMA foreign_keys`).Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)

	var mode string
	require.NoError(t, store.DB.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	require.NoError(t, store.Ping(context.Background()))
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestPingAfterClose(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Close())
	assert.Error(t, store.Ping(context.Background()))

	var nilStore *Store
	assert.NoError(t, nilStore.Close())
	assert.Error(t, nilStore.Ping(context.Background()))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	_, err := store.DB.Exec(`CREATE TABLE scratch (v TEXT)`)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.withTx(ctx, "scratch insert", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO scratch (v) VALUES ('x')`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, store.DB.QueryRow(`SELECT COUNT(*) FROM scratch`).Scan(&count))
	assert.Zero(t, count)

	require.NoError(t, store.withTx(ctx, "scratch insert", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO scratch (v) VALUES ('y')`)
		return err
	}))
	require.NoError(t, store.DB.QueryRow(`SELECT COUNT(*) FROM scratch`).Scan(&count))
	assert.Equal(t, 1, count)
}
