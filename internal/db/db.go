// Package db is the SQLite store behind fleetd.
//
// Tables: agent pools, agent delegations, setup tokens, offerings,
// contracts (which carry the provisioning lock columns), agent heartbeats
// and the audit event log.
//
// Every state change with a concurrency obligation (lock acquisition, token
// redemption, lock expiry) is a conditional UPDATE whose WHERE clause carries
// the precondition. Callers learn the outcome from the affected row count,
// never from a prior read.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	dataDirPerms = 0o750

	busyTimeout = 5 * time.Second
)

// connPragmas run on every connection the driver opens.
var connPragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()),
}

// Store wraps the fleetd database.
//
// One open connection: writers queue in database/sql instead of racing
// each other into SQLITE_BUSY.
type Store struct {
	Path string
	DB   *sql.DB
}

// Open creates the parent directory if needed, opens path and migrates it
// to the latest schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dataDirPerms); err != nil {
		return nil, fmt.Errorf("create db dir %s: %w", dir, err)
	}
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	store := &Store{Path: path, DB: conn}
	ctx, cancel := context.WithTimeout(context.Background(), busyTimeout)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return store, nil
}

func dsn(path string) string {
	query := url.Values{}
	for _, pragma := range connPragmas {
		query.Add("_pragma", pragma)
	}
	return "file:" + path + "?" + query.Encode()
}

// Close is a no-op on a nil Store.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Ping reports whether the database answers a trivial query.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	var one int
	if err := s.DB.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("ping sqlite %s: %w", s.Path, err)
	}
	return nil
}

func (s *Store) ready() error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	return nil
}

// withTx runs fn in a transaction and commits when fn returns nil. what
// names the operation in wrapped errors.
func (s *Store) withTx(ctx context.Context, what string, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", what, err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", what, err)
	}
	return nil
}

// errNoRowsTouched marks a conditional statement whose precondition failed
// and whose caller diagnoses why.
var errNoRowsTouched = errors.New("no rows touched")

// expectAffected returns missing when res touched no row.
func expectAffected(res sql.Result, missing error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return missing
	}
	return nil
}
