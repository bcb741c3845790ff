// ABOUTME: Database schema migrations and version management.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_pools_and_delegations",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS agent_pools (
				pool_id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				name TEXT NOT NULL,
				region TEXT NOT NULL,
				provisioner_type TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				UNIQUE(owner_id, name)
			)`,
			`CREATE TABLE IF NOT EXISTS agent_delegations (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				agent_id TEXT NOT NULL,
				owner_id TEXT NOT NULL,
				pool_id TEXT,
				label TEXT,
				created_at TEXT NOT NULL,
				revoked_at TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS setup_tokens (
				token_hash TEXT PRIMARY KEY,
				pool_id TEXT NOT NULL,
				label TEXT,
				created_at TEXT NOT NULL,
				expires_at TEXT NOT NULL,
				used_at TEXT,
				used_by_agent TEXT,
				FOREIGN KEY(pool_id) REFERENCES agent_pools(pool_id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_pools_owner ON agent_pools(owner_id)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_delegations_active ON agent_delegations(agent_id) WHERE revoked_at IS NULL`,
			`CREATE INDEX IF NOT EXISTS idx_agent_delegations_pool ON agent_delegations(pool_id)`,
			`CREATE INDEX IF NOT EXISTS idx_setup_tokens_pool ON setup_tokens(pool_id)`,
			`CREATE INDEX IF NOT EXISTS idx_setup_tokens_expires ON setup_tokens(expires_at)`,
		},
	},
	{
		version: 2,
		name:    "add_offerings_and_contracts",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS offerings (
				offering_id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				datacenter_country TEXT NOT NULL,
				provisioner_type TEXT,
				agent_pool_id TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			// Lock columns live on the contract row so acquisition is a
			// single-row conditional update.
			`CREATE TABLE IF NOT EXISTS contracts (
				contract_id TEXT PRIMARY KEY,
				offering_id TEXT NOT NULL,
				status TEXT NOT NULL,
				end_timestamp TEXT,
				provisioning_lock_agent TEXT,
				provisioning_lock_acquired_at TEXT,
				provisioning_lock_expires_at TEXT,
				instance_details BLOB,
				provisioned_at TEXT,
				failure_count INTEGER NOT NULL DEFAULT 0,
				last_failure_reason TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				FOREIGN KEY(offering_id) REFERENCES offerings(offering_id),
				CHECK (
					(provisioning_lock_agent IS NULL AND provisioning_lock_acquired_at IS NULL AND provisioning_lock_expires_at IS NULL)
					OR (provisioning_lock_agent IS NOT NULL AND provisioning_lock_acquired_at IS NOT NULL AND provisioning_lock_expires_at IS NOT NULL)
				)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_offerings_owner ON offerings(owner_id)`,
			`CREATE INDEX IF NOT EXISTS idx_contracts_offering ON contracts(offering_id)`,
			`CREATE INDEX IF NOT EXISTS idx_contracts_status ON contracts(status)`,
			`CREATE INDEX IF NOT EXISTS idx_contracts_lock_expires ON contracts(provisioning_lock_expires_at)`,
		},
	},
	{
		version: 3,
		name:    "add_agent_status_and_events",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS agent_status (
				agent_id TEXT PRIMARY KEY,
				version TEXT,
				running_instances INTEGER NOT NULL DEFAULT 0,
				last_heartbeat_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts TEXT NOT NULL,
				kind TEXT NOT NULL,
				contract_id TEXT,
				agent_id TEXT,
				pool_id TEXT,
				msg TEXT,
				json TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_contract ON events(contract_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
		},
	},
}

// Migrate brings db up to the newest schema version.
//
// Applied versions live in schema_migrations and each pending migration
// commits on its own. A database carrying a version this binary does not
// know is refused.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	pending, err := pendingMigrations(db)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

// pendingMigrations returns the known migrations not yet recorded, in
// version order.
func pendingMigrations(db *sql.DB) ([]migration, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()

	known := make(map[int]migration, len(migrations))
	for _, m := range migrations {
		known[m.version] = m
	}
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		if _, ok := known[version]; !ok {
			return nil, fmt.Errorf("unknown schema migration version %d", version)
		}
		delete(known, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}

	var pending []migration
	for _, m := range migrations {
		if _, ok := known[m.version]; ok {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

func applyMigration(db *sql.DB, m migration) error {
	if len(m.statements) == 0 {
		return fmt.Errorf("migration %d has no statements", m.version)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range m.statements {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, formatTime(time.Now())); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

// validateMigrations rejects empty, duplicate, unordered or unnamed entries.
func validateMigrations() error {
	if len(migrations) == 0 {
		return errors.New("no migrations defined")
	}
	seen := make(map[int]struct{}, len(migrations))
	prev := 0
	for _, m := range migrations {
		if m.version <= 0 {
			return fmt.Errorf("migration version must be positive: %d", m.version)
		}
		if _, ok := seen[m.version]; ok {
			return fmt.Errorf("duplicate migration version %d", m.version)
		}
		if m.version < prev {
			return fmt.Errorf("migration version %d is out of order", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
		seen[m.version] = struct{}{}
		prev = m.version
	}
	return nil
}
