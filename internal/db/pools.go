// ABOUTME: Agent pool persistence and per-pool agent counters.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetmarket/fleetd/internal/models"
	"github.com/fleetmarket/fleetd/internal/regions"
)

const poolColumns = `pool_id, owner_id, name, region, provisioner_type, created_at, updated_at`

// CreatePool inserts a new pool. The (owner_id, name) pair must be unused.
func (s *Store) CreatePool(ctx context.Context, pool models.AgentPool) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := validatePool(pool); err != nil {
		return err
	}
	createdAt := pool.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := pool.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO agent_pools (`+poolColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pool.ID,
		pool.OwnerID,
		pool.Name,
		string(pool.Region),
		string(pool.ProvisionerType),
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return fmt.Errorf("%w: %s", ErrPoolNameTaken, pool.Name)
		}
		return fmt.Errorf("insert pool %s: %w", pool.ID, err)
	}
	return nil
}

// GetPool loads a pool by id.
func (s *Store) GetPool(ctx context.Context, poolID string) (models.AgentPool, error) {
	if err := s.ready(); err != nil {
		return models.AgentPool{}, err
	}
	poolID = strings.TrimSpace(poolID)
	if poolID == "" {
		return models.AgentPool{}, errors.New("pool id is required")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM agent_pools WHERE pool_id = ?`, poolID)
	pool, err := scanPoolRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AgentPool{}, ErrPoolNotFound
	}
	if err != nil {
		return models.AgentPool{}, fmt.Errorf("get pool %s: %w", poolID, err)
	}
	return pool, nil
}

// ListPoolsByOwner returns an owner's pools, oldest first.
func (s *Store) ListPoolsByOwner(ctx context.Context, ownerID string) ([]models.AgentPool, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, errors.New("owner id is required")
	}
	return s.queryPools(ctx, `SELECT `+poolColumns+` FROM agent_pools WHERE owner_id = ? ORDER BY created_at ASC, pool_id ASC`, ownerID)
}

// ListPools returns every pool, oldest first.
func (s *Store) ListPools(ctx context.Context) ([]models.AgentPool, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.queryPools(ctx, `SELECT `+poolColumns+` FROM agent_pools ORDER BY created_at ASC, pool_id ASC`)
}

func (s *Store) queryPools(ctx context.Context, query string, args ...any) ([]models.AgentPool, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()
	var out []models.AgentPool
	for rows.Next() {
		pool, err := scanPoolRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pools: %w", err)
	}
	return out, nil
}

// UpdatePool overwrites the mutable fields of a pool.
func (s *Store) UpdatePool(ctx context.Context, pool models.AgentPool) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := validatePool(pool); err != nil {
		return err
	}
	updatedAt := pool.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE agent_pools SET name = ?, region = ?, provisioner_type = ?, updated_at = ? WHERE pool_id = ?`,
		pool.Name,
		string(pool.Region),
		string(pool.ProvisionerType),
		formatTime(updatedAt),
		pool.ID,
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return fmt.Errorf("%w: %s", ErrPoolNameTaken, pool.Name)
		}
		return fmt.Errorf("update pool %s: %w", pool.ID, err)
	}
	return expectAffected(res, ErrPoolNotFound)
}

// DeletePool removes a pool that has no active delegations. Revoked
// delegations keep their pool_id for the audit trail; unused setup tokens
// are removed with the pool.
func (s *Store) DeletePool(ctx context.Context, poolID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	poolID = strings.TrimSpace(poolID)
	if poolID == "" {
		return errors.New("pool id is required")
	}
	return s.withTx(ctx, "delete pool "+poolID, func(tx *sql.Tx) error {
		var active int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_delegations WHERE pool_id = ? AND revoked_at IS NULL`, poolID).Scan(&active); err != nil {
			return fmt.Errorf("count delegations for pool %s: %w", poolID, err)
		}
		if active > 0 {
			return fmt.Errorf("%w: %d active agent(s)", ErrPoolNotEmpty, active)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM agent_pools WHERE pool_id = ?`, poolID)
		if err != nil {
			return fmt.Errorf("delete pool %s: %w", poolID, err)
		}
		return expectAffected(res, ErrPoolNotFound)
	})
}

// PoolAgentCounts holds the delegation-derived counters of one pool.
type PoolAgentCounts struct {
	Agents int
	Online int
}

// CountPoolAgents returns active and online agent counts keyed by pool id
// for every pool of owner. An agent is online when its last heartbeat is at
// or after onlineSince.
func (s *Store) CountPoolAgents(ctx context.Context, ownerID string, onlineSince time.Time) (map[string]PoolAgentCounts, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT d.pool_id,
			COUNT(*),
			SUM(CASE WHEN st.last_heartbeat_at >= ? THEN 1 ELSE 0 END)
		FROM agent_delegations d
		JOIN agent_pools p ON p.pool_id = d.pool_id
		LEFT JOIN agent_status st ON st.agent_id = d.agent_id
		WHERE p.owner_id = ? AND d.revoked_at IS NULL
		GROUP BY d.pool_id`, formatTime(onlineSince), ownerID)
	if err != nil {
		return nil, fmt.Errorf("count pool agents: %w", err)
	}
	defer rows.Close()
	out := make(map[string]PoolAgentCounts)
	for rows.Next() {
		var poolID string
		var counts PoolAgentCounts
		var online sql.NullInt64
		if err := rows.Scan(&poolID, &counts.Agents, &online); err != nil {
			return nil, fmt.Errorf("scan pool agent counts: %w", err)
		}
		counts.Online = int(online.Int64)
		out[poolID] = counts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pool agent counts: %w", err)
	}
	return out, nil
}

func validatePool(pool models.AgentPool) error {
	if strings.TrimSpace(pool.ID) == "" {
		return errors.New("pool id is required")
	}
	if strings.TrimSpace(pool.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	if strings.TrimSpace(pool.Name) == "" {
		return errors.New("pool name is required")
	}
	if !pool.Region.Valid() {
		return fmt.Errorf("invalid region %q", pool.Region)
	}
	if _, err := models.ParseProvisionerType(string(pool.ProvisionerType)); err != nil {
		return err
	}
	return nil
}

func scanPoolRow(scanner interface{ Scan(dest ...any) error }) (models.AgentPool, error) {
	var (
		pool      models.AgentPool
		region    string
		provType  string
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&pool.ID, &pool.OwnerID, &pool.Name, &region, &provType, &createdAt, &updatedAt); err != nil {
		return models.AgentPool{}, err
	}
	pool.Region = regions.ID(region)
	pool.ProvisionerType = models.ProvisionerType(provType)
	var err error
	if pool.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.AgentPool{}, fmt.Errorf("parse pool created_at: %w", err)
	}
	if pool.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.AgentPool{}, fmt.Errorf("parse pool updated_at: %w", err)
	}
	return pool, nil
}
