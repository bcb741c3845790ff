// ABOUTME: Agent delegation records binding agent identities to pools.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetmarket/fleetd/internal/models"
)

const delegationColumns = `id, agent_id, owner_id, pool_id, label, created_at, revoked_at`

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AddDelegation records a new active delegation. An agent may hold at most
// one active delegation; a nil poolID registers a legacy unpooled agent.
func (s *Store) AddDelegation(ctx context.Context, agentID, ownerID string, poolID *string, label string, now time.Time) (models.AgentDelegation, error) {
	if err := s.ready(); err != nil {
		return models.AgentDelegation{}, err
	}
	return insertDelegation(ctx, s.DB, agentID, ownerID, poolID, label, now)
}

func insertDelegation(ctx context.Context, q execQuerier, agentID, ownerID string, poolID *string, label string, now time.Time) (models.AgentDelegation, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return models.AgentDelegation{}, errors.New("agent id is required")
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return models.AgentDelegation{}, errors.New("owner id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := q.ExecContext(ctx, `INSERT INTO agent_delegations (agent_id, owner_id, pool_id, label, created_at) VALUES (?, ?, ?, ?, ?)`,
		agentID,
		ownerID,
		nullString(poolID),
		nullIfEmpty(strings.TrimSpace(label)),
		formatTime(now),
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return models.AgentDelegation{}, fmt.Errorf("%w: %s", ErrAgentAlreadyDelegated, agentID)
		}
		return models.AgentDelegation{}, fmt.Errorf("insert delegation for %s: %w", agentID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.AgentDelegation{}, fmt.Errorf("delegation id for %s: %w", agentID, err)
	}
	delegation := models.AgentDelegation{
		ID:        id,
		AgentID:   agentID,
		OwnerID:   ownerID,
		Label:     strings.TrimSpace(label),
		CreatedAt: now.UTC(),
	}
	if poolID != nil && *poolID != "" {
		value := *poolID
		delegation.PoolID = &value
	}
	return delegation, nil
}

// GetActiveDelegation returns the non-revoked delegation of an agent.
func (s *Store) GetActiveDelegation(ctx context.Context, agentID string) (models.AgentDelegation, error) {
	if err := s.ready(); err != nil {
		return models.AgentDelegation{}, err
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return models.AgentDelegation{}, errors.New("agent id is required")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM agent_delegations WHERE agent_id = ? AND revoked_at IS NULL`, agentID)
	delegation, err := scanDelegationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AgentDelegation{}, ErrDelegationNotFound
	}
	if err != nil {
		return models.AgentDelegation{}, fmt.Errorf("get delegation %s: %w", agentID, err)
	}
	return delegation, nil
}

// LatestDelegation returns the most recent delegation of an agent, revoked
// or not.
func (s *Store) LatestDelegation(ctx context.Context, agentID string) (models.AgentDelegation, error) {
	if err := s.ready(); err != nil {
		return models.AgentDelegation{}, err
	}
	agentID = strings.TrimSpace(agentID)
	row := s.DB.QueryRowContext(ctx, `SELECT `+delegationColumns+` FROM agent_delegations WHERE agent_id = ? ORDER BY id DESC LIMIT 1`, agentID)
	delegation, err := scanDelegationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AgentDelegation{}, ErrDelegationNotFound
	}
	if err != nil {
		return models.AgentDelegation{}, fmt.Errorf("get latest delegation %s: %w", agentID, err)
	}
	return delegation, nil
}

// RevokeDelegation marks the agent's active delegation revoked. Revoking an
// agent whose delegations are all revoked already succeeds; an agent with no
// delegation history returns ErrDelegationNotFound. The returned bool
// reports whether a row changed.
func (s *Store) RevokeDelegation(ctx context.Context, agentID string, now time.Time) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return false, errors.New("agent id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE agent_delegations SET revoked_at = ? WHERE agent_id = ? AND revoked_at IS NULL`,
		formatTime(now), agentID)
	if err != nil {
		return false, fmt.Errorf("revoke delegation %s: %w", agentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke delegation %s rows: %w", agentID, err)
	}
	if affected > 0 {
		return true, nil
	}
	var exists int
	err = s.DB.QueryRowContext(ctx, `SELECT 1 FROM agent_delegations WHERE agent_id = ? LIMIT 1`, agentID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrDelegationNotFound
	}
	if err != nil {
		return false, fmt.Errorf("lookup delegation %s: %w", agentID, err)
	}
	return false, nil
}

// ListPoolDelegations returns the active delegations of a pool joined with
// their latest heartbeat, if any.
func (s *Store) ListPoolDelegations(ctx context.Context, poolID string) ([]models.AgentDelegation, map[string]models.AgentStatus, error) {
	if err := s.ready(); err != nil {
		return nil, nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT d.id, d.agent_id, d.owner_id, d.pool_id, d.label, d.created_at, d.revoked_at,
			st.version, st.running_instances, st.last_heartbeat_at
		FROM agent_delegations d
		LEFT JOIN agent_status st ON st.agent_id = d.agent_id
		WHERE d.pool_id = ? AND d.revoked_at IS NULL
		ORDER BY d.created_at ASC, d.id ASC`, poolID)
	if err != nil {
		return nil, nil, fmt.Errorf("list pool delegations: %w", err)
	}
	defer rows.Close()
	var out []models.AgentDelegation
	statuses := make(map[string]models.AgentStatus)
	for rows.Next() {
		var (
			id        int64
			agentID   string
			ownerID   string
			pool      sql.NullString
			label     sql.NullString
			createdAt string
			revokedAt sql.NullString
			version   sql.NullString
			running   sql.NullInt64
			heartbeat sql.NullString
		)
		if err := rows.Scan(&id, &agentID, &ownerID, &pool, &label, &createdAt, &revokedAt, &version, &running, &heartbeat); err != nil {
			return nil, nil, fmt.Errorf("scan pool delegation: %w", err)
		}
		delegation, err := buildDelegation(id, agentID, ownerID, pool, label, createdAt, revokedAt)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, delegation)
		if heartbeat.Valid {
			last, err := parseTime(heartbeat.String)
			if err != nil {
				return nil, nil, fmt.Errorf("parse heartbeat for %s: %w", agentID, err)
			}
			statuses[agentID] = models.AgentStatus{
				AgentID:          agentID,
				Version:          version.String,
				RunningInstances: int(running.Int64),
				LastHeartbeatAt:  last,
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate pool delegations: %w", err)
	}
	return out, statuses, nil
}

func scanDelegationRow(scanner interface{ Scan(dest ...any) error }) (models.AgentDelegation, error) {
	var (
		id        int64
		agentID   string
		ownerID   string
		poolID    sql.NullString
		label     sql.NullString
		createdAt string
		revokedAt sql.NullString
	)
	if err := scanner.Scan(&id, &agentID, &ownerID, &poolID, &label, &createdAt, &revokedAt); err != nil {
		return models.AgentDelegation{}, err
	}
	return buildDelegation(id, agentID, ownerID, poolID, label, createdAt, revokedAt)
}

func buildDelegation(id int64, agentID, ownerID string, poolID, label sql.NullString, createdAt string, revokedAt sql.NullString) (models.AgentDelegation, error) {
	delegation := models.AgentDelegation{
		ID:      id,
		AgentID: agentID,
		OwnerID: ownerID,
		Label:   label.String,
	}
	if poolID.Valid && poolID.String != "" {
		value := poolID.String
		delegation.PoolID = &value
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return models.AgentDelegation{}, fmt.Errorf("parse delegation created_at: %w", err)
	}
	delegation.CreatedAt = created
	revoked, err := parseNullTime(revokedAt)
	if err != nil {
		return models.AgentDelegation{}, fmt.Errorf("parse delegation revoked_at: %w", err)
	}
	delegation.RevokedAt = revoked
	return delegation, nil
}
