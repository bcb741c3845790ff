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

// RecordHeartbeat upserts the heartbeat row of an agent.
func (s *Store) RecordHeartbeat(ctx context.Context, status models.AgentStatus) error {
	if err := s.ready(); err != nil {
		return err
	}
	agentID := strings.TrimSpace(status.AgentID)
	if agentID == "" {
		return errors.New("agent id is required")
	}
	at := status.LastHeartbeatAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if status.RunningInstances < 0 {
		return errors.New("running instances must be non-negative")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO agent_status (agent_id, version, running_instances, last_heartbeat_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			version = excluded.version,
			running_instances = excluded.running_instances,
			last_heartbeat_at = excluded.last_heartbeat_at`,
		agentID,
		nullIfEmpty(strings.TrimSpace(status.Version)),
		status.RunningInstances,
		formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("record heartbeat for %s: %w", agentID, err)
	}
	return nil
}

// GetAgentStatus returns the last heartbeat of an agent.
func (s *Store) GetAgentStatus(ctx context.Context, agentID string) (models.AgentStatus, error) {
	if err := s.ready(); err != nil {
		return models.AgentStatus{}, err
	}
	var (
		status    models.AgentStatus
		version   sql.NullString
		heartbeat string
	)
	err := s.DB.QueryRowContext(ctx, `SELECT agent_id, version, running_instances, last_heartbeat_at FROM agent_status WHERE agent_id = ?`,
		strings.TrimSpace(agentID)).Scan(&status.AgentID, &version, &status.RunningInstances, &heartbeat)
	if err != nil {
		return models.AgentStatus{}, err
	}
	status.Version = version.String
	if status.LastHeartbeatAt, err = parseTime(heartbeat); err != nil {
		return models.AgentStatus{}, fmt.Errorf("parse heartbeat: %w", err)
	}
	return status, nil
}
