package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one row of the audit log.
type Event struct {
	ID         int64
	Timestamp  time.Time
	Kind       string
	ContractID *string
	AgentID    *string
	PoolID     *string
	Message    string
	JSON       string
}

// EventRefs names the entities an event is about. Empty fields are stored
// as NULL.
type EventRefs struct {
	ContractID string
	AgentID    string
	PoolID     string
}

// RecordEvent inserts an event row.
func (s *Store) RecordEvent(ctx context.Context, kind string, refs EventRefs, msg string, jsonPayload string) error {
	if err := s.ready(); err != nil {
		return err
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return errors.New("event kind is required")
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO events (ts, kind, contract_id, agent_id, pool_id, msg, json) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		formatTime(time.Now()),
		kind,
		nullIfEmpty(refs.ContractID),
		nullIfEmpty(refs.AgentID),
		nullIfEmpty(refs.PoolID),
		nullIfEmpty(msg),
		nullIfEmpty(jsonPayload),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", kind, err)
	}
	return nil
}

// ListEventsByContract returns events of a contract with id > afterID,
// oldest first.
func (s *Store) ListEventsByContract(ctx context.Context, contractID string, afterID int64, limit int) ([]Event, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	contractID = strings.TrimSpace(contractID)
	if contractID == "" {
		return nil, errors.New("contract id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, ts, kind, contract_id, agent_id, pool_id, msg, json
		FROM events WHERE contract_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, contractID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// DeleteEventsBefore prunes events older than cutoff.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events rows: %w", err)
	}
	return affected, nil
}

func scanEventRow(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var (
		ev          Event
		ts          string
		contractID  sql.NullString
		agentID     sql.NullString
		poolID      sql.NullString
		msg         sql.NullString
		jsonPayload sql.NullString
	)
	if err := scanner.Scan(&ev.ID, &ts, &ev.Kind, &contractID, &agentID, &poolID, &msg, &jsonPayload); err != nil {
		return Event{}, err
	}
	parsed, err := parseTime(ts)
	if err != nil {
		return Event{}, fmt.Errorf("parse event ts: %w", err)
	}
	ev.Timestamp = parsed
	ev.ContractID = optionalString(contractID)
	ev.AgentID = optionalString(agentID)
	ev.PoolID = optionalString(poolID)
	ev.Message = msg.String
	ev.JSON = jsonPayload.String
	return ev, nil
}

func optionalString(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	out := value.String
	return &out
}
