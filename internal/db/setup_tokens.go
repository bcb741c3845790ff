// ABOUTME: One-time setup tokens that register agents into pools.
package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetmarket/fleetd/internal/models"
)

// HashSetupToken returns the SHA-256 hex digest of a setup token. Only the
// digest is persisted.
func HashSetupToken(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", errors.New("token is required")
	}
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:]), nil
}

// CreateSetupToken stores an unused token for poolID.
func (s *Store) CreateSetupToken(ctx context.Context, token models.SetupToken) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(token.TokenHash) == "" {
		return errors.New("token hash is required")
	}
	if strings.TrimSpace(token.PoolID) == "" {
		return errors.New("pool id is required")
	}
	if token.ExpiresAt.IsZero() {
		return errors.New("expires_at is required")
	}
	createdAt := token.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO setup_tokens (token_hash, pool_id, label, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		token.TokenHash,
		token.PoolID,
		nullIfEmpty(strings.TrimSpace(token.Label)),
		formatTime(createdAt),
		formatTime(token.ExpiresAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return ErrPoolNotFound
		}
		return fmt.Errorf("insert setup token for pool %s: %w", token.PoolID, err)
	}
	return nil
}

// Redemption is the outcome of a successful setup token redemption.
type Redemption struct {
	Pool       models.AgentPool
	Delegation models.AgentDelegation
}

// RedeemSetupToken consumes a token and creates the agent's delegation in
// one transaction. The consume step is a conditional update on
// used_at IS NULL AND expires_at > now, so of any number of concurrent
// redemptions exactly one observes an affected row. If the delegation cannot
// be created the token stays unused.
func (s *Store) RedeemSetupToken(ctx context.Context, tokenHash, agentID, label string, now time.Time) (Redemption, error) {
	if err := s.ready(); err != nil {
		return Redemption{}, err
	}
	tokenHash = strings.TrimSpace(tokenHash)
	if tokenHash == "" {
		return Redemption{}, ErrTokenInvalid
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return Redemption{}, errors.New("agent id is required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	stamp := formatTime(now)

	var out Redemption
	err := s.withTx(ctx, "redeem setup token", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE setup_tokens SET used_at = ?, used_by_agent = ?
			WHERE token_hash = ? AND used_at IS NULL AND expires_at > ?`,
			stamp, agentID, tokenHash, stamp)
		if err != nil {
			return fmt.Errorf("consume setup token: %w", err)
		}
		if err := expectAffected(res, errNoRowsTouched); err != nil {
			if errors.Is(err, errNoRowsTouched) {
				return diagnoseSetupToken(ctx, tx, tokenHash)
			}
			return err
		}

		var poolID string
		if err := tx.QueryRowContext(ctx, `SELECT pool_id FROM setup_tokens WHERE token_hash = ?`, tokenHash).Scan(&poolID); err != nil {
			return fmt.Errorf("load setup token pool: %w", err)
		}
		pool, err := scanPoolRow(tx.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM agent_pools WHERE pool_id = ?`, poolID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPoolNotFound
		}
		if err != nil {
			return fmt.Errorf("load pool %s: %w", poolID, err)
		}
		delegation, err := insertDelegation(ctx, tx, agentID, pool.OwnerID, &pool.ID, label, now)
		if err != nil {
			return err
		}
		out = Redemption{Pool: pool, Delegation: delegation}
		return nil
	})
	if err != nil {
		return Redemption{}, err
	}
	return out, nil
}

func diagnoseSetupToken(ctx context.Context, tx *sql.Tx, tokenHash string) error {
	var usedAt sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT used_at FROM setup_tokens WHERE token_hash = ?`, tokenHash).Scan(&usedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrTokenInvalid
	}
	if err != nil {
		return fmt.Errorf("inspect setup token: %w", err)
	}
	if usedAt.Valid {
		return ErrTokenAlreadyUsed
	}
	return ErrTokenExpired
}

// LookupSetupToken returns the token record for a hash.
func (s *Store) LookupSetupToken(ctx context.Context, tokenHash string) (models.SetupToken, error) {
	if err := s.ready(); err != nil {
		return models.SetupToken{}, err
	}
	row := s.DB.QueryRowContext(ctx, `SELECT token_hash, pool_id, label, created_at, expires_at, used_at, used_by_agent
		FROM setup_tokens WHERE token_hash = ?`, strings.TrimSpace(tokenHash))
	token, err := scanSetupTokenRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SetupToken{}, ErrTokenInvalid
	}
	if err != nil {
		return models.SetupToken{}, fmt.Errorf("lookup setup token: %w", err)
	}
	return token, nil
}

// ListPendingSetupTokens returns unused, unexpired tokens of a pool.
func (s *Store) ListPendingSetupTokens(ctx context.Context, poolID string, now time.Time) ([]models.SetupToken, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT token_hash, pool_id, label, created_at, expires_at, used_at, used_by_agent
		FROM setup_tokens WHERE pool_id = ? AND used_at IS NULL AND expires_at > ?
		ORDER BY created_at ASC`, poolID, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list setup tokens: %w", err)
	}
	defer rows.Close()
	var out []models.SetupToken
	for rows.Next() {
		token, err := scanSetupTokenRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate setup tokens: %w", err)
	}
	return out, nil
}

// DeleteExpiredSetupTokens removes unused tokens whose expiry is at or
// before now. Redeemed tokens are kept.
func (s *Store) DeleteExpiredSetupTokens(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM setup_tokens WHERE used_at IS NULL AND expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired setup tokens: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired setup tokens rows: %w", err)
	}
	return affected, nil
}

func scanSetupTokenRow(scanner interface{ Scan(dest ...any) error }) (models.SetupToken, error) {
	var (
		token     models.SetupToken
		label     sql.NullString
		createdAt string
		expiresAt string
		usedAt    sql.NullString
		usedBy    sql.NullString
	)
	if err := scanner.Scan(&token.TokenHash, &token.PoolID, &label, &createdAt, &expiresAt, &usedAt, &usedBy); err != nil {
		return models.SetupToken{}, err
	}
	token.Label = label.String
	var err error
	if token.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.SetupToken{}, fmt.Errorf("parse setup token created_at: %w", err)
	}
	if token.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return models.SetupToken{}, fmt.Errorf("parse setup token expires_at: %w", err)
	}
	if token.UsedAt, err = parseNullTime(usedAt); err != nil {
		return models.SetupToken{}, fmt.Errorf("parse setup token used_at: %w", err)
	}
	if usedBy.Valid {
		value := usedBy.String
		token.UsedByAgent = &value
	}
	return token, nil
}
