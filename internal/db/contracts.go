// ABOUTME: Contracts and the provisioning lock stored on the contract row.
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

const contractColumns = `c.contract_id, c.offering_id, c.status, c.end_timestamp,
	c.provisioning_lock_agent, c.provisioning_lock_acquired_at, c.provisioning_lock_expires_at,
	c.instance_details, c.provisioned_at, c.failure_count, c.last_failure_reason, c.created_at, c.updated_at`

const joinedOfferingColumns = `o.offering_id, o.owner_id, o.datacenter_country, o.provisioner_type, o.agent_pool_id, o.created_at, o.updated_at`

const clearLockSet = `provisioning_lock_agent = NULL, provisioning_lock_acquired_at = NULL, provisioning_lock_expires_at = NULL`

// CreateContract inserts a contract for an existing offering. Lock columns
// start empty.
func (s *Store) CreateContract(ctx context.Context, contract models.Contract) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(contract.ID) == "" {
		return errors.New("contract id is required")
	}
	if strings.TrimSpace(contract.OfferingID) == "" {
		return errors.New("offering id is required")
	}
	status := contract.Status
	if status == "" {
		status = models.ContractRequested
	}
	if _, err := models.ParseContractStatus(string(status)); err != nil {
		return err
	}
	createdAt := contract.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO contracts (contract_id, offering_id, status, end_timestamp, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		contract.ID,
		contract.OfferingID,
		string(status),
		nullTime(contract.EndTimestamp),
		formatTime(createdAt),
		formatTime(createdAt),
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return fmt.Errorf("%w: %s", ErrContractExists, contract.ID)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("%w: %s", ErrOfferingNotFound, contract.OfferingID)
		}
		return fmt.Errorf("insert contract %s: %w", contract.ID, err)
	}
	return nil
}

// GetContract loads a contract with its offering.
func (s *Store) GetContract(ctx context.Context, contractID string) (models.ContractWithOffering, error) {
	if err := s.ready(); err != nil {
		return models.ContractWithOffering{}, err
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+contractColumns+`, `+joinedOfferingColumns+`
		FROM contracts c JOIN offerings o ON o.offering_id = c.offering_id
		WHERE c.contract_id = ?`, strings.TrimSpace(contractID))
	out, err := scanContractWithOffering(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ContractWithOffering{}, ErrContractNotFound
	}
	if err != nil {
		return models.ContractWithOffering{}, fmt.Errorf("get contract %s: %w", contractID, err)
	}
	return out, nil
}

// GetContracts loads the listed contracts keyed by id. Unknown ids are
// absent from the result.
func (s *Store) GetContracts(ctx context.Context, contractIDs []string) (map[string]models.ContractWithOffering, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	out := make(map[string]models.ContractWithOffering)
	ids := uniqueNonEmpty(contractIDs)
	if len(ids) == 0 {
		return out, nil
	}
	for start := 0; start < len(ids); start += contractBatchSize {
		end := start + contractBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := s.loadContractBatch(ctx, ids[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// contractBatchSize keeps IN lists well below SQLite's bound-parameter limit.
const contractBatchSize = 500

func (s *Store) loadContractBatch(ctx context.Context, ids []string, out map[string]models.ContractWithOffering) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+contractColumns+`, `+joinedOfferingColumns+`
		FROM contracts c JOIN offerings o ON o.offering_id = c.offering_id
		WHERE c.contract_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("get contracts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		item, err := scanContractWithOffering(rows)
		if err != nil {
			return err
		}
		out[item.Contract.ID] = item
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate contracts: %w", err)
	}
	return nil
}

// ListLockCandidates returns contracts of owner's offerings that are in a
// lockable status and whose lock is free, expired at now, or held by
// agentID. Pool routing is applied by the caller.
func (s *Store) ListLockCandidates(ctx context.Context, ownerID, agentID string, now time.Time) ([]models.ContractWithOffering, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+contractColumns+`, `+joinedOfferingColumns+`
		FROM contracts c JOIN offerings o ON o.offering_id = c.offering_id
		WHERE o.owner_id = ?
			AND c.status IN (?, ?)
			AND (c.provisioning_lock_agent IS NULL OR c.provisioning_lock_agent = ? OR c.provisioning_lock_expires_at < ?)
		ORDER BY c.created_at ASC, c.contract_id ASC`,
		ownerID,
		string(models.ContractAccepted),
		string(models.ContractProvisioning),
		agentID,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("list lock candidates: %w", err)
	}
	defer rows.Close()
	var out []models.ContractWithOffering
	for rows.Next() {
		item, err := scanContractWithOffering(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lock candidates: %w", err)
	}
	return out, nil
}

// AcquireProvisioningLock takes or extends the lock on a contract in a single
// conditional update. It succeeds when the lock is free, expired before now,
// or already held by agentID, and the contract is accepted or provisioning.
func (s *Store) AcquireProvisioningLock(ctx context.Context, contractID, agentID string, now time.Time, ttl time.Duration) (models.ProvisioningLock, error) {
	if err := s.ready(); err != nil {
		return models.ProvisioningLock{}, err
	}
	contractID = strings.TrimSpace(contractID)
	agentID = strings.TrimSpace(agentID)
	if contractID == "" {
		return models.ProvisioningLock{}, errors.New("contract id is required")
	}
	if agentID == "" {
		return models.ProvisioningLock{}, errors.New("agent id is required")
	}
	if ttl <= 0 {
		return models.ProvisioningLock{}, errors.New("lock ttl must be positive")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	lock := models.ProvisioningLock{
		AgentID:    agentID,
		AcquiredAt: now.UTC(),
		ExpiresAt:  now.Add(ttl).UTC(),
	}
	stamp := formatTime(now)
	res, err := s.DB.ExecContext(ctx, `UPDATE contracts SET
			provisioning_lock_agent = ?,
			provisioning_lock_acquired_at = ?,
			provisioning_lock_expires_at = ?,
			updated_at = ?
		WHERE contract_id = ?
			AND status IN (?, ?)
			AND (provisioning_lock_agent IS NULL OR provisioning_lock_agent = ? OR provisioning_lock_expires_at < ?)`,
		agentID,
		stamp,
		formatTime(lock.ExpiresAt),
		stamp,
		contractID,
		string(models.ContractAccepted),
		string(models.ContractProvisioning),
		agentID,
		stamp,
	)
	if err != nil {
		return models.ProvisioningLock{}, fmt.Errorf("acquire lock on %s: %w", contractID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.ProvisioningLock{}, fmt.Errorf("acquire lock on %s rows: %w", contractID, err)
	}
	if affected > 0 {
		return lock, nil
	}
	var status string
	err = s.DB.QueryRowContext(ctx, `SELECT status FROM contracts WHERE contract_id = ?`, contractID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ProvisioningLock{}, ErrContractNotFound
	}
	if err != nil {
		return models.ProvisioningLock{}, fmt.Errorf("inspect contract %s: %w", contractID, err)
	}
	if !models.ContractStatus(status).Lockable() {
		return models.ProvisioningLock{}, fmt.Errorf("%w: %s", ErrContractNotLockable, status)
	}
	return models.ProvisioningLock{}, ErrLockConflict
}

// ReleaseProvisioningLock clears the lock if agentID is recorded as holder,
// live or expired. The contract status is left unchanged. It returns the
// time the released lock was acquired.
func (s *Store) ReleaseProvisioningLock(ctx context.Context, contractID, agentID string, now time.Time) (time.Time, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.clearLockAsHolder(ctx, contractID, agentID, false, `updated_at = ?`, formatTime(now))
}

// CompleteProvisioning verifies lock ownership, clears the lock and moves
// the contract to provisioned in one conditional update.
func (s *Store) CompleteProvisioning(ctx context.Context, contractID, agentID string, instanceDetails []byte, now time.Time) (time.Time, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	stamp := formatTime(now)
	var details interface{}
	if len(instanceDetails) > 0 {
		details = instanceDetails
	}
	return s.clearLockAsHolder(ctx, contractID, agentID, true,
		`status = ?, instance_details = ?, provisioned_at = ?, updated_at = ?`,
		string(models.ContractProvisioned), details, stamp, stamp)
}

// FailProvisioning verifies lock ownership, clears the lock and puts the
// contract back to accepted so any matching agent can claim it again.
func (s *Store) FailProvisioning(ctx context.Context, contractID, agentID, reason string, now time.Time) (time.Time, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return s.clearLockAsHolder(ctx, contractID, agentID, true,
		`status = ?, failure_count = failure_count + 1, last_failure_reason = ?, updated_at = ?`,
		string(models.ContractAccepted), nullIfEmpty(strings.TrimSpace(reason)), formatTime(now))
}

func (s *Store) clearLockAsHolder(ctx context.Context, contractID, agentID string, requireLockable bool, set string, setArgs ...any) (time.Time, error) {
	if err := s.ready(); err != nil {
		return time.Time{}, err
	}
	contractID = strings.TrimSpace(contractID)
	agentID = strings.TrimSpace(agentID)
	if contractID == "" {
		return time.Time{}, errors.New("contract id is required")
	}
	if agentID == "" {
		return time.Time{}, errors.New("agent id is required")
	}
	var acquired sql.NullString
	err := s.withTx(ctx, "lock update on "+contractID, func(tx *sql.Tx) error {
		var (
			status string
			holder sql.NullString
		)
		err := tx.QueryRowContext(ctx, `SELECT status, provisioning_lock_agent, provisioning_lock_acquired_at FROM contracts WHERE contract_id = ?`, contractID).
			Scan(&status, &holder, &acquired)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrContractNotFound
		}
		if err != nil {
			return fmt.Errorf("inspect contract %s: %w", contractID, err)
		}

		query := `UPDATE contracts SET ` + clearLockSet + `, ` + set + ` WHERE contract_id = ? AND provisioning_lock_agent = ?`
		args := append(append([]any{}, setArgs...), contractID, agentID)
		if requireLockable {
			query += ` AND status IN (?, ?)`
			args = append(args, string(models.ContractAccepted), string(models.ContractProvisioning))
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update lock on %s: %w", contractID, err)
		}
		if err := expectAffected(res, errNoRowsTouched); errors.Is(err, errNoRowsTouched) {
			if !holder.Valid || holder.String != agentID {
				return ErrNotLockHolder
			}
			return fmt.Errorf("%w: %s", ErrContractNotLockable, status)
		} else if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	// The lock is already cleared; an unparsable timestamp only loses the hold duration.
	acquiredAt, _ := parseTime(acquired.String)
	return acquiredAt, nil
}

// ExpiredLock identifies a lock cleared by the sweeper.
type ExpiredLock struct {
	ContractID string
	AgentID    string
	ExpiresAt  time.Time
}

// ClearExpiredProvisioningLocks clears every lock that expired before now on
// contracts not yet provisioned, cancelled or terminated. Each row is
// cleared with the same holder and expiry condition it was selected with, so
// a lock re-acquired in between is left alone.
func (s *Store) ClearExpiredProvisioningLocks(ctx context.Context, now time.Time) ([]ExpiredLock, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	stamp := formatTime(now)
	excluded := []any{string(models.ContractProvisioned), string(models.ContractCancelled), string(models.ContractTerminated)}

	var cleared []ExpiredLock
	err := s.withTx(ctx, "lock sweep", func(tx *sql.Tx) error {
		candidates, err := selectExpiredLocks(ctx, tx, stamp, excluded)
		if err != nil {
			return err
		}
		for _, item := range candidates {
			args := append([]any{stamp, item.ContractID, item.AgentID, stamp}, excluded...)
			res, err := tx.ExecContext(ctx, `UPDATE contracts SET `+clearLockSet+`, updated_at = ?
				WHERE contract_id = ?
					AND provisioning_lock_agent = ?
					AND provisioning_lock_expires_at < ?
					AND status NOT IN (?, ?, ?)`, args...)
			if err != nil {
				return fmt.Errorf("clear expired lock on %s: %w", item.ContractID, err)
			}
			switch err := expectAffected(res, errNoRowsTouched); {
			case err == nil:
				cleared = append(cleared, item)
			case !errors.Is(err, errNoRowsTouched):
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cleared, nil
}

func selectExpiredLocks(ctx context.Context, tx *sql.Tx, stamp string, excluded []any) ([]ExpiredLock, error) {
	rows, err := tx.QueryContext(ctx, `SELECT contract_id, provisioning_lock_agent, provisioning_lock_expires_at
		FROM contracts
		WHERE provisioning_lock_expires_at IS NOT NULL
			AND provisioning_lock_expires_at < ?
			AND status NOT IN (?, ?, ?)`,
		append([]any{stamp}, excluded...)...)
	if err != nil {
		return nil, fmt.Errorf("select expired locks: %w", err)
	}
	defer rows.Close()
	var out []ExpiredLock
	for rows.Next() {
		var item ExpiredLock
		var expiresAt string
		if err := rows.Scan(&item.ContractID, &item.AgentID, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan expired lock: %w", err)
		}
		if item.ExpiresAt, err = parseTime(expiresAt); err != nil {
			return nil, fmt.Errorf("parse lock expiry: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired locks: %w", err)
	}
	return out, nil
}

// UpdateContractStatus moves a contract to a new status if the transition is
// allowed. It never touches the lock columns. The previous status is
// returned.
func (s *Store) UpdateContractStatus(ctx context.Context, contractID string, to models.ContractStatus, now time.Time) (models.ContractStatus, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	contractID = strings.TrimSpace(contractID)
	if now.IsZero() {
		now = time.Now().UTC()
	}
	var from string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM contracts WHERE contract_id = ?`, contractID).Scan(&from)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrContractNotFound
	}
	if err != nil {
		return "", fmt.Errorf("inspect contract %s: %w", contractID, err)
	}
	if !models.CanTransition(models.ContractStatus(from), to) {
		return models.ContractStatus(from), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE contracts SET status = ?, updated_at = ? WHERE contract_id = ? AND status = ?`,
		string(to), formatTime(now), contractID, from)
	if err != nil {
		return "", fmt.Errorf("update contract %s status: %w", contractID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("update contract %s status rows: %w", contractID, err)
	}
	if affected == 0 {
		return models.ContractStatus(from), fmt.Errorf("%w: status changed concurrently", ErrInvalidTransition)
	}
	return models.ContractStatus(from), nil
}

func scanContractWithOffering(scanner interface{ Scan(dest ...any) error }) (models.ContractWithOffering, error) {
	var (
		contract       models.Contract
		status         string
		endTimestamp   sql.NullString
		lockAgent      sql.NullString
		lockAcquiredAt sql.NullString
		lockExpiresAt  sql.NullString
		details        []byte
		provisionedAt  sql.NullString
		failureReason  sql.NullString
		createdAt      string
		updatedAt      string

		offering          models.Offering
		offProvType       sql.NullString
		offPoolID         sql.NullString
		offeringCreatedAt string
		offeringUpdatedAt string
	)
	if err := scanner.Scan(
		&contract.ID, &contract.OfferingID, &status, &endTimestamp,
		&lockAgent, &lockAcquiredAt, &lockExpiresAt,
		&details, &provisionedAt, &contract.FailureCount, &failureReason, &createdAt, &updatedAt,
		&offering.ID, &offering.OwnerID, &offering.DatacenterCountry, &offProvType, &offPoolID, &offeringCreatedAt, &offeringUpdatedAt,
	); err != nil {
		return models.ContractWithOffering{}, err
	}
	contract.Status = models.ContractStatus(status)
	contract.LastFailureReason = failureReason.String
	if len(details) > 0 {
		contract.InstanceDetails = details
	}
	var err error
	if contract.EndTimestamp, err = parseNullTime(endTimestamp); err != nil {
		return models.ContractWithOffering{}, fmt.Errorf("parse contract end_timestamp: %w", err)
	}
	if contract.ProvisionedAt, err = parseNullTime(provisionedAt); err != nil {
		return models.ContractWithOffering{}, fmt.Errorf("parse contract provisioned_at: %w", err)
	}
	if lockAgent.Valid {
		contract.Lock.AgentID = lockAgent.String
		if contract.Lock.AcquiredAt, err = parseTime(lockAcquiredAt.String); err != nil {
			return models.ContractWithOffering{}, fmt.Errorf("parse lock acquired_at: %w", err)
		}
		if contract.Lock.ExpiresAt, err = parseTime(lockExpiresAt.String); err != nil {
			return models.ContractWithOffering{}, fmt.Errorf("parse lock expires_at: %w", err)
		}
	}
	if contract.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.ContractWithOffering{}, fmt.Errorf("parse contract created_at: %w", err)
	}
	if contract.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.ContractWithOffering{}, fmt.Errorf("parse contract updated_at: %w", err)
	}

	offering.ProvisionerType = models.ProvisionerType(offProvType.String)
	if offPoolID.Valid && offPoolID.String != "" {
		value := offPoolID.String
		offering.AgentPoolID = &value
	}
	if offering.CreatedAt, err = parseTime(offeringCreatedAt); err != nil {
		return models.ContractWithOffering{}, fmt.Errorf("parse offering created_at: %w", err)
	}
	if offering.UpdatedAt, err = parseTime(offeringUpdatedAt); err != nil {
		return models.ContractWithOffering{}, fmt.Errorf("parse offering updated_at: %w", err)
	}
	return models.ContractWithOffering{Contract: contract, Offering: offering}, nil
}

func uniqueNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
