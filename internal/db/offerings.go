// ABOUTME: Offerings ingested from the marketplace, used for pool routing.
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

const offeringColumns = `offering_id, owner_id, datacenter_country, provisioner_type, agent_pool_id, created_at, updated_at`

// UpsertOffering inserts or replaces the routing attributes of an offering.
// An offering never changes owner.
func (s *Store) UpsertOffering(ctx context.Context, offering models.Offering) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(offering.ID) == "" {
		return errors.New("offering id is required")
	}
	if strings.TrimSpace(offering.OwnerID) == "" {
		return errors.New("owner id is required")
	}
	now := offering.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO offerings (`+offeringColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(offering_id) DO UPDATE SET
			datacenter_country = excluded.datacenter_country,
			provisioner_type = excluded.provisioner_type,
			agent_pool_id = excluded.agent_pool_id,
			updated_at = excluded.updated_at
		WHERE offerings.owner_id = excluded.owner_id`,
		offering.ID,
		offering.OwnerID,
		strings.ToUpper(strings.TrimSpace(offering.DatacenterCountry)),
		nullIfEmpty(string(offering.ProvisionerType)),
		nullString(offering.AgentPoolID),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("upsert offering %s: %w", offering.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert offering %s rows: %w", offering.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s belongs to another owner", ErrOfferingNotFound, offering.ID)
	}
	return nil
}

// GetOffering loads an offering by id.
func (s *Store) GetOffering(ctx context.Context, offeringID string) (models.Offering, error) {
	if err := s.ready(); err != nil {
		return models.Offering{}, err
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+offeringColumns+` FROM offerings WHERE offering_id = ?`, strings.TrimSpace(offeringID))
	offering, err := scanOfferingRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Offering{}, ErrOfferingNotFound
	}
	if err != nil {
		return models.Offering{}, fmt.Errorf("get offering %s: %w", offeringID, err)
	}
	return offering, nil
}

// ListOfferingsByOwner returns every offering of an owner.
func (s *Store) ListOfferingsByOwner(ctx context.Context, ownerID string) ([]models.Offering, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+offeringColumns+` FROM offerings WHERE owner_id = ? ORDER BY offering_id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list offerings: %w", err)
	}
	defer rows.Close()
	var out []models.Offering
	for rows.Next() {
		offering, err := scanOfferingRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, offering)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offerings: %w", err)
	}
	return out, nil
}

// CountActiveContractsByOffering returns, per offering of owner, the number
// of contracts in provisioned or active status.
func (s *Store) CountActiveContractsByOffering(ctx context.Context, ownerID string) (map[string]int, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT c.offering_id, COUNT(*)
		FROM contracts c JOIN offerings o ON o.offering_id = c.offering_id
		WHERE o.owner_id = ? AND c.status IN (?, ?)
		GROUP BY c.offering_id`,
		ownerID, string(models.ContractProvisioned), string(models.ContractActive))
	if err != nil {
		return nil, fmt.Errorf("count active contracts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var offeringID string
		var count int
		if err := rows.Scan(&offeringID, &count); err != nil {
			return nil, fmt.Errorf("scan active contracts: %w", err)
		}
		out[offeringID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active contracts: %w", err)
	}
	return out, nil
}

func scanOfferingRow(scanner interface{ Scan(dest ...any) error }) (models.Offering, error) {
	var (
		offering  models.Offering
		provType  sql.NullString
		poolID    sql.NullString
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&offering.ID, &offering.OwnerID, &offering.DatacenterCountry, &provType, &poolID, &createdAt, &updatedAt); err != nil {
		return models.Offering{}, err
	}
	offering.ProvisionerType = models.ProvisionerType(provType.String)
	if poolID.Valid && poolID.String != "" {
		value := poolID.String
		offering.AgentPoolID = &value
	}
	var err error
	if offering.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Offering{}, fmt.Errorf("parse offering created_at: %w", err)
	}
	if offering.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Offering{}, fmt.Errorf("parse offering updated_at: %w", err)
	}
	return offering, nil
}
