package repository

import (
	"context"
	"database/sql"

	"drivepoint/internal/models"
)

// ChargingProfileRepository handles persistence of charging profiles.
type ChargingProfileRepository struct {
	db *sql.DB
}

// NewChargingProfileRepository returns repository.
func NewChargingProfileRepository(db *sql.DB) *ChargingProfileRepository {
	return &ChargingProfileRepository{db: db}
}

// Upsert writes a profile, replacing an existing one with the same
// connector and profile id.
func (r *ChargingProfileRepository) Upsert(ctx context.Context, rec *models.ChargingProfileRecord) error {
	const query = `
		INSERT INTO charging_profiles (connector_id, profile_id, stack_level, purpose, transaction_id, payload, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (connector_id, profile_id) DO UPDATE SET
			stack_level = EXCLUDED.stack_level,
			purpose = EXCLUDED.purpose,
			transaction_id = EXCLUDED.transaction_id,
			payload = EXCLUDED.payload,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ConnectorID,
		rec.ProfileID,
		rec.StackLevel,
		rec.Purpose,
		rec.TransactionID,
		rec.Payload,
	)
	return err
}

// GetByConnector returns profiles for a connector ordered by stack level.
func (r *ChargingProfileRepository) GetByConnector(ctx context.Context, connectorID int) ([]models.ChargingProfileRecord, error) {
	const query = `
		SELECT connector_id, profile_id, stack_level, purpose, transaction_id, payload, updated_at
		FROM charging_profiles
		WHERE connector_id = $1
		ORDER BY stack_level DESC
	`
	rows, err := r.db.QueryContext(ctx, query, connectorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ChargingProfileRecord
	for rows.Next() {
		var rec models.ChargingProfileRecord
		if err := rows.Scan(
			&rec.ConnectorID,
			&rec.ProfileID,
			&rec.StackLevel,
			&rec.Purpose,
			&rec.TransactionID,
			&rec.Payload,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// AssignPendingTransaction patches profiles queued before the Central
// System assigned the transaction id.
func (r *ChargingProfileRepository) AssignPendingTransaction(ctx context.Context, connectorID, transactionID int) error {
	const query = `
		UPDATE charging_profiles
		SET transaction_id = $2, updated_at = NOW()
		WHERE connector_id = $1 AND purpose = 'TxProfile' AND transaction_id = -1
	`
	_, err := r.db.ExecContext(ctx, query, connectorID, transactionID)
	return err
}

// DeleteTxProfiles removes the connector's transaction-scoped profiles.
func (r *ChargingProfileRepository) DeleteTxProfiles(ctx context.Context, connectorID int) error {
	const query = `
		DELETE FROM charging_profiles
		WHERE purpose = 'TxProfile' AND connector_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, connectorID)
	return err
}
