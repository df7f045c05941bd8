package repository

import (
	"context"
	"database/sql"
	"time"

	"drivepoint/internal/models"
)

// ConnectorRepository handles persistence of per-connector state.
type ConnectorRepository struct {
	db *sql.DB
}

// NewConnectorRepository returns repository.
func NewConnectorRepository(db *sql.DB) *ConnectorRepository {
	return &ConnectorRepository{db: db}
}

// EnsureConnectors inserts missing rows for connectors 0..count.
// Connector 0 stands for the charge point as a whole.
func (r *ConnectorRepository) EnsureConnectors(ctx context.Context, count int) error {
	const query = `
		INSERT INTO connectors (id)
		VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`
	for id := 0; id <= count; id++ {
		if _, err := r.db.ExecContext(ctx, query, id); err != nil {
			return err
		}
	}
	return nil
}

// GetAll returns every connector ordered by id.
func (r *ConnectorRepository) GetAll(ctx context.Context) ([]models.ConnectorState, error) {
	const query = `
		SELECT id, status, transaction_id, transaction_start, transaction_id_tag,
		       reservation_id, reservation_id_tag, reservation_expiry, updated_at
		FROM connectors
		ORDER BY id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var connectors []models.ConnectorState
	for rows.Next() {
		var (
			c                 models.ConnectorState
			transactionStart  sql.NullTime
			reservationExpiry sql.NullTime
		)
		if err := rows.Scan(
			&c.ID,
			&c.Status,
			&c.TransactionID,
			&transactionStart,
			&c.TransactionIdTag,
			&c.ReservationID,
			&c.ReservationIdTag,
			&reservationExpiry,
			&c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		c.TransactionStart = transactionStart.Time
		c.ReservationExpiry = reservationExpiry.Time
		connectors = append(connectors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return connectors, nil
}

// Save writes the full connector record.
func (r *ConnectorRepository) Save(ctx context.Context, c *models.ConnectorState) error {
	const query = `
		UPDATE connectors
		SET status = $2,
		    transaction_id = $3,
		    transaction_start = $4,
		    transaction_id_tag = $5,
		    reservation_id = $6,
		    reservation_id_tag = $7,
		    reservation_expiry = $8,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query,
		c.ID,
		c.Status,
		c.TransactionID,
		nullTime(c.TransactionStart),
		c.TransactionIdTag,
		c.ReservationID,
		c.ReservationIdTag,
		nullTime(c.ReservationExpiry),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
