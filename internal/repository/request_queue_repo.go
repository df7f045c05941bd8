package repository

import (
	"context"
	"database/sql"
	"errors"

	"drivepoint/internal/models"
)

// RequestQueueRepository handles the durable FIFO of transaction-related
// requests awaiting delivery.
type RequestQueueRepository struct {
	db *sql.DB
}

// NewRequestQueueRepository returns repository.
func NewRequestQueueRepository(db *sql.DB) *RequestQueueRepository {
	return &RequestQueueRepository{db: db}
}

// Insert appends one request and returns its id.
func (r *RequestQueueRepository) Insert(ctx context.Context, action, payload string) (int64, error) {
	const query = `
		INSERT INTO request_queue (action, payload, created_at)
		VALUES ($1, $2, NOW())
		RETURNING id
	`
	var id int64
	if err := r.db.QueryRowContext(ctx, query, action, payload).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// Front returns the oldest request, or nil when the queue is empty.
func (r *RequestQueueRepository) Front(ctx context.Context) (*models.QueuedRequest, error) {
	const query = `
		SELECT id, action, payload, created_at
		FROM request_queue
		ORDER BY id
		LIMIT 1
	`
	var req models.QueuedRequest
	err := r.db.QueryRowContext(ctx, query).Scan(&req.ID, &req.Action, &req.Payload, &req.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// Delete removes one request by id.
func (r *RequestQueueRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM request_queue WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

// Count returns the number of queued requests.
func (r *RequestQueueRepository) Count(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM request_queue`
	var count int
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
