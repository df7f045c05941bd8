package chargepoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"drivepoint/internal/models"
)

// QueueStore persists queued requests in order.
type QueueStore interface {
	Insert(ctx context.Context, action, payload string) (int64, error)
	Front(ctx context.Context) (*models.QueuedRequest, error)
	Delete(ctx context.Context, id int64) error
	Count(ctx context.Context) (int, error)
}

// RequestFIFO is the durable first-in-first-out queue of transaction
// requests awaiting delivery. It mirrors the stored size in memory so
// the connectivity reactor can poll it cheaply.
type RequestFIFO struct {
	store  QueueStore
	logger *zap.Logger

	mu   sync.Mutex
	size int
}

// NewRequestFIFO builds the queue over store.
func NewRequestFIFO(store QueueStore, logger *zap.Logger) *RequestFIFO {
	return &RequestFIFO{store: store, logger: logger}
}

// Load primes the size mirror from storage.
func (f *RequestFIFO) Load(ctx context.Context) error {
	count, err := f.store.Count(ctx)
	if err != nil {
		return fmt.Errorf("fifo: count: %w", err)
	}
	f.mu.Lock()
	f.size = count
	f.mu.Unlock()
	return nil
}

// Push serializes request and appends it to the queue.
func (f *RequestFIFO) Push(ctx context.Context, action string, request interface{}) error {
	payload, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("fifo: encode %s: %w", action, err)
	}
	if _, err := f.store.Insert(ctx, action, string(payload)); err != nil {
		return fmt.Errorf("fifo: push %s: %w", action, err)
	}

	f.mu.Lock()
	f.size++
	size := f.size
	f.mu.Unlock()

	f.logger.Debug("request queued", zap.String("action", action), zap.Int("fifoSize", size))
	return nil
}

// Front returns the head request, or nil when the queue is empty.
func (f *RequestFIFO) Front(ctx context.Context) (*models.QueuedRequest, error) {
	return f.store.Front(ctx)
}

// Pop removes the given head entry.
func (f *RequestFIFO) Pop(ctx context.Context, id int64) error {
	if err := f.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("fifo: pop: %w", err)
	}
	f.mu.Lock()
	if f.size > 0 {
		f.size--
	}
	f.mu.Unlock()
	return nil
}

// Size returns the mirrored queue length.
func (f *RequestFIFO) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}
