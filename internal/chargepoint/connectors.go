package chargepoint

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"drivepoint/internal/models"
)

// ChargePointConnectorID denotes the charge point as a whole.
const ChargePointConnectorID = 0

// ConnectorStore persists connector records.
type ConnectorStore interface {
	EnsureConnectors(ctx context.Context, count int) error
	GetAll(ctx context.Context) ([]models.ConnectorState, error)
	Save(ctx context.Context, c *models.ConnectorState) error
}

// Connector pairs a connector's durable record with the mutex
// serializing transaction and reservation writes on it.
type Connector struct {
	mu    sync.Mutex
	state models.ConnectorState
}

func (c *Connector) Lock()   { c.mu.Lock() }
func (c *Connector) Unlock() { c.mu.Unlock() }

// State returns the mutable record. Hold the lock while writing
// transaction or reservation fields.
func (c *Connector) State() *models.ConnectorState {
	return &c.state
}

// ID returns the connector id.
func (c *Connector) ID() int {
	return c.state.ID
}

// Snapshot returns a copy taken under the lock.
func (c *Connector) Snapshot() models.ConnectorState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectorRegistry owns the connector records: it loads them at boot,
// hands out per-connector handles and writes mutations back to storage.
type ConnectorRegistry struct {
	store  ConnectorStore
	count  int
	logger *zap.Logger

	connectors []*Connector
}

// NewConnectorRegistry builds the registry for count physical connectors.
func NewConnectorRegistry(store ConnectorStore, count int, logger *zap.Logger) *ConnectorRegistry {
	if count <= 0 {
		count = 1
	}
	return &ConnectorRegistry{store: store, count: count, logger: logger}
}

// Load creates missing rows and pulls every connector into memory.
// Connector ids run 0..count, id 0 being the charge point itself.
func (r *ConnectorRegistry) Load(ctx context.Context) error {
	if err := r.store.EnsureConnectors(ctx, r.count); err != nil {
		return fmt.Errorf("connectors: ensure rows: %w", err)
	}
	states, err := r.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("connectors: load: %w", err)
	}

	r.connectors = make([]*Connector, r.count+1)
	for _, state := range states {
		if state.ID < 0 || state.ID > r.count {
			r.logger.Warn("ignoring connector outside configured range", zap.Int("connectorId", state.ID))
			continue
		}
		r.connectors[state.ID] = &Connector{state: state}
	}
	for id, conn := range r.connectors {
		if conn == nil {
			return fmt.Errorf("connectors: missing row for connector %d", id)
		}
	}
	return nil
}

// Count returns the number of physical connectors.
func (r *ConnectorRegistry) Count() int {
	return r.count
}

// Get returns the connector handle, or nil for an unknown id.
func (r *ConnectorRegistry) Get(id int) *Connector {
	if id < 0 || id >= len(r.connectors) {
		return nil
	}
	return r.connectors[id]
}

// ChargePoint returns the connector representing the whole station.
func (r *ConnectorRegistry) ChargePoint() *Connector {
	return r.Get(ChargePointConnectorID)
}

// All returns every connector handle, charge point connector included.
func (r *ConnectorRegistry) All() []*Connector {
	return r.connectors
}

// Save persists the connector's current record. Callers mutating state
// hold the connector lock across mutation and Save.
func (r *ConnectorRegistry) Save(ctx context.Context, c *Connector) error {
	return r.store.Save(ctx, &c.state)
}

// Snapshots returns copies of every connector record.
func (r *ConnectorRegistry) Snapshots() []models.ConnectorState {
	snapshots := make([]models.ConnectorState, 0, len(r.connectors))
	for _, conn := range r.connectors {
		snapshots = append(snapshots, conn.Snapshot())
	}
	return snapshots
}
