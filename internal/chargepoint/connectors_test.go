package chargepoint

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"drivepoint/internal/models"
	"drivepoint/internal/ocpp/protocol"
)

func TestConnectorRegistryLoadRecoversState(t *testing.T) {
	store := newMemConnectorStore()
	ctx := context.Background()

	// A transaction survived a restart.
	if err := store.EnsureConnectors(ctx, 2); err != nil {
		t.Fatalf("seed rows: %v", err)
	}
	if err := store.Save(ctx, &models.ConnectorState{
		ID:               1,
		Status:           protocol.StatusCharging,
		TransactionID:    55,
		TransactionIdTag: "TAG-L",
		TransactionStart: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}

	registry := NewConnectorRegistry(store, 2, zap.NewNop())
	if err := registry.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	snap := registry.Get(1).Snapshot()
	if snap.TransactionID != 55 || snap.TransactionIdTag != "TAG-L" || snap.Status != protocol.StatusCharging {
		t.Fatalf("expected recovered transaction, got %+v", snap)
	}
	if got := registry.Get(2).Snapshot(); got.Status != protocol.StatusAvailable {
		t.Fatalf("expected fresh connector available, got %+v", got)
	}
}

func TestConnectorRegistryIgnoresRowsOutsideRange(t *testing.T) {
	store := newMemConnectorStore()
	ctx := context.Background()
	if err := store.Save(ctx, &models.ConnectorState{ID: 9, Status: protocol.StatusAvailable}); err != nil {
		t.Fatalf("seed stray row: %v", err)
	}

	registry := NewConnectorRegistry(store, 1, zap.NewNop())
	if err := registry.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := registry.Get(9); got != nil {
		t.Fatalf("expected stray row ignored, got %+v", got.Snapshot())
	}
}

func TestConnectorRegistryLookups(t *testing.T) {
	registry := NewConnectorRegistry(newMemConnectorStore(), 2, zap.NewNop())
	if err := registry.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := registry.Count(); got != 2 {
		t.Fatalf("expected 2 physical connectors, got %d", got)
	}
	if registry.Get(-1) != nil || registry.Get(3) != nil {
		t.Fatal("expected nil for out-of-range ids")
	}
	if got := registry.ChargePoint(); got == nil || got.ID() != 0 {
		t.Fatalf("expected charge point connector, got %v", got)
	}
	if got := len(registry.All()); got != 3 {
		t.Fatalf("expected 3 handles, got %d", got)
	}

	snapshots := registry.Snapshots()
	if len(snapshots) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snapshots))
	}
	for i, snap := range snapshots {
		if snap.ID != i {
			t.Fatalf("expected ordered snapshots, got %+v", snapshots)
		}
	}
}

func TestConnectorRegistrySave(t *testing.T) {
	store := newMemConnectorStore()
	registry := NewConnectorRegistry(store, 1, zap.NewNop())
	ctx := context.Background()
	if err := registry.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	conn := registry.Get(1)
	conn.Lock()
	conn.State().TransactionID = 7
	if err := registry.Save(ctx, conn); err != nil {
		t.Fatalf("save: %v", err)
	}
	conn.Unlock()

	if saved := store.saved(1); saved.TransactionID != 7 {
		t.Fatalf("expected transaction persisted, got %+v", saved)
	}
}
