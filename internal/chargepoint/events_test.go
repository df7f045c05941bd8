package chargepoint

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"drivepoint/internal/ocpp/protocol"
)

func TestSimulatedMeterAccrues(t *testing.T) {
	// 3.6 MW makes 1 Wh per millisecond, fast enough to observe.
	meter := NewSimulatedMeter(3_600_000)

	if got := meter.EnergyWh(1); got != 0 {
		t.Fatalf("expected empty register, got %d", got)
	}

	meter.StartCharging(1)
	waitFor(t, time.Second, func() bool { return meter.EnergyWh(1) >= 10 })

	meter.StopCharging(1)
	frozen := meter.EnergyWh(1)
	time.Sleep(30 * time.Millisecond)
	if got := meter.EnergyWh(1); got != frozen {
		t.Fatalf("expected register frozen after stop, got %d then %d", frozen, got)
	}

	// Registers are per connector.
	if got := meter.EnergyWh(2); got != 0 {
		t.Fatalf("expected untouched register on connector 2, got %d", got)
	}
}

type remoteAction struct {
	connectorID int
	idTag       string
	reason      protocol.Reason
}

func TestSimulatorEventsRemoteCallbacks(t *testing.T) {
	events := NewSimulatorEvents(NewSimulatedMeter(0), zap.NewNop())

	// Without wired actions every remote command is declined.
	if events.RemoteStartRequested(1, "TAG") {
		t.Fatal("expected decline without wired actions")
	}
	if events.RemoteStopRequested(1) {
		t.Fatal("expected decline without wired actions")
	}

	var mu sync.Mutex
	var starts, stops []remoteAction
	events.SetRemoteActions(
		func(connectorID int, idTag string) {
			mu.Lock()
			starts = append(starts, remoteAction{connectorID: connectorID, idTag: idTag})
			mu.Unlock()
		},
		func(connectorID int, reason protocol.Reason) {
			mu.Lock()
			stops = append(stops, remoteAction{connectorID: connectorID, reason: reason})
			mu.Unlock()
		},
	)

	if !events.RemoteStartRequested(1, "TAG-R") {
		t.Fatal("expected remote start accepted")
	}
	if !events.RemoteStopRequested(2) {
		t.Fatal("expected remote stop accepted")
	}
	events.TransactionDeAuthorized(1)

	mu.Lock()
	defer mu.Unlock()
	if len(starts) != 1 || starts[0].connectorID != 1 || starts[0].idTag != "TAG-R" {
		t.Fatalf("unexpected starts: %+v", starts)
	}
	if len(stops) != 2 {
		t.Fatalf("expected remote stop and de-authorization, got %+v", stops)
	}
	if stops[0].connectorID != 2 || stops[0].reason != protocol.ReasonRemote {
		t.Fatalf("unexpected remote stop: %+v", stops[0])
	}
	if stops[1].connectorID != 1 || stops[1].reason != protocol.ReasonDeAuthorized {
		t.Fatalf("unexpected de-authorization stop: %+v", stops[1])
	}
}

func TestSimulatorEventsLifecycleDrivesMeter(t *testing.T) {
	meter := NewSimulatedMeter(3_600_000)
	events := NewSimulatorEvents(meter, zap.NewNop())

	events.TransactionStarted(1, 77, "TAG")
	waitFor(t, time.Second, func() bool { return events.TransactionMeterValue(1) >= 10 })

	events.TransactionStopped(1, 77, protocol.ReasonLocal)
	frozen := events.TransactionMeterValue(1)
	time.Sleep(30 * time.Millisecond)
	if got := events.TransactionMeterValue(1); got != frozen {
		t.Fatalf("expected register frozen, got %d then %d", frozen, got)
	}
}
