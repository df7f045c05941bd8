package chargepoint

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"drivepoint/internal/ocpp/protocol"
)

// EventsHandler is the surface through which the embedding application
// takes part in transaction handling: it supplies meter readings,
// vets remote commands and is told when a transaction it runs has been
// de-authorized by the Central System.
type EventsHandler interface {
	// TransactionMeterValue returns the connector's energy register in
	// watt-hours, used for meterStart, meterStop and periodic samples.
	TransactionMeterValue(connectorID int) int
	// RemoteStartRequested reports whether the application accepts the
	// remote start. Accepting obliges it to start the transaction.
	RemoteStartRequested(connectorID int, idTag string) bool
	// RemoteStopRequested reports whether the application accepts the
	// remote stop. Accepting obliges it to stop the transaction.
	RemoteStopRequested(connectorID int) bool
	// TransactionDeAuthorized signals that a deferred start was refused
	// by the Central System and energy delivery must cease.
	TransactionDeAuthorized(connectorID int)
	// TransactionStarted and TransactionStopped report lifecycle edges.
	TransactionStarted(connectorID, transactionID int, idTag string)
	TransactionStopped(connectorID, transactionID int, reason protocol.Reason)
}

// SimulatedMeter is a software energy register that accrues energy while
// a connector charges. It stands in for real metering hardware.
type SimulatedMeter struct {
	rateW float64

	mu        sync.Mutex
	registers map[int]*meterRegister
}

type meterRegister struct {
	energyWh      float64
	chargingSince time.Time
}

// NewSimulatedMeter builds a meter charging at rateW watts per active
// connector.
func NewSimulatedMeter(rateW float64) *SimulatedMeter {
	if rateW <= 0 {
		rateW = 7400
	}
	return &SimulatedMeter{
		rateW:     rateW,
		registers: make(map[int]*meterRegister),
	}
}

func (m *SimulatedMeter) register(connectorID int) *meterRegister {
	reg, ok := m.registers[connectorID]
	if !ok {
		reg = &meterRegister{}
		m.registers[connectorID] = reg
	}
	return reg
}

func (m *SimulatedMeter) accrue(reg *meterRegister, now time.Time) {
	if reg.chargingSince.IsZero() {
		return
	}
	elapsed := now.Sub(reg.chargingSince).Seconds()
	reg.energyWh += elapsed * m.rateW / 3600
	reg.chargingSince = now
}

// StartCharging begins energy accrual on the connector.
func (m *SimulatedMeter) StartCharging(connectorID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg := m.register(connectorID)
	m.accrue(reg, time.Now())
	if reg.chargingSince.IsZero() {
		reg.chargingSince = time.Now()
	}
}

// StopCharging halts energy accrual on the connector.
func (m *SimulatedMeter) StopCharging(connectorID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg := m.register(connectorID)
	m.accrue(reg, time.Now())
	reg.chargingSince = time.Time{}
}

// EnergyWh returns the connector's register reading.
func (m *SimulatedMeter) EnergyWh(connectorID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg := m.register(connectorID)
	m.accrue(reg, time.Now())
	return int(reg.energyWh)
}

// SimulatorEvents is the built-in events handler for the standalone
// binary: a simulated meter plus automatic execution of accepted remote
// commands through the transaction service.
type SimulatorEvents struct {
	meter  *SimulatedMeter
	logger *zap.Logger

	mu      sync.Mutex
	starter func(connectorID int, idTag string)
	stopper func(connectorID int, reason protocol.Reason)
}

// NewSimulatorEvents builds the handler. SetRemoteActions must be called
// before remote commands arrive.
func NewSimulatorEvents(meter *SimulatedMeter, logger *zap.Logger) *SimulatorEvents {
	return &SimulatorEvents{meter: meter, logger: logger}
}

// SetRemoteActions wires the callbacks executing accepted remote
// commands. Both run asynchronously from the handler's point of view.
func (e *SimulatorEvents) SetRemoteActions(start func(connectorID int, idTag string), stop func(connectorID int, reason protocol.Reason)) {
	e.mu.Lock()
	e.starter = start
	e.stopper = stop
	e.mu.Unlock()
}

func (e *SimulatorEvents) actions() (func(int, string), func(int, protocol.Reason)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starter, e.stopper
}

func (e *SimulatorEvents) TransactionMeterValue(connectorID int) int {
	return e.meter.EnergyWh(connectorID)
}

func (e *SimulatorEvents) RemoteStartRequested(connectorID int, idTag string) bool {
	starter, _ := e.actions()
	if starter == nil {
		return false
	}
	e.logger.Info("remote start accepted", zap.Int("connectorId", connectorID), zap.String("idTag", idTag))
	starter(connectorID, idTag)
	return true
}

func (e *SimulatorEvents) RemoteStopRequested(connectorID int) bool {
	_, stopper := e.actions()
	if stopper == nil {
		return false
	}
	e.logger.Info("remote stop accepted", zap.Int("connectorId", connectorID))
	stopper(connectorID, protocol.ReasonRemote)
	return true
}

func (e *SimulatorEvents) TransactionDeAuthorized(connectorID int) {
	e.logger.Warn("transaction de-authorized by central system", zap.Int("connectorId", connectorID))
	_, stopper := e.actions()
	if stopper != nil {
		stopper(connectorID, protocol.ReasonDeAuthorized)
	}
}

func (e *SimulatorEvents) TransactionStarted(connectorID, transactionID int, idTag string) {
	e.meter.StartCharging(connectorID)
	e.logger.Info("transaction started",
		zap.Int("connectorId", connectorID), zap.Int("transactionId", transactionID), zap.String("idTag", idTag))
}

func (e *SimulatorEvents) TransactionStopped(connectorID, transactionID int, reason protocol.Reason) {
	e.meter.StopCharging(connectorID)
	e.logger.Info("transaction stopped",
		zap.Int("connectorId", connectorID), zap.Int("transactionId", transactionID), zap.String("reason", string(reason)))
}
