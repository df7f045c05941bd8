package chargepoint

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"drivepoint/internal/ocpp/protocol"
)

type meterReader interface {
	TransactionMeterValue(connectorID int) int
}

// MeterValuesService samples connector energy registers while a
// transaction runs and ships MeterValues requests through the same
// durable queue as the transaction messages, preserving global order.
type MeterValuesService struct {
	sender     *MessageSender
	connectors *ConnectorRegistry
	meter      meterReader
	interval   time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	samplers map[int]chan struct{}
}

// NewMeterValuesService builds the service.
func NewMeterValuesService(sender *MessageSender, connectors *ConnectorRegistry, meter meterReader, interval time.Duration, logger *zap.Logger) *MeterValuesService {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &MeterValuesService{
		sender:     sender,
		connectors: connectors,
		meter:      meter,
		interval:   interval,
		logger:     logger,
		samplers:   make(map[int]chan struct{}),
	}
}

// StartSampledMeterValues begins periodic sampling on the connector.
// Starting an already sampled connector is a no-op.
func (s *MeterValuesService) StartSampledMeterValues(connectorID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.samplers[connectorID]; ok {
		return
	}
	stop := make(chan struct{})
	s.samplers[connectorID] = stop
	go s.sample(connectorID, stop)
	s.logger.Debug("sampled meter values started", zap.Int("connectorId", connectorID))
}

// StopSampledMeterValues halts periodic sampling on the connector.
func (s *MeterValuesService) StopSampledMeterValues(connectorID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stop, ok := s.samplers[connectorID]
	if !ok {
		return
	}
	close(stop)
	delete(s.samplers, connectorID)
	s.logger.Debug("sampled meter values stopped", zap.Int("connectorId", connectorID))
}

// StopAll halts every sampler.
func (s *MeterValuesService) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for connectorID, stop := range s.samplers {
		close(stop)
		delete(s.samplers, connectorID)
	}
}

func (s *MeterValuesService) sample(connectorID int, stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sendSample(context.Background(), connectorID)
		}
	}
}

// sendSample ships one periodic reading. The transaction id is whatever
// the connector holds at sampling time: the provisional -1 of a deferred
// start is sent as-is, the Central System correlates after replay.
func (s *MeterValuesService) sendSample(ctx context.Context, connectorID int) {
	conn := s.connectors.Get(connectorID)
	if conn == nil {
		return
	}
	snap := conn.Snapshot()
	if !snap.HasTransaction() {
		return
	}

	transactionID := snap.TransactionID
	req := protocol.MeterValuesRequest{
		ConnectorID:   connectorID,
		TransactionID: &transactionID,
		MeterValue:    []protocol.MeterValue{s.reading(connectorID, protocol.ReadingContextSamplePeriodic)},
	}

	var conf protocol.MeterValuesResponse
	result, err := s.sender.CallWithFIFO(ctx, protocol.ActionMeterValues, req, &conf)
	if result != CallOK && result != CallDeferred {
		s.logger.Warn("meter values send failed", zap.Int("connectorId", connectorID), zap.Error(err))
		return
	}
	s.logger.Debug("meter values sent",
		zap.Int("connectorId", connectorID), zap.Int("transactionId", transactionID))
}

// TxStopMeterValues returns the transaction-end reading attached to the
// STOP request's transactionData.
func (s *MeterValuesService) TxStopMeterValues(connectorID int) []protocol.MeterValue {
	return []protocol.MeterValue{s.reading(connectorID, protocol.ReadingContextTransactionEnd)}
}

func (s *MeterValuesService) reading(connectorID int, readingContext string) protocol.MeterValue {
	return protocol.MeterValue{
		Timestamp: time.Now().UTC(),
		SampledValue: []protocol.SampledValue{{
			Value:     strconv.Itoa(s.meter.TransactionMeterValue(connectorID)),
			Context:   readingContext,
			Measurand: protocol.MeasurandEnergyActiveImport,
			Unit:      protocol.UnitWh,
		}},
	}
}
