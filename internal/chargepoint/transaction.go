package chargepoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"drivepoint/internal/models"
	"drivepoint/internal/ocpp"
	"drivepoint/internal/ocpp/protocol"
)

// registrationReprobeInterval paces the pump while the link is up but
// the charge point is not yet registered.
const registrationReprobeInterval = 250 * time.Millisecond

type transactionSender interface {
	Call(ctx context.Context, action string, request, response interface{}) (CallResult, error)
	CallWithFIFO(ctx context.Context, action string, request, response interface{}) (CallResult, error)
}

type registrationReader interface {
	IsAccepted() bool
}

type reservationPolicy interface {
	IsTransactionAllowed(connectorID int, idTag string) protocol.AuthorizationStatus
	ClearReservation(ctx context.Context, connectorID int)
}

type tagCache interface {
	Update(ctx context.Context, idTag string, info protocol.IdTagInfo)
}

type meterValuesRunner interface {
	StartSampledMeterValues(connectorID int)
	StopSampledMeterValues(connectorID int)
	TxStopMeterValues(connectorID int) []protocol.MeterValue
}

type profileManager interface {
	InstallTxProfile(ctx context.Context, connectorID int, profile protocol.ChargingProfile) bool
	AssignPendingTxProfiles(ctx context.Context, connectorID, transactionID int)
	ClearTxProfiles(ctx context.Context, connectorID int)
}

// TransactionConfig carries the delivery policy for transaction
// messages. MessageAttempts bounds pump retries per queue head: with
// N attempts a message is sent at most N+1 times before being dropped.
type TransactionConfig struct {
	MessageAttempts      int
	MessageRetryInterval time.Duration
	ReserveConnectorZero bool
}

type transactionDeps struct {
	connectors    *ConnectorRegistry
	sender        transactionSender
	fifo          *RequestFIFO
	registration  registrationReader
	reservations  reservationPolicy
	tags          tagCache
	meterValues   meterValuesRunner
	smartCharging profileManager
	status        statusSetter
	events        EventsHandler
	pool          *WorkerPool
	connected     func() bool
}

// TransactionService coordinates the lifecycle of charging transactions:
// local starts and stops, the RemoteStartTransaction and
// RemoteStopTransaction commands, and the durable retry pump delivering
// deferred transaction messages to the Central System.
type TransactionService struct {
	cfg           TransactionConfig
	connectors    *ConnectorRegistry
	sender        transactionSender
	fifo          *RequestFIFO
	registration  registrationReader
	reservations  reservationPolicy
	tags          tagCache
	meterValues   meterValuesRunner
	smartCharging profileManager
	status        statusSetter
	events        EventsHandler
	pool          *WorkerPool
	connected     func() bool
	logger        *zap.Logger

	// pumpMu keeps pump executions single-flight; retryCount tracks the
	// send attempts of the current queue head.
	pumpMu     sync.Mutex
	retryCount int
	retryTimer retryTimer
}

func newTransactionService(cfg TransactionConfig, deps transactionDeps, logger *zap.Logger) *TransactionService {
	if cfg.MessageAttempts <= 0 {
		cfg.MessageAttempts = 3
	}
	if cfg.MessageRetryInterval <= 0 {
		cfg.MessageRetryInterval = 10 * time.Second
	}
	return &TransactionService{
		cfg:           cfg,
		connectors:    deps.connectors,
		sender:        deps.sender,
		fifo:          deps.fifo,
		registration:  deps.registration,
		reservations:  deps.reservations,
		tags:          deps.tags,
		meterValues:   deps.meterValues,
		smartCharging: deps.smartCharging,
		status:        deps.status,
		events:        deps.events,
		pool:          deps.pool,
		connected:     deps.connected,
		logger:        logger,
	}
}

// StartTransaction runs the local start pipeline for idTag on the
// connector and returns the authorization verdict. A deferred START
// authorizes the transaction locally under the provisional id until the
// pump delivers it.
func (s *TransactionService) StartTransaction(ctx context.Context, connectorID int, idTag string) protocol.AuthorizationStatus {
	if connectorID == ChargePointConnectorID {
		return protocol.AuthorizationInvalid
	}
	conn := s.connectors.Get(connectorID)
	if conn == nil {
		return protocol.AuthorizationInvalid
	}

	ret := s.reservations.IsTransactionAllowed(connectorID, idTag)
	if ret != protocol.AuthorizationAccepted {
		return ret
	}

	// Meter start is sampled before sending so a deferred START carries
	// the same value the Central System will eventually see.
	req := protocol.StartTransactionRequest{
		ConnectorID: connectorID,
		IdTag:       idTag,
		MeterStart:  s.events.TransactionMeterValue(connectorID),
		Timestamp:   time.Now().UTC(),
	}

	snap := conn.Snapshot()
	if snap.Status == protocol.StatusReserved {
		reservationID := snap.ReservationID
		req.ReservationID = &reservationID
		s.reservations.ClearReservation(ctx, connectorID)
	} else if s.cfg.ReserveConnectorZero {
		zero := s.connectors.ChargePoint().Snapshot()
		if zero.Status == protocol.StatusReserved &&
			s.reservations.IsTransactionAllowed(ChargePointConnectorID, idTag) == protocol.AuthorizationAccepted {
			reservationID := zero.ReservationID
			req.ReservationID = &reservationID
			s.reservations.ClearReservation(ctx, connectorID)
		}
	}

	s.logger.Info("start transaction requested",
		zap.Int("connectorId", connectorID), zap.String("idTag", idTag))

	var conf protocol.StartTransactionResponse
	result, _ := s.sender.CallWithFIFO(ctx, protocol.ActionStartTransaction, req, &conf)
	if result == CallOK {
		ret = conf.IdTagInfo.Status
		if ret != protocol.AuthorizationConcurrentTx {
			s.tags.Update(ctx, idTag, conf.IdTagInfo)
		}
	} else {
		// Deferred: authorize the transaction meanwhile, the real id
		// arrives with the queued confirmation.
		conf.TransactionID = models.ProvisionalTransactionID
		ret = protocol.AuthorizationAccepted
	}

	if ret == protocol.AuthorizationAccepted {
		s.logger.Info("start transaction accepted",
			zap.Int("connectorId", connectorID), zap.Int("transactionId", conf.TransactionID))

		conn.Lock()
		state := conn.State()
		state.TransactionID = conf.TransactionID
		state.TransactionStart = time.Now().UTC()
		state.TransactionIdTag = idTag
		if err := s.connectors.Save(ctx, conn); err != nil {
			s.logger.Error("save connector failed", zap.Int("connectorId", connectorID), zap.Error(err))
		}
		conn.Unlock()

		s.smartCharging.AssignPendingTxProfiles(ctx, connectorID, conf.TransactionID)
		s.meterValues.StartSampledMeterValues(connectorID)
		s.status.SetConnectorStatus(ctx, connectorID, protocol.StatusCharging)
		s.events.TransactionStarted(connectorID, conf.TransactionID, idTag)
	} else {
		s.logger.Warn("start transaction refused",
			zap.Int("connectorId", connectorID), zap.String("authorizationStatus", string(ret)))

		// Close the phantom transaction id at the Central System.
		stopReq := protocol.StopTransactionRequest{
			TransactionID: conf.TransactionID,
			Timestamp:     req.Timestamp,
			MeterStop:     req.MeterStart,
			Reason:        protocol.ReasonDeAuthorized,
		}
		var stopConf protocol.StopTransactionResponse
		s.sender.CallWithFIFO(ctx, protocol.ActionStopTransaction, stopReq, &stopConf)
	}

	return ret
}

// StopTransaction ends the connector's transaction and reports whether
// one was in progress. The connector record is cleared before the STOP
// is sent: the durable queue guarantees eventual delivery, so a crash
// in between never leaves stale transaction state behind.
func (s *TransactionService) StopTransaction(ctx context.Context, connectorID int, idTag string, reason protocol.Reason) bool {
	conn := s.connectors.Get(connectorID)
	if conn == nil {
		return false
	}
	snap := conn.Snapshot()
	if !snap.HasTransaction() {
		return false
	}

	s.meterValues.StopSampledMeterValues(connectorID)

	req := protocol.StopTransactionRequest{
		MeterStop:       s.events.TransactionMeterValue(connectorID),
		Timestamp:       time.Now().UTC(),
		TransactionID:   snap.TransactionID,
		Reason:          reason,
		TransactionData: s.meterValues.TxStopMeterValues(connectorID),
	}
	if idTag != "" {
		req.IdTag = &idTag
	}

	conn.Lock()
	conn.State().ClearTransaction()
	if err := s.connectors.Save(ctx, conn); err != nil {
		s.logger.Error("save connector failed", zap.Int("connectorId", connectorID), zap.Error(err))
	}
	conn.Unlock()

	s.logger.Info("stop transaction",
		zap.Int("connectorId", connectorID), zap.Int("transactionId", req.TransactionID),
		zap.String("idTag", idTag), zap.String("reason", string(reason)))

	var conf protocol.StopTransactionResponse
	result, _ := s.sender.CallWithFIFO(ctx, protocol.ActionStopTransaction, req, &conf)
	if result == CallOK && conf.IdTagInfo != nil {
		s.tags.Update(ctx, idTag, *conf.IdTagInfo)
	}

	s.smartCharging.ClearTxProfiles(ctx, connectorID)
	s.status.SetConnectorStatus(ctx, connectorID, protocol.StatusAvailable)
	s.events.TransactionStopped(connectorID, snap.TransactionID, reason)
	return true
}

// HandleRemoteStart answers the RemoteStartTransaction command. The
// handler only vets the request: the accepted start is executed by the
// events handler's application code, which calls StartTransaction.
func (s *TransactionService) HandleRemoteStart(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.RemoteStartTransactionRequest](payload)
	if err != nil {
		return nil, err
	}

	authorized := false
	if req.ConnectorID != nil && *req.ConnectorID != ChargePointConnectorID {
		connectorID := *req.ConnectorID
		s.logger.Info("remote start transaction requested",
			zap.Int("connectorId", connectorID), zap.String("idTag", req.IdTag))

		if conn := s.connectors.Get(connectorID); conn != nil {
			snap := conn.Snapshot()
			if snap.Status != protocol.StatusUnavailable && !snap.HasTransaction() &&
				s.reservations.IsTransactionAllowed(connectorID, req.IdTag) == protocol.AuthorizationAccepted {
				authorized = s.events.RemoteStartRequested(connectorID, req.IdTag)
				if authorized && req.ChargingProfile != nil {
					authorized = s.smartCharging.InstallTxProfile(ctx, connectorID, *req.ChargingProfile)
				}
			}
		}
	} else {
		s.logger.Info("remote start transaction without connector id rejected",
			zap.String("idTag", req.IdTag))
	}

	status := protocol.RemoteStartStopRejected
	if authorized {
		status = protocol.RemoteStartStopAccepted
	}
	s.logger.Info("remote start transaction answered", zap.String("status", string(status)))
	return protocol.RemoteStartTransactionResponse{Status: status}, nil
}

// HandleRemoteStop answers the RemoteStopTransaction command. It locates
// the connector running the transaction and asks the events handler; the
// actual stop is the application's duty.
func (s *TransactionService) HandleRemoteStop(_ context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.RemoteStopTransactionRequest](payload)
	if err != nil {
		return nil, err
	}

	s.logger.Info("remote stop transaction requested", zap.Int("transactionId", req.TransactionID))

	authorized := false
	for _, conn := range s.connectors.All() {
		snap := conn.Snapshot()
		if snap.TransactionID != models.NoTransactionID && snap.TransactionID == req.TransactionID {
			authorized = s.events.RemoteStopRequested(conn.ID())
			break
		}
	}

	status := protocol.RemoteStartStopRejected
	if authorized {
		status = protocol.RemoteStartStopAccepted
	}
	s.logger.Info("remote stop transaction answered",
		zap.Int("transactionId", req.TransactionID), zap.String("status", string(status)))
	return protocol.RemoteStopTransactionResponse{Status: status}, nil
}

// UpdateConnectionStatus is the connectivity reactor: a restored link
// with queued requests restarts the pump. Disconnects need no action,
// queued requests simply wait.
func (s *TransactionService) UpdateConnectionStatus(connected bool) {
	if !connected {
		return
	}
	if size := s.fifo.Size(); size != 0 {
		s.logger.Info("restart transaction fifo processing", zap.Int("fifoSize", size))
		s.SchedulePump()
	}
}

// SchedulePump queues one pump run on the worker pool.
func (s *TransactionService) SchedulePump() {
	s.pool.Submit(func() { s.processFifoRequests(context.Background()) })
}

// armRetry arms the retry timer after the sender deferred a request, so
// the pump runs even when connectivity never flaps. Wired as the
// sender's deferral hook.
func (s *TransactionService) armRetry() {
	if !s.retryTimer.Armed() {
		s.retryTimer.Restart(s.cfg.MessageRetryInterval, s.SchedulePump)
	}
}

// Stop halts the retry timer. Queued requests stay in the database for
// the next run.
func (s *TransactionService) Stop() {
	s.retryTimer.Stop()
}

// processFifoRequests drains the durable queue head-first. Retries stay
// on the head so a STOP can never overtake its paired START. pumpMu
// keeps executions single-flight.
func (s *TransactionService) processFifoRequests(ctx context.Context) {
	s.pumpMu.Lock()
	defer s.pumpMu.Unlock()

	if !s.connected() {
		return
	}
	if !s.registration.IsAccepted() {
		// Wait out the registration handshake.
		s.retryTimer.Restart(registrationReprobeInterval, s.SchedulePump)
		return
	}

	for {
		req, err := s.fifo.Front(ctx)
		if err != nil {
			s.logger.Error("read fifo head failed", zap.Error(err))
			return
		}
		if req == nil {
			return
		}

		s.logger.Debug("fifo processing",
			zap.String("action", req.Action),
			zap.Int("retry", s.retryCount), zap.Int("maxAttempts", s.cfg.MessageAttempts))

		if s.deliver(ctx, req) {
			if err := s.fifo.Pop(ctx, req.ID); err != nil {
				s.logger.Error("pop fifo head failed", zap.Error(err))
				return
			}
			s.retryCount = 0
		} else {
			s.retryCount++
			if s.retryCount > s.cfg.MessageAttempts {
				s.logger.Warn("request dropped after retries",
					zap.String("action", req.Action), zap.Int("attempts", s.retryCount))
				if err := s.fifo.Pop(ctx, req.ID); err != nil {
					s.logger.Error("pop fifo head failed", zap.Error(err))
					return
				}
				s.retryCount = 0
			} else if s.connected() {
				s.logger.Debug("request failed, retry scheduled",
					zap.String("action", req.Action), zap.Duration("retryIn", s.cfg.MessageRetryInterval))
				s.retryTimer.Restart(s.cfg.MessageRetryInterval, s.SchedulePump)
			}
		}

		if s.fifo.Size() == 0 || s.retryTimer.Armed() || !s.connected() {
			return
		}
	}
}

// deliver sends one queued request and reports success.
func (s *TransactionService) deliver(ctx context.Context, req *models.QueuedRequest) bool {
	payload := json.RawMessage(req.Payload)
	switch req.Action {
	case protocol.ActionStartTransaction:
		var conf protocol.StartTransactionResponse
		result, _ := s.sender.Call(ctx, req.Action, payload, &conf)
		if result != CallOK {
			return false
		}
		s.reconcileDeferredStart(ctx, req.Payload, conf)
		return true
	case protocol.ActionStopTransaction:
		var conf protocol.StopTransactionResponse
		result, _ := s.sender.Call(ctx, req.Action, payload, &conf)
		return result == CallOK
	case protocol.ActionMeterValues:
		var conf protocol.MeterValuesResponse
		result, _ := s.sender.Call(ctx, req.Action, payload, &conf)
		return result == CallOK
	default:
		s.logger.Warn("unknown action at fifo head", zap.String("action", req.Action))
		return false
	}
}

// reconcileDeferredStart applies the late confirmation of a deferred
// START: the tag cache learns the verdict, and a refusal de-authorizes
// the transaction still holding the provisional id. On acceptance the
// connector keeps the provisional id; queued requests carry whatever id
// was captured at enqueue time and the Central System correlates them.
func (s *TransactionService) reconcileDeferredStart(ctx context.Context, payload string, conf protocol.StartTransactionResponse) {
	var req protocol.StartTransactionRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		s.logger.Error("decode queued start failed", zap.Error(err))
		return
	}

	if conf.IdTagInfo.Status != protocol.AuthorizationConcurrentTx {
		s.tags.Update(ctx, req.IdTag, conf.IdTagInfo)
	}

	if conf.IdTagInfo.Status != protocol.AuthorizationAccepted {
		conn := s.connectors.Get(req.ConnectorID)
		if conn == nil {
			return
		}
		snap := conn.Snapshot()
		// A new transaction may have replaced the deferred one; the id
		// tag mismatch then suppresses the notification.
		if snap.HasPendingTransaction() && snap.TransactionIdTag == req.IdTag {
			s.logger.Warn("deferred start refused by central system",
				zap.Int("connectorId", req.ConnectorID),
				zap.String("authorizationStatus", string(conf.IdTagInfo.Status)))
			s.events.TransactionDeAuthorized(req.ConnectorID)
		}
	}
}
