package chargepoint

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"drivepoint/internal/ocpp"
	"drivepoint/internal/ocpp/protocol"
)

const reservationExpiryCheckInterval = 30 * time.Second

type statusSetter interface {
	SetConnectorStatus(ctx context.Context, connectorID int, status protocol.ChargePointStatus)
}

// ReservationService owns connector reservations: it answers ReserveNow
// and CancelReservation, gates transaction starts against active
// reservations and expires them on schedule.
type ReservationService struct {
	connectors           *ConnectorRegistry
	status               statusSetter
	reserveConnectorZero bool
	logger               *zap.Logger
}

// NewReservationService builds the service.
func NewReservationService(connectors *ConnectorRegistry, status statusSetter, reserveConnectorZero bool, logger *zap.Logger) *ReservationService {
	return &ReservationService{
		connectors:           connectors,
		status:               status,
		reserveConnectorZero: reserveConnectorZero,
		logger:               logger,
	}
}

// IsTransactionAllowed reports whether idTag may start a transaction on
// the connector given the active reservations. A reservation on the
// connector itself takes precedence over a charge-point-wide one.
func (s *ReservationService) IsTransactionAllowed(connectorID int, idTag string) protocol.AuthorizationStatus {
	conn := s.connectors.Get(connectorID)
	if conn == nil {
		return protocol.AuthorizationInvalid
	}

	now := time.Now()
	snap := conn.Snapshot()
	if snap.HasReservation(now) {
		if snap.ReservationIdTag == idTag {
			return protocol.AuthorizationAccepted
		}
		return protocol.AuthorizationConcurrentTx
	}

	if connectorID != ChargePointConnectorID && s.reserveConnectorZero {
		zero := s.connectors.ChargePoint().Snapshot()
		if zero.HasReservation(now) && zero.ReservationIdTag != idTag {
			return protocol.AuthorizationConcurrentTx
		}
	}

	return protocol.AuthorizationAccepted
}

// ClearReservation removes the connector's reservation, if any, and
// restores the Available status.
func (s *ReservationService) ClearReservation(ctx context.Context, connectorID int) {
	conn := s.connectors.Get(connectorID)
	if conn == nil {
		return
	}

	conn.Lock()
	state := conn.State()
	had := state.ReservationID != 0
	wasReserved := state.Status == protocol.StatusReserved
	if had {
		reservationID := state.ReservationID
		state.ClearReservation()
		if err := s.connectors.Save(ctx, conn); err != nil {
			s.logger.Error("save connector failed", zap.Int("connectorId", connectorID), zap.Error(err))
		}
		s.logger.Info("reservation cleared",
			zap.Int("connectorId", connectorID), zap.Int("reservationId", reservationID))
	}
	conn.Unlock()

	if had && wasReserved {
		s.status.SetConnectorStatus(ctx, connectorID, protocol.StatusAvailable)
	}
}

// HandleReserveNow answers the ReserveNow command.
func (s *ReservationService) HandleReserveNow(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.ReserveNowRequest](payload)
	if err != nil {
		return nil, err
	}

	status := s.reserve(ctx, req)
	s.logger.Info("reserve now",
		zap.Int("connectorId", req.ConnectorID), zap.Int("reservationId", req.ReservationID),
		zap.String("status", string(status)))
	return protocol.ReserveNowResponse{Status: status}, nil
}

func (s *ReservationService) reserve(ctx context.Context, req protocol.ReserveNowRequest) protocol.ReservationStatus {
	conn := s.connectors.Get(req.ConnectorID)
	if conn == nil {
		return protocol.ReservationRejected
	}
	if req.ConnectorID == ChargePointConnectorID && !s.reserveConnectorZero {
		return protocol.ReservationRejected
	}
	now := time.Now()
	if !req.ExpiryDate.After(now) {
		return protocol.ReservationRejected
	}

	conn.Lock()
	state := conn.State()
	switch {
	case state.Status == protocol.StatusUnavailable:
		conn.Unlock()
		return protocol.ReservationUnavailable
	case state.Status == protocol.StatusFaulted:
		conn.Unlock()
		return protocol.ReservationFaulted
	case state.HasTransaction():
		conn.Unlock()
		return protocol.ReservationOccupied
	case state.HasReservation(now) && state.ReservationID != req.ReservationID:
		conn.Unlock()
		return protocol.ReservationOccupied
	}

	state.ReservationID = req.ReservationID
	state.ReservationIdTag = req.IdTag
	state.ReservationExpiry = req.ExpiryDate
	if err := s.connectors.Save(ctx, conn); err != nil {
		s.logger.Error("save connector failed", zap.Int("connectorId", req.ConnectorID), zap.Error(err))
		state.ClearReservation()
		conn.Unlock()
		return protocol.ReservationRejected
	}
	conn.Unlock()

	s.status.SetConnectorStatus(ctx, req.ConnectorID, protocol.StatusReserved)
	return protocol.ReservationAccepted
}

// HandleCancelReservation answers the CancelReservation command.
func (s *ReservationService) HandleCancelReservation(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	req, err := ocpp.Decode[protocol.CancelReservationRequest](payload)
	if err != nil {
		return nil, err
	}

	status := protocol.CancelReservationRejected
	for _, conn := range s.connectors.All() {
		conn.Lock()
		if conn.State().ReservationID != req.ReservationID {
			conn.Unlock()
			continue
		}
		connectorID := conn.ID()
		wasReserved := conn.State().Status == protocol.StatusReserved
		conn.State().ClearReservation()
		if err := s.connectors.Save(ctx, conn); err != nil {
			s.logger.Error("save connector failed", zap.Int("connectorId", connectorID), zap.Error(err))
		}
		conn.Unlock()

		if wasReserved {
			s.status.SetConnectorStatus(ctx, connectorID, protocol.StatusAvailable)
		}
		status = protocol.CancelReservationAccepted
		break
	}

	s.logger.Info("cancel reservation",
		zap.Int("reservationId", req.ReservationID), zap.String("status", string(status)))
	return protocol.CancelReservationResponse{Status: status}, nil
}

// Run expires reservations until ctx is cancelled.
func (s *ReservationService) Run(ctx context.Context) {
	ticker := time.NewTicker(reservationExpiryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expire(ctx)
		}
	}
}

func (s *ReservationService) expire(ctx context.Context) {
	now := time.Now()
	for _, conn := range s.connectors.All() {
		conn.Lock()
		state := conn.State()
		if state.ReservationID == 0 || state.ReservationExpiry.After(now) {
			conn.Unlock()
			continue
		}
		connectorID := conn.ID()
		reservationID := state.ReservationID
		wasReserved := state.Status == protocol.StatusReserved
		state.ClearReservation()
		if err := s.connectors.Save(ctx, conn); err != nil {
			s.logger.Error("save connector failed", zap.Int("connectorId", connectorID), zap.Error(err))
		}
		conn.Unlock()

		s.logger.Info("reservation expired",
			zap.Int("connectorId", connectorID), zap.Int("reservationId", reservationID))
		if wasReserved {
			s.status.SetConnectorStatus(ctx, connectorID, protocol.StatusAvailable)
		}
	}
}
