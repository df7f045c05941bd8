package chargepoint

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"drivepoint/internal/ocpp/protocol"
)

// Identity describes the charge point to the Central System.
type Identity struct {
	Vendor          string
	Model           string
	SerialNumber    string
	FirmwareVersion string
}

// StatusManager drives the registration handshake after each connect,
// keeps the heartbeat running while registered and reports connector
// status changes. Status traffic is not durable: a failed notification
// is logged and dropped.
type StatusManager struct {
	sender            *MessageSender
	connectors        *ConnectorRegistry
	identity          Identity
	heartbeatInterval time.Duration
	bootRetryInterval time.Duration
	logger            *zap.Logger

	mu           sync.Mutex
	registration protocol.RegistrationStatus
	cancel       context.CancelFunc
	onRegistered func()
}

// NewStatusManager builds the manager.
func NewStatusManager(sender *MessageSender, connectors *ConnectorRegistry, identity Identity, heartbeatInterval, bootRetryInterval time.Duration, logger *zap.Logger) *StatusManager {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 300 * time.Second
	}
	if bootRetryInterval <= 0 {
		bootRetryInterval = 30 * time.Second
	}
	return &StatusManager{
		sender:            sender,
		connectors:        connectors,
		identity:          identity,
		heartbeatInterval: heartbeatInterval,
		bootRetryInterval: bootRetryInterval,
		logger:            logger,
	}
}

// OnRegistered registers the hook run once the Central System accepts
// the charge point.
func (m *StatusManager) OnRegistered(fn func()) {
	m.mu.Lock()
	m.onRegistered = fn
	m.mu.Unlock()
}

// RegistrationStatus returns the current registration verdict; empty
// until the first BootNotification answer of the connection.
func (m *StatusManager) RegistrationStatus() protocol.RegistrationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registration
}

// IsAccepted reports whether transaction traffic is allowed.
func (m *StatusManager) IsAccepted() bool {
	return m.RegistrationStatus() == protocol.RegistrationAccepted
}

// OnConnected starts the boot flow for a fresh connection.
func (m *StatusManager) OnConnected() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.registration = ""
	m.mu.Unlock()

	go m.bootLoop(ctx)
}

// OnDisconnected stops the boot and heartbeat loops and clears the
// registration verdict.
func (m *StatusManager) OnDisconnected() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.registration = ""
	m.mu.Unlock()
}

func (m *StatusManager) setRegistration(status protocol.RegistrationStatus) {
	m.mu.Lock()
	m.registration = status
	m.mu.Unlock()
}

func (m *StatusManager) registeredHook() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onRegistered
}

// bootLoop sends BootNotification until the Central System accepts the
// charge point, then starts the heartbeat and pushes every connector
// status.
func (m *StatusManager) bootLoop(ctx context.Context) {
	for {
		req := protocol.BootNotificationRequest{
			ChargePointVendor:       m.identity.Vendor,
			ChargePointModel:        m.identity.Model,
			ChargePointSerialNumber: m.identity.SerialNumber,
			FirmwareVersion:         m.identity.FirmwareVersion,
		}
		var conf protocol.BootNotificationResponse
		result, err := m.sender.Call(ctx, protocol.ActionBootNotification, req, &conf)

		retryIn := m.bootRetryInterval
		if result == CallOK {
			m.setRegistration(conf.Status)
			m.logger.Info("boot notification answered",
				zap.String("status", string(conf.Status)), zap.Int("interval", conf.Interval))

			if conf.Status == protocol.RegistrationAccepted {
				heartbeat := m.heartbeatInterval
				if conf.Interval > 0 {
					heartbeat = time.Duration(conf.Interval) * time.Second
				}
				go m.heartbeatLoop(ctx, heartbeat)
				m.notifyAllStatuses(ctx)
				if fn := m.registeredHook(); fn != nil {
					fn()
				}
				return
			}
			if conf.Interval > 0 {
				retryIn = time.Duration(conf.Interval) * time.Second
			}
		} else {
			m.logger.Warn("boot notification failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryIn):
		}
	}
}

func (m *StatusManager) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var conf protocol.HeartbeatResponse
			result, err := m.sender.Call(ctx, protocol.ActionHeartbeat, protocol.HeartbeatRequest{}, &conf)
			if result != CallOK {
				m.logger.Warn("heartbeat failed", zap.Error(err))
				continue
			}
			m.logger.Debug("heartbeat",
				zap.Duration("clockDrift", time.Until(conf.CurrentTime).Round(time.Millisecond)))
		}
	}
}

func (m *StatusManager) notifyAllStatuses(ctx context.Context) {
	for _, conn := range m.connectors.All() {
		m.NotifyStatus(ctx, conn.ID())
	}
}

// NotifyStatus sends the connector's current status.
func (m *StatusManager) NotifyStatus(ctx context.Context, connectorID int) {
	conn := m.connectors.Get(connectorID)
	if conn == nil {
		return
	}
	snap := conn.Snapshot()

	now := time.Now().UTC()
	req := protocol.StatusNotificationRequest{
		ConnectorID: connectorID,
		ErrorCode:   protocol.ErrorCodeNoError,
		Status:      snap.Status,
		Timestamp:   &now,
	}
	var conf protocol.StatusNotificationResponse
	if result, err := m.sender.Call(ctx, protocol.ActionStatusNotification, req, &conf); result != CallOK {
		m.logger.Warn("status notification failed",
			zap.Int("connectorId", connectorID), zap.String("status", string(snap.Status)), zap.Error(err))
	}
}

// SetConnectorStatus updates and persists the connector status, then
// notifies the Central System. Unchanged statuses are not resent.
func (m *StatusManager) SetConnectorStatus(ctx context.Context, connectorID int, status protocol.ChargePointStatus) {
	conn := m.connectors.Get(connectorID)
	if conn == nil {
		return
	}

	conn.Lock()
	if conn.State().Status == status {
		conn.Unlock()
		return
	}
	conn.State().Status = status
	if err := m.connectors.Save(ctx, conn); err != nil {
		m.logger.Error("save connector failed", zap.Int("connectorId", connectorID), zap.Error(err))
	}
	conn.Unlock()

	m.logger.Info("connector status changed",
		zap.Int("connectorId", connectorID), zap.String("status", string(status)))
	m.NotifyStatus(ctx, connectorID)
}
