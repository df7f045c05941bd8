// Package chargepoint implements the OCPP 1.6 client side of a charging
// station: the registration handshake, connector and reservation state,
// transaction lifecycle with a durable send queue, sampled meter values
// and the Smart Charging profile store.
package chargepoint

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"drivepoint/internal/config"
	"drivepoint/internal/db"
	"drivepoint/internal/models"
	"drivepoint/internal/ocpp"
	"drivepoint/internal/ocpp/protocol"
	"drivepoint/internal/repository"
	"drivepoint/internal/ws"
)

// StationStatus is the operator-facing view of the station.
type StationStatus struct {
	ChargePointID string                      `json:"chargePointId"`
	Connected     bool                        `json:"connected"`
	Registration  protocol.RegistrationStatus `json:"registration"`
	QueueDepth    int                         `json:"queueDepth"`
}

// ChargePoint wires the station services together and owns their
// lifecycle. The local API talks to the station through this type only.
type ChargePoint struct {
	cfg    *config.Config
	logger *zap.Logger

	pool        *sql.DB
	redisClient *redis.Client

	client        *ws.Client
	endpoint      *ocpp.Endpoint
	connectors    *ConnectorRegistry
	fifo          *RequestFIFO
	sender        *MessageSender
	auth          *AuthorizationService
	reservations  *ReservationService
	meterValues   *MeterValuesService
	smartCharging *SmartChargingService
	statusManager *StatusManager
	transactions  *TransactionService
	events        *SimulatorEvents
	workers       *WorkerPool

	wg sync.WaitGroup
}

// New builds the full station from cfg: database, caches, websocket
// link, OCPP endpoint and the domain services on top, loading persisted
// connector and queue state.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ChargePoint, error) {
	pool, err := db.NewPostgres(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	// The station must keep charging with the cache down, so a failed
	// Redis connection degrades to an in-process tag cache.
	var tagStore TagStore
	redisClient, err := db.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password)
	if err != nil {
		logger.Warn("redis unavailable, using in-memory tag cache",
			zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		tagStore = NewMemoryTagStore()
	} else {
		tagStore = NewRedisTagStore(redisClient, cfg.TagCacheTTL())
	}

	connectors := NewConnectorRegistry(repository.NewConnectorRepository(pool), cfg.OCPP.Connectors, logger)
	if err := connectors.Load(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	fifo := NewRequestFIFO(repository.NewRequestQueueRepository(pool), logger)
	if err := fifo.Load(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	client, err := ws.NewClient(ws.Config{
		URL:               centralSystemURL(cfg.CentralSystem.URL, cfg.Identity.ChargePointID),
		AuthUser:          cfg.CentralSystem.AuthUser,
		AuthPassword:      cfg.CentralSystem.AuthPassword,
		ReconnectDelay:    cfg.ReconnectDelay(),
		ReconnectMaxDelay: cfg.ReconnectMaxDelay(),
	}, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	endpoint := ocpp.NewEndpoint(client, cfg.CallTimeout(), logger)
	sender := NewMessageSender(endpoint, fifo, logger)
	auth := NewAuthorizationService(tagStore, logger)

	meter := NewSimulatedMeter(0)
	events := NewSimulatorEvents(meter, logger)

	statusManager := NewStatusManager(sender, connectors, Identity{
		Vendor:          cfg.Identity.Vendor,
		Model:           cfg.Identity.Model,
		SerialNumber:    cfg.Identity.SerialNumber,
		FirmwareVersion: cfg.Identity.FirmwareVersion,
	}, cfg.HeartbeatInterval(), cfg.BootRetryInterval(), logger)

	reservations := NewReservationService(connectors, statusManager, cfg.OCPP.ReserveConnectorZero, logger)
	meterValues := NewMeterValuesService(sender, connectors, events, cfg.MeterValueSampleInterval(), logger)
	smartCharging := NewSmartChargingService(repository.NewChargingProfileRepository(pool), logger)
	workers := NewWorkerPool(2, 32)

	transactions := newTransactionService(TransactionConfig{
		MessageAttempts:      cfg.OCPP.TransactionMessageAttempts,
		MessageRetryInterval: cfg.TransactionMessageRetryInterval(),
		ReserveConnectorZero: cfg.OCPP.ReserveConnectorZero,
	}, transactionDeps{
		connectors:    connectors,
		sender:        sender,
		fifo:          fifo,
		registration:  statusManager,
		reservations:  reservations,
		tags:          auth,
		meterValues:   meterValues,
		smartCharging: smartCharging,
		status:        statusManager,
		events:        events,
		pool:          workers,
		connected:     client.Connected,
	}, logger)

	cp := &ChargePoint{
		cfg:           cfg,
		logger:        logger,
		pool:          pool,
		redisClient:   redisClient,
		client:        client,
		endpoint:      endpoint,
		connectors:    connectors,
		fifo:          fifo,
		sender:        sender,
		auth:          auth,
		reservations:  reservations,
		meterValues:   meterValues,
		smartCharging: smartCharging,
		statusManager: statusManager,
		transactions:  transactions,
		events:        events,
		workers:       workers,
	}
	cp.wire()
	return cp, nil
}

// wire connects the services: command handlers, deferral hook, remote
// action callbacks and connectivity listeners.
func (cp *ChargePoint) wire() {
	cp.endpoint.Register(protocol.ActionRemoteStartTransaction, cp.transactions.HandleRemoteStart)
	cp.endpoint.Register(protocol.ActionRemoteStopTransaction, cp.transactions.HandleRemoteStop)
	cp.endpoint.Register(protocol.ActionReserveNow, cp.reservations.HandleReserveNow)
	cp.endpoint.Register(protocol.ActionCancelReservation, cp.reservations.HandleCancelReservation)

	cp.sender.OnDeferred(cp.transactions.armRetry)

	// Accepted remote commands are executed off the receive path.
	cp.events.SetRemoteActions(
		func(connectorID int, idTag string) {
			cp.workers.Submit(func() {
				cp.transactions.StartTransaction(context.Background(), connectorID, idTag)
			})
		},
		func(connectorID int, reason protocol.Reason) {
			cp.workers.Submit(func() {
				cp.transactions.StopTransaction(context.Background(), connectorID, "", reason)
			})
		},
	)

	cp.statusManager.OnRegistered(func() {
		cp.transactions.UpdateConnectionStatus(true)
	})

	cp.client.OnStateChange(func(connected bool) {
		if connected {
			cp.statusManager.OnConnected()
			cp.transactions.UpdateConnectionStatus(true)
		} else {
			cp.endpoint.FailPending(ocpp.ErrNotConnected)
			cp.statusManager.OnDisconnected()
			cp.transactions.UpdateConnectionStatus(false)
		}
	})
}

// Run starts the station and blocks until ctx is cancelled, then shuts
// everything down.
func (cp *ChargePoint) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		cp.receiveLoop(runCtx)
	}()

	cp.wg.Add(1)
	go func() {
		defer cp.wg.Done()
		cp.reservations.Run(runCtx)
	}()

	cp.client.Start()
	cp.logger.Info("charge point started",
		zap.String("chargePointId", cp.cfg.Identity.ChargePointID),
		zap.Int("connectors", cp.connectors.Count()))

	<-runCtx.Done()
	cp.shutdown()
	cp.wg.Wait()
	return nil
}

func (cp *ChargePoint) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-cp.client.Receive():
			if !ok {
				return
			}
			cp.endpoint.HandleIncoming(ctx, frame)
		}
	}
}

func (cp *ChargePoint) shutdown() {
	cp.client.Close()
	cp.transactions.Stop()
	cp.meterValues.StopAll()
	cp.workers.Stop()
	if cp.redisClient != nil {
		_ = cp.redisClient.Close()
	}
	_ = cp.pool.Close()
	cp.logger.Info("charge point stopped")
}

// StartTransaction begins a local transaction for idTag on connectorID.
func (cp *ChargePoint) StartTransaction(ctx context.Context, connectorID int, idTag string) protocol.AuthorizationStatus {
	return cp.transactions.StartTransaction(ctx, connectorID, idTag)
}

// StopTransaction ends the transaction on connectorID, reporting whether
// one was running.
func (cp *ChargePoint) StopTransaction(ctx context.Context, connectorID int, idTag string, reason protocol.Reason) bool {
	return cp.transactions.StopTransaction(ctx, connectorID, idTag, reason)
}

// Connectors returns a snapshot of every connector including the
// station slot 0.
func (cp *ChargePoint) Connectors() []models.ConnectorState {
	return cp.connectors.Snapshots()
}

// Connector returns the snapshot of one connector.
func (cp *ChargePoint) Connector(id int) (models.ConnectorState, bool) {
	conn := cp.connectors.Get(id)
	if conn == nil {
		return models.ConnectorState{}, false
	}
	return conn.Snapshot(), true
}

// Status reports link, registration and queue state.
func (cp *ChargePoint) Status() StationStatus {
	return StationStatus{
		ChargePointID: cp.cfg.Identity.ChargePointID,
		Connected:     cp.client.Connected(),
		Registration:  cp.statusManager.RegistrationStatus(),
		QueueDepth:    cp.fifo.Size(),
	}
}

// CachedAuthorization returns the cached verdict for idTag, nil when
// none is stored.
func (cp *ChargePoint) CachedAuthorization(ctx context.Context, idTag string) *protocol.IdTagInfo {
	return cp.auth.Cached(ctx, idTag)
}

// centralSystemURL appends the charge point id to the Central System
// base URL, as OCPP-J expects.
func centralSystemURL(base, chargePointID string) string {
	return strings.TrimRight(base, "/") + "/" + chargePointID
}
