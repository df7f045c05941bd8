package chargepoint

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"drivepoint/internal/models"
	"drivepoint/internal/ocpp/protocol"
)

// ProfileStore persists charging profiles.
type ProfileStore interface {
	Upsert(ctx context.Context, rec *models.ChargingProfileRecord) error
	GetByConnector(ctx context.Context, connectorID int) ([]models.ChargingProfileRecord, error)
	AssignPendingTransaction(ctx context.Context, connectorID, transactionID int) error
	DeleteTxProfiles(ctx context.Context, connectorID int) error
}

// SmartChargingService stores charging profiles and resolves the limit
// currently applying to a connector.
type SmartChargingService struct {
	store  ProfileStore
	logger *zap.Logger
}

// NewSmartChargingService builds the service.
func NewSmartChargingService(store ProfileStore, logger *zap.Logger) *SmartChargingService {
	return &SmartChargingService{store: store, logger: logger}
}

// InstallTxProfile validates and stores a transaction profile delivered
// with a remote start. It reports whether the profile was accepted. The
// stored transaction id stays pending until the START confirmation
// assigns the real one.
func (s *SmartChargingService) InstallTxProfile(ctx context.Context, connectorID int, profile protocol.ChargingProfile) bool {
	if connectorID <= 0 {
		return false
	}
	if profile.ChargingProfilePurpose != protocol.ProfilePurposeTx {
		s.logger.Warn("rejecting profile with wrong purpose",
			zap.Int("connectorId", connectorID), zap.String("purpose", string(profile.ChargingProfilePurpose)))
		return false
	}
	if len(profile.ChargingSchedule.ChargingSchedulePeriod) == 0 {
		return false
	}

	payload, err := json.Marshal(profile)
	if err != nil {
		s.logger.Error("encode charging profile failed", zap.Error(err))
		return false
	}

	transactionID := models.ProvisionalTransactionID
	if profile.TransactionID != nil {
		transactionID = *profile.TransactionID
	}
	rec := models.ChargingProfileRecord{
		ConnectorID:   connectorID,
		ProfileID:     profile.ChargingProfileID,
		StackLevel:    profile.StackLevel,
		Purpose:       string(profile.ChargingProfilePurpose),
		TransactionID: transactionID,
		Payload:       string(payload),
	}
	if err := s.store.Upsert(ctx, &rec); err != nil {
		s.logger.Error("store charging profile failed",
			zap.Int("connectorId", connectorID), zap.Int("profileId", profile.ChargingProfileID), zap.Error(err))
		return false
	}

	s.logger.Info("tx profile installed",
		zap.Int("connectorId", connectorID), zap.Int("profileId", profile.ChargingProfileID))
	return true
}

// AssignPendingTxProfiles binds profiles stored before the Central
// System assigned the transaction id.
func (s *SmartChargingService) AssignPendingTxProfiles(ctx context.Context, connectorID, transactionID int) {
	if err := s.store.AssignPendingTransaction(ctx, connectorID, transactionID); err != nil {
		s.logger.Error("assign pending tx profiles failed",
			zap.Int("connectorId", connectorID), zap.Int("transactionId", transactionID), zap.Error(err))
	}
}

// ClearTxProfiles drops the connector's transaction profiles.
func (s *SmartChargingService) ClearTxProfiles(ctx context.Context, connectorID int) {
	if err := s.store.DeleteTxProfiles(ctx, connectorID); err != nil {
		s.logger.Error("clear tx profiles failed", zap.Int("connectorId", connectorID), zap.Error(err))
	}
}

// ConnectorLimit resolves the charging limit applying to the connector
// right now: per purpose the valid profile with the highest stack level
// wins, then the smallest limit across purposes applies. The charge
// point wide ChargePointMaxProfile rows live on connector 0.
func (s *SmartChargingService) ConnectorLimit(ctx context.Context, connectorID int) (float64, protocol.ChargingRateUnit, bool) {
	records, err := s.store.GetByConnector(ctx, connectorID)
	if err != nil {
		s.logger.Warn("load charging profiles failed", zap.Int("connectorId", connectorID), zap.Error(err))
		return 0, "", false
	}
	if connectorID != ChargePointConnectorID {
		stationRecords, err := s.store.GetByConnector(ctx, ChargePointConnectorID)
		if err == nil {
			records = append(records, stationRecords...)
		}
	}

	now := time.Now()
	type candidate struct {
		stackLevel int
		limit      float64
		unit       protocol.ChargingRateUnit
		found      bool
	}
	byPurpose := make(map[string]*candidate)

	for _, rec := range records {
		var profile protocol.ChargingProfile
		if err := json.Unmarshal([]byte(rec.Payload), &profile); err != nil {
			s.logger.Warn("decode stored profile failed", zap.Int("profileId", rec.ProfileID), zap.Error(err))
			continue
		}
		limit, ok := activeLimit(profile, now)
		if !ok {
			continue
		}
		cand := byPurpose[rec.Purpose]
		if cand == nil {
			cand = &candidate{}
			byPurpose[rec.Purpose] = cand
		}
		if !cand.found || profile.StackLevel > cand.stackLevel {
			cand.stackLevel = profile.StackLevel
			cand.limit = limit
			cand.unit = profile.ChargingSchedule.ChargingRateUnit
			cand.found = true
		}
	}

	var (
		limit float64
		unit  protocol.ChargingRateUnit
		found bool
	)
	for _, cand := range byPurpose {
		if !cand.found {
			continue
		}
		if !found || cand.limit < limit {
			limit = cand.limit
			unit = cand.unit
			found = true
		}
	}
	return limit, unit, found
}

// activeLimit evaluates the schedule period applying at t.
func activeLimit(profile protocol.ChargingProfile, t time.Time) (float64, bool) {
	if profile.ValidFrom != nil && t.Before(*profile.ValidFrom) {
		return 0, false
	}
	if profile.ValidTo != nil && t.After(*profile.ValidTo) {
		return 0, false
	}

	start := t
	if profile.ChargingSchedule.StartSchedule != nil {
		start = *profile.ChargingSchedule.StartSchedule
	} else if profile.ValidFrom != nil {
		start = *profile.ValidFrom
	}
	elapsed := int(t.Sub(start).Seconds())
	if elapsed < 0 {
		return 0, false
	}
	if profile.ChargingSchedule.Duration != nil && elapsed > *profile.ChargingSchedule.Duration {
		return 0, false
	}

	var (
		limit float64
		found bool
	)
	for _, period := range profile.ChargingSchedule.ChargingSchedulePeriod {
		if period.StartPeriod > elapsed {
			break
		}
		limit = period.Limit
		found = true
	}
	return limit, found
}
