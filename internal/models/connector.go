package models

import (
	"time"

	"drivepoint/internal/ocpp/protocol"
)

// Transaction id markers stored on a connector. Zero means no
// transaction, ProvisionalTransactionID marks a start that was queued
// while offline and still awaits its id from the Central System.
const (
	NoTransactionID          = 0
	ProvisionalTransactionID = -1
)

// ConnectorState is the durable per-connector record. Connector 0
// represents the charge point itself.
type ConnectorState struct {
	ID                int
	Status            protocol.ChargePointStatus
	TransactionID     int
	TransactionStart  time.Time
	TransactionIdTag  string
	ReservationID     int
	ReservationIdTag  string
	ReservationExpiry time.Time
	UpdatedAt         time.Time
}

// HasTransaction reports whether a transaction is in progress, pending
// starts included.
func (c *ConnectorState) HasTransaction() bool {
	return c.TransactionID != NoTransactionID
}

// HasPendingTransaction reports whether the start confirmation is still
// owed by the Central System.
func (c *ConnectorState) HasPendingTransaction() bool {
	return c.TransactionID == ProvisionalTransactionID
}

// HasReservation reports whether an unexpired reservation is attached.
func (c *ConnectorState) HasReservation(now time.Time) bool {
	return c.ReservationID != 0 && c.ReservationExpiry.After(now)
}

// ClearTransaction resets the transaction fields.
func (c *ConnectorState) ClearTransaction() {
	c.TransactionID = NoTransactionID
	c.TransactionStart = time.Time{}
	c.TransactionIdTag = ""
}

// ClearReservation resets the reservation fields.
func (c *ConnectorState) ClearReservation() {
	c.ReservationID = 0
	c.ReservationIdTag = ""
	c.ReservationExpiry = time.Time{}
}
