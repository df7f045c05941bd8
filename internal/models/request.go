package models

import "time"

// QueuedRequest is one durable transaction-related OCPP request waiting
// for delivery to the Central System.
type QueuedRequest struct {
	ID        int64
	Action    string
	Payload   string
	CreatedAt time.Time
}

// ChargingProfileRecord is a stored charging profile, keyed by connector
// and profile id. Payload holds the full profile JSON.
type ChargingProfileRecord struct {
	ConnectorID   int
	ProfileID     int
	StackLevel    int
	Purpose       string
	TransactionID int
	Payload       string
	UpdatedAt     time.Time
}
