package protocol

// OCPP-J message type identifiers.
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// Actions the charge point sends.
const (
	ActionBootNotification   = "BootNotification"
	ActionHeartbeat          = "Heartbeat"
	ActionStatusNotification = "StatusNotification"
	ActionStartTransaction   = "StartTransaction"
	ActionStopTransaction    = "StopTransaction"
	ActionMeterValues        = "MeterValues"
)

// Actions the charge point handles.
const (
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
	ActionReserveNow             = "ReserveNow"
	ActionCancelReservation      = "CancelReservation"
)

// AuthorizationStatus reports the validity of an idTag.
type AuthorizationStatus string

const (
	AuthorizationAccepted     AuthorizationStatus = "Accepted"
	AuthorizationBlocked      AuthorizationStatus = "Blocked"
	AuthorizationExpired      AuthorizationStatus = "Expired"
	AuthorizationInvalid      AuthorizationStatus = "Invalid"
	AuthorizationConcurrentTx AuthorizationStatus = "ConcurrentTx"
)

// RegistrationStatus is the Central System's answer to BootNotification.
type RegistrationStatus string

const (
	RegistrationAccepted RegistrationStatus = "Accepted"
	RegistrationPending  RegistrationStatus = "Pending"
	RegistrationRejected RegistrationStatus = "Rejected"
)

// ChargePointStatus is the connector availability state machine.
type ChargePointStatus string

const (
	StatusAvailable     ChargePointStatus = "Available"
	StatusPreparing     ChargePointStatus = "Preparing"
	StatusCharging      ChargePointStatus = "Charging"
	StatusSuspendedEVSE ChargePointStatus = "SuspendedEVSE"
	StatusSuspendedEV   ChargePointStatus = "SuspendedEV"
	StatusFinishing     ChargePointStatus = "Finishing"
	StatusReserved      ChargePointStatus = "Reserved"
	StatusUnavailable   ChargePointStatus = "Unavailable"
	StatusFaulted       ChargePointStatus = "Faulted"
)

// ChargePointErrorCode accompanies StatusNotification.
type ChargePointErrorCode string

const (
	ErrorCodeNoError      ChargePointErrorCode = "NoError"
	ErrorCodeInternal     ChargePointErrorCode = "InternalError"
	ErrorCodeOtherError   ChargePointErrorCode = "OtherError"
	ErrorCodePowerFailure ChargePointErrorCode = "UnderVoltage"
)

// Reason explains why a transaction stopped.
type Reason string

const (
	ReasonDeAuthorized   Reason = "DeAuthorized"
	ReasonEmergencyStop  Reason = "EmergencyStop"
	ReasonEVDisconnected Reason = "EVDisconnected"
	ReasonHardReset      Reason = "HardReset"
	ReasonLocal          Reason = "Local"
	ReasonOther          Reason = "Other"
	ReasonPowerLoss      Reason = "PowerLoss"
	ReasonReboot         Reason = "Reboot"
	ReasonRemote         Reason = "Remote"
	ReasonSoftReset      Reason = "SoftReset"
	ReasonUnlockCommand  Reason = "UnlockCommand"
)

// RemoteStartStopStatus answers RemoteStart/RemoteStop requests.
type RemoteStartStopStatus string

const (
	RemoteStartStopAccepted RemoteStartStopStatus = "Accepted"
	RemoteStartStopRejected RemoteStartStopStatus = "Rejected"
)

// ReservationStatus answers ReserveNow requests.
type ReservationStatus string

const (
	ReservationAccepted    ReservationStatus = "Accepted"
	ReservationFaulted     ReservationStatus = "Faulted"
	ReservationOccupied    ReservationStatus = "Occupied"
	ReservationRejected    ReservationStatus = "Rejected"
	ReservationUnavailable ReservationStatus = "Unavailable"
)

// CancelReservationStatus answers CancelReservation requests.
type CancelReservationStatus string

const (
	CancelReservationAccepted CancelReservationStatus = "Accepted"
	CancelReservationRejected CancelReservationStatus = "Rejected"
)

// ChargingProfilePurpose classifies charging profiles.
type ChargingProfilePurpose string

const (
	ProfilePurposeChargePointMax ChargingProfilePurpose = "ChargePointMaxProfile"
	ProfilePurposeTxDefault      ChargingProfilePurpose = "TxDefaultProfile"
	ProfilePurposeTx             ChargingProfilePurpose = "TxProfile"
)

// ChargingProfileKind describes schedule anchoring.
type ChargingProfileKind string

const (
	ProfileKindAbsolute  ChargingProfileKind = "Absolute"
	ProfileKindRecurring ChargingProfileKind = "Recurring"
	ProfileKindRelative  ChargingProfileKind = "Relative"
)

// ChargingRateUnit is the unit of charging schedule limits.
type ChargingRateUnit string

const (
	RateUnitAmperes ChargingRateUnit = "A"
	RateUnitWatts   ChargingRateUnit = "W"
)

// Meter value reading context and measurand subset used by the client.
const (
	ReadingContextSamplePeriodic   = "Sample.Periodic"
	ReadingContextTransactionBegin = "Transaction.Begin"
	ReadingContextTransactionEnd   = "Transaction.End"

	MeasurandEnergyActiveImport = "Energy.Active.Import.Register"

	UnitWh = "Wh"
)
