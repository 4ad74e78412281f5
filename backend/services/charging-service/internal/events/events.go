package events

import "time"

// Event names.
const (
	BookingCreated   = "booking.created"
	BookingCheckedIn = "booking.checked_in"
	BookingCancelled = "booking.cancelled"
	BookingExpired   = "booking.expired"
	DepositCollected = "deposit.collected"
	DepositAwaiting  = "deposit.awaiting_top_up"
	SessionStarted   = "session.started"
	SessionCompleted = "session.completed"
	SessionSettled   = "session.settled"
	WalletLowBalance = "wallet.low_balance"
	PaymentCompleted = "payment.completed"
	PaymentFailed    = "payment.failed"
)

// Event is anything published on the bus.
type Event interface {
	Name() string
	// Recipient is the user the event concerns.
	Recipient() string
}

// BookingEvent covers booking creation, cancellation, expiry and check-in.
type BookingEvent struct {
	Type          string    `json:"type"`
	BookingID     string    `json:"booking_id"`
	UserID        string    `json:"user_id"`
	PointID       string    `json:"point_id"`
	SessionID     string    `json:"session_id,omitempty"`
	DepositAmount int64     `json:"deposit_amount"`
	BookingTime   time.Time `json:"booking_time"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (e BookingEvent) Name() string      { return e.Type }
func (e BookingEvent) Recipient() string { return e.UserID }

// DepositEvent reports the outcome of a deposit collection.
type DepositEvent struct {
	Type      string `json:"type"`
	BookingID string `json:"booking_id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Balance   int64  `json:"balance"`
}

func (e DepositEvent) Name() string      { return e.Type }
func (e DepositEvent) Recipient() string { return e.UserID }

// SessionStartedEvent is published when charging begins.
type SessionStartedEvent struct {
	SessionID string    `json:"session_id"`
	BookingID string    `json:"booking_id"`
	DriverID  string    `json:"driver_id"`
	PointID   string    `json:"point_id"`
	StartTime time.Time `json:"start_time"`
}

func (e SessionStartedEvent) Name() string      { return SessionStarted }
func (e SessionStartedEvent) Recipient() string { return e.DriverID }

// SessionCompletedEvent carries the final usage of a completed or aborted session.
type SessionCompletedEvent struct {
	SessionID   string    `json:"session_id"`
	BookingID   string    `json:"booking_id"`
	DriverID    string    `json:"driver_id"`
	PointID     string    `json:"point_id"`
	TotalCost   int64     `json:"total_cost"`
	EnergyKWh   float64   `json:"energy_kwh"`
	DurationMin int64     `json:"duration_min"`
	Aborted     bool      `json:"aborted"`
	EndTime     time.Time `json:"end_time"`
}

func (e SessionCompletedEvent) Name() string      { return SessionCompleted }
func (e SessionCompletedEvent) Recipient() string { return e.DriverID }

// SessionSettledEvent reports the wallet outcome of a session.
type SessionSettledEvent struct {
	SessionID     string `json:"session_id"`
	DriverID      string `json:"driver_id"`
	TotalCost     int64  `json:"total_cost"`
	DepositOffset int64  `json:"deposit_offset"`
	Refunded      int64  `json:"refunded"`
	Charged       int64  `json:"charged"`
	AmountDue     int64  `json:"amount_due"`
}

func (e SessionSettledEvent) Name() string      { return SessionSettled }
func (e SessionSettledEvent) Recipient() string { return e.DriverID }

// LowBalanceEvent warns that a wallet dropped below the threshold.
type LowBalanceEvent struct {
	UserID    string `json:"user_id"`
	Balance   int64  `json:"balance"`
	Threshold int64  `json:"threshold"`
}

func (e LowBalanceEvent) Name() string      { return WalletLowBalance }
func (e LowBalanceEvent) Recipient() string { return e.UserID }

// PaymentEvent reports a reconciled gateway payment.
type PaymentEvent struct {
	Type          string `json:"type"`
	UserID        string `json:"user_id"`
	TransactionID string `json:"transaction_id"`
	ExternalID    string `json:"external_id"`
	Gateway       string `json:"gateway"`
	Amount        int64  `json:"amount"`
	SessionID     string `json:"session_id,omitempty"`
}

func (e PaymentEvent) Name() string      { return e.Type }
func (e PaymentEvent) Recipient() string { return e.UserID }
