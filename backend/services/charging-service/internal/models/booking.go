package models

import "time"

// BookingStatus is the reservation lifecycle state.
type BookingStatus string

const (
	BookingConfirmed       BookingStatus = "CONFIRMED"
	BookingInProgress      BookingStatus = "IN_PROGRESS"
	BookingCompleted       BookingStatus = "COMPLETED"
	BookingCancelledByUser BookingStatus = "CANCELLED_BY_USER"
	BookingExpired         BookingStatus = "EXPIRED"
)

var bookingTransitions = map[BookingStatus][]BookingStatus{
	BookingConfirmed:  {BookingInProgress, BookingCancelledByUser, BookingExpired},
	BookingInProgress: {BookingCompleted},
}

// CanTransition reports whether a booking may move from s to next.
func (s BookingStatus) CanTransition(next BookingStatus) bool {
	for _, allowed := range bookingTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s BookingStatus) Terminal() bool {
	return len(bookingTransitions[s]) == 0
}

// DepositStatus tracks whether the deposit left the wallet.
type DepositStatus string

const (
	DepositPending       DepositStatus = "PENDING"
	DepositCharged       DepositStatus = "CHARGED"
	DepositAwaitingTopUp DepositStatus = "AWAITING_TOP_UP"
)

// Booking reserves a charging point for a time window.
type Booking struct {
	ID                   string        `db:"id" json:"id"`
	UserID               string        `db:"user_id" json:"user_id"`
	VehicleID            string        `db:"vehicle_id" json:"vehicle_id"`
	ChargingPointID      string        `db:"charging_point_id" json:"charging_point_id"`
	BookingTime          time.Time     `db:"booking_time" json:"booking_time"`
	EstimatedEndTime     time.Time     `db:"estimated_end_time" json:"estimated_end_time"`
	DesiredChargePercent int           `db:"desired_charge_percent" json:"desired_charge_percent"`
	DepositAmount        int64         `db:"deposit_amount" json:"deposit_amount"`
	DepositStatus        DepositStatus `db:"deposit_status" json:"deposit_status"`
	Status               BookingStatus `db:"status" json:"status"`
	SessionID            string        `db:"session_id" json:"session_id,omitempty"`
	CreatedAt            time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updated_at"`
}
