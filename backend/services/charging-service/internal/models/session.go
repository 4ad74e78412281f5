package models

import "time"

// SessionStatus is the charging lifecycle state.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionAborted   SessionStatus = "ABORTED"
)

// CanTransition reports whether a session may move from s to next.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	return s == SessionActive && (next == SessionCompleted || next == SessionAborted)
}

// Finished reports whether usage is final. Aborted sessions bill like completed ones.
func (s SessionStatus) Finished() bool {
	return s == SessionCompleted || s == SessionAborted
}

// PaymentStatus tracks settlement of the session cost.
type PaymentStatus string

const (
	PaymentPending         PaymentStatus = "PENDING"
	PaymentPaid            PaymentStatus = "PAID"
	PaymentAwaitingPayment PaymentStatus = "AWAITING_PAYMENT"
)

// Session is a charging session opened by a booking check-in.
type Session struct {
	ID               string        `db:"id" json:"id"`
	BookingID        string        `db:"booking_id" json:"booking_id"`
	DriverID         string        `db:"driver_id" json:"driver_id"`
	VehicleID        string        `db:"vehicle_id" json:"vehicle_id"`
	ChargingPointID  string        `db:"charging_point_id" json:"charging_point_id"`
	StartTime        *time.Time    `db:"start_time" json:"start_time,omitempty"`
	EndTime          *time.Time    `db:"end_time" json:"end_time,omitempty"`
	StartSocPercent  int           `db:"start_soc_percent" json:"start_soc_percent"`
	TargetSocPercent int           `db:"target_soc_percent" json:"target_soc_percent"`
	EndSocPercent    int           `db:"end_soc_percent" json:"end_soc_percent"`
	MeterStartWh     int64         `db:"meter_start_wh" json:"meter_start_wh"`
	MeterStopWh      int64         `db:"meter_stop_wh" json:"meter_stop_wh"`
	EnergyKWh        float64       `db:"energy_kwh" json:"energy_kwh"`
	DurationMinutes  int64         `db:"duration_minutes" json:"duration_minutes"`
	TotalCost        int64         `db:"total_cost" json:"total_cost"`
	PlanID           string        `db:"plan_id" json:"plan_id,omitempty"`
	Status           SessionStatus `db:"status" json:"status"`
	PaymentStatus    PaymentStatus `db:"payment_status" json:"payment_status"`
	AmountDue        int64         `db:"amount_due" json:"amount_due"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// Started reports whether charging actually began.
func (s *Session) Started() bool {
	return s.StartTime != nil
}
