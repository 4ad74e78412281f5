package models

import "time"

// PointStatus mirrors the booking/session that owns a charging point.
type PointStatus string

const (
	PointAvailable    PointStatus = "AVAILABLE"
	PointReserved     PointStatus = "RESERVED"
	PointOccupied     PointStatus = "OCCUPIED"
	PointCharging     PointStatus = "CHARGING"
	PointOutOfService PointStatus = "OUT_OF_SERVICE"
	PointMaintenance  PointStatus = "MAINTENANCE"
)

var pointTransitions = map[PointStatus][]PointStatus{
	PointAvailable:    {PointReserved, PointOutOfService, PointMaintenance},
	PointReserved:     {PointOccupied, PointAvailable},
	PointOccupied:     {PointCharging, PointAvailable},
	PointCharging:     {PointAvailable},
	PointOutOfService: {PointAvailable, PointMaintenance},
	PointMaintenance:  {PointAvailable, PointOutOfService},
}

// CanTransition reports whether the point may move from s to next.
func (s PointStatus) CanTransition(next PointStatus) bool {
	for _, allowed := range pointTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s PointStatus) Valid() bool {
	_, ok := pointTransitions[s]
	return ok
}

// ChargingPoint is a single connector of a station.
type ChargingPoint struct {
	ID               string      `db:"id" json:"id"`
	StationID        string      `db:"station_id" json:"station_id"`
	PowerKW          float64     `db:"power_kw" json:"power_kw"`
	Status           PointStatus `db:"status" json:"status"`
	CurrentSessionID string      `db:"current_session_id" json:"current_session_id,omitempty"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
}
