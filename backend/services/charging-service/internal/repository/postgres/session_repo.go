package postgres

import (
	"context"
	"database/sql"

	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
)

const sessionColumns = `id, booking_id, driver_id, vehicle_id, charging_point_id, start_time, end_time, start_soc_percent, target_soc_percent, end_soc_percent, meter_start_wh, meter_stop_wh, energy_kwh, duration_minutes, total_cost, plan_id, status, payment_status, amount_due, created_at, updated_at`

type sessionRepo struct{ q *sql.Tx }

func (r sessionRepo) Insert(ctx context.Context, s *models.Session) error {
	const query = `
		INSERT INTO charging_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`
	_, err := r.q.ExecContext(ctx, query,
		s.ID,
		s.BookingID,
		s.DriverID,
		s.VehicleID,
		s.ChargingPointID,
		nullTime(s.StartTime),
		nullTime(s.EndTime),
		s.StartSocPercent,
		s.TargetSocPercent,
		s.EndSocPercent,
		s.MeterStartWh,
		s.MeterStopWh,
		s.EnergyKWh,
		s.DurationMinutes,
		s.TotalCost,
		nullString(s.PlanID),
		s.Status,
		s.PaymentStatus,
		s.AmountDue,
		s.CreatedAt,
		s.UpdatedAt,
	)
	return mapError(err)
}

func (r sessionRepo) Get(ctx context.Context, id string) (*models.Session, error) {
	return scanSession(r.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM charging_sessions WHERE id = $1`, id))
}

func (r sessionRepo) GetForUpdate(ctx context.Context, id string) (*models.Session, error) {
	return scanSession(r.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM charging_sessions WHERE id = $1 FOR UPDATE`, id))
}

func (r sessionRepo) Update(ctx context.Context, s *models.Session) error {
	const query = `
		UPDATE charging_sessions
		SET start_time = $2,
		    end_time = $3,
		    start_soc_percent = $4,
		    target_soc_percent = $5,
		    end_soc_percent = $6,
		    meter_start_wh = $7,
		    meter_stop_wh = $8,
		    energy_kwh = $9,
		    duration_minutes = $10,
		    total_cost = $11,
		    plan_id = $12,
		    status = $13,
		    payment_status = $14,
		    amount_due = $15,
		    updated_at = $16
		WHERE id = $1
	`
	return affectedOne(r.q.ExecContext(ctx, query,
		s.ID,
		nullTime(s.StartTime),
		nullTime(s.EndTime),
		s.StartSocPercent,
		s.TargetSocPercent,
		s.EndSocPercent,
		s.MeterStartWh,
		s.MeterStopWh,
		s.EnergyKWh,
		s.DurationMinutes,
		s.TotalCost,
		nullString(s.PlanID),
		s.Status,
		s.PaymentStatus,
		s.AmountDue,
		s.UpdatedAt,
	))
}

func (r sessionRepo) ListActive(ctx context.Context, limit int) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM charging_sessions WHERE status = 'ACTIVE' ORDER BY created_at DESC LIMIT $1`
	return r.list(ctx, query, repository.Limit(limit))
}

func (r sessionRepo) ListByDriver(ctx context.Context, driverID string, limit int) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM charging_sessions WHERE driver_id = $1 ORDER BY created_at DESC LIMIT $2`
	return r.list(ctx, query, driverID, repository.Limit(limit))
}

func (r sessionRepo) list(ctx context.Context, query string, args ...any) ([]models.Session, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var start, end sql.NullTime
	var planID sql.NullString
	err := row.Scan(
		&s.ID,
		&s.BookingID,
		&s.DriverID,
		&s.VehicleID,
		&s.ChargingPointID,
		&start,
		&end,
		&s.StartSocPercent,
		&s.TargetSocPercent,
		&s.EndSocPercent,
		&s.MeterStartWh,
		&s.MeterStopWh,
		&s.EnergyKWh,
		&s.DurationMinutes,
		&s.TotalCost,
		&planID,
		&s.Status,
		&s.PaymentStatus,
		&s.AmountDue,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	s.StartTime = timePtr(start)
	s.EndTime = timePtr(end)
	s.PlanID = planID.String
	return &s, nil
}
