package postgres

import (
	"context"
	"database/sql"
	"time"

	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
)

const bookingColumns = `id, user_id, vehicle_id, charging_point_id, booking_time, estimated_end_time, desired_charge_percent, deposit_amount, deposit_status, status, session_id, created_at, updated_at`

type bookingRepo struct{ q *sql.Tx }

// Insert relies on bookings_point_active_uniq to reject a second non-terminal booking per point.
func (r bookingRepo) Insert(ctx context.Context, b *models.Booking) error {
	const query = `
		INSERT INTO bookings (` + bookingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.q.ExecContext(ctx, query,
		b.ID,
		b.UserID,
		b.VehicleID,
		b.ChargingPointID,
		b.BookingTime,
		b.EstimatedEndTime,
		b.DesiredChargePercent,
		b.DepositAmount,
		b.DepositStatus,
		b.Status,
		nullString(b.SessionID),
		b.CreatedAt,
		b.UpdatedAt,
	)
	return mapError(err)
}

func (r bookingRepo) Get(ctx context.Context, id string) (*models.Booking, error) {
	return scanBooking(r.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
}

func (r bookingRepo) GetForUpdate(ctx context.Context, id string) (*models.Booking, error) {
	return scanBooking(r.q.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
}

func (r bookingRepo) Update(ctx context.Context, b *models.Booking) error {
	const query = `
		UPDATE bookings
		SET deposit_amount = $2,
		    deposit_status = $3,
		    status = $4,
		    session_id = $5,
		    updated_at = $6
		WHERE id = $1
	`
	return affectedOne(r.q.ExecContext(ctx, query, b.ID, b.DepositAmount, b.DepositStatus, b.Status, nullString(b.SessionID), b.UpdatedAt))
}

func (r bookingRepo) CountActiveByPoint(ctx context.Context, pointID string) (int, error) {
	const query = `SELECT COUNT(*) FROM bookings WHERE charging_point_id = $1 AND status IN ('CONFIRMED', 'IN_PROGRESS')`
	var count int
	if err := r.q.QueryRowContext(ctx, query, pointID).Scan(&count); err != nil {
		return 0, mapError(err)
	}
	return count, nil
}

func (r bookingRepo) ListConfirmedBefore(ctx context.Context, before time.Time, limit int) ([]models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE status = 'CONFIRMED' AND booking_time < $1 ORDER BY booking_time LIMIT $2`
	return r.list(ctx, query, before, repository.Limit(limit))
}

func (r bookingRepo) ListByUser(ctx context.Context, userID string, limit int) ([]models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE user_id = $1 ORDER BY booking_time DESC LIMIT $2`
	return r.list(ctx, query, userID, repository.Limit(limit))
}

func (r bookingRepo) list(ctx context.Context, query string, args ...any) ([]models.Booking, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var b models.Booking
	var sessionID sql.NullString
	err := row.Scan(
		&b.ID,
		&b.UserID,
		&b.VehicleID,
		&b.ChargingPointID,
		&b.BookingTime,
		&b.EstimatedEndTime,
		&b.DesiredChargePercent,
		&b.DepositAmount,
		&b.DepositStatus,
		&b.Status,
		&sessionID,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	b.SessionID = sessionID.String
	return &b, nil
}
