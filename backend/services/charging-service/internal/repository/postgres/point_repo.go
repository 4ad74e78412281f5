package postgres

import (
	"context"
	"database/sql"
	"time"

	"evcharge/backend/services/charging-service/internal/models"
)

type pointRepo struct{ q *sql.Tx }

// Upsert persists point metadata, keeping the live status of an existing row.
func (r pointRepo) Upsert(ctx context.Context, p *models.ChargingPoint) error {
	const query = `
		INSERT INTO charging_points (id, station_id, power_kw, status, current_session_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			station_id = EXCLUDED.station_id,
			power_kw = EXCLUDED.power_kw,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.q.ExecContext(ctx, query, p.ID, p.StationID, p.PowerKW, p.Status, nullString(p.CurrentSessionID), p.UpdatedAt)
	return mapError(err)
}

func (r pointRepo) Get(ctx context.Context, id string) (*models.ChargingPoint, error) {
	const query = `SELECT id, station_id, power_kw, status, current_session_id, updated_at FROM charging_points WHERE id = $1`
	return scanPoint(r.q.QueryRowContext(ctx, query, id))
}

func (r pointRepo) GetForUpdate(ctx context.Context, id string) (*models.ChargingPoint, error) {
	const query = `SELECT id, station_id, power_kw, status, current_session_id, updated_at FROM charging_points WHERE id = $1 FOR UPDATE`
	return scanPoint(r.q.QueryRowContext(ctx, query, id))
}

func (r pointRepo) Update(ctx context.Context, p *models.ChargingPoint) error {
	const query = `
		UPDATE charging_points
		SET status = $2,
		    current_session_id = $3,
		    updated_at = $4
		WHERE id = $1
	`
	return affectedOne(r.q.ExecContext(ctx, query, p.ID, p.Status, nullString(p.CurrentSessionID), p.UpdatedAt))
}

func (r pointRepo) List(ctx context.Context) ([]models.ChargingPoint, error) {
	const query = `SELECT id, station_id, power_kw, status, current_session_id, updated_at FROM charging_points ORDER BY id`
	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var points []models.ChargingPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return points, nil
}

func scanPoint(row rowScanner) (*models.ChargingPoint, error) {
	var p models.ChargingPoint
	var current sql.NullString
	if err := row.Scan(&p.ID, &p.StationID, &p.PowerKW, &p.Status, &current, &p.UpdatedAt); err != nil {
		return nil, mapError(err)
	}
	p.CurrentSessionID = current.String
	return &p, nil
}

type planRepo struct{ q *sql.Tx }

const planColumns = `id, name, billing_type, price_per_kwh, price_per_minute, monthly_fee, discount_percent, is_active, created_at`

func (r planRepo) Upsert(ctx context.Context, p *models.Plan) error {
	const query = `
		INSERT INTO billing_plans (` + planColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			billing_type = EXCLUDED.billing_type,
			price_per_kwh = EXCLUDED.price_per_kwh,
			price_per_minute = EXCLUDED.price_per_minute,
			monthly_fee = EXCLUDED.monthly_fee,
			discount_percent = EXCLUDED.discount_percent,
			is_active = EXCLUDED.is_active
	`
	_, err := r.q.ExecContext(ctx, query,
		p.ID, p.Name, p.BillingType, p.PricePerKWh, p.PricePerMinute, p.MonthlyFee, p.DiscountPercent, p.IsActive, p.CreatedAt)
	return mapError(err)
}

func (r planRepo) Get(ctx context.Context, id string) (*models.Plan, error) {
	return scanPlan(r.q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM billing_plans WHERE id = $1`, id))
}

func (r planRepo) GetActiveTariff(ctx context.Context) (*models.Plan, error) {
	const query = `
		SELECT ` + planColumns + `
		FROM billing_plans
		WHERE is_active = TRUE AND billing_type <> 'SUBSCRIPTION'
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanPlan(r.q.QueryRowContext(ctx, query))
}

func (r planRepo) UpsertSubscription(ctx context.Context, sub *models.Subscription) error {
	const query = `
		INSERT INTO plan_subscriptions (user_id, plan_id, valid_until, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			valid_until = EXCLUDED.valid_until
	`
	_, err := r.q.ExecContext(ctx, query, sub.UserID, sub.PlanID, sub.ValidUntil, sub.CreatedAt)
	return mapError(err)
}

func (r planRepo) GetSubscription(ctx context.Context, userID string, at time.Time) (*models.Subscription, error) {
	const query = `SELECT user_id, plan_id, valid_until, created_at FROM plan_subscriptions WHERE user_id = $1 AND valid_until > $2`
	var sub models.Subscription
	if err := r.q.QueryRowContext(ctx, query, userID, at).Scan(&sub.UserID, &sub.PlanID, &sub.ValidUntil, &sub.CreatedAt); err != nil {
		return nil, mapError(err)
	}
	return &sub, nil
}

func scanPlan(row rowScanner) (*models.Plan, error) {
	var p models.Plan
	err := row.Scan(&p.ID, &p.Name, &p.BillingType, &p.PricePerKWh, &p.PricePerMinute, &p.MonthlyFee, &p.DiscountPercent, &p.IsActive, &p.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &p, nil
}
