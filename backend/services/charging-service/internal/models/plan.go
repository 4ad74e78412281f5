package models

import "time"

// BillingType selects how a plan prices a session.
type BillingType string

const (
	BillingPerKWh       BillingType = "PER_KWH"
	BillingPerMinute    BillingType = "PER_MINUTE"
	BillingMixed        BillingType = "MIXED"
	BillingSubscription BillingType = "SUBSCRIPTION"
)

// Plan is a billing plan. Prices are minor units per kWh and per minute.
type Plan struct {
	ID              string      `db:"id" json:"id"`
	Name            string      `db:"name" json:"name"`
	BillingType     BillingType `db:"billing_type" json:"billing_type"`
	PricePerKWh     int64       `db:"price_per_kwh" json:"price_per_kwh"`
	PricePerMinute  int64       `db:"price_per_minute" json:"price_per_minute"`
	MonthlyFee      int64       `db:"monthly_fee" json:"monthly_fee"`
	DiscountPercent int         `db:"discount_percent" json:"discount_percent"`
	IsActive        bool        `db:"is_active" json:"is_active"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
}

// Subscription links a user to a subscription plan until ValidUntil.
type Subscription struct {
	UserID     string    `db:"user_id" json:"user_id"`
	PlanID     string    `db:"plan_id" json:"plan_id"`
	ValidUntil time.Time `db:"valid_until" json:"valid_until"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
