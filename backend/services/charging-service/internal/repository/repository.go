package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"evcharge/backend/services/charging-service/internal/apperr"
	"evcharge/backend/services/charging-service/internal/models"
)

var (
	// ErrNotFound indicates a missing row.
	ErrNotFound = fmt.Errorf("repository: record %w", apperr.ErrNotFound)
	// ErrDuplicate indicates a unique constraint violation.
	ErrDuplicate = errors.New("repository: duplicate record")
	// ErrNestedTx is returned when a unit of work is opened inside another one.
	ErrNestedTx = errors.New("repository: nested unit of work")
)

// Store opens units of work. fn's error rolls everything back; hooks registered with
// Tx.AfterCommit run only after a successful commit, outside the unit of work.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes repositories bound to one unit of work.
type Tx interface {
	Wallets() WalletRepository
	Transactions() TransactionRepository
	Bookings() BookingRepository
	Sessions() SessionRepository
	Points() PointRepository
	Plans() PlanRepository
	AfterCommit(fn func())
}

// WalletRepository persists wallet balances.
type WalletRepository interface {
	Create(ctx context.Context, wallet *models.Wallet) error
	Get(ctx context.Context, userID string) (*models.Wallet, error)
	// GetForUpdate locks the wallet row until the unit of work ends.
	GetForUpdate(ctx context.Context, userID string) (*models.Wallet, error)
	UpdateBalance(ctx context.Context, userID string, balance int64, at time.Time) error
}

// TransactionRepository persists the append-only ledger.
type TransactionRepository interface {
	Insert(ctx context.Context, txn *models.WalletTransaction) error
	FindByReference(ctx context.Context, walletID string, typ models.TransactionType, reference string) (*models.WalletTransaction, error)
	HasReference(ctx context.Context, walletID, reference string) (bool, error)
	GetByExternalIDForUpdate(ctx context.Context, externalID string) (*models.WalletTransaction, error)
	MarkStatus(ctx context.Context, id string, status models.TransactionStatus, balanceAfter int64, at time.Time) error
	ListByWallet(ctx context.Context, walletID string, limit int) ([]models.WalletTransaction, error)
	// SumCompleted folds signed amounts of COMPLETED rows only. PENDING and FAILED rows keep the
	// requested amount but have not moved the balance.
	SumCompleted(ctx context.Context, walletID string) (int64, error)
}

// BookingRepository persists reservations.
type BookingRepository interface {
	Insert(ctx context.Context, booking *models.Booking) error
	Get(ctx context.Context, id string) (*models.Booking, error)
	GetForUpdate(ctx context.Context, id string) (*models.Booking, error)
	Update(ctx context.Context, booking *models.Booking) error
	CountActiveByPoint(ctx context.Context, pointID string) (int, error)
	ListConfirmedBefore(ctx context.Context, before time.Time, limit int) ([]models.Booking, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Booking, error)
}

// SessionRepository persists charging sessions.
type SessionRepository interface {
	Insert(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	GetForUpdate(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	ListActive(ctx context.Context, limit int) ([]models.Session, error)
	ListByDriver(ctx context.Context, driverID string, limit int) ([]models.Session, error)
}

// PointRepository persists charging points.
type PointRepository interface {
	Upsert(ctx context.Context, point *models.ChargingPoint) error
	Get(ctx context.Context, id string) (*models.ChargingPoint, error)
	GetForUpdate(ctx context.Context, id string) (*models.ChargingPoint, error)
	Update(ctx context.Context, point *models.ChargingPoint) error
	List(ctx context.Context) ([]models.ChargingPoint, error)
}

// PlanRepository persists billing plans and subscriptions.
type PlanRepository interface {
	Upsert(ctx context.Context, plan *models.Plan) error
	Get(ctx context.Context, id string) (*models.Plan, error)
	// GetActiveTariff returns the newest active pay-as-you-go plan.
	GetActiveTariff(ctx context.Context) (*models.Plan, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) error
	// GetSubscription returns the subscription valid at the given instant.
	GetSubscription(ctx context.Context, userID string, at time.Time) (*models.Subscription, error)
}

type txMarkerKey struct{}

// MarkTx tags ctx as running inside a unit of work.
func MarkTx(ctx context.Context) context.Context {
	return context.WithValue(ctx, txMarkerKey{}, true)
}

// InTx reports whether ctx belongs to an open unit of work.
func InTx(ctx context.Context) bool {
	v, _ := ctx.Value(txMarkerKey{}).(bool)
	return v
}

// Detach returns a context for work that runs after the unit of work ended: it is not cancelled
// with the parent and may open a new unit of work.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), txMarkerKey{}, false)
}

// DefaultLimit caps list queries when the caller passes a non-positive limit.
const DefaultLimit = 50

// Limit normalizes list limits.
func Limit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}
