package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	libdb "evcharge/backend/libs/db"
	"evcharge/backend/services/charging-service/internal/clock"
	"evcharge/backend/services/charging-service/internal/ledger"
	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
)

const testDSNEnv = "CHARGING_TEST_POSTGRES_DSN"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", testDSNEnv)
	}
	db, err := libdb.NewPostgresDB(dsn, libdb.Options{MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewStore(db, zap.NewNop())
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestOpenWalletTwiceKeepsTransactionUsable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	l := ledger.New(nil, clock.System{}, 0, zap.NewNop())
	userID := "pg-" + uuid.NewString()

	err := store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := l.OpenWallet(ctx, tx, userID); err != nil {
			return err
		}
		_, err := l.Credit(ctx, tx, ledger.Entry{UserID: userID, Amount: 40_000, Type: models.TxTopUpCash, Reference: "r-1"})
		return err
	})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		wallet, err := l.OpenWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		if wallet.Balance != 40_000 {
			t.Errorf("expected existing balance, got %d", wallet.Balance)
		}
		if err := tx.Wallets().Create(ctx, &models.Wallet{UserID: userID, UpdatedAt: time.Now()}); !errors.Is(err, repository.ErrDuplicate) {
			t.Errorf("expected duplicate, got %v", err)
		}
		if _, err := tx.Wallets().Get(ctx, userID); err != nil {
			return err
		}
		return l.VerifyInvariant(ctx, tx, userID)
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func TestSecondActiveBookingOnPointRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	pointID := "pg-cp-" + uuid.NewString()

	newBooking := func() *models.Booking {
		return &models.Booking{
			ID:                   uuid.NewString(),
			UserID:               "u1",
			VehicleID:            "v1",
			ChargingPointID:      pointID,
			BookingTime:          now.Add(time.Hour),
			EstimatedEndTime:     now.Add(2 * time.Hour),
			DesiredChargePercent: 80,
			DepositAmount:        50_000,
			DepositStatus:        models.DepositPending,
			Status:               models.BookingConfirmed,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
	}
	first := newBooking()

	err := store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Points().Upsert(ctx, &models.ChargingPoint{ID: pointID, StationID: "st-1", PowerKW: 22, Status: models.PointAvailable, UpdatedAt: now}); err != nil {
			return err
		}
		return tx.Bookings().Insert(ctx, first)
	})
	if err != nil {
		t.Fatalf("first booking: %v", err)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.Bookings().Insert(ctx, newBooking())
	})
	if !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		current, err := tx.Bookings().GetForUpdate(ctx, first.ID)
		if err != nil {
			return err
		}
		current.Status = models.BookingCancelledByUser
		current.UpdatedAt = now
		if err := tx.Bookings().Update(ctx, current); err != nil {
			return err
		}
		return tx.Bookings().Insert(ctx, newBooking())
	})
	if err != nil {
		t.Fatalf("terminal booking must free the point: %v", err)
	}
}
