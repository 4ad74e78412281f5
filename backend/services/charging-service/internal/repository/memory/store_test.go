package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
)

func TestWithinTxRollsBackOnError(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Wallets().Create(ctx, &models.Wallet{UserID: "u1", Balance: 10}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := tx.Wallets().Get(ctx, "u1")
		return err
	})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected rolled back wallet to be missing, got %v", err)
	}
}

func TestAfterCommitRunsOnlyOnCommit(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	calls := 0

	_ = store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		tx.AfterCommit(func() { calls++ })
		return errors.New("abort")
	})
	if calls != 0 {
		t.Fatalf("hook ran after rollback")
	}

	err := store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		tx.AfterCommit(func() {
			calls++
			// hooks run outside the store lock, so a new unit of work is allowed here
			_ = store.WithinTx(context.Background(), func(context.Context, repository.Tx) error { return nil })
		})
		return nil
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected hook once, got %d", calls)
	}
}

func TestNestedTxRejected(t *testing.T) {
	store := NewStore()
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return store.WithinTx(ctx, func(context.Context, repository.Tx) error { return nil })
	})
	if !errors.Is(err, repository.ErrNestedTx) {
		t.Fatalf("expected nested tx error, got %v", err)
	}
}

func TestBookingInsertEnforcesOneActivePerPoint(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()

	err := store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Bookings().Insert(ctx, &models.Booking{ID: "b1", ChargingPointID: "p1", Status: models.BookingConfirmed, BookingTime: now}); err != nil {
			return err
		}
		return tx.Bookings().Insert(ctx, &models.Booking{ID: "b2", ChargingPointID: "p1", Status: models.BookingConfirmed, BookingTime: now})
	})
	if !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
}

func TestTransactionReferenceUnique(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	err := store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		first := &models.WalletTransaction{ID: "t1", WalletID: "u1", Type: models.TxBookingDeposit, Reference: "booking:1", Status: models.TxCompleted, Amount: -5}
		if err := tx.Transactions().Insert(ctx, first); err != nil {
			return err
		}
		second := *first
		second.ID = "t2"
		return tx.Transactions().Insert(ctx, &second)
	})
	if !errors.Is(err, repository.ErrDuplicate) {
		t.Fatalf("expected duplicate reference, got %v", err)
	}
}

func TestSumCompletedIgnoresPending(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	var sum int64
	err := store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		rows := []models.WalletTransaction{
			{ID: "a", WalletID: "u1", Amount: 100, Status: models.TxCompleted},
			{ID: "b", WalletID: "u1", Amount: -30, Status: models.TxCompleted},
			{ID: "c", WalletID: "u1", Amount: 500, Status: models.TxPending, ExternalTransactionID: "ext"},
			{ID: "d", WalletID: "u2", Amount: 7, Status: models.TxCompleted},
		}
		for i := range rows {
			if err := tx.Transactions().Insert(ctx, &rows[i]); err != nil {
				return err
			}
		}
		var err error
		sum, err = tx.Transactions().SumCompleted(ctx, "u1")
		return err
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	if sum != 70 {
		t.Fatalf("expected 70, got %d", sum)
	}
}
