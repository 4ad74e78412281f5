package reservation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/apperr"
	"evcharge/backend/services/charging-service/internal/clock"
	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
	"evcharge/backend/services/charging-service/internal/repository/memory"
)

var testNow = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

func newManager(t *testing.T) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	mgr := NewManager(nil, clock.NewFake(testNow), zap.NewNop())
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return mgr.Register(ctx, tx, &models.ChargingPoint{ID: "cp-1", StationID: "st-1", PowerKW: 22})
	})
	if err != nil {
		t.Fatalf("register point: %v", err)
	}
	return mgr, store
}

func pointStatus(t *testing.T, store *memory.Store, id string) models.PointStatus {
	t.Helper()
	var status models.PointStatus
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.Points().Get(ctx, id)
		if err != nil {
			return err
		}
		status = p.Status
		return nil
	})
	if err != nil {
		t.Fatalf("get point: %v", err)
	}
	return status
}

func window() Window {
	return Window{Start: testNow.Add(time.Hour), End: testNow.Add(2 * time.Hour)}
}

func TestReserveAndRelease(t *testing.T) {
	mgr, store := newManager(t)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := mgr.Reserve(ctx, tx, "cp-1", window())
		return err
	})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := pointStatus(t, store, "cp-1"); got != models.PointReserved {
		t.Fatalf("expected RESERVED, got %s", got)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := mgr.Reserve(ctx, tx, "cp-1", window())
		return err
	})
	if apperr.KindOf(err) != apperr.KindResourceUnavailable {
		t.Fatalf("expected resource unavailable, got %v", err)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return mgr.Release(ctx, tx, "cp-1")
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := pointStatus(t, store, "cp-1"); got != models.PointAvailable {
		t.Fatalf("expected AVAILABLE, got %s", got)
	}
}

func TestReserveErrors(t *testing.T) {
	mgr, store := newManager(t)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := mgr.Reserve(ctx, tx, "missing", window())
		return err
	})
	if !errors.Is(err, ErrPointNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := mgr.Reserve(ctx, tx, "cp-1", Window{Start: testNow, End: testNow})
		return err
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOccupyAndCharge(t *testing.T) {
	mgr, store := newManager(t)
	err := store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		if _, err := mgr.Reserve(ctx, tx, "cp-1", window()); err != nil {
			return err
		}
		if err := mgr.MarkCharging(ctx, tx, "cp-1", "s-1"); !errors.Is(err, ErrPointState) {
			return fmt.Errorf("charging before occupied: %v", err)
		}
		if err := mgr.MarkOccupied(ctx, tx, "cp-1", "s-1"); err != nil {
			return err
		}
		if err := mgr.MarkCharging(ctx, tx, "cp-1", "s-2"); !errors.Is(err, ErrPointState) {
			return fmt.Errorf("foreign session accepted: %v", err)
		}
		if err := mgr.MarkCharging(ctx, tx, "cp-1", "s-1"); err != nil {
			return err
		}
		p, err := tx.Points().Get(ctx, "cp-1")
		if err != nil {
			return err
		}
		if p.Status != models.PointCharging || p.CurrentSessionID != "s-1" {
			return fmt.Errorf("unexpected point %+v", p)
		}
		if err := mgr.Release(ctx, tx, "cp-1"); err != nil {
			return err
		}
		p, err = tx.Points().Get(ctx, "cp-1")
		if err != nil {
			return err
		}
		if p.Status != models.PointAvailable || p.CurrentSessionID != "" {
			return fmt.Errorf("release left %+v", p)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestSetServiceStatus(t *testing.T) {
	mgr, store := newManager(t)
	ctx := context.Background()

	err := store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := mgr.SetServiceStatus(ctx, tx, "cp-1", models.PointCharging)
		return err
	})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := mgr.SetServiceStatus(ctx, tx, "cp-1", models.PointMaintenance)
		return err
	})
	if err != nil {
		t.Fatalf("maintenance: %v", err)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := mgr.Reserve(ctx, tx, "cp-1", window())
		return err
	})
	if apperr.KindOf(err) != apperr.KindResourceUnavailable {
		t.Fatalf("reserve under maintenance: %v", err)
	}
}

func TestConcurrentReservationsYieldOneBooking(t *testing.T) {
	for round := 0; round < 20; round++ {
		mgr, store := newManager(t)
		var (
			wg      sync.WaitGroup
			success atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ctx := context.Background()
				err := mgr.WithPointLock(ctx, "cp-1", func(ctx context.Context) error {
					return store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
						if _, err := mgr.Reserve(ctx, tx, "cp-1", window()); err != nil {
							return err
						}
						return tx.Bookings().Insert(ctx, &models.Booking{
							ID:              fmt.Sprintf("b-%d", i),
							UserID:          fmt.Sprintf("u-%d", i),
							ChargingPointID: "cp-1",
							BookingTime:     window().Start,
							Status:          models.BookingConfirmed,
						})
					})
				})
				if err == nil {
					success.Add(1)
				}
			}(i)
		}
		wg.Wait()

		if got := success.Load(); got != 1 {
			t.Fatalf("round %d: expected exactly one reservation, got %d", round, got)
		}
		err := store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
			n, err := tx.Bookings().CountActiveByPoint(ctx, "cp-1")
			if err != nil {
				return err
			}
			if n != 1 {
				return fmt.Errorf("expected one active booking, got %d", n)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
	}
}

func TestLocalLockerExcludes(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "cp-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(waitCtx, "cp-1"); !IsLockTimeout(err) {
		t.Fatalf("expected lock timeout, got %v", err)
	}

	other, err := locker.Lock(ctx, "cp-2")
	if err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}
	other()

	unlock()
	unlock()
	again, err := locker.Lock(ctx, "cp-1")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()

	locker.mu.Lock()
	defer locker.mu.Unlock()
	if len(locker.entries) != 0 {
		t.Fatalf("expected idle entries to be dropped, got %d", len(locker.entries))
	}
}

func TestChainLockerReleasesOnFailure(t *testing.T) {
	first := NewLocalLocker()
	second := NewLocalLocker()
	hold, err := second.Lock(context.Background(), "cp-1")
	if err != nil {
		t.Fatal(err)
	}
	defer hold()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := (ChainLocker{first, second}).Lock(ctx, "cp-1"); err == nil {
		t.Fatal("expected chain lock to fail")
	}

	unlock, err := first.Lock(context.Background(), "cp-1")
	if err != nil {
		t.Fatalf("first locker still held: %v", err)
	}
	unlock()
}
