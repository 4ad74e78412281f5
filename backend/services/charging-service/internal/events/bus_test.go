package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
	"evcharge/backend/services/charging-service/internal/repository/memory"
	"evcharge/backend/services/charging-service/internal/workerpool"
)

func bookingCreated(id string) BookingEvent {
	return BookingEvent{Type: BookingCreated, BookingID: id, UserID: "u1", PointID: "p1"}
}

func TestSameUnitHandlerErrorRollsBack(t *testing.T) {
	store := memory.NewStore()
	bus := NewBus(nil, zap.NewNop())
	boom := errors.New("boom")

	afterCommit := 0
	mustSubscribe(t, bus, Subscription{
		Name: "fail", Event: BookingCreated, Isolation: SameUnitOfWork, Delivery: Critical,
		Handler: func(context.Context, repository.Tx, Event) error { return boom },
	})
	mustSubscribe(t, bus, Subscription{
		Name: "after", Event: BookingCreated, Isolation: IndependentUnitOfWork, Delivery: Critical,
		Handler: func(context.Context, repository.Tx, Event) error { afterCommit++; return nil },
	})

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Points().Upsert(ctx, &models.ChargingPoint{ID: "p1", Status: models.PointAvailable}); err != nil {
			return err
		}
		return bus.PublishInTx(ctx, tx, bookingCreated("b1"))
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if afterCommit != 0 {
		t.Fatalf("independent handler must not run after rollback")
	}

	err = store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		_, err := tx.Points().Get(ctx, "p1")
		return err
	})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected rollback, got %v", err)
	}
}

func TestCriticalHandlerRunsAfterCommitInOwnUnitOfWork(t *testing.T) {
	store := memory.NewStore()
	bus := NewBus(nil, zap.NewNop())

	var seen []string
	mustSubscribe(t, bus, Subscription{
		Name: "settle", Event: BookingCreated, Isolation: IndependentUnitOfWork, Delivery: Critical,
		Handler: On(func(ctx context.Context, tx repository.Tx, evt BookingEvent) error {
			if tx != nil {
				t.Errorf("independent handler received a tx")
			}
			seen = append(seen, evt.BookingID)
			return store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
				return tx.Wallets().Create(ctx, &models.Wallet{UserID: evt.UserID})
			})
		}),
	})
	mustSubscribe(t, bus, Subscription{
		Name: "failing", Event: BookingCreated, Isolation: IndependentUnitOfWork, Delivery: Critical,
		Handler: func(context.Context, repository.Tx, Event) error { return errors.New("ignored") },
	})

	err := store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return bus.PublishInTx(ctx, tx, bookingCreated("b1"))
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(seen) != 1 || seen[0] != "b1" {
		t.Fatalf("expected handler to run once synchronously, got %v", seen)
	}

	err = store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		_, err := tx.Wallets().Get(ctx, "u1")
		return err
	})
	if err != nil {
		t.Fatalf("handler's own unit of work was not committed: %v", err)
	}
}

func TestBestEffortHandlerUsesPoolAndSurvivesPanic(t *testing.T) {
	pool := workerpool.NewPool(1, 8, zap.NewNop())
	pool.Start(context.Background())
	t.Cleanup(pool.Close)
	bus := NewBus(pool, zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(1)
	mustSubscribe(t, bus, Subscription{
		Name: "panics", Event: BookingCreated, Isolation: IndependentUnitOfWork, Delivery: BestEffort,
		Handler: func(context.Context, repository.Tx, Event) error { panic("notify down") },
	})
	mustSubscribe(t, bus, Subscription{
		Name: "notify", Event: BookingCreated, Isolation: IndependentUnitOfWork, Delivery: BestEffort,
		Handler: func(context.Context, repository.Tx, Event) error { wg.Done(); return nil },
	})

	bus.Publish(context.Background(), bookingCreated("b1"))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("best-effort handler did not run")
	}
}

func TestSubscribeRejectsBestEffortSameUnit(t *testing.T) {
	bus := NewBus(nil, zap.NewNop())
	err := bus.Subscribe(Subscription{
		Name: "bad", Event: BookingCreated, Isolation: SameUnitOfWork, Delivery: BestEffort,
		Handler: func(context.Context, repository.Tx, Event) error { return nil },
	})
	if !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("expected invalid subscription, got %v", err)
	}
}

func TestOnRejectsWrongPayload(t *testing.T) {
	h := On(func(context.Context, repository.Tx, SessionCompletedEvent) error { return nil })
	if err := h(context.Background(), nil, bookingCreated("b1")); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}

func mustSubscribe(t *testing.T, bus *Bus, sub Subscription) {
	t.Helper()
	if err := bus.Subscribe(sub); err != nil {
		t.Fatalf("subscribe %s: %v", sub.Name, err)
	}
}
