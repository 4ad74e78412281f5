package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/clock"
	"evcharge/backend/services/charging-service/internal/events"
	"evcharge/backend/services/charging-service/internal/gateway"
	"evcharge/backend/services/charging-service/internal/ledger"
	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/pricing"
	"evcharge/backend/services/charging-service/internal/repository"
	"evcharge/backend/services/charging-service/internal/repository/memory"
	"evcharge/backend/services/charging-service/internal/reservation"
	"evcharge/backend/services/charging-service/internal/settlement"
)

var testNow = time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

const (
	testUser  = "u1"
	testPoint = "cp-1"
)

type fixture struct {
	store    *memory.Store
	clock    *clock.Fake
	bus      *events.Bus
	ledger   *ledger.Ledger
	points   *reservation.Manager
	coord    *settlement.Coordinator
	bookings *BookingService
	sessions *SessionsService
	payments *PaymentService
}

func newFixture(t *testing.T, balance int64, gws ...gateway.Gateway) *fixture {
	t.Helper()
	logger := zap.NewNop()
	clk := clock.NewFake(testNow)
	bus := events.NewBus(nil, logger)
	store := memory.NewStore()
	l := ledger.New(bus, clk, 0, logger)
	points := reservation.NewManager(nil, clk, logger)
	coord := settlement.NewCoordinator(store, l, bus, logger)
	if err := coord.Register(bus); err != nil {
		t.Fatalf("register settlement: %v", err)
	}

	f := &fixture{
		store:    store,
		clock:    clk,
		bus:      bus,
		ledger:   l,
		points:   points,
		coord:    coord,
		bookings: NewBookingService(store, points, pricing.NewDepositPolicy(50_000, 1_000), coord, bus, DefaultBookingPolicy(), clk, logger),
		sessions: NewSessionsService(store, points, pricing.NewTariffService(0, 0), bus, nil, clk, logger),
		payments: NewPaymentService(store, l, coord, gateway.NewRegistry(gws...), clk, logger),
	}
	if err := f.bookings.Register(bus); err != nil {
		t.Fatalf("register bookings: %v", err)
	}

	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		if err := points.Register(ctx, tx, &models.ChargingPoint{ID: testPoint, StationID: "st-1", PowerKW: 22}); err != nil {
			return err
		}
		if err := tx.Plans().Upsert(ctx, &models.Plan{
			ID:             "per-minute",
			Name:           "Per minute",
			BillingType:    models.BillingPerMinute,
			PricePerMinute: 5_000,
			IsActive:       true,
			CreatedAt:      testNow,
		}); err != nil {
			return err
		}
		if _, err := l.OpenWallet(ctx, tx, testUser); err != nil {
			return err
		}
		if balance == 0 {
			return nil
		}
		_, err := l.Credit(ctx, tx, ledger.Entry{UserID: testUser, Amount: balance, Type: models.TxTopUpCash})
		return err
	})
	return f
}

func (f *fixture) run(t *testing.T, fn func(ctx context.Context, tx repository.Tx) error) {
	t.Helper()
	if err := f.store.WithinTx(context.Background(), fn); err != nil {
		t.Fatalf("unit of work: %v", err)
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	var balance int64
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		if err := f.ledger.VerifyInvariant(ctx, tx, testUser); err != nil {
			return err
		}
		var err error
		balance, err = f.ledger.Balance(ctx, tx, testUser)
		return err
	})
	return balance
}

func (f *fixture) point(t *testing.T) models.ChargingPoint {
	t.Helper()
	var point models.ChargingPoint
	f.run(t, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.Points().Get(ctx, testPoint)
		if err != nil {
			return err
		}
		point = *p
		return nil
	})
	return point
}

func (f *fixture) book(t *testing.T, in time.Duration) *models.Booking {
	t.Helper()
	booking, err := f.bookings.Create(context.Background(), CreateBookingInput{
		UserID:               testUser,
		VehicleID:            "v1",
		ChargingPointID:      testPoint,
		BookingTime:          f.clock.Now().Add(in),
		DesiredChargePercent: 80,
	})
	if err != nil {
		t.Fatalf("create booking: %v", err)
	}
	return booking
}
