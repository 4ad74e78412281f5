package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/apperr"
	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/reservation"
)

func TestRegisterPointKeepsStatusOfKnownPoint(t *testing.T) {
	f := newFixture(t, 200_000)
	svc := NewPointService(f.store, f.points, zap.NewNop())

	created, err := svc.Register(context.Background(), RegisterPointInput{ID: "cp-2", StationID: "st-2", PowerKW: 50})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if created.Status != models.PointAvailable {
		t.Fatalf("new point must start AVAILABLE, got %s", created.Status)
	}

	f.book(t, 10*time.Minute)
	refreshed, err := svc.Register(context.Background(), RegisterPointInput{ID: testPoint, StationID: "st-9", PowerKW: 11})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if refreshed.Status != models.PointReserved || refreshed.StationID != "st-9" || refreshed.PowerKW != 11 {
		t.Fatalf("unexpected refreshed point %+v", refreshed)
	}

	list, err := svc.List(context.Background())
	if err != nil || len(list) != 2 {
		t.Fatalf("expected two points, got %d %v", len(list), err)
	}
	if _, err := svc.Register(context.Background(), RegisterPointInput{ID: "cp-3", StationID: "st-3"}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("power is required, got %v", err)
	}
}

func TestSetPointStatus(t *testing.T) {
	f := newFixture(t, 200_000)
	svc := NewPointService(f.store, f.points, zap.NewNop())

	point, err := svc.SetStatus(context.Background(), testPoint, models.PointMaintenance)
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if point.Status != models.PointMaintenance {
		t.Fatalf("expected MAINTENANCE, got %s", point.Status)
	}
	if _, err := svc.SetStatus(context.Background(), testPoint, models.PointCharging); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("CHARGING is not operator settable, got %v", err)
	}
	if _, err := svc.SetStatus(context.Background(), "cp-404", models.PointAvailable); !errors.Is(err, reservation.ErrPointNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Get(context.Background(), "cp-404"); !errors.Is(err, reservation.ErrPointNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if _, err := svc.SetStatus(context.Background(), testPoint, models.PointAvailable); err != nil {
		t.Fatalf("back in service: %v", err)
	}
	f.book(t, 10*time.Minute)
	if _, err := svc.SetStatus(context.Background(), testPoint, models.PointOutOfService); !errors.Is(err, reservation.ErrPointState) {
		t.Fatalf("booked point cannot leave service, got %v", err)
	}
}
