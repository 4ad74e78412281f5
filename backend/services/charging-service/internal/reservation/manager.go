// Package reservation owns charging point status and the per-point exclusion region.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/apperr"
	"evcharge/backend/services/charging-service/internal/clock"
	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
)

var (
	ErrPointUnavailable = fmt.Errorf("reservation: charging point %w", apperr.ErrResourceUnavailable)
	ErrPointNotFound    = fmt.Errorf("reservation: charging point %w", apperr.ErrNotFound)
	ErrPointState       = fmt.Errorf("reservation: charging point %w", apperr.ErrStateConflict)
	ErrInvalidWindow    = fmt.Errorf("reservation: window end must follow start: %w", apperr.ErrValidation)
)

// Window is the reserved time span.
type Window struct {
	Start time.Time
	End   time.Time
}

// Manager enforces at most one non-terminal booking per point.
type Manager struct {
	locker Locker
	clock  clock.Clock
	logger *zap.Logger
}

// NewManager builds a manager. A nil locker falls back to an in-process one.
func NewManager(locker Locker, clk clock.Clock, logger *zap.Logger) *Manager {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Manager{locker: locker, clock: clk, logger: logger}
}

// WithPointLock runs fn while holding the point's exclusion region.
func (m *Manager) WithPointLock(ctx context.Context, pointID string, fn func(ctx context.Context) error) error {
	unlock, err := m.locker.Lock(ctx, pointID)
	if err != nil {
		m.logger.Warn("point lock not acquired", zap.String("point_id", pointID), zap.Error(err))
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Register creates or refreshes point metadata. New points start AVAILABLE.
func (m *Manager) Register(ctx context.Context, tx repository.Tx, point *models.ChargingPoint) error {
	if point.ID == "" || point.PowerKW <= 0 {
		return fmt.Errorf("reservation: point id and positive power required: %w", apperr.ErrValidation)
	}
	if point.Status == "" {
		point.Status = models.PointAvailable
	}
	point.UpdatedAt = m.clock.Now()
	return tx.Points().Upsert(ctx, point)
}

// Reserve holds the point for a new booking. It succeeds only when the point is AVAILABLE and no
// non-terminal booking references it.
func (m *Manager) Reserve(ctx context.Context, tx repository.Tx, pointID string, window Window) (*models.ChargingPoint, error) {
	if !window.End.After(window.Start) {
		return nil, ErrInvalidWindow
	}
	point, err := m.lockPoint(ctx, tx, pointID)
	if err != nil {
		return nil, err
	}
	if point.Status != models.PointAvailable {
		return nil, fmt.Errorf("%w: status %s", ErrPointUnavailable, point.Status)
	}
	active, err := tx.Bookings().CountActiveByPoint(ctx, pointID)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, fmt.Errorf("%w: %d active booking(s)", ErrPointUnavailable, active)
	}
	if err := m.transition(ctx, tx, point, models.PointReserved, ""); err != nil {
		return nil, err
	}
	return point, nil
}

// Release returns a held point to AVAILABLE and clears its session reference. Points that are
// already AVAILABLE or under maintenance are left untouched.
func (m *Manager) Release(ctx context.Context, tx repository.Tx, pointID string) error {
	point, err := m.lockPoint(ctx, tx, pointID)
	if err != nil {
		return err
	}
	switch point.Status {
	case models.PointReserved, models.PointOccupied, models.PointCharging:
		return m.transition(ctx, tx, point, models.PointAvailable, "")
	default:
		return nil
	}
}

// MarkOccupied moves a RESERVED point to OCCUPIED by sessionID.
func (m *Manager) MarkOccupied(ctx context.Context, tx repository.Tx, pointID, sessionID string) error {
	point, err := m.lockPoint(ctx, tx, pointID)
	if err != nil {
		return err
	}
	return m.transition(ctx, tx, point, models.PointOccupied, sessionID)
}

// MarkCharging moves an OCCUPIED point to CHARGING; sessionID must own the point.
func (m *Manager) MarkCharging(ctx context.Context, tx repository.Tx, pointID, sessionID string) error {
	point, err := m.lockPoint(ctx, tx, pointID)
	if err != nil {
		return err
	}
	if point.CurrentSessionID != sessionID {
		return fmt.Errorf("%w: held by another session", ErrPointState)
	}
	return m.transition(ctx, tx, point, models.PointCharging, sessionID)
}

// SetServiceStatus toggles a free point between AVAILABLE, OUT_OF_SERVICE and MAINTENANCE.
func (m *Manager) SetServiceStatus(ctx context.Context, tx repository.Tx, pointID string, status models.PointStatus) (*models.ChargingPoint, error) {
	switch status {
	case models.PointAvailable, models.PointOutOfService, models.PointMaintenance:
	default:
		return nil, fmt.Errorf("reservation: status %s is not operator settable: %w", status, apperr.ErrValidation)
	}
	point, err := m.lockPoint(ctx, tx, pointID)
	if err != nil {
		return nil, err
	}
	if point.Status == status {
		return point, nil
	}
	active, err := tx.Bookings().CountActiveByPoint(ctx, pointID)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, fmt.Errorf("%w: %d active booking(s)", ErrPointState, active)
	}
	if err := m.transition(ctx, tx, point, status, ""); err != nil {
		return nil, err
	}
	return point, nil
}

func (m *Manager) lockPoint(ctx context.Context, tx repository.Tx, pointID string) (*models.ChargingPoint, error) {
	point, err := tx.Points().GetForUpdate(ctx, pointID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPointNotFound
	}
	return point, err
}

func (m *Manager) transition(ctx context.Context, tx repository.Tx, point *models.ChargingPoint, next models.PointStatus, sessionID string) error {
	if !point.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrPointState, point.Status, next)
	}
	m.logger.Debug("point status change",
		zap.String("point_id", point.ID),
		zap.String("from", string(point.Status)),
		zap.String("to", string(next)),
	)
	point.Status = next
	point.CurrentSessionID = sessionID
	point.UpdatedAt = m.clock.Now()
	return tx.Points().Update(ctx, point)
}
