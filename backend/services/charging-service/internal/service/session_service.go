package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/apperr"
	"evcharge/backend/services/charging-service/internal/clock"
	"evcharge/backend/services/charging-service/internal/events"
	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/pricing"
	redisstore "evcharge/backend/services/charging-service/internal/redis"
	"evcharge/backend/services/charging-service/internal/repository"
	"evcharge/backend/services/charging-service/internal/reservation"
	"evcharge/backend/services/charging-service/internal/validation"
)

var (
	ErrSessionNotFound   = fmt.Errorf("session %w", apperr.ErrNotFound)
	ErrSessionState      = fmt.Errorf("session %w", apperr.ErrStateConflict)
	ErrSessionNotStarted = apperr.New(apperr.ErrStateConflict, "session has not started charging; abort it instead")
)

// ActiveSessionCache mirrors running sessions by point.
type ActiveSessionCache interface {
	Save(ctx context.Context, session redisstore.ActiveSession) error
	Get(ctx context.Context, pointID string) (*redisstore.ActiveSession, error)
	Delete(ctx context.Context, pointID string) error
}

// StartSessionInput is the start telemetry. An empty DriverID skips the owner check.
type StartSessionInput struct {
	DriverID         string `json:"-"`
	StartSocPercent  int    `json:"start_soc_percent" validate:"gte=0,lte=100"`
	TargetSocPercent int    `json:"target_soc_percent" validate:"gte=0,lte=100"`
	MeterStartWh     int64  `json:"meter_start_wh" validate:"gte=0"`
}

// StopSessionInput is the stop telemetry. An empty DriverID skips the owner check.
type StopSessionInput struct {
	DriverID      string `json:"-"`
	MeterStopWh   int64  `json:"meter_stop_wh" validate:"gte=0"`
	EndSocPercent int    `json:"end_soc_percent" validate:"gte=0,lte=100"`
	Reason        string `json:"reason"`
}

// SessionsService owns the charging lifecycle and ties the store with the active-session cache.
type SessionsService struct {
	store       repository.Store
	points      *reservation.Manager
	tariffs     *pricing.TariffService
	publisher   EventPublisher
	activeStore ActiveSessionCache
	clock       clock.Clock
	logger      *zap.Logger
}

// NewSessionsService builds service. activeStore may be nil.
func NewSessionsService(
	store repository.Store,
	points *reservation.Manager,
	tariffs *pricing.TariffService,
	publisher EventPublisher,
	activeStore ActiveSessionCache,
	clk clock.Clock,
	logger *zap.Logger,
) *SessionsService {
	return &SessionsService{
		store:       store,
		points:      points,
		tariffs:     tariffs,
		publisher:   publisher,
		activeStore: activeStore,
		clock:       clk,
		logger:      logger,
	}
}

// Start records the start telemetry and moves the point to CHARGING.
func (s *SessionsService) Start(ctx context.Context, sessionID string, input StartSessionInput) (*models.Session, error) {
	if err := validation.Struct(input); err != nil {
		return nil, err
	}
	session, err := s.lookup(ctx, input.DriverID, sessionID)
	if err != nil {
		return nil, err
	}

	err = s.points.WithPointLock(ctx, session.ChargingPointID, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			current, err := tx.Sessions().GetForUpdate(ctx, sessionID)
			if err != nil {
				return err
			}
			if current.Status != models.SessionActive || current.Started() {
				return fmt.Errorf("%w: already started or finished", ErrSessionState)
			}
			booking, err := tx.Bookings().Get(ctx, current.BookingID)
			if err != nil {
				return err
			}
			if booking.Status != models.BookingInProgress {
				return fmt.Errorf("%w: booking is %s", ErrSessionState, booking.Status)
			}

			now := s.clock.Now()
			current.StartTime = &now
			current.StartSocPercent = input.StartSocPercent
			if input.TargetSocPercent > 0 {
				current.TargetSocPercent = input.TargetSocPercent
			}
			current.MeterStartWh = input.MeterStartWh
			current.UpdatedAt = now
			if err := s.points.MarkCharging(ctx, tx, current.ChargingPointID, current.ID); err != nil {
				return err
			}
			if err := tx.Sessions().Update(ctx, current); err != nil {
				return err
			}
			session = current
			tx.AfterCommit(func() { s.cacheActive(ctx, current) })
			return s.publisher.PublishInTx(ctx, tx, events.SessionStartedEvent{
				SessionID: current.ID,
				BookingID: current.BookingID,
				DriverID:  current.DriverID,
				PointID:   current.ChargingPointID,
				StartTime: now,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("charging started", zap.String("session_id", session.ID), zap.String("point_id", session.ChargingPointID))
	return session, nil
}

// Stop completes a started session and bills it.
func (s *SessionsService) Stop(ctx context.Context, sessionID string, input StopSessionInput) (*models.Session, error) {
	return s.finish(ctx, sessionID, input, models.SessionCompleted)
}

// Abort ends a session after a hardware or manual interrupt. Usage up to the interrupt is billed.
func (s *SessionsService) Abort(ctx context.Context, sessionID string, input StopSessionInput) (*models.Session, error) {
	return s.finish(ctx, sessionID, input, models.SessionAborted)
}

func (s *SessionsService) finish(ctx context.Context, sessionID string, input StopSessionInput, next models.SessionStatus) (*models.Session, error) {
	if err := validation.Struct(input); err != nil {
		return nil, err
	}
	session, err := s.lookup(ctx, input.DriverID, sessionID)
	if err != nil {
		return nil, err
	}

	err = s.points.WithPointLock(ctx, session.ChargingPointID, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			current, err := tx.Sessions().GetForUpdate(ctx, sessionID)
			if err != nil {
				return err
			}
			if !current.Status.CanTransition(next) {
				return fmt.Errorf("%w: %s -> %s", ErrSessionState, current.Status, next)
			}
			if next == models.SessionCompleted && !current.Started() {
				return ErrSessionNotStarted
			}

			end := s.clock.Now()
			if err := s.bill(ctx, tx, current, input, end); err != nil {
				return err
			}
			current.Status = next
			current.EndTime = &end
			current.EndSocPercent = input.EndSocPercent
			current.UpdatedAt = end
			if err := tx.Sessions().Update(ctx, current); err != nil {
				return err
			}
			if err := s.points.Release(ctx, tx, current.ChargingPointID); err != nil {
				return err
			}
			session = current
			tx.AfterCommit(func() { s.evictActive(ctx, current.ChargingPointID) })
			return s.publisher.PublishInTx(ctx, tx, events.SessionCompletedEvent{
				SessionID:   current.ID,
				BookingID:   current.BookingID,
				DriverID:    current.DriverID,
				PointID:     current.ChargingPointID,
				TotalCost:   current.TotalCost,
				EnergyKWh:   current.EnergyKWh,
				DurationMin: current.DurationMinutes,
				Aborted:     next == models.SessionAborted,
				EndTime:     end,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("session_id", session.ID),
		zap.String("status", string(session.Status)),
		zap.Float64("energy_kwh", session.EnergyKWh),
		zap.Int64("duration_min", session.DurationMinutes),
		zap.Int64("total_cost", session.TotalCost),
	}
	if next == models.SessionAborted {
		fields = append(fields, zap.String("reason", input.Reason))
	}
	s.logger.Info("charging finished", fields...)

	// settlement ran after commit; return the settled view
	settled, err := s.lookup(ctx, "", sessionID)
	if err != nil {
		return session, nil
	}
	return settled, nil
}

func (s *SessionsService) bill(ctx context.Context, tx repository.Tx, session *models.Session, input StopSessionInput, end time.Time) error {
	if !session.Started() {
		return nil
	}
	meterStop := input.MeterStopWh
	if meterStop == 0 {
		meterStop = session.MeterStartWh
	}
	energy := pricing.EnergyKWh(pricing.CalculateDeltaEnergy(session.MeterStartWh, meterStop))
	minutes := pricing.DurationMinutes(*session.StartTime, end)

	schedule, err := s.tariffs.Resolve(ctx, tx, session.DriverID, end)
	if err != nil {
		return err
	}
	session.MeterStopWh = meterStop
	session.EnergyKWh = energy.InexactFloat64()
	session.DurationMinutes = minutes
	session.PlanID = schedule.PlanID
	session.TotalCost = schedule.Cost(energy, minutes)
	return nil
}

// Get returns a session. A non-empty driverID must own it.
func (s *SessionsService) Get(ctx context.Context, driverID, sessionID string) (*models.Session, error) {
	return s.lookup(ctx, driverID, sessionID)
}

// GetSessionsByUser returns driver's session history.
func (s *SessionsService) GetSessionsByUser(ctx context.Context, driverID string, limit int) ([]models.Session, error) {
	var out []models.Session
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.Sessions().ListByDriver(ctx, driverID, limit)
		return err
	})
	return out, err
}

// GetActiveSessions returns currently running sessions.
func (s *SessionsService) GetActiveSessions(ctx context.Context, limit int) ([]models.Session, error) {
	var out []models.Session
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.Sessions().ListActive(ctx, limit)
		return err
	})
	return out, err
}

// ActiveOnPoint returns the running session of a point, from the cache when possible.
func (s *SessionsService) ActiveOnPoint(ctx context.Context, pointID string) (*redisstore.ActiveSession, error) {
	if s.activeStore != nil {
		cached, err := s.activeStore.Get(ctx, pointID)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, redisstore.ErrMiss) {
			s.logger.Warn("failed to read active session cache", zap.String("point_id", pointID), zap.Error(err))
		}
	}

	var active *redisstore.ActiveSession
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		point, err := tx.Points().Get(ctx, pointID)
		if err != nil {
			return err
		}
		if point.CurrentSessionID == "" {
			return ErrSessionNotFound
		}
		session, err := tx.Sessions().Get(ctx, point.CurrentSessionID)
		if err != nil {
			return err
		}
		active = toActive(session)
		return nil
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return active, err
}

func (s *SessionsService) lookup(ctx context.Context, driverID, sessionID string) (*models.Session, error) {
	var session *models.Session
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		session, err = tx.Sessions().Get(ctx, sessionID)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) || (err == nil && driverID != "" && session.DriverID != driverID) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *SessionsService) cacheActive(ctx context.Context, session *models.Session) {
	if s.activeStore == nil {
		return
	}
	if err := s.activeStore.Save(ctx, *toActive(session)); err != nil {
		s.logger.Warn("failed to cache active session", zap.String("session_id", session.ID), zap.Error(err))
	}
}

func (s *SessionsService) evictActive(ctx context.Context, pointID string) {
	if s.activeStore == nil {
		return
	}
	if err := s.activeStore.Delete(ctx, pointID); err != nil {
		s.logger.Warn("failed to delete active session cache", zap.String("point_id", pointID), zap.Error(err))
	}
}

func toActive(session *models.Session) *redisstore.ActiveSession {
	return &redisstore.ActiveSession{
		SessionID:    session.ID,
		BookingID:    session.BookingID,
		PointID:      session.ChargingPointID,
		DriverID:     session.DriverID,
		MeterStartWh: session.MeterStartWh,
		StartTime:    session.StartTime,
	}
}
