package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/apperr"
	"evcharge/backend/services/charging-service/internal/clock"
	"evcharge/backend/services/charging-service/internal/events"
	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/pricing"
	"evcharge/backend/services/charging-service/internal/repository"
	"evcharge/backend/services/charging-service/internal/reservation"
	"evcharge/backend/services/charging-service/internal/validation"
)

var (
	ErrBookingNotFound    = fmt.Errorf("booking %w", apperr.ErrNotFound)
	ErrBookingState       = fmt.Errorf("booking %w", apperr.ErrStateConflict)
	ErrBookingInPast      = apperr.New(apperr.ErrValidation, "booking time is in the past")
	ErrBookingTooFar      = apperr.New(apperr.ErrValidation, "booking time is beyond the advance window")
	ErrCheckInNotOpen     = apperr.New(apperr.ErrStateConflict, "check-in window has not opened")
	ErrCheckInClosed      = apperr.New(apperr.ErrStateConflict, "check-in window has closed")
	ErrDepositOutstanding = apperr.New(apperr.ErrInsufficientFunds, "booking deposit has not been collected; top up the wallet")
)

// EventPublisher schedules events inside a unit of work.
type EventPublisher interface {
	PublishInTx(ctx context.Context, tx repository.Tx, evt events.Event) error
}

// DepositCollector debits booking deposits in its own unit of work.
type DepositCollector interface {
	CollectDeposit(ctx context.Context, bookingID string) (models.DepositStatus, error)
}

// BookingPolicy holds the timing rules of reservations.
type BookingPolicy struct {
	CheckInEarly    time.Duration
	CheckInGrace    time.Duration
	MaxAdvance      time.Duration
	DefaultDuration time.Duration
}

// DefaultBookingPolicy returns the stock timing rules.
func DefaultBookingPolicy() BookingPolicy {
	return BookingPolicy{
		CheckInEarly:    15 * time.Minute,
		CheckInGrace:    15 * time.Minute,
		MaxAdvance:      7 * 24 * time.Hour,
		DefaultDuration: time.Hour,
	}
}

// CreateBookingInput is a reservation request.
type CreateBookingInput struct {
	UserID               string    `json:"user_id" validate:"required"`
	VehicleID            string    `json:"vehicle_id" validate:"required"`
	ChargingPointID      string    `json:"charging_point_id" validate:"required"`
	BookingTime          time.Time `json:"booking_time" validate:"required"`
	EstimatedEndTime     time.Time `json:"estimated_end_time"`
	DesiredChargePercent int       `json:"desired_charge_percent" validate:"gte=1,lte=100"`
}

// BookingService owns the reservation lifecycle.
type BookingService struct {
	store     repository.Store
	points    *reservation.Manager
	deposits  pricing.DepositPolicy
	collector DepositCollector
	publisher EventPublisher
	policy    BookingPolicy
	clock     clock.Clock
	logger    *zap.Logger
}

// NewBookingService builds the service.
func NewBookingService(
	store repository.Store,
	points *reservation.Manager,
	deposits pricing.DepositPolicy,
	collector DepositCollector,
	publisher EventPublisher,
	policy BookingPolicy,
	clk clock.Clock,
	logger *zap.Logger,
) *BookingService {
	return &BookingService{
		store:     store,
		points:    points,
		deposits:  deposits,
		collector: collector,
		publisher: publisher,
		policy:    policy,
		clock:     clk,
		logger:    logger,
	}
}

// Register completes bookings inside the unit of work that finishes their session.
func (s *BookingService) Register(bus *events.Bus) error {
	return bus.Subscribe(events.Subscription{
		Name:      "booking.complete",
		Event:     events.SessionCompleted,
		Isolation: events.SameUnitOfWork,
		Delivery:  events.Critical,
		Handler: events.On(func(ctx context.Context, tx repository.Tx, evt events.SessionCompletedEvent) error {
			return s.Complete(ctx, tx, evt.BookingID)
		}),
	})
}

// Create reserves the point and persists a CONFIRMED booking. The deposit is collected after the
// booking committed; its outcome is visible on the returned booking but never undoes it.
func (s *BookingService) Create(ctx context.Context, input CreateBookingInput) (*models.Booking, error) {
	if err := validation.Struct(input); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	start := input.BookingTime.UTC()
	if start.Before(now) {
		return nil, ErrBookingInPast
	}
	if s.policy.MaxAdvance > 0 && start.After(now.Add(s.policy.MaxAdvance)) {
		return nil, ErrBookingTooFar
	}
	end := input.EstimatedEndTime.UTC()
	if input.EstimatedEndTime.IsZero() {
		end = start.Add(s.policy.DefaultDuration)
	}
	if !end.After(start) {
		return nil, apperr.New(apperr.ErrValidation, "estimated end time must follow booking time")
	}

	booking := &models.Booking{
		ID:                   uuid.NewString(),
		UserID:               input.UserID,
		VehicleID:            input.VehicleID,
		ChargingPointID:      input.ChargingPointID,
		BookingTime:          start,
		EstimatedEndTime:     end,
		DesiredChargePercent: input.DesiredChargePercent,
		DepositStatus:        models.DepositPending,
		Status:               models.BookingConfirmed,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err := s.points.WithPointLock(ctx, input.ChargingPointID, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			point, err := s.points.Reserve(ctx, tx, input.ChargingPointID, reservation.Window{Start: start, End: end})
			if err != nil {
				return err
			}
			booking.DepositAmount = s.deposits.Deposit(input.DesiredChargePercent, point.PowerKW)
			if err := tx.Bookings().Insert(ctx, booking); err != nil {
				if errors.Is(err, repository.ErrDuplicate) {
					return reservation.ErrPointUnavailable
				}
				return err
			}
			return s.publisher.PublishInTx(ctx, tx, s.bookingEvent(events.BookingCreated, booking))
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("booking created",
		zap.String("booking_id", booking.ID),
		zap.String("user_id", booking.UserID),
		zap.String("point_id", booking.ChargingPointID),
		zap.Int64("deposit", booking.DepositAmount),
	)
	return s.reload(ctx, booking)
}

// CheckIn opens the charging session of a CONFIRMED booking inside its check-in window. An
// uncollected deposit is retried first; if the wallet still cannot cover it the booking stays
// CONFIRMED.
func (s *BookingService) CheckIn(ctx context.Context, userID, bookingID string) (*models.Session, error) {
	booking, err := s.Get(ctx, userID, bookingID)
	if err != nil {
		return nil, err
	}

	var session *models.Session
	err = s.points.WithPointLock(ctx, booking.ChargingPointID, func(ctx context.Context) error {
		latest, err := s.Get(ctx, userID, booking.ID)
		if err != nil {
			return err
		}
		if err := s.checkInAllowed(latest); err != nil {
			return err
		}
		if latest.DepositStatus != models.DepositCharged {
			status, err := s.collector.CollectDeposit(ctx, latest.ID)
			if err != nil {
				return err
			}
			if status != models.DepositCharged {
				return ErrDepositOutstanding
			}
		}

		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			current, err := tx.Bookings().GetForUpdate(ctx, booking.ID)
			if err != nil {
				return err
			}
			if err := s.checkInAllowed(current); err != nil {
				return err
			}
			if current.DepositStatus != models.DepositCharged {
				return ErrDepositOutstanding
			}

			now := s.clock.Now()
			session = &models.Session{
				ID:               uuid.NewString(),
				BookingID:        current.ID,
				DriverID:         current.UserID,
				VehicleID:        current.VehicleID,
				ChargingPointID:  current.ChargingPointID,
				TargetSocPercent: current.DesiredChargePercent,
				Status:           models.SessionActive,
				PaymentStatus:    models.PaymentPending,
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := tx.Sessions().Insert(ctx, session); err != nil {
				return err
			}
			if err := s.points.MarkOccupied(ctx, tx, current.ChargingPointID, session.ID); err != nil {
				return err
			}
			current.Status = models.BookingInProgress
			current.SessionID = session.ID
			current.UpdatedAt = now
			if err := tx.Bookings().Update(ctx, current); err != nil {
				return err
			}
			return s.publisher.PublishInTx(ctx, tx, s.bookingEvent(events.BookingCheckedIn, current))
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("booking checked in",
		zap.String("booking_id", booking.ID),
		zap.String("session_id", session.ID),
	)
	return session, nil
}

func (s *BookingService) checkInAllowed(b *models.Booking) error {
	if !b.Status.CanTransition(models.BookingInProgress) {
		return fmt.Errorf("%w: cannot check in from %s", ErrBookingState, b.Status)
	}
	now := s.clock.Now()
	if now.Before(b.BookingTime.Add(-s.policy.CheckInEarly)) {
		return ErrCheckInNotOpen
	}
	if now.After(b.BookingTime.Add(s.policy.CheckInGrace)) {
		return ErrCheckInClosed
	}
	return nil
}

// Cancel lets the owner drop a CONFIRMED booking. The deposit is forfeited.
func (s *BookingService) Cancel(ctx context.Context, userID, bookingID string) (*models.Booking, error) {
	booking, err := s.Get(ctx, userID, bookingID)
	if err != nil {
		return nil, err
	}
	err = s.points.WithPointLock(ctx, booking.ChargingPointID, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			current, err := tx.Bookings().GetForUpdate(ctx, booking.ID)
			if err != nil {
				return err
			}
			if err := s.terminate(ctx, tx, current, models.BookingCancelledByUser); err != nil {
				return err
			}
			booking = current
			return s.publisher.PublishInTx(ctx, tx, s.bookingEvent(events.BookingCancelled, current))
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("booking cancelled", zap.String("booking_id", booking.ID), zap.String("user_id", userID))
	return booking, nil
}

// Complete moves an IN_PROGRESS booking to COMPLETED inside the caller's unit of work.
func (s *BookingService) Complete(ctx context.Context, tx repository.Tx, bookingID string) error {
	booking, err := tx.Bookings().GetForUpdate(ctx, bookingID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrBookingNotFound
	}
	if err != nil {
		return err
	}
	if booking.Status == models.BookingCompleted {
		return nil
	}
	if !booking.Status.CanTransition(models.BookingCompleted) {
		return fmt.Errorf("%w: cannot complete from %s", ErrBookingState, booking.Status)
	}
	booking.Status = models.BookingCompleted
	booking.UpdatedAt = s.clock.Now()
	return tx.Bookings().Update(ctx, booking)
}

// ListExpirable returns CONFIRMED bookings whose check-in window has closed.
func (s *BookingService) ListExpirable(ctx context.Context, limit int) ([]models.Booking, error) {
	cutoff := s.clock.Now().Add(-s.policy.CheckInGrace)
	var out []models.Booking
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.Bookings().ListConfirmedBefore(ctx, cutoff, limit)
		return err
	})
	return out, err
}

// Expire force-expires one booking. It reports false when the booking was already moved by
// someone else or its window is still open.
func (s *BookingService) Expire(ctx context.Context, booking models.Booking) (bool, error) {
	expired := false
	err := s.points.WithPointLock(ctx, booking.ChargingPointID, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			current, err := tx.Bookings().GetForUpdate(ctx, booking.ID)
			if err != nil {
				return err
			}
			if current.Status != models.BookingConfirmed {
				return nil
			}
			if !s.clock.Now().After(current.BookingTime.Add(s.policy.CheckInGrace)) {
				return nil
			}
			if err := s.terminate(ctx, tx, current, models.BookingExpired); err != nil {
				return err
			}
			expired = true
			return s.publisher.PublishInTx(ctx, tx, s.bookingEvent(events.BookingExpired, current))
		})
	})
	if err != nil {
		return false, err
	}
	if expired {
		s.logger.Info("booking expired", zap.String("booking_id", booking.ID), zap.String("point_id", booking.ChargingPointID))
	}
	return expired, nil
}

func (s *BookingService) terminate(ctx context.Context, tx repository.Tx, b *models.Booking, next models.BookingStatus) error {
	if !b.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrBookingState, b.Status, next)
	}
	if err := s.points.Release(ctx, tx, b.ChargingPointID); err != nil {
		return err
	}
	b.Status = next
	b.UpdatedAt = s.clock.Now()
	return tx.Bookings().Update(ctx, b)
}

// Get returns a booking owned by userID. Other users' bookings are reported as missing.
func (s *BookingService) Get(ctx context.Context, userID, bookingID string) (*models.Booking, error) {
	var booking *models.Booking
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		booking, err = tx.Bookings().Get(ctx, bookingID)
		return err
	})
	if errors.Is(err, repository.ErrNotFound) || (err == nil && booking.UserID != userID) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	return booking, nil
}

// ListByUser returns the user's bookings, newest first.
func (s *BookingService) ListByUser(ctx context.Context, userID string, limit int) ([]models.Booking, error) {
	var out []models.Booking
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.Bookings().ListByUser(ctx, userID, limit)
		return err
	})
	return out, err
}

func (s *BookingService) reload(ctx context.Context, b *models.Booking) (*models.Booking, error) {
	fresh, err := s.Get(ctx, b.UserID, b.ID)
	if err != nil {
		s.logger.Warn("failed to reload booking", zap.String("booking_id", b.ID), zap.Error(err))
		return b, nil
	}
	return fresh, nil
}

func (s *BookingService) bookingEvent(typ string, b *models.Booking) events.BookingEvent {
	return events.BookingEvent{
		Type:          typ,
		BookingID:     b.ID,
		UserID:        b.UserID,
		PointID:       b.ChargingPointID,
		SessionID:     b.SessionID,
		DepositAmount: b.DepositAmount,
		BookingTime:   b.BookingTime,
		OccurredAt:    s.clock.Now(),
	}
}
