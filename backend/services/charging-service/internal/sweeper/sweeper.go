// Package sweeper expires CONFIRMED bookings whose check-in window has closed.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/models"
)

const defaultBatch = 100

// Expirer is the booking side of the sweep.
type Expirer interface {
	ListExpirable(ctx context.Context, limit int) ([]models.Booking, error)
	Expire(ctx context.Context, booking models.Booking) (bool, error)
}

// Sweeper runs the expiry pass on a ticker.
type Sweeper struct {
	bookings Expirer
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

// New builds a sweeper. Non-positive values fall back to one minute and 100 bookings per pass.
func New(bookings Expirer, interval time.Duration, batch int, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Sweeper{
		bookings: bookings,
		interval: interval,
		batch:    batch,
		logger:   logger,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce expires every overdue booking and returns how many moved. A failure on one booking is
// logged and does not stop the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	due, err := s.bookings.ListExpirable(ctx, s.batch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, booking := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.bookings.Expire(ctx, booking)
		if err != nil {
			s.logger.Warn("failed to expire booking",
				zap.String("booking_id", booking.ID),
				zap.String("point_id", booking.ChargingPointID),
				zap.Error(err),
			)
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("expired bookings", zap.Int("count", expired), zap.Int("candidates", len(due)))
	}
	return expired, ctx.Err()
}
