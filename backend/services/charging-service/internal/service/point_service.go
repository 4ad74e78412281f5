package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
	"evcharge/backend/services/charging-service/internal/reservation"
	"evcharge/backend/services/charging-service/internal/validation"
)

// RegisterPointInput describes a connector added by an operator.
type RegisterPointInput struct {
	ID        string  `json:"id" validate:"required"`
	StationID string  `json:"station_id" validate:"required"`
	PowerKW   float64 `json:"power_kw" validate:"gt=0"`
}

// PointService exposes charging point administration.
type PointService struct {
	store  repository.Store
	points *reservation.Manager
	logger *zap.Logger
}

// NewPointService builds the service.
func NewPointService(store repository.Store, points *reservation.Manager, logger *zap.Logger) *PointService {
	return &PointService{store: store, points: points, logger: logger}
}

// Register creates a point or refreshes its metadata. Status is left untouched for known points.
func (s *PointService) Register(ctx context.Context, input RegisterPointInput) (*models.ChargingPoint, error) {
	if err := validation.Struct(input); err != nil {
		return nil, err
	}
	var point *models.ChargingPoint
	err := s.points.WithPointLock(ctx, input.ID, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			existing, err := tx.Points().GetForUpdate(ctx, input.ID)
			switch {
			case errors.Is(err, repository.ErrNotFound):
				existing = &models.ChargingPoint{ID: input.ID}
			case err != nil:
				return err
			}
			existing.StationID = input.StationID
			existing.PowerKW = input.PowerKW
			if err := s.points.Register(ctx, tx, existing); err != nil {
				return err
			}
			point = existing
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("charging point registered", zap.String("point_id", point.ID), zap.String("status", string(point.Status)))
	return point, nil
}

// SetStatus moves a free point in or out of service.
func (s *PointService) SetStatus(ctx context.Context, pointID string, status models.PointStatus) (*models.ChargingPoint, error) {
	var point *models.ChargingPoint
	err := s.points.WithPointLock(ctx, pointID, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			var err error
			point, err = s.points.SetServiceStatus(ctx, tx, pointID, status)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("charging point status set", zap.String("point_id", pointID), zap.String("status", string(status)))
	return point, nil
}

// Get returns one point.
func (s *PointService) Get(ctx context.Context, pointID string) (*models.ChargingPoint, error) {
	var point *models.ChargingPoint
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.Points().Get(ctx, pointID)
		if errors.Is(err, repository.ErrNotFound) {
			return reservation.ErrPointNotFound
		}
		point = p
		return err
	})
	return point, err
}

// List returns every registered point.
func (s *PointService) List(ctx context.Context) ([]models.ChargingPoint, error) {
	var points []models.ChargingPoint
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		points, err = tx.Points().List(ctx)
		return err
	})
	return points, err
}
