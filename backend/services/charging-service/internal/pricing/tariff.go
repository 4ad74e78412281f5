package pricing

import (
	"context"
	"errors"
	"time"

	"evcharge/backend/services/charging-service/internal/models"
	"evcharge/backend/services/charging-service/internal/repository"
)

// ErrNoTariff is returned when neither a stored nor a default tariff exists.
var ErrNoTariff = errors.New("pricing: no tariff configured")

// TariffService resolves the schedule for a session: the active stored tariff or the default
// fallback, discounted by the driver's subscription when one is valid.
type TariffService struct {
	defaultTariff models.Plan
}

// NewTariffService returns a resolver with the given default prices.
func NewTariffService(defaultPricePerKWh, defaultPricePerMinute int64) *TariffService {
	return &TariffService{
		defaultTariff: models.Plan{
			ID:             "default",
			Name:           "Default",
			BillingType:    models.BillingMixed,
			PricePerKWh:    defaultPricePerKWh,
			PricePerMinute: defaultPricePerMinute,
			IsActive:       true,
		},
	}
}

// ActiveTariff returns the stored tariff or the default fallback.
func (s *TariffService) ActiveTariff(ctx context.Context, tx repository.Tx) (*models.Plan, error) {
	tariff, err := tx.Plans().GetActiveTariff(ctx)
	if err == nil {
		return tariff, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if s.defaultTariff.PricePerKWh <= 0 && s.defaultTariff.PricePerMinute <= 0 {
		return nil, ErrNoTariff
	}
	fallback := s.defaultTariff
	return &fallback, nil
}

// Resolve builds the schedule for userID at the given instant.
func (s *TariffService) Resolve(ctx context.Context, tx repository.Tx, userID string, at time.Time) (Schedule, error) {
	tariff, err := s.ActiveTariff(ctx, tx)
	if err != nil {
		return Schedule{}, err
	}
	schedule := Schedule{
		PlanID:         tariff.ID,
		PricePerKWh:    tariff.PricePerKWh,
		PricePerMinute: tariff.PricePerMinute,
	}

	sub, err := tx.Plans().GetSubscription(ctx, userID, at)
	if errors.Is(err, repository.ErrNotFound) {
		return schedule, nil
	}
	if err != nil {
		return Schedule{}, err
	}
	plan, err := tx.Plans().Get(ctx, sub.PlanID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return schedule, nil
		}
		return Schedule{}, err
	}
	if plan.IsActive && plan.BillingType == models.BillingSubscription {
		schedule.PlanID = plan.ID
		schedule.DiscountPercent = plan.DiscountPercent
	}
	return schedule, nil
}
