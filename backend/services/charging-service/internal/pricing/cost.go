package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	wattHoursPerKWh = decimal.NewFromInt(1000)
	hundred         = decimal.NewFromInt(100)
)

// CalculateDeltaEnergy returns the Wh delivered between two meter readings. A stop reading below
// the start reading yields zero.
func CalculateDeltaEnergy(meterStartWh, meterStopWh int64) int64 {
	if meterStopWh <= meterStartWh {
		return 0
	}
	return meterStopWh - meterStartWh
}

// EnergyKWh converts Wh to kWh.
func EnergyKWh(wh int64) decimal.Decimal {
	return decimal.NewFromInt(wh).Div(wattHoursPerKWh)
}

// DurationMinutes returns whole minutes between start and end; a started minute counts in full.
func DurationMinutes(start, end time.Time) int64 {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	minutes := int64(d / time.Minute)
	if d%time.Minute != 0 {
		minutes++
	}
	return minutes
}

// Schedule is the effective price list for one session.
type Schedule struct {
	PlanID          string
	PricePerKWh     int64
	PricePerMinute  int64
	DiscountPercent int
}

// Cost computes energy × price/kWh + minutes × price/minute less the discount, rounded half-up to
// the minor unit and never negative.
func (s Schedule) Cost(energyKWh decimal.Decimal, minutes int64) int64 {
	total := energyKWh.Mul(decimal.NewFromInt(s.PricePerKWh)).
		Add(decimal.NewFromInt(minutes).Mul(decimal.NewFromInt(s.PricePerMinute)))
	if s.DiscountPercent > 0 {
		factor := hundred.Sub(decimal.NewFromInt(int64(s.DiscountPercent))).Div(hundred)
		total = total.Mul(factor)
	}
	rounded := total.Round(0)
	if rounded.IsNegative() {
		return 0
	}
	return rounded.IntPart()
}
