package pricing

import "github.com/shopspring/decimal"

const (
	DefaultMinimumDeposit int64 = 50_000
	DefaultDepositPerKW   int64 = 1_000
)

// DepositPolicy sizes booking deposits from the point's power and the requested charge.
type DepositPolicy struct {
	Minimum   int64
	RatePerKW int64
}

// NewDepositPolicy fills non-positive values with defaults.
func NewDepositPolicy(minimum, ratePerKW int64) DepositPolicy {
	if minimum <= 0 {
		minimum = DefaultMinimumDeposit
	}
	if ratePerKW <= 0 {
		ratePerKW = DefaultDepositPerKW
	}
	return DepositPolicy{Minimum: minimum, RatePerKW: ratePerKW}
}

// Deposit returns max(Minimum, round(powerKW × desiredPercent / 100 × RatePerKW)).
func (p DepositPolicy) Deposit(desiredPercent int, powerKW float64) int64 {
	amount := decimal.NewFromFloat(powerKW).
		Mul(decimal.NewFromInt(int64(desiredPercent))).
		Div(hundred).
		Mul(decimal.NewFromInt(p.RatePerKW)).
		Round(0).
		IntPart()
	if amount < p.Minimum {
		return p.Minimum
	}
	return amount
}
