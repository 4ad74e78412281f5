package pricing

import (
	"strings"

	"evcharge/backend/services/charging-service/internal/models"
)

// Violation is one failed plan rule.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationResult is the structured outcome of ValidatePlan.
type ValidationResult struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

type planRules struct {
	kwh, minute, fee, discount bool
}

// rules lists, per billing type, which price components must be set; the others must be zero.
var rules = map[models.BillingType]planRules{
	models.BillingPerKWh:       {kwh: true},
	models.BillingPerMinute:    {minute: true},
	models.BillingMixed:        {kwh: true, minute: true},
	models.BillingSubscription: {fee: true, discount: true},
}

// ValidatePlan checks the billing-type constraints of a plan without touching storage.
func ValidatePlan(plan models.Plan) ValidationResult {
	var violations []Violation
	add := func(field, reason string) {
		violations = append(violations, Violation{Field: field, Reason: reason})
	}

	if strings.TrimSpace(plan.Name) == "" {
		add("name", "required")
	}
	rule, ok := rules[plan.BillingType]
	if !ok {
		add("billing_type", "unknown billing type")
		return ValidationResult{Violations: violations}
	}

	checkComponent := func(field string, value int64, required bool) {
		switch {
		case value < 0:
			add(field, "must not be negative")
		case required && value == 0:
			add(field, "must be positive for "+string(plan.BillingType))
		case !required && value != 0:
			add(field, "must be zero for "+string(plan.BillingType))
		}
	}
	checkComponent("price_per_kwh", plan.PricePerKWh, rule.kwh)
	checkComponent("price_per_minute", plan.PricePerMinute, rule.minute)
	checkComponent("monthly_fee", plan.MonthlyFee, rule.fee)

	switch {
	case plan.DiscountPercent < 0 || plan.DiscountPercent > 100:
		add("discount_percent", "must be between 0 and 100")
	case !rule.discount && plan.DiscountPercent != 0:
		add("discount_percent", "must be zero for "+string(plan.BillingType))
	}

	return ValidationResult{Valid: len(violations) == 0, Violations: violations}
}
