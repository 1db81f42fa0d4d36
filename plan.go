package mealgate

import "time"

// PlanType is a subscription tier. Its numeric value is its rank.
type PlanType int

const (
	PlanUnknown PlanType = iota
	PlanMonthly
	PlanQuarterly
	PlanYearly
)

// ParsePlanType maps a persisted plan string to a PlanType.
// Unrecognized strings map to PlanUnknown.
func ParsePlanType(s string) PlanType {
	switch s {
	case "monthlyPlan":
		return PlanMonthly
	case "quarterlyPlan":
		return PlanQuarterly
	case "yearlyPlan":
		return PlanYearly
	default:
		return PlanUnknown
	}
}

func (p PlanType) String() string {
	switch p {
	case PlanMonthly:
		return "monthlyPlan"
	case PlanQuarterly:
		return "quarterlyPlan"
	case PlanYearly:
		return "yearlyPlan"
	default:
		return "unknown"
	}
}

// Valid reports whether p is a known plan.
func (p PlanType) Valid() bool {
	return p >= PlanMonthly && p <= PlanYearly
}

// Rank orders plans for upgrade and downgrade decisions. Unknown plans rank 0.
func (p PlanType) Rank() int {
	if !p.Valid() {
		return 0
	}
	return int(p)
}

// End returns the end of a plan period starting at start.
// Unknown plans have no duration.
func (p PlanType) End(start time.Time) time.Time {
	switch p {
	case PlanMonthly:
		return start.AddDate(0, 1, 0)
	case PlanQuarterly:
		return start.AddDate(0, 3, 0)
	case PlanYearly:
		return start.AddDate(1, 0, 0)
	default:
		return start
	}
}

// MealType is a meal category.
type MealType int

const (
	MealBreakfast MealType = iota + 1
	MealLunch
	MealDinner
	MealSnack
)

// MealTypes lists meal categories in display order.
var MealTypes = []MealType{MealBreakfast, MealLunch, MealDinner, MealSnack}

// ParseMealType maps a persisted meal type string. Unknown strings map to MealSnack.
func ParseMealType(s string) MealType {
	switch s {
	case "breakfast":
		return MealBreakfast
	case "lunch":
		return MealLunch
	case "dinner":
		return MealDinner
	default:
		return MealSnack
	}
}

func (m MealType) String() string {
	switch m {
	case MealBreakfast:
		return "breakfast"
	case MealLunch:
		return "lunch"
	case MealDinner:
		return "dinner"
	default:
		return "snack"
	}
}
