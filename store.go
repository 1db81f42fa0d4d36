package mealgate

import (
	"context"
	"time"
)

// UsageStore persists UsageRecords, one per user.
type UsageStore interface {
	// GetUsage returns the record for a user, or ErrNotFound.
	GetUsage(ctx context.Context, userID string) (UsageRecord, error)

	// CreateUsage inserts rec if the user has no record yet and returns the
	// stored record, which is the existing one if another request won the race.
	CreateUsage(ctx context.Context, rec UsageRecord) (UsageRecord, error)

	// SwapUsage replaces prev with next only if the stored version still
	// equals prev.Version. It reports whether the swap happened.
	SwapUsage(ctx context.Context, prev, next UsageRecord) (bool, error)
}

// UsageDeleter is implemented by usage stores that can drop a user's record,
// for account deletion. The next reservation starts a fresh window.
type UsageDeleter interface {
	DeleteUsage(ctx context.Context, userID string) error
}

// EntitlementStore persists EntitlementRecords keyed by user email.
type EntitlementStore interface {
	// GetEntitlement returns the record for a user key, or ErrNotFound.
	GetEntitlement(ctx context.Context, userKey string) (EntitlementRecord, error)

	// PutEntitlement creates or replaces the record.
	PutEntitlement(ctx context.Context, rec EntitlementRecord) error
}

// MealSource reads logged meals for statistics.
type MealSource interface {
	// MealsBetween returns a user's meals eaten within [start, end).
	MealsBetween(ctx context.Context, userID string, start, end time.Time) ([]Meal, error)

	// FoodItems returns all line items of the given meals.
	FoodItems(ctx context.Context, mealIDs []string) ([]FoodItem, error)
}
