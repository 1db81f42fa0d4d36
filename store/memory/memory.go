// Package memory provides in-process stores for mealgate.
//
// All state lives in maps guarded by a single mutex, so compare-and-swap is
// trivially atomic within one process. Useful for tests, examples and
// single-device deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/mealgate"
)

// Store is an in-memory UsageStore, EntitlementStore and MealSource.
type Store struct {
	mu           sync.RWMutex
	usages       map[string]mealgate.UsageRecord
	entitlements map[string]mealgate.EntitlementRecord
	meals        map[string]mealgate.Meal
	items        map[string][]mealgate.FoodItem // by meal id
}

var (
	_ mealgate.UsageStore       = (*Store)(nil)
	_ mealgate.EntitlementStore = (*Store)(nil)
	_ mealgate.MealSource       = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		usages:       make(map[string]mealgate.UsageRecord),
		entitlements: make(map[string]mealgate.EntitlementRecord),
		meals:        make(map[string]mealgate.Meal),
		items:        make(map[string][]mealgate.FoodItem),
	}
}

// GetUsage returns the user's usage record.
func (s *Store) GetUsage(_ context.Context, userID string) (mealgate.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.usages[userID]
	if !ok {
		return mealgate.UsageRecord{}, mealgate.ErrNotFound
	}
	return rec, nil
}

// CreateUsage inserts rec unless the user already has a record.
func (s *Store) CreateUsage(_ context.Context, rec mealgate.UsageRecord) (mealgate.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.usages[rec.UserID]; ok {
		return existing, nil
	}
	rec.Version = 1
	s.usages[rec.UserID] = rec
	return rec, nil
}

// SwapUsage replaces the record if its version still matches prev.
func (s *Store) SwapUsage(_ context.Context, prev, next mealgate.UsageRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.usages[prev.UserID]
	if !ok || current.Version != prev.Version {
		return false, nil
	}
	next.UserID = prev.UserID
	next.Version = prev.Version + 1
	s.usages[prev.UserID] = next
	return true, nil
}

// DeleteUsage removes a user's usage record, for account deletion.
func (s *Store) DeleteUsage(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.usages, userID)
	return nil
}

// GetEntitlement returns the subscription record for a user key.
func (s *Store) GetEntitlement(_ context.Context, userKey string) (mealgate.EntitlementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.entitlements[userKey]
	if !ok {
		return mealgate.EntitlementRecord{}, mealgate.ErrNotFound
	}
	return rec, nil
}

// PutEntitlement creates or replaces a subscription record.
func (s *Store) PutEntitlement(_ context.Context, rec mealgate.EntitlementRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entitlements[rec.UserKey] = rec
	return nil
}

// AddMeal stores a meal with its items, assigning ids where missing.
func (s *Store) AddMeal(meal mealgate.Meal, items ...mealgate.FoodItem) mealgate.Meal {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meal.ID == "" {
		meal.ID = uuid.New().String()
	}
	s.meals[meal.ID] = meal
	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.New().String()
		}
		item.MealID = meal.ID
		s.items[meal.ID] = append(s.items[meal.ID], item)
	}
	return meal
}

// MealsBetween returns a user's meals within [start, end), oldest first.
func (s *Store) MealsBetween(_ context.Context, userID string, start, end time.Time) ([]mealgate.Meal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var meals []mealgate.Meal
	for _, m := range s.meals {
		if m.UserID != userID || m.EatenAt.Before(start) || !m.EatenAt.Before(end) {
			continue
		}
		meals = append(meals, m)
	}
	sort.Slice(meals, func(i, j int) bool { return meals[i].EatenAt.Before(meals[j].EatenAt) })
	return meals, nil
}

// FoodItems returns the items of the given meals.
func (s *Store) FoodItems(_ context.Context, mealIDs []string) ([]mealgate.FoodItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []mealgate.FoodItem
	for _, id := range mealIDs {
		items = append(items, s.items[id]...)
	}
	return items, nil
}
