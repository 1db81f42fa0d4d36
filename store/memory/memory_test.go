package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/mealgate"
	"github.com/ineyio/mealgate/store/memory"
)

func TestUsage_CreateIsInsertIfAbsent(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	_, err := s.GetUsage(ctx, "u1")
	assert.ErrorIs(t, err, mealgate.ErrNotFound)

	first, err := s.CreateUsage(ctx, mealgate.UsageRecord{UserID: "u1", ImageEstimationsRemaining: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version)

	second, err := s.CreateUsage(ctx, mealgate.UsageRecord{UserID: "u1", ImageEstimationsRemaining: 10})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestUsage_SwapComparesVersion(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	prev, err := s.CreateUsage(ctx, mealgate.UsageRecord{UserID: "u1", ImageEstimationsRemaining: 5})
	require.NoError(t, err)

	next := prev
	next.ImageEstimationsRemaining = 4
	ok, err := s.SwapUsage(ctx, prev, next)
	require.NoError(t, err)
	assert.True(t, ok)

	// prev is now stale.
	next.ImageEstimationsRemaining = 3
	ok, err = s.SwapUsage(ctx, prev, next)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.GetUsage(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.ImageEstimationsRemaining)
	assert.Equal(t, int64(2), rec.Version)
}

func TestEntitlement_PutAndGet(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	_, err := s.GetEntitlement(ctx, "a@example.com")
	assert.ErrorIs(t, err, mealgate.ErrNotFound)

	rec := mealgate.EntitlementRecord{UserKey: "a@example.com", Plan: mealgate.PlanMonthly, IsActive: true}
	require.NoError(t, s.PutEntitlement(ctx, rec))

	got, err := s.GetEntitlement(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestMeals_BetweenAndItems(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	base := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	late := s.AddMeal(mealgate.Meal{UserID: "u1", Type: mealgate.MealDinner, EatenAt: base.Add(19 * time.Hour)},
		mealgate.FoodItem{Name: "Pasta", Calories: 700})
	early := s.AddMeal(mealgate.Meal{UserID: "u1", Type: mealgate.MealBreakfast, EatenAt: base.Add(8 * time.Hour)},
		mealgate.FoodItem{Name: "Toast", Calories: 200},
		mealgate.FoodItem{Name: "Coffee", Calories: 5})
	s.AddMeal(mealgate.Meal{UserID: "u1", EatenAt: base.Add(24 * time.Hour)})
	s.AddMeal(mealgate.Meal{UserID: "u2", EatenAt: base.Add(9 * time.Hour)})

	meals, err := s.MealsBetween(ctx, "u1", base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, meals, 2)
	assert.Equal(t, early.ID, meals[0].ID)
	assert.Equal(t, late.ID, meals[1].ID)

	items, err := s.FoodItems(ctx, []string{early.ID})
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, early.ID, item.MealID)
		assert.NotEmpty(t, item.ID)
	}
}

func TestUsage_Delete(t *testing.T) {
	store := memory.New()
	var s mealgate.UsageDeleter = store
	ctx := context.Background()

	_, err := store.CreateUsage(ctx, mealgate.UsageRecord{UserID: "u1", ImageEstimationsRemaining: 2})
	require.NoError(t, err)

	require.NoError(t, s.DeleteUsage(ctx, "u1"))
	_, err = store.GetUsage(ctx, "u1")
	assert.ErrorIs(t, err, mealgate.ErrNotFound)

	// Deleting a missing record is not an error.
	require.NoError(t, s.DeleteUsage(ctx, "u1"))

	fresh, err := store.CreateUsage(ctx, mealgate.UsageRecord{UserID: "u1", ImageEstimationsRemaining: 5})
	require.NoError(t, err)
	assert.Equal(t, int64(5), fresh.ImageEstimationsRemaining)
	assert.Equal(t, int64(1), fresh.Version)
}

func TestEntitlement_KeepsRawPlanNames(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	rec := mealgate.EntitlementRecord{
		UserKey: "a@example.com", Plan: mealgate.ParsePlanType("familyPlan"), PlanRaw: "familyPlan", IsActive: true,
	}
	require.NoError(t, s.PutEntitlement(ctx, rec))

	got, err := s.GetEntitlement(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "familyPlan", got.PlanName())
}
