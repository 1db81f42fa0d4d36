package mealgate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	mg "github.com/ineyio/mealgate"
)

func TestHealth_OpensAfterThreeFailures(t *testing.T) {
	clk := newClock(epoch)
	h := mg.NewHealthTracker(mg.WithHealthClock(clk.Now))

	h.RecordFailure(mg.ActionChat)
	h.RecordFailure(mg.ActionChat)
	assert.Equal(t, mg.HealthHealthy, h.GetHealth(mg.ActionChat))

	h.RecordFailure(mg.ActionChat)
	assert.Equal(t, mg.HealthUnhealthy, h.GetHealth(mg.ActionChat))
	assert.False(t, h.Available(mg.ActionChat))

	// Other actions are tracked separately.
	assert.True(t, h.Available(mg.ActionEstimateCalories))
}

func TestHealth_OldFailuresSlideOut(t *testing.T) {
	clk := newClock(epoch)
	h := mg.NewHealthTracker(mg.WithHealthClock(clk.Now))

	h.RecordFailure(mg.ActionChat)
	h.RecordFailure(mg.ActionChat)
	clk.Advance(6 * time.Minute)
	h.RecordFailure(mg.ActionChat)

	assert.Equal(t, mg.HealthHealthy, h.GetHealth(mg.ActionChat))
}

func TestHealth_HalfOpenTrial(t *testing.T) {
	clk := newClock(epoch)
	h := mg.NewHealthTracker(mg.WithHealthClock(clk.Now))
	for i := 0; i < 3; i++ {
		h.RecordFailure(mg.ActionEstimateCalories)
	}

	clk.Advance(30 * time.Second)
	assert.Equal(t, mg.HealthHalfOpen, h.GetHealth(mg.ActionEstimateCalories))
	assert.True(t, h.Available(mg.ActionEstimateCalories))

	// A failed trial reopens immediately.
	h.RecordFailure(mg.ActionEstimateCalories)
	assert.Equal(t, mg.HealthUnhealthy, h.GetHealth(mg.ActionEstimateCalories))

	clk.Advance(30 * time.Second)
	assert.Equal(t, mg.HealthHalfOpen, h.GetHealth(mg.ActionEstimateCalories))
	h.RecordSuccess(mg.ActionEstimateCalories)
	assert.Equal(t, mg.HealthHealthy, h.GetHealth(mg.ActionEstimateCalories))
}

func TestHealthState_String(t *testing.T) {
	assert.Equal(t, "healthy", mg.HealthHealthy.String())
	assert.Equal(t, "unhealthy", mg.HealthUnhealthy.String())
	assert.Equal(t, "half-open", mg.HealthHalfOpen.String())
	assert.Equal(t, "unknown", mg.HealthState(7).String())
}
