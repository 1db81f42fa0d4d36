package mealgate_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	mg "github.com/ineyio/mealgate"
)

var epoch = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock { return &clock{now: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingStore records how often the wrapped usage store is touched.
type countingStore struct {
	mg.UsageStore
	calls atomic.Int64
}

func (s *countingStore) GetUsage(ctx context.Context, userID string) (mg.UsageRecord, error) {
	s.calls.Add(1)
	return s.UsageStore.GetUsage(ctx, userID)
}

func (s *countingStore) CreateUsage(ctx context.Context, rec mg.UsageRecord) (mg.UsageRecord, error) {
	s.calls.Add(1)
	return s.UsageStore.CreateUsage(ctx, rec)
}

func (s *countingStore) SwapUsage(ctx context.Context, prev, next mg.UsageRecord) (bool, error) {
	s.calls.Add(1)
	return s.UsageStore.SwapUsage(ctx, prev, next)
}

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connection refused")

// brokenStore fails every call.
type brokenStore struct{}

func (brokenStore) GetUsage(context.Context, string) (mg.UsageRecord, error) {
	return mg.UsageRecord{}, errConnRefused
}

func (brokenStore) CreateUsage(context.Context, mg.UsageRecord) (mg.UsageRecord, error) {
	return mg.UsageRecord{}, errConnRefused
}

func (brokenStore) SwapUsage(context.Context, mg.UsageRecord, mg.UsageRecord) (bool, error) {
	return false, errConnRefused
}

func (brokenStore) GetEntitlement(context.Context, string) (mg.EntitlementRecord, error) {
	return mg.EntitlementRecord{}, errConnRefused
}

func (brokenStore) PutEntitlement(context.Context, mg.EntitlementRecord) error {
	return errConnRefused
}

func (brokenStore) MealsBetween(context.Context, string, time.Time, time.Time) ([]mg.Meal, error) {
	return nil, errConnRefused
}

func (brokenStore) FoodItems(context.Context, []string) ([]mg.FoodItem, error) {
	return nil, errConnRefused
}

// recordingMeter keeps every event it sees.
type recordingMeter struct {
	mu        sync.Mutex
	decisions []mg.DecisionEvent
	results   []mg.ResultEvent
}

func (m *recordingMeter) OnDecision(e mg.DecisionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, e)
}

func (m *recordingMeter) OnResult(e mg.ResultEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, e)
}

// ctxStore fails calls on a done context, the way network stores do.
type ctxStore struct {
	mg.UsageStore
}

func (s ctxStore) GetUsage(ctx context.Context, userID string) (mg.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return mg.UsageRecord{}, err
	}
	return s.UsageStore.GetUsage(ctx, userID)
}

func (s ctxStore) CreateUsage(ctx context.Context, rec mg.UsageRecord) (mg.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return mg.UsageRecord{}, err
	}
	return s.UsageStore.CreateUsage(ctx, rec)
}

func (s ctxStore) SwapUsage(ctx context.Context, prev, next mg.UsageRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.UsageStore.SwapUsage(ctx, prev, next)
}

var errWriteTimeout = errors.New("write timeout")

// readOnlyStore serves reads and creation but fails every update.
type readOnlyStore struct {
	mg.UsageStore
}

func (readOnlyStore) SwapUsage(context.Context, mg.UsageRecord, mg.UsageRecord) (bool, error) {
	return false, errWriteTimeout
}
