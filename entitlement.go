package mealgate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EntitlementResolver answers whether a user is VIP and applies plan changes.
type EntitlementResolver struct {
	store EntitlementStore
	now   func() time.Time
}

// ResolverOption configures an EntitlementResolver.
type ResolverOption func(*EntitlementResolver)

// WithResolverClock overrides time.Now.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *EntitlementResolver) { r.now = now }
}

// NewEntitlementResolver creates a resolver on top of store.
func NewEntitlementResolver(store EntitlementStore, opts ...ResolverOption) *EntitlementResolver {
	r := &EntitlementResolver{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsVIP reports whether the user holds an active, unexpired entitlement.
// It does not apply scheduled transitions; see Resolve.
func (r *EntitlementResolver) IsVIP(ctx context.Context, userKey string) (bool, error) {
	rec, err := r.get(ctx, userKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.vip(rec), nil
}

// Resolve applies a due scheduled transition and returns the resulting view.
// Users without a record resolve to a non-VIP entitlement.
func (r *EntitlementResolver) Resolve(ctx context.Context, userKey string) (Entitlement, error) {
	rec, err := r.ApplyScheduledTransition(ctx, userKey)
	if errors.Is(err, ErrNotFound) {
		return Entitlement{}, nil
	}
	if err != nil {
		return Entitlement{}, err
	}
	return Entitlement{VIP: r.vip(rec), Plan: rec.Plan, EndDate: rec.EndDate}, nil
}

// ApplyScheduledTransition swaps in the scheduled plan once the current one
// has ended. Without a scheduled plan an ended entitlement simply lapses.
func (r *EntitlementResolver) ApplyScheduledTransition(ctx context.Context, userKey string) (EntitlementRecord, error) {
	rec, err := r.get(ctx, userKey)
	if err != nil {
		return EntitlementRecord{}, err
	}

	now := r.now()
	if !rec.HasNext || rec.EndDate.After(now) {
		return rec, nil
	}

	rec.Plan = rec.NextPlan
	rec.PlanRaw = rec.NextPlanRaw
	rec.StartDate = now
	rec.EndDate = rec.Plan.End(now)
	clearScheduled(&rec)

	if err := r.put(ctx, rec); err != nil {
		return EntitlementRecord{}, err
	}
	return rec, nil
}

// Upgrade switches to a higher-ranked plan immediately, starting a new period now.
func (r *EntitlementResolver) Upgrade(ctx context.Context, userKey string, plan PlanType) (EntitlementRecord, error) {
	rec, err := r.current(ctx, userKey)
	if err != nil {
		return EntitlementRecord{}, err
	}
	if plan.Rank() <= rec.Plan.Rank() {
		return EntitlementRecord{}, fmt.Errorf("%w: %s -> %s", ErrPlanNotHigher, rec.Plan, plan)
	}

	now := r.now()
	rec.Plan = plan
	rec.PlanRaw = ""
	rec.StartDate = now
	rec.EndDate = plan.End(now)
	clearScheduled(&rec)

	if err := r.put(ctx, rec); err != nil {
		return EntitlementRecord{}, err
	}
	return rec, nil
}

// Downgrade schedules a lower-ranked plan for the current end date. The
// active plan and its end date are left untouched.
func (r *EntitlementResolver) Downgrade(ctx context.Context, userKey string, plan PlanType) (EntitlementRecord, error) {
	rec, err := r.current(ctx, userKey)
	if err != nil {
		return EntitlementRecord{}, err
	}
	if plan.Rank() >= rec.Plan.Rank() {
		return EntitlementRecord{}, fmt.Errorf("%w: %s -> %s", ErrPlanNotLower, rec.Plan, plan)
	}

	nextEnd := plan.End(rec.EndDate)
	rec.NextPlan = plan
	rec.NextPlanRaw = ""
	rec.HasNext = true
	rec.NextEndDate = &nextEnd

	if err := r.put(ctx, rec); err != nil {
		return EntitlementRecord{}, err
	}
	return rec, nil
}

// Purchase records a successful purchase of plan. A user without a live
// entitlement starts a fresh period; buying the current plan again extends
// it; other plans go through Upgrade or Downgrade.
func (r *EntitlementResolver) Purchase(ctx context.Context, userKey string, plan PlanType) (EntitlementRecord, error) {
	if !plan.Valid() {
		return EntitlementRecord{}, fmt.Errorf("%w: cannot purchase plan %s", ErrInvalidRequest, plan)
	}

	rec, err := r.ApplyScheduledTransition(ctx, userKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return EntitlementRecord{}, err
	}

	now := r.now()
	if errors.Is(err, ErrNotFound) || !r.vip(rec) {
		rec = EntitlementRecord{
			UserKey:   userKey,
			Plan:      plan,
			IsActive:  true,
			StartDate: now,
			EndDate:   plan.End(now),
		}
		if err := r.put(ctx, rec); err != nil {
			return EntitlementRecord{}, err
		}
		return rec, nil
	}

	switch {
	case plan.Rank() > rec.Plan.Rank():
		return r.Upgrade(ctx, userKey, plan)
	case plan.Rank() < rec.Plan.Rank():
		return r.Downgrade(ctx, userKey, plan)
	}

	rec.EndDate = plan.End(rec.EndDate)
	clearScheduled(&rec)
	if err := r.put(ctx, rec); err != nil {
		return EntitlementRecord{}, err
	}
	return rec, nil
}

// Cancel deactivates the entitlement and drops any scheduled change.
func (r *EntitlementResolver) Cancel(ctx context.Context, userKey string) error {
	rec, err := r.get(ctx, userKey)
	if errors.Is(err, ErrNotFound) {
		return ErrNoEntitlement
	}
	if err != nil {
		return err
	}
	rec.IsActive = false
	clearScheduled(&rec)
	return r.put(ctx, rec)
}

func (r *EntitlementResolver) vip(rec EntitlementRecord) bool {
	return rec.IsActive && rec.EndDate.After(r.now())
}

// current returns the record a plan change applies to.
func (r *EntitlementResolver) current(ctx context.Context, userKey string) (EntitlementRecord, error) {
	rec, err := r.ApplyScheduledTransition(ctx, userKey)
	if errors.Is(err, ErrNotFound) {
		return EntitlementRecord{}, ErrNoEntitlement
	}
	if err != nil {
		return EntitlementRecord{}, err
	}
	if !r.vip(rec) {
		return EntitlementRecord{}, ErrNoEntitlement
	}
	return rec, nil
}

func (r *EntitlementResolver) get(ctx context.Context, userKey string) (EntitlementRecord, error) {
	rec, err := r.store.GetEntitlement(ctx, userKey)
	if err != nil {
		return EntitlementRecord{}, storeErr("get entitlement", err)
	}
	return rec, nil
}

func (r *EntitlementResolver) put(ctx context.Context, rec EntitlementRecord) error {
	if err := r.store.PutEntitlement(ctx, rec); err != nil {
		return storeErr("put entitlement", err)
	}
	return nil
}

func clearScheduled(rec *EntitlementRecord) {
	rec.NextPlan = PlanUnknown
	rec.NextPlanRaw = ""
	rec.HasNext = false
	rec.NextEndDate = nil
}
