package mealgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Canonical free-tier allowance, granted per window.
const (
	DefaultImageEstimations int64 = 5
	DefaultAssistantTokens  int64 = 5000
	DefaultWindow                 = 24 * time.Hour
)

const maxSwapAttempts = 8

// DefaultAllowance is the free-tier allowance used unless overridden.
var DefaultAllowance = Allowance{
	ImageEstimations: DefaultImageEstimations,
	AssistantTokens:  DefaultAssistantTokens,
}

// UsageLedger gates and meters the two free-tier pools of each user over a
// lazily rolled window.
type UsageLedger struct {
	store     UsageStore
	allowance Allowance
	window    time.Duration
	now       func() time.Time
}

// LedgerOption configures a UsageLedger.
type LedgerOption func(*UsageLedger)

// WithAllowance sets the per-window pool maxima.
func WithAllowance(a Allowance) LedgerOption {
	return func(l *UsageLedger) { l.allowance = a }
}

// WithWindow sets the window length (default 24h).
func WithWindow(d time.Duration) LedgerOption {
	return func(l *UsageLedger) { l.window = d }
}

// WithLedgerClock overrides time.Now.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *UsageLedger) { l.now = now }
}

// NewUsageLedger creates a ledger on top of store.
func NewUsageLedger(store UsageStore, opts ...LedgerOption) *UsageLedger {
	l := &UsageLedger{
		store:     store,
		allowance: DefaultAllowance,
		window:    DefaultWindow,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allowance returns the configured pool maxima.
func (l *UsageLedger) Allowance() Allowance { return l.allowance }

// GetOrCreate returns the user's record, creating it with full allowance on
// first use.
func (l *UsageLedger) GetOrCreate(ctx context.Context, userID string) (UsageRecord, error) {
	rec, err := l.store.GetUsage(ctx, userID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return UsageRecord{}, storeErr("get usage", err)
	}

	rec, err = l.store.CreateUsage(ctx, l.fresh(userID, l.timestamp()))
	if err != nil {
		return UsageRecord{}, storeErr("create usage", err)
	}
	return rec, nil
}

// ReconcileWindow resets both pools if the window has elapsed. A user idle for
// several windows rolls over once.
func (l *UsageLedger) ReconcileWindow(rec UsageRecord) UsageRecord {
	now := l.timestamp()
	if now.Sub(rec.LastResetAt) < l.window {
		return rec
	}
	rec.LastResetAt = now
	rec.ImageEstimationsRemaining = l.allowance.ImageEstimations
	rec.AssistantTokensRemaining = l.allowance.AssistantTokens
	return rec
}

// TryReserveImageEstimation takes one image estimation from the pool.
// The counter never goes below zero.
func (l *UsageLedger) TryReserveImageEstimation(ctx context.Context, userID string) (Decision, error) {
	rec, granted, err := l.mutate(ctx, userID, func(rec *UsageRecord) bool {
		if rec.ImageEstimationsRemaining <= 0 {
			return false
		}
		rec.ImageEstimationsRemaining--
		return true
	})
	if err != nil {
		return Decision{}, err
	}

	dec := Decision{Granted: granted, Remaining: rec.ImageEstimationsRemaining}
	if granted {
		dec.Reservation = Reservation{
			ID:          uuid.New().String(),
			UserID:      userID,
			Pool:        PoolImageEstimations,
			Amount:      1,
			WindowStart: rec.LastResetAt,
		}
	}
	return dec, nil
}

// TryReserveAssistantTokens admits a chat request while the token pool is
// positive. Nothing is deducted here; Commit charges the actual usage, so the
// pool can end up negative.
func (l *UsageLedger) TryReserveAssistantTokens(ctx context.Context, userID string, estimatedTokens int64) (Decision, error) {
	var granted bool
	rec, _, err := l.mutate(ctx, userID, func(rec *UsageRecord) bool {
		granted = rec.AssistantTokensRemaining > 0
		return false
	})
	if err != nil {
		return Decision{}, err
	}

	dec := Decision{Granted: granted, Remaining: rec.AssistantTokensRemaining}
	if granted {
		dec.Reservation = Reservation{
			ID:          uuid.New().String(),
			UserID:      userID,
			Pool:        PoolAssistantTokens,
			Amount:      estimatedTokens,
			WindowStart: rec.LastResetAt,
		}
	}
	return dec, nil
}

// Commit finalizes a reservation. Image estimations were paid at reservation
// time; assistant tokens are charged here with the actual amount.
func (l *UsageLedger) Commit(ctx context.Context, res Reservation, actualAmount int64) error {
	if res.Exempt || res.Pool != PoolAssistantTokens || actualAmount <= 0 {
		return nil
	}
	_, _, err := l.mutate(ctx, res.UserID, func(rec *UsageRecord) bool {
		rec.AssistantTokensRemaining -= actualAmount
		return true
	})
	return err
}

// Release returns an unused image estimation to its pool. It does nothing if
// the window rolled over since the reservation was taken.
func (l *UsageLedger) Release(ctx context.Context, res Reservation) error {
	if res.Exempt || res.Pool != PoolImageEstimations {
		return nil
	}
	_, _, err := l.mutate(ctx, res.UserID, func(rec *UsageRecord) bool {
		if !rec.LastResetAt.Equal(res.WindowStart) {
			return false
		}
		return l.credit(rec, res.Pool, res.Amount)
	})
	return err
}

// Refund adds amount back to a pool, capped at the window maximum.
func (l *UsageLedger) Refund(ctx context.Context, userID string, pool Pool, amount int64) (UsageRecord, error) {
	if pool != PoolImageEstimations && pool != PoolAssistantTokens {
		return UsageRecord{}, fmt.Errorf("%w: unknown pool %q", ErrInvalidRequest, pool)
	}
	rec, _, err := l.mutate(ctx, userID, func(rec *UsageRecord) bool {
		return l.credit(rec, pool, amount)
	})
	return rec, err
}

// Usage returns the user's reconciled balances without writing anything.
// Negative balances are shown as zero.
func (l *UsageLedger) Usage(ctx context.Context, userID string) (UsageSnapshot, error) {
	rec, err := l.store.GetUsage(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		rec = l.fresh(userID, l.timestamp())
	} else if err != nil {
		return UsageSnapshot{}, storeErr("get usage", err)
	}

	rec = l.ReconcileWindow(rec)
	return UsageSnapshot{
		UserID:                    userID,
		ImageEstimationsRemaining: max(rec.ImageEstimationsRemaining, 0),
		AssistantTokensRemaining:  max(rec.AssistantTokensRemaining, 0),
		ResetsAt:                  rec.LastResetAt.Add(l.window),
	}, nil
}

// mutate reconciles the user's record, applies fn and persists the result
// with compare-and-swap, retrying on lost races. fn reports whether it
// changed the record; a window rollover is persisted either way.
func (l *UsageLedger) mutate(ctx context.Context, userID string, fn func(rec *UsageRecord) bool) (UsageRecord, bool, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		prev, err := l.GetOrCreate(ctx, userID)
		if err != nil {
			return UsageRecord{}, false, err
		}

		next := l.ReconcileWindow(prev)
		rolled := !next.LastResetAt.Equal(prev.LastResetAt)
		changed := fn(&next)
		if !rolled && !changed {
			return next, false, nil
		}

		swapped, err := l.store.SwapUsage(ctx, prev, next)
		if err != nil {
			return UsageRecord{}, false, storeErr("swap usage", err)
		}
		if swapped {
			next.Version = prev.Version + 1
			return next, changed, nil
		}
	}
	return UsageRecord{}, false, fmt.Errorf("%w: usage of %s after %d attempts", ErrConflict, userID, maxSwapAttempts)
}

func (l *UsageLedger) credit(rec *UsageRecord, pool Pool, amount int64) bool {
	limit := l.allowance.Max(pool)
	current := rec.Remaining(pool)
	if amount <= 0 || current >= limit {
		return false
	}
	rec.add(pool, min(amount, limit-current))
	return true
}

// timestamp is the current time at the precision every store persists, so
// window starts compare equal after a round trip.
func (l *UsageLedger) timestamp() time.Time {
	return l.now().Truncate(time.Millisecond)
}

func (l *UsageLedger) fresh(userID string, now time.Time) UsageRecord {
	return UsageRecord{
		UserID:                    userID,
		LastResetAt:               now,
		ImageEstimationsRemaining: l.allowance.ImageEstimations,
		AssistantTokensRemaining:  l.allowance.AssistantTokens,
	}
}
