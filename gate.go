package mealgate

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// settleTimeout bounds ledger writes that run after the gateway returned.
const settleTimeout = 5 * time.Second

// Gate runs AI-backed actions behind the entitlement check and the usage
// ledger: VIP users pass straight through, everyone else spends free-tier
// quota.
type Gate struct {
	ledger       *UsageLedger
	entitlements *EntitlementResolver
	gateway      AIGateway
	meter        Meter
	health       *HealthTracker
	log          *slog.Logger

	chargeFailedEstimations bool
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithMeter sets the meter.
func WithMeter(m Meter) GateOption {
	return func(g *Gate) { g.meter = m }
}

// WithHealthTracker sets the gateway health tracker.
func WithHealthTracker(h *HealthTracker) GateOption {
	return func(g *Gate) { g.health = h }
}

// WithLogger sets the logger for failures the Gate recovers from.
func WithLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.log = l }
}

// WithChargeFailedEstimations keeps the image estimation spent when the
// gateway call fails instead of releasing it.
func WithChargeFailedEstimations(charge bool) GateOption {
	return func(g *Gate) { g.chargeFailedEstimations = charge }
}

// NewGate creates a Gate. Defaults (NoopMeter, fresh HealthTracker,
// slog.Default) are used unless overridden via options.
func NewGate(ledger *UsageLedger, entitlements *EntitlementResolver, gateway AIGateway, opts ...GateOption) (*Gate, error) {
	if ledger == nil || entitlements == nil || gateway == nil {
		return nil, fmt.Errorf("mealgate: ledger, entitlements and gateway are required")
	}

	g := &Gate{
		ledger:       ledger,
		entitlements: entitlements,
		gateway:      gateway,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.meter == nil {
		g.meter = &noopMeter{}
	}
	if g.health == nil {
		g.health = NewHealthTracker()
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	return g, nil
}

// EstimateCalories analyzes a meal photo, spending one image estimation for
// non-VIP users.
func (g *Gate) EstimateCalories(ctx context.Context, user Identity, imageURL string) (ImageAnalysis, error) {
	const action = ActionEstimateCalories
	if imageURL == "" {
		return ImageAnalysis{}, g.fail(action, user, fmt.Errorf("%w: empty image url", ErrInvalidRequest))
	}
	if !g.health.Available(action) {
		return ImageAnalysis{}, g.fail(action, user, ErrGatewayUnavailable)
	}

	res, err := g.admit(ctx, action, user, PoolImageEstimations, 1)
	if err != nil {
		return ImageAnalysis{}, g.fail(action, user, err)
	}

	start := time.Now()
	analysis, err := g.gateway.AnalyzeImage(ctx, imageURL)
	duration := time.Since(start)

	if err != nil {
		g.health.RecordFailure(action)
		refunded := false
		if !g.chargeFailedEstimations && !res.Exempt {
			settleCtx, cancel := settleContext(ctx)
			relErr := g.ledger.Release(settleCtx, res)
			cancel()
			if relErr != nil {
				g.log.Warn("release image estimation",
					"user", user.UserID,
					"reservation", res.ID,
					"error", relErr,
				)
			} else {
				refunded = true
			}
		}
		g.meter.OnResult(ResultEvent{
			Action:   action,
			UserID:   user.UserID,
			VIP:      res.Exempt,
			Success:  false,
			Duration: duration,
			Refunded: refunded,
			Error:    err,
		})
		return ImageAnalysis{}, g.fail(action, user, fmt.Errorf("%w: %w", ErrGatewayFailure, err))
	}

	g.health.RecordSuccess(action)
	g.commit(ctx, user, res, 1)
	g.meter.OnResult(ResultEvent{
		Action:   action,
		UserID:   user.UserID,
		VIP:      res.Exempt,
		Success:  true,
		Duration: duration,
	})
	return analysis, nil
}

// Chat runs one assistant turn. Non-VIP users are admitted while their token
// pool is positive and charged the tokens the provider reports.
func (g *Gate) Chat(ctx context.Context, user Identity, req ChatRequest) (ChatResult, error) {
	const action = ActionChat
	if len(req.Messages) == 0 {
		return ChatResult{}, g.fail(action, user, fmt.Errorf("%w: no messages", ErrInvalidRequest))
	}
	if !g.health.Available(action) {
		return ChatResult{}, g.fail(action, user, ErrGatewayUnavailable)
	}

	res, err := g.admit(ctx, action, user, PoolAssistantTokens, EstimateTokens(req.Messages))
	if err != nil {
		return ChatResult{}, g.fail(action, user, err)
	}

	start := time.Now()
	result, err := g.gateway.Chat(ctx, req)
	duration := time.Since(start)

	if err != nil {
		g.health.RecordFailure(action)
		g.meter.OnResult(ResultEvent{
			Action:   action,
			UserID:   user.UserID,
			VIP:      res.Exempt,
			Success:  false,
			Duration: duration,
			Error:    err,
		})
		return ChatResult{}, g.fail(action, user, fmt.Errorf("%w: %w", ErrGatewayFailure, err))
	}

	g.health.RecordSuccess(action)
	g.commit(ctx, user, res, result.TokensUsed)
	g.meter.OnResult(ResultEvent{
		Action:     action,
		UserID:     user.UserID,
		VIP:        res.Exempt,
		Success:    true,
		Duration:   duration,
		TokensUsed: result.TokensUsed,
	})
	return result, nil
}

// SuggestMeal asks the gateway for a meal suggestion. It is not quota-gated.
func (g *Gate) SuggestMeal(ctx context.Context, user Identity, req SuggestionRequest) (MealSuggestion, error) {
	const action = ActionSuggestMeal
	if len(req.Items) == 0 {
		return MealSuggestion{}, g.fail(action, user, fmt.Errorf("%w: no items", ErrInvalidRequest))
	}
	if !g.health.Available(action) {
		return MealSuggestion{}, g.fail(action, user, ErrGatewayUnavailable)
	}

	start := time.Now()
	suggestion, err := g.gateway.SuggestMeal(ctx, req)
	duration := time.Since(start)

	if err != nil {
		g.health.RecordFailure(action)
		g.meter.OnResult(ResultEvent{Action: action, UserID: user.UserID, Duration: duration, Error: err})
		return MealSuggestion{}, g.fail(action, user, fmt.Errorf("%w: %w", ErrGatewayFailure, err))
	}

	g.health.RecordSuccess(action)
	g.meter.OnResult(ResultEvent{Action: action, UserID: user.UserID, Success: true, Duration: duration})
	return suggestion, nil
}

// Usage returns the user's remaining free-tier quota for display.
func (g *Gate) Usage(ctx context.Context, user Identity) (UsageSnapshot, error) {
	snap, err := g.ledger.Usage(ctx, user.UserID)
	if err != nil {
		return UsageSnapshot{}, g.fail("usage", user, err)
	}
	return snap, nil
}

// admit resolves the user's entitlement and, for non-VIP users, asks the
// ledger for quota. VIP users get an exempt reservation and the ledger is
// never consulted.
func (g *Gate) admit(ctx context.Context, action Action, user Identity, pool Pool, amount int64) (Reservation, error) {
	var ent Entitlement
	if user.Email != "" {
		var err error
		ent, err = g.entitlements.Resolve(ctx, user.Email)
		if err != nil {
			return Reservation{}, err
		}
	}

	if ent.VIP {
		if !ent.Plan.Valid() {
			g.log.Warn("vip entitlement with unrecognized plan",
				"user", user.UserID,
				"error", ErrInvalidEntitlementState,
			)
		}
		g.meter.OnDecision(DecisionEvent{
			Action:    action,
			UserID:    user.UserID,
			VIP:       true,
			Granted:   true,
			Pool:      pool,
			Requested: amount,
		})
		return Reservation{UserID: user.UserID, Pool: pool, Amount: amount, Exempt: true}, nil
	}

	var (
		dec Decision
		err error
	)
	switch pool {
	case PoolImageEstimations:
		dec, err = g.ledger.TryReserveImageEstimation(ctx, user.UserID)
	case PoolAssistantTokens:
		dec, err = g.ledger.TryReserveAssistantTokens(ctx, user.UserID, amount)
	default:
		err = fmt.Errorf("%w: unknown pool %q", ErrInvalidRequest, pool)
	}
	if err != nil {
		return Reservation{}, err
	}

	g.meter.OnDecision(DecisionEvent{
		Action:    action,
		UserID:    user.UserID,
		Granted:   dec.Granted,
		Pool:      pool,
		Requested: amount,
		Remaining: dec.Remaining,
	})
	if !dec.Granted {
		return Reservation{}, ErrQuotaExhausted
	}
	return dec.Reservation, nil
}

// commit charges a reservation after a successful gateway call. The call has
// already happened and been paid for, so a failed charge is logged and the
// result is still returned.
func (g *Gate) commit(ctx context.Context, user Identity, res Reservation, actual int64) {
	settleCtx, cancel := settleContext(ctx)
	defer cancel()
	if err := g.ledger.Commit(settleCtx, res, actual); err != nil {
		g.log.Warn("commit usage",
			"user", user.UserID,
			"reservation", res.ID,
			"pool", res.Pool,
			"amount", actual,
			"error", err,
		)
	}
}

// settleContext keeps the caller's values but not its deadline or
// cancellation, which may be what just failed the gateway call.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (g *Gate) fail(op Action, user Identity, err error) error {
	return &GateError{Err: err, Op: string(op), UserID: user.UserID}
}
