package mealgate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mg "github.com/ineyio/mealgate"
	"github.com/ineyio/mealgate/gateway/mock"
	"github.com/ineyio/mealgate/store/memory"
)

const mealPhoto = "https://cdn.example.com/meals/lunch.jpg"

var (
	freeUser = mg.Identity{UserID: "u-free", Email: "free@example.com"}
	vipUser  = mg.Identity{UserID: "u-vip", Email: "vip@example.com"}
)

type gateFixture struct {
	gate     *mg.Gate
	ledger   *mg.UsageLedger
	usage    *countingStore
	resolver *mg.EntitlementResolver
	gateway  *mock.Gateway
	meter    *recordingMeter
}

func newGateFixture(t *testing.T, gw *mock.Gateway, opts ...mg.GateOption) *gateFixture {
	t.Helper()
	clk := newClock(epoch)
	usage := &countingStore{UsageStore: memory.New()}
	ledger := mg.NewUsageLedger(usage, mg.WithLedgerClock(clk.Now))
	resolver := mg.NewEntitlementResolver(memory.New(), mg.WithResolverClock(clk.Now))
	m := &recordingMeter{}

	g, err := mg.NewGate(ledger, resolver, gw, append([]mg.GateOption{mg.WithMeter(m)}, opts...)...)
	require.NoError(t, err)

	_, err = resolver.Purchase(context.Background(), vipUser.Email, mg.PlanYearly)
	require.NoError(t, err)

	return &gateFixture{gate: g, ledger: ledger, usage: usage, resolver: resolver, gateway: gw, meter: m}
}

func TestNewGate_RequiresDependencies(t *testing.T) {
	_, err := mg.NewGate(nil, nil, mock.New())
	assert.Error(t, err)
}

func TestGate_VIPBypassesLedger(t *testing.T) {
	f := newGateFixture(t, mock.New())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.gate.EstimateCalories(ctx, vipUser, mealPhoto)
		require.NoError(t, err)
		_, err = f.gate.Chat(ctx, vipUser, mg.ChatRequest{Messages: []mg.Message{{Role: "user", Content: "hi"}}})
		require.NoError(t, err)
	}

	assert.Equal(t, int64(0), f.usage.calls.Load(), "usage store must not be touched")
	assert.Equal(t, int64(10), f.gateway.AnalyzeCount())
	assert.Equal(t, int64(10), f.gateway.ChatCount())
	for _, d := range f.meter.decisions {
		assert.True(t, d.VIP)
		assert.True(t, d.Granted)
	}
}

func TestGate_LapsedVIPUsesFreeTier(t *testing.T) {
	f := newGateFixture(t, mock.New())
	ctx := context.Background()
	require.NoError(t, f.resolver.Cancel(ctx, vipUser.Email))

	_, err := f.gate.EstimateCalories(ctx, vipUser, mealPhoto)
	require.NoError(t, err)

	snap, err := f.gate.Usage(ctx, vipUser)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.ImageEstimationsRemaining)
}

func TestGate_FreeTierExhaustion(t *testing.T) {
	f := newGateFixture(t, mock.New())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		analysis, err := f.gate.EstimateCalories(ctx, freeUser, mealPhoto)
		require.NoError(t, err)
		assert.Equal(t, "Chicken salad", analysis.MealName)
	}

	_, err := f.gate.EstimateCalories(ctx, freeUser, mealPhoto)
	require.Error(t, err)
	assert.ErrorIs(t, err, mg.ErrQuotaExhausted)
	assert.True(t, mg.IsDenied(err))

	var gerr *mg.GateError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, string(mg.ActionEstimateCalories), gerr.Op)
	assert.Equal(t, freeUser.UserID, gerr.UserID)

	assert.Equal(t, int64(5), f.gateway.AnalyzeCount(), "denied request never reaches the gateway")

	last := f.meter.decisions[len(f.meter.decisions)-1]
	assert.False(t, last.Granted)
	assert.Equal(t, mg.PoolImageEstimations, last.Pool)
}

func TestGate_GatewayFailureReleasesEstimation(t *testing.T) {
	f := newGateFixture(t, mock.New(mock.WithError(errors.New("upstream 500"))))
	ctx := context.Background()

	_, err := f.gate.EstimateCalories(ctx, freeUser, mealPhoto)
	require.Error(t, err)
	assert.ErrorIs(t, err, mg.ErrGatewayFailure)
	assert.False(t, mg.IsDenied(err))

	snap, err := f.gate.Usage(ctx, freeUser)
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.ImageEstimationsRemaining)

	require.Len(t, f.meter.results, 1)
	assert.False(t, f.meter.results[0].Success)
	assert.True(t, f.meter.results[0].Refunded)
}

func TestGate_ChargeFailedEstimations(t *testing.T) {
	f := newGateFixture(t, mock.New(mock.WithError(errors.New("upstream 500"))),
		mg.WithChargeFailedEstimations(true))
	ctx := context.Background()

	_, err := f.gate.EstimateCalories(ctx, freeUser, mealPhoto)
	assert.ErrorIs(t, err, mg.ErrGatewayFailure)

	snap, err := f.gate.Usage(ctx, freeUser)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.ImageEstimationsRemaining)
	assert.False(t, f.meter.results[0].Refunded)
}

func TestGate_NonFoodPhotoIsStillCharged(t *testing.T) {
	f := newGateFixture(t, mock.New(mock.WithAnalysis(mg.ImageAnalysis{Valid: false})))
	ctx := context.Background()

	analysis, err := f.gate.EstimateCalories(ctx, freeUser, mealPhoto)
	require.NoError(t, err)
	assert.False(t, analysis.Valid)

	snap, err := f.gate.Usage(ctx, freeUser)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.ImageEstimationsRemaining)
}

func TestGate_ChatChargesReportedTokens(t *testing.T) {
	f := newGateFixture(t, mock.New(mock.WithReply("Oats are a solid choice.", 1200)))
	ctx := context.Background()

	res, err := f.gate.Chat(ctx, freeUser, mg.ChatRequest{Messages: []mg.Message{{Role: "user", Content: "Oats?"}}})
	require.NoError(t, err)
	assert.Equal(t, int64(1200), res.TokensUsed)

	snap, err := f.gate.Usage(ctx, freeUser)
	require.NoError(t, err)
	assert.Equal(t, int64(3800), snap.AssistantTokensRemaining)
	assert.Equal(t, int64(5), snap.ImageEstimationsRemaining)

	assert.Equal(t, int64(1200), f.meter.results[0].TokensUsed)
}

func TestGate_ChatOverdraftThenDenied(t *testing.T) {
	f := newGateFixture(t, mock.New(mock.WithReply("long answer", 6000)))
	ctx := context.Background()
	req := mg.ChatRequest{Messages: []mg.Message{{Role: "user", Content: "Plan my week"}}}

	_, err := f.gate.Chat(ctx, freeUser, req)
	require.NoError(t, err)

	snap, err := f.gate.Usage(ctx, freeUser)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.AssistantTokensRemaining)

	_, err = f.gate.Chat(ctx, freeUser, req)
	assert.ErrorIs(t, err, mg.ErrQuotaExhausted)
	assert.Equal(t, int64(1), f.gateway.ChatCount())
}

func TestGate_ChatFailureCostsNothing(t *testing.T) {
	f := newGateFixture(t, mock.New(mock.WithError(errors.New("timeout"))))
	ctx := context.Background()

	_, err := f.gate.Chat(ctx, freeUser, mg.ChatRequest{Messages: []mg.Message{{Role: "user", Content: "hi"}}})
	assert.ErrorIs(t, err, mg.ErrGatewayFailure)

	snap, err := f.gate.Usage(ctx, freeUser)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), snap.AssistantTokensRemaining)
}

func TestGate_StoreFailureBlocksAction(t *testing.T) {
	gw := mock.New()
	ledger := mg.NewUsageLedger(brokenStore{})
	resolver := mg.NewEntitlementResolver(memory.New())
	g, err := mg.NewGate(ledger, resolver, gw)
	require.NoError(t, err)

	_, err = g.EstimateCalories(context.Background(), freeUser, mealPhoto)
	assert.ErrorIs(t, err, mg.ErrStoreUnavailable)
	assert.False(t, mg.IsDenied(err))
	assert.Equal(t, int64(0), gw.AnalyzeCount())

	_, err = g.Usage(context.Background(), freeUser)
	assert.ErrorIs(t, err, mg.ErrStoreUnavailable)
}

func TestGate_EntitlementStoreFailureBlocksAction(t *testing.T) {
	gw := mock.New()
	g, err := mg.NewGate(mg.NewUsageLedger(memory.New()), mg.NewEntitlementResolver(brokenStore{}), gw)
	require.NoError(t, err)

	_, err = g.Chat(context.Background(), freeUser, mg.ChatRequest{Messages: []mg.Message{{Role: "user", Content: "hi"}}})
	assert.ErrorIs(t, err, mg.ErrStoreUnavailable)
	assert.Equal(t, int64(0), gw.ChatCount())
}

func TestGate_AnonymousUserSkipsEntitlementLookup(t *testing.T) {
	g, err := mg.NewGate(mg.NewUsageLedger(memory.New()), mg.NewEntitlementResolver(brokenStore{}), mock.New())
	require.NoError(t, err)

	_, err = g.EstimateCalories(context.Background(), mg.Identity{UserID: "anon"}, mealPhoto)
	assert.NoError(t, err)
}

func TestGate_OpenBreakerFailsFast(t *testing.T) {
	f := newGateFixture(t, mock.New(mock.WithError(errors.New("upstream 503"))))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.gate.EstimateCalories(ctx, freeUser, mealPhoto)
		assert.ErrorIs(t, err, mg.ErrGatewayFailure)
	}
	calls := f.usage.calls.Load()

	_, err := f.gate.EstimateCalories(ctx, freeUser, mealPhoto)
	assert.ErrorIs(t, err, mg.ErrGatewayUnavailable)
	assert.Equal(t, int64(3), f.gateway.AnalyzeCount())
	assert.Equal(t, calls, f.usage.calls.Load(), "quota untouched while the breaker is open")

	// Chat has its own breaker.
	_, err = f.gate.Chat(ctx, freeUser, mg.ChatRequest{Messages: []mg.Message{{Role: "user", Content: "hi"}}})
	assert.ErrorIs(t, err, mg.ErrGatewayFailure)
}

func TestGate_SuggestMealIsNotGated(t *testing.T) {
	f := newGateFixture(t, mock.New(mock.WithSuggestion("Omelette with spinach")))
	ctx := context.Background()

	s, err := f.gate.SuggestMeal(ctx, freeUser, mg.SuggestionRequest{
		Items:    []string{"eggs", "spinach"},
		Language: "English",
		Profile:  mg.Profile{Age: 30, Goal: "lose weight"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Omelette with spinach", s.Suggestion)
	assert.Equal(t, int64(0), f.usage.calls.Load())
}

func TestGate_InvalidRequests(t *testing.T) {
	f := newGateFixture(t, mock.New())
	ctx := context.Background()

	_, err := f.gate.EstimateCalories(ctx, freeUser, "")
	assert.ErrorIs(t, err, mg.ErrInvalidRequest)
	_, err = f.gate.Chat(ctx, freeUser, mg.ChatRequest{})
	assert.ErrorIs(t, err, mg.ErrInvalidRequest)
	_, err = f.gate.SuggestMeal(ctx, freeUser, mg.SuggestionRequest{})
	assert.ErrorIs(t, err, mg.ErrInvalidRequest)

	assert.Equal(t, int64(0), f.usage.calls.Load())
}

func newGateOn(t *testing.T, usage mg.UsageStore, gw mg.AIGateway, m mg.Meter) *mg.Gate {
	t.Helper()
	g, err := mg.NewGate(mg.NewUsageLedger(usage), mg.NewEntitlementResolver(memory.New()), gw, mg.WithMeter(m))
	require.NoError(t, err)
	return g
}

func TestGate_TimedOutEstimationIsReleased(t *testing.T) {
	usage := ctxStore{UsageStore: memory.New()}
	m := &recordingMeter{}
	g := newGateOn(t, usage, mock.New(mock.WithLatency(200*time.Millisecond)), m)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.EstimateCalories(ctx, freeUser, mealPhoto)
	assert.ErrorIs(t, err, mg.ErrGatewayFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rec, err := usage.GetUsage(context.Background(), freeUser.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rec.ImageEstimationsRemaining)

	require.Len(t, m.results, 1)
	assert.True(t, m.results[0].Refunded)
}

// cancelingGateway cancels the caller's context while producing a reply.
type cancelingGateway struct {
	*mock.Gateway
	cancel context.CancelFunc
}

func (g cancelingGateway) Chat(ctx context.Context, req mg.ChatRequest) (mg.ChatResult, error) {
	g.cancel()
	return g.Gateway.Chat(ctx, req)
}

func TestGate_ChatChargedAfterCallerCancels(t *testing.T) {
	usage := ctxStore{UsageStore: memory.New()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := newGateOn(t, usage, cancelingGateway{Gateway: mock.New(mock.WithReply("ok", 250)), cancel: cancel}, &recordingMeter{})

	res, err := g.Chat(ctx, freeUser, mg.ChatRequest{Messages: []mg.Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)

	rec, err := usage.GetUsage(context.Background(), freeUser.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(4750), rec.AssistantTokensRemaining)
}

func TestGate_CommitFailureKeepsReply(t *testing.T) {
	gw := mock.New(mock.WithReply("Lentils are high in protein.", 80))
	m := &recordingMeter{}
	g := newGateOn(t, readOnlyStore{UsageStore: memory.New()}, gw, m)

	res, err := g.Chat(context.Background(), freeUser, mg.ChatRequest{Messages: []mg.Message{{Role: "user", Content: "Lentils?"}}})
	require.NoError(t, err)
	assert.Equal(t, "Lentils are high in protein.", res.Content)
	assert.Equal(t, int64(1), gw.ChatCount())

	require.Len(t, m.results, 1)
	assert.True(t, m.results[0].Success)
	assert.Equal(t, int64(80), m.results[0].TokensUsed)
}
