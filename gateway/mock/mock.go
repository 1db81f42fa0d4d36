// Package mock provides a scripted AIGateway for tests and examples.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ineyio/mealgate"
)

// Gateway is a mock AI gateway.
type Gateway struct {
	latency    time.Duration
	failAfter  int
	staticErr  error
	analysis   mealgate.ImageAnalysis
	reply      string
	tokensUsed int64
	suggestion string

	analyzeCount atomic.Int64
	chatCount    atomic.Int64
	suggestCount atomic.Int64
}

var _ mealgate.AIGateway = (*Gateway)(nil)

// Option configures a mock Gateway.
type Option func(*Gateway)

// New creates a mock gateway with the given options.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		analysis: mealgate.ImageAnalysis{
			Valid:    true,
			Calories: "450",
			MealName: "Chicken salad",
		},
		reply:      "Hello from mock assistant",
		tokensUsed: 30,
		suggestion: "Grilled salmon with rice and steamed broccoli",
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(g *Gateway) { g.latency = d }
}

// WithFailAfter makes every call fail once N calls have succeeded.
func WithFailAfter(n int) Option {
	return func(g *Gateway) { g.failAfter = n }
}

// WithError makes the gateway always return this error.
func WithError(err error) Option {
	return func(g *Gateway) { g.staticErr = err }
}

// WithAnalysis sets the image analysis result.
func WithAnalysis(a mealgate.ImageAnalysis) Option {
	return func(g *Gateway) { g.analysis = a }
}

// WithReply sets the chat reply and the token usage it reports.
func WithReply(content string, tokensUsed int64) Option {
	return func(g *Gateway) {
		g.reply = content
		g.tokensUsed = tokensUsed
	}
}

// WithSuggestion sets the meal suggestion text.
func WithSuggestion(s string) Option {
	return func(g *Gateway) { g.suggestion = s }
}

func (g *Gateway) AnalyzeImage(ctx context.Context, _ string) (mealgate.ImageAnalysis, error) {
	if err := g.call(ctx, &g.analyzeCount); err != nil {
		return mealgate.ImageAnalysis{}, err
	}
	return g.analysis, nil
}

func (g *Gateway) Chat(ctx context.Context, _ mealgate.ChatRequest) (mealgate.ChatResult, error) {
	if err := g.call(ctx, &g.chatCount); err != nil {
		return mealgate.ChatResult{}, err
	}
	return mealgate.ChatResult{Content: g.reply, TokensUsed: g.tokensUsed}, nil
}

func (g *Gateway) SuggestMeal(ctx context.Context, _ mealgate.SuggestionRequest) (mealgate.MealSuggestion, error) {
	if err := g.call(ctx, &g.suggestCount); err != nil {
		return mealgate.MealSuggestion{}, err
	}
	return mealgate.MealSuggestion{Suggestion: g.suggestion}, nil
}

// AnalyzeCount returns the number of AnalyzeImage calls.
func (g *Gateway) AnalyzeCount() int64 { return g.analyzeCount.Load() }

// ChatCount returns the number of Chat calls.
func (g *Gateway) ChatCount() int64 { return g.chatCount.Load() }

// SuggestCount returns the number of SuggestMeal calls.
func (g *Gateway) SuggestCount() int64 { return g.suggestCount.Load() }

func (g *Gateway) call(ctx context.Context, counter *atomic.Int64) error {
	if g.latency > 0 {
		select {
		case <-time.After(g.latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	count := counter.Add(1)

	if g.staticErr != nil {
		return g.staticErr
	}
	if g.failAfter > 0 && int(count) > g.failAfter {
		return errUnavailable
	}
	return nil
}

type mockError string

func (e mockError) Error() string { return string(e) }

const errUnavailable = mockError("mock: gateway unavailable")
