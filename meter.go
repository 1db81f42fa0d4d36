package mealgate

import "time"

// Meter observes gate activity for monitoring/logging.
type Meter interface {
	// OnDecision is called when a quota decision is made for an action.
	OnDecision(event DecisionEvent)

	// OnResult is called when the AI gateway returns for an action.
	OnResult(event ResultEvent)
}

// Action names a gated AI-backed action.
type Action string

const (
	ActionEstimateCalories Action = "estimate_calories"
	ActionChat             Action = "chat"
	ActionSuggestMeal      Action = "suggest_meal"
)

// DecisionEvent describes a quota decision.
type DecisionEvent struct {
	Action    Action
	UserID    string
	VIP       bool
	Granted   bool
	Pool      Pool
	Requested int64
	Remaining int64
}

// ResultEvent describes the outcome of a gateway call.
type ResultEvent struct {
	Action     Action
	UserID     string
	VIP        bool
	Success    bool
	Duration   time.Duration
	TokensUsed int64
	Refunded   bool
	Error      error
}

type noopMeter struct{}

func (m *noopMeter) OnDecision(DecisionEvent) {}
func (m *noopMeter) OnResult(ResultEvent)     {}
