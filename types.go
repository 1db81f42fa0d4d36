package mealgate

import "time"

// UsageRecord is the persisted free-tier quota state of one user.
type UsageRecord struct {
	UserID string `json:"user_id"`

	// LastResetAt marks the start of the current quota window.
	LastResetAt time.Time `json:"last_usage_timestamp"`

	ImageEstimationsRemaining int64 `json:"max_calorie_api_usage_num_remaining"`

	// AssistantTokensRemaining may go negative: tokens are charged after the
	// provider reports actual usage.
	AssistantTokensRemaining int64 `json:"max_assistant_token_num_remaining"`

	// Version is managed by the store and drives compare-and-swap updates.
	Version int64 `json:"version"`
}

// Remaining returns the balance of the given pool.
func (r UsageRecord) Remaining(pool Pool) int64 {
	switch pool {
	case PoolImageEstimations:
		return r.ImageEstimationsRemaining
	case PoolAssistantTokens:
		return r.AssistantTokensRemaining
	default:
		return 0
	}
}

func (r *UsageRecord) add(pool Pool, delta int64) {
	switch pool {
	case PoolImageEstimations:
		r.ImageEstimationsRemaining += delta
	case PoolAssistantTokens:
		r.AssistantTokensRemaining += delta
	}
}

// Pool identifies one of the two independent free-tier allowances.
type Pool string

const (
	PoolImageEstimations Pool = "image_estimations"
	PoolAssistantTokens  Pool = "assistant_tokens"
)

// Allowance is the per-window maximum of each pool.
type Allowance struct {
	ImageEstimations int64 `yaml:"image_estimations"`
	AssistantTokens  int64 `yaml:"assistant_tokens"`
}

// Max returns the window maximum for a pool.
func (a Allowance) Max(pool Pool) int64 {
	switch pool {
	case PoolImageEstimations:
		return a.ImageEstimations
	case PoolAssistantTokens:
		return a.AssistantTokens
	default:
		return 0
	}
}

// Reservation represents a granted quota request.
type Reservation struct {
	ID     string
	UserID string
	Pool   Pool
	Amount int64
	// WindowStart pins the reservation to the window it was taken in.
	WindowStart time.Time
	// Exempt is set for VIP users; such reservations never touch the ledger.
	Exempt bool
}

// Decision is the outcome of a check-and-reserve call.
// A denial is a normal outcome, not an error.
type Decision struct {
	Granted     bool
	Reservation Reservation
	Remaining   int64
}

// UsageSnapshot is a display view of a user's quota.
type UsageSnapshot struct {
	UserID                    string
	ImageEstimationsRemaining int64
	AssistantTokensRemaining  int64
	ResetsAt                  time.Time
}

// EntitlementRecord is a user's subscription state, keyed by email.
type EntitlementRecord struct {
	UserKey   string
	Plan      PlanType
	IsActive  bool
	StartDate time.Time
	EndDate   time.Time

	// NextPlan is a downgrade scheduled for EndDate; PlanUnknown with
	// HasNext false means nothing is scheduled.
	NextPlan    PlanType
	HasNext     bool
	NextEndDate *time.Time

	// PlanRaw and NextPlanRaw hold the persisted plan strings, so a plan this
	// package does not recognize is written back unchanged.
	PlanRaw     string
	NextPlanRaw string
}

// PlanName returns the plan string to persist.
func (r EntitlementRecord) PlanName() string {
	return planName(r.Plan, r.PlanRaw)
}

// NextPlanName returns the scheduled plan string to persist.
func (r EntitlementRecord) NextPlanName() string {
	return planName(r.NextPlan, r.NextPlanRaw)
}

func planName(p PlanType, raw string) string {
	if !p.Valid() && raw != "" {
		return raw
	}
	return p.String()
}

// Entitlement is the resolved view of a user's subscription.
type Entitlement struct {
	VIP     bool
	Plan    PlanType
	EndDate time.Time
}

// Identity carries both keys of a user: the stable id keys usage records
// and the email keys subscriptions.
type Identity struct {
	UserID string
	Email  string
}

// Meal is a logged meal.
type Meal struct {
	ID      string
	UserID  string
	Type    MealType
	Name    string
	EatenAt time.Time
}

// FoodItem is a line item of a meal.
type FoodItem struct {
	ID       string
	MealID   string
	Name     string
	Calories int
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
