package mealgate

import (
	"context"
	"strconv"
	"strings"
)

// AIGateway is the remote AI capability consumed by the Gate.
type AIGateway interface {
	// AnalyzeImage estimates the calories of the meal in an uploaded photo.
	AnalyzeImage(ctx context.Context, imageURL string) (ImageAnalysis, error)

	// Chat runs one assistant turn and reports the tokens it used.
	Chat(ctx context.Context, req ChatRequest) (ChatResult, error)

	// SuggestMeal proposes a meal from the given items for a user profile.
	SuggestMeal(ctx context.Context, req SuggestionRequest) (MealSuggestion, error)
}

// ImageAnalysis is the result of a photo estimation. Valid is false when the
// photo does not show food.
type ImageAnalysis struct {
	Valid    bool   `json:"valid"`
	Calories string `json:"calories"`
	MealName string `json:"mealName"`
}

// CalorieCount parses the leading integer of Calories ("450", "450 kcal").
func (a ImageAnalysis) CalorieCount() (int, bool) {
	s := strings.TrimSpace(a.Calories)
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ChatRequest is a chat turn for the nutrition assistant.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

// ChatResult is the assistant reply with the provider-reported token usage.
type ChatResult struct {
	Content    string `json:"content"`
	TokensUsed int64  `json:"tokensUsed"`
}

// Profile describes the user a meal is suggested for.
type Profile struct {
	Age                int     `json:"age,omitempty"`
	Gender             string  `json:"gender,omitempty"`
	HeightCm           float64 `json:"heightCm,omitempty"`
	WeightKg           float64 `json:"weightKg,omitempty"`
	Goal               string  `json:"goal,omitempty"`
	DailyCalorieTarget int     `json:"dailyCalorieTarget,omitempty"`
}

// SuggestionRequest asks for a meal built from the given items.
type SuggestionRequest struct {
	Items    []string `json:"items"`
	Language string   `json:"language"`
	Profile  Profile  `json:"profile"`
}

// MealSuggestion is a free-text meal proposal.
type MealSuggestion struct {
	Suggestion string `json:"suggestion"`
}
