// Package openaicompat implements mealgate.AIGateway on top of any
// OpenAI-compatible chat-completions API (OpenAI, Gemini's OpenAI endpoint,
// Ollama, serverless proxies).
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/mealgate"
)

// Errors returned by the gateway.
var (
	ErrRateLimited = errors.New("openaicompat: rate limited")
	ErrAuthFailed  = errors.New("openaicompat: authentication failed")
	ErrBadRequest  = errors.New("openaicompat: bad request")
	ErrUnavailable = errors.New("openaicompat: provider unavailable")
	ErrBadResponse = errors.New("openaicompat: malformed response")
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultChatModel   = "gpt-4o-mini"
	defaultVisionModel = "gpt-4o"

	analyzePrompt = `You are a nutrition assistant. Look at the meal photo and answer with JSON only:
{"valid": true|false, "calories": "<estimated total kcal as a number>", "mealName": "<short meal name>"}.
Set "valid" to false when the photo does not show food.`

	suggestPrompt = `You are a nutrition assistant. Suggest one meal built from the listed ingredients
that fits the user's profile. Answer in %s, in at most five sentences.`
)

// Gateway is an OpenAI-compatible AI gateway.
type Gateway struct {
	baseURL     string
	apiKey      string
	chatModel   string
	visionModel string
	httpClient  *http.Client
}

var _ mealgate.AIGateway = (*Gateway)(nil)

// Option configures the gateway.
type Option func(*Gateway)

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) Option {
	return func(g *Gateway) { g.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.httpClient = c }
}

// WithChatModel sets the default model for chat and suggestions.
func WithChatModel(model string) Option {
	return func(g *Gateway) { g.chatModel = model }
}

// WithVisionModel sets the model used for photo analysis.
func WithVisionModel(model string) Option {
	return func(g *Gateway) { g.visionModel = model }
}

// New creates a gateway authenticating with apiKey.
func New(apiKey string, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL:     defaultBaseURL,
		apiKey:      apiKey,
		chatModel:   defaultChatModel,
		visionModel: defaultVisionModel,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewFromConfig creates a gateway from the gateway section of the config.
// Empty fields keep their defaults.
func NewFromConfig(cfg mealgate.GatewayConfig, opts ...Option) *Gateway {
	var base []Option
	if cfg.BaseURL != "" {
		base = append(base, WithBaseURL(cfg.BaseURL))
	}
	if cfg.ChatModel != "" {
		base = append(base, WithChatModel(cfg.ChatModel))
	}
	if cfg.VisionModel != "" {
		base = append(base, WithVisionModel(cfg.VisionModel))
	}
	return New(cfg.APIKey, append(base, opts...)...)
}

// apiRequest is the chat completion request format.
type apiRequest struct {
	Model          string          `json:"model"`
	Messages       []apiMessage    `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

// apiMessage content is either a string or a list of content parts.
type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// apiResponse is the chat completion response format.
type apiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// AnalyzeImage sends the photo to the vision model and parses its JSON answer.
func (g *Gateway) AnalyzeImage(ctx context.Context, url string) (mealgate.ImageAnalysis, error) {
	req := apiRequest{
		Model: g.visionModel,
		Messages: []apiMessage{
			{Role: "system", Content: analyzePrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: "Estimate the calories of this meal."},
				{Type: "image_url", ImageURL: &imageURL{URL: url}},
			}},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	resp, err := g.complete(ctx, req)
	if err != nil {
		return mealgate.ImageAnalysis{}, err
	}

	var analysis mealgate.ImageAnalysis
	content := stripCodeFence(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &analysis); err != nil {
		return mealgate.ImageAnalysis{}, fmt.Errorf("%w: analysis: %v", ErrBadResponse, err)
	}
	return analysis, nil
}

// Chat runs one assistant turn.
func (g *Gateway) Chat(ctx context.Context, req mealgate.ChatRequest) (mealgate.ChatResult, error) {
	model := req.Model
	if model == "" {
		model = g.chatModel
	}
	msgs := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = apiMessage{Role: m.Role, Content: m.Content}
	}

	resp, err := g.complete(ctx, apiRequest{Model: model, Messages: msgs})
	if err != nil {
		return mealgate.ChatResult{}, err
	}
	return mealgate.ChatResult{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

// SuggestMeal asks the chat model for a meal built from req.Items.
func (g *Gateway) SuggestMeal(ctx context.Context, req mealgate.SuggestionRequest) (mealgate.MealSuggestion, error) {
	language := req.Language
	if language == "" {
		language = "English"
	}
	profile, err := json.Marshal(req.Profile)
	if err != nil {
		return mealgate.MealSuggestion{}, fmt.Errorf("openaicompat: marshal profile: %w", err)
	}

	resp, err := g.complete(ctx, apiRequest{
		Model: g.chatModel,
		Messages: []apiMessage{
			{Role: "system", Content: fmt.Sprintf(suggestPrompt, language)},
			{Role: "user", Content: fmt.Sprintf("Ingredients: %s\nProfile: %s",
				strings.Join(req.Items, ", "), profile)},
		},
	})
	if err != nil {
		return mealgate.MealSuggestion{}, err
	}
	return mealgate.MealSuggestion{Suggestion: strings.TrimSpace(resp.Choices[0].Message.Content)}, nil
}

func (g *Gateway) complete(ctx context.Context, body apiRequest) (apiResponse, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return apiResponse{}, fmt.Errorf("openaicompat: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return apiResponse{}, fmt.Errorf("openaicompat: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return apiResponse{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return apiResponse{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return apiResponse{}, fmt.Errorf("%w: decode: %v", ErrBadResponse, err)
	}
	if len(resp.Choices) == 0 {
		return apiResponse{}, fmt.Errorf("%w: empty choices", ErrBadResponse)
	}
	return resp, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrBadRequest, string(body))
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
}

// stripCodeFence removes a ```json fence some models wrap JSON answers in.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
