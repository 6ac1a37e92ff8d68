// Package agent implements the model-backed stages: query generation,
// detection and chat. Each talks to an OpenAI-compatible chat completion
// endpoint and runs in process behind a pipeline.LocalClient.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/graphide/graphide/internal/core/domain"
	"github.com/graphide/graphide/internal/pipeline"
	"github.com/graphide/graphide/internal/tokens"
)

// DefaultModel is used when a stage names no model. Self-hosted servers
// usually ignore it.
const DefaultModel = "default"

// ModelConfig configures a chat completion backend.
type ModelConfig struct {
	// BaseURL is the server root or its /v1 path.
	BaseURL string
	APIKey  string
	Model   string
	// MaxPromptTokens caps the prompt; zero disables trimming.
	MaxPromptTokens int
	HTTPClient      *http.Client
	Logger          *slog.Logger
}

// Model sends single-turn prompts to a chat completion endpoint.
type Model struct {
	client *openai.Client
	model  string
	budget *tokens.Budget
	logger *slog.Logger
}

// NewModel creates a model client for cfg.
func NewModel(cfg ModelConfig) *Model {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = NormalizeBaseURL(cfg.BaseURL)
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{
		client: openai.NewClientWithConfig(oc),
		model:  model,
		budget: tokens.NewBudget(model, cfg.MaxPromptTokens),
		logger: logger,
	}
}

// NormalizeBaseURL turns a server root or a full chat completions URL into
// the /v1 base the client expects.
func NormalizeBaseURL(url string) string {
	url = strings.TrimRight(url, "/")
	url = strings.TrimSuffix(url, "/chat/completions")
	if !strings.HasSuffix(url, "/v1") {
		url += "/v1"
	}
	return url
}

// Name returns the configured model name.
func (m *Model) Name() string { return m.model }

// Budget returns the prompt budget for this model.
func (m *Model) Budget() *tokens.Budget { return m.budget }

// Complete sends one system and user message and returns the reply text.
// Failures come back as classified stage errors.
func (m *Model) Complete(ctx context.Context, system, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}

	m.logger.Debug("sending prompt",
		slog.String("model", m.model),
		slog.Int("prompt_tokens", m.budget.Count(system+prompt)))

	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", domain.NewStageError(domain.ErrorInvalidResponse, "model %s returned no choices", m.model)
	}

	m.logger.Debug("received reply",
		slog.String("model", m.model),
		slog.String("finish_reason", string(resp.Choices[0].FinishReason)),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens))
	return resp.Choices[0].Message.Content, nil
}

// classify maps go-openai errors onto stage error kinds.
func classify(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return domain.NewStageError(pipeline.ClassifyStatus(apiErr.HTTPStatusCode), "model error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return domain.NewStageError(pipeline.ClassifyStatus(reqErr.HTTPStatusCode), "model request failed (status %d): %v", reqErr.HTTPStatusCode, reqErr.Err)
	}
	return pipeline.ClassifyError(ctx, err, domain.ErrorUnavailable)
}
