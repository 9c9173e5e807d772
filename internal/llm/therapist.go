// Package llm wraps the chat model that turns gathered context into a reply.
package llm

import (
	"context"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/therapist/internal/domain"
)

// Defaults for Config.
const (
	DefaultBaseURL     = "http://localhost:11434/v1"
	DefaultModel       = "llama3.1"
	DefaultTemperature = 0.7
	DefaultMaxRetries  = 3
)

const systemPrompt = `You are a warm, supportive therapist. Listen carefully, reflect feelings back,
and offer practical, evidence-based coping ideas. You are not a substitute for professional care:
if the person mentions self-harm or danger, encourage them to contact local emergency services.

Use the background material below when it is relevant. Parts marked unavailable could not be retrieved;
do not mention them.

Background material:
%s`

// Config holds chat model settings.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxRetries  int
	Retry       *RetryConfig
	Logger      *zap.Logger
}

// Therapist generates replies with an OpenAI-compatible chat endpoint (Ollama by default).
// The client is acquired at construction and safe for concurrent use.
type Therapist struct {
	client      *openai.Client
	model       string
	temperature float32
	retry       RetryConfig
	logger      *zap.Logger
}

// New creates the chat wrapper.
func New(cfg Config) (*Therapist, error) {
	if cfg.MaxRetries < 0 {
		return nil, domain.ConfigError("llm.max_retries must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return nil, domain.ConfigError("llm.temperature must be in [0, 2], got %v", cfg.Temperature)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	retry := DefaultRetryConfig(cfg.MaxRetries)
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL

	return &Therapist{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		retry:       retry,
		logger:      cfg.Logger,
	}, nil
}

// Generate sends a single user prompt and returns the completion text.
func (t *Therapist) Generate(ctx context.Context, prompt string) (string, error) {
	return t.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	})
}

// Respond answers message using the combined retrieval context as background.
func (t *Therapist) Respond(ctx context.Context, message string, info domain.ContextInfo) (string, error) {
	return t.complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: BuildSystemPrompt(info)},
		{Role: openai.ChatMessageRoleUser, Content: message},
	})
}

// BuildSystemPrompt embeds the combined context into the system prompt.
func BuildSystemPrompt(info domain.ContextInfo) string {
	return fmt.Sprintf(systemPrompt, info.CombinedContext())
}

func (t *Therapist) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       t.model,
		Messages:    messages,
		Temperature: t.temperature,
	}
	// The request field is omitempty, so a literal 0 would fall back to the server default.
	if req.Temperature == 0 {
		req.Temperature = math.SmallestNonzeroFloat32
	}

	attempt := 0
	resp, err := retryWithBackoff(ctx, t.retry, func() (openai.ChatCompletionResponse, error) {
		attempt++
		r, err := t.client.CreateChatCompletion(ctx, req)
		if err != nil {
			t.logger.Warn("chat completion failed",
				zap.String("model", t.model),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return r, err
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", domain.ErrLLM, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", domain.ErrLLM)
	}

	t.logger.Debug("chat completion done",
		zap.String("model", t.model),
		zap.Int("attempts", attempt),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
