// Package extractor implements the natural-language extractor on top of an
// OpenAI-compatible chat completion API.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tsangh5/BacktestGPT/internal/conversation"
	"github.com/tsangh5/BacktestGPT/internal/domain"
	"github.com/tsangh5/BacktestGPT/internal/registry"
)

const serviceName = "llm"

// ChatClient is the subset of *openai.Client the extractor needs.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Config holds the extractor settings.
type Config struct {
	Model          string
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
	RequestsPerSec float64
	Burst          int
}

// OpenAIExtractor asks a chat model to extract strategy fields.
type OpenAIExtractor struct {
	client  ChatClient
	cfg     Config
	system  string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient builds an *openai.Client, honouring a custom base URL for
// OpenAI-compatible gateways.
func NewClient(apiKey, baseURL string) *openai.Client {
	cc := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cc.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cc)
}

// New creates an extractor. The system prompt is rendered once from reg.
func New(client ChatClient, reg *registry.Registry, cfg Config, logger *zap.Logger) *OpenAIExtractor {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &OpenAIExtractor{
		client:  client,
		cfg:     cfg,
		system:  SystemPrompt(reg),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger.With(zap.String("component", "extractor"), zap.String("model", cfg.Model)),
	}
}

// Extract implements conversation.Extractor.
func (e *OpenAIExtractor) Extract(ctx context.Context, req conversation.ExtractionRequest) (domain.Extraction, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return domain.Extraction{}, domain.NewExternalServiceError(serviceName, "rate limit", err)
	}

	current, err := json.Marshal(req.Current)
	if err != nil {
		return domain.Extraction{}, fmt.Errorf("marshal current fields: %w", err)
	}

	start := time.Now()
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: e.system},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(req, string(current))},
		},
		Temperature:         e.cfg.Temperature,
		MaxCompletionTokens: e.cfg.MaxTokens,
		ResponseFormat:      &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		e.logger.Warn("Chat completion failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return domain.Extraction{}, domain.NewExternalServiceError(serviceName, "chat completion", describe(err))
	}
	if len(resp.Choices) == 0 {
		return domain.Extraction{}, domain.NewExternalServiceError(serviceName, "chat completion", errors.New("no choices returned"))
	}

	content := resp.Choices[0].Message.Content
	ext, err := ParseResponse(content)
	if err != nil {
		e.logger.Warn("Unparseable extraction", zap.Error(err), zap.Int("length", len(content)))
		return domain.Extraction{}, domain.NewExternalServiceError(serviceName, "parse response", err)
	}

	e.logger.Debug("Extracted fields",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
		zap.Bool("clarification", ext.Clarification != ""),
	)
	return ext, nil
}

// ParseResponse decodes the model's JSON answer. Text around the outermost
// object is ignored, since some models wrap it in prose or code fences.
func ParseResponse(content string) (domain.Extraction, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return domain.Extraction{}, errors.New("no JSON object in response")
	}

	var ext domain.Extraction
	if err := json.Unmarshal([]byte(content[start:end+1]), &ext); err != nil {
		return domain.Extraction{}, fmt.Errorf("decode extraction: %w", err)
	}
	ext.Clarification = strings.TrimSpace(ext.Clarification)
	return ext, nil
}

// describe keeps the API status in the wrapped error so Retryable and logs
// can see it.
func describe(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("status %d: %w", apiErr.HTTPStatusCode, err)
	}
	return err
}
