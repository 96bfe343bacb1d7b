package openai

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/jagalchi-dev/aicore/internal/domain"
	"github.com/jagalchi-dev/aicore/internal/metrics"
)

// Generator implements the Generate capability via an OpenAI-compatible
// chat completion API. Retry policy belongs to the caller; a failure here
// is terminal for the current pipeline invocation.
type Generator struct {
	client       *openai.Client
	defaultModel string
	provider     string
	logger       *zap.Logger
}

// GeneratorConfig holds the generation provider settings.
type GeneratorConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Provider     string
	Logger       *zap.Logger
}

// NewGenerator creates an OpenAI-compatible generation provider.
func NewGenerator(cfg *GeneratorConfig) *Generator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Generator{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		provider:     cfg.Provider,
		logger:       cfg.Logger,
	}
}

// Generate implements domain.Generator.
func (g *Generator) Generate(ctx context.Context, prompt string, params domain.GenerateParams) (string, error) {
	model := params.Model
	if model == "" {
		model = g.defaultModel
	}

	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, req)
	duration := time.Since(start)

	if err != nil {
		metrics.GenerationRequestsTotal.WithLabelValues(g.provider, model, "error").Inc()
		return "", parseAPIError(err, domain.ErrGeneration)
	}
	if len(resp.Choices) == 0 {
		metrics.GenerationRequestsTotal.WithLabelValues(g.provider, model, "error").Inc()
		return "", fmt.Errorf("empty completion response: %w", domain.ErrGeneration)
	}

	metrics.GenerationRequestsTotal.WithLabelValues(g.provider, model, "success").Inc()
	metrics.GenerationRequestDuration.WithLabelValues(g.provider, model).Observe(duration.Seconds())
	domain.UsageFromContext(ctx).AddGenerationTokens(resp.Usage.TotalTokens)

	return resp.Choices[0].Message.Content, nil
}
