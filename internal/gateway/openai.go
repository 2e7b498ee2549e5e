package gateway

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/bookpile/hondana/internal/models"
	"github.com/bookpile/hondana/pkg/utils"
)

// OpenAIGateway implements Gateway using the OpenAI chat completions and
// embeddings APIs.
type OpenAIGateway struct {
	client         *openai.Client
	embeddingModel string
	logger         *zap.Logger
}

// NewOpenAIGateway creates a gateway. baseURL may be empty for the default
// endpoint; embeddingModel names the model used for Embed.
func NewOpenAIGateway(apiKey, baseURL, embeddingModel string, logger *zap.Logger) *OpenAIGateway {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGateway{
		client:         openai.NewClientWithConfig(cfg),
		embeddingModel: embeddingModel,
		logger:         logger,
	}
}

// Complete sends one chat completion request and parses text plus token usage.
// Any provider failure or malformed response surfaces as ErrModelUnavailable.
func (g *OpenAIGateway) Complete(ctx context.Context, scope models.Scope, msgs []models.ContextMessage, model string, opts Options) (*Completion, error) {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toChatMessages(msgs),
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if opts.JSONOnly {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		g.logger.Warn("completion failed",
			zap.String("scope", string(scope)),
			zap.String("model", model),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %s call to %s: %v", ErrModelUnavailable, scope, model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: %s call to %s returned no choices", ErrModelUnavailable, scope, model)
	}

	usage := models.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if resp.Usage.PromptTokensDetails != nil {
		usage.CachedTokens = resp.Usage.PromptTokensDetails.CachedTokens
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	g.logger.Debug("completion received",
		zap.String("scope", string(scope)),
		zap.String("model", model),
		zap.Int("output_tokens", usage.OutputTokens),
		zap.String("text", utils.Truncate(text, 200)))

	return &Completion{
		Text:  text,
		Model: model,
		Usage: usage,
	}, nil
}

// Embed returns one embedding per text via the configured embedding model.
func (g *OpenAIGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := g.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(g.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embedding call: %v", ErrModelUnavailable, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: embedding call returned %d vectors for %d texts", ErrModelUnavailable, len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// EmbeddingModel returns the configured embedding model name.
func (g *OpenAIGateway) EmbeddingModel() string {
	return g.embeddingModel
}

func toChatMessages(msgs []models.ContextMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		out[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}
