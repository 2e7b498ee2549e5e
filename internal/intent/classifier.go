// Package intent classifies user messages to decide whether knowledge
// retrieval should run.
package intent

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/bookpile/hondana/internal/gateway"
	"github.com/bookpile/hondana/internal/models"
)

// Intent is the closed set of recognized intents.
type Intent string

const (
	// IntentPlain is ordinary conversation; no retrieval runs.
	IntentPlain Intent = "plain"
	// IntentBookRequest asks for book recommendations or information.
	IntentBookRequest Intent = "book_request"
)

// Result is one classification outcome.
type Result struct {
	Intent     Intent
	Confidence float64
	// Degraded marks a fallback result after a failed or malformed
	// classification. The request still proceeds as plain conversation.
	Degraded bool
	Usage    models.TokenUsage
}

const systemPrompt = `You classify a chat message for a book recommendation assistant.
Reply with a JSON object: {"intent": "<plain|book_request>", "confidence": <0..1>}.
Use "book_request" only when the user is asking for book recommendations,
book suggestions, or information about books. Everything else is "plain".`

// Classifier runs a single structured model call per message. Classification
// is advisory: every failure path degrades to plain conversation instead of
// failing the request.
type Classifier struct {
	gw gateway.Gateway
	// model used for classification calls.
	model string
	// confidenceThreshold below which a book_request is treated as plain.
	confidenceThreshold float64
	logger              *zap.Logger
}

// NewClassifier creates a classifier using the given model.
func NewClassifier(gw gateway.Gateway, model string, confidenceThreshold float64, logger *zap.Logger) *Classifier {
	return &Classifier{gw: gw, model: model, confidenceThreshold: confidenceThreshold, logger: logger}
}

// Model returns the model used for classification calls, for usage
// attribution.
func (c *Classifier) Model() string {
	return c.model
}

type wirePayload struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Classify returns the intent of text. The returned result is always usable.
func (c *Classifier) Classify(ctx context.Context, text string) *Result {
	msgs := []models.ContextMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: text},
	}
	completion, err := c.gw.Complete(ctx, models.ScopeIntent, msgs, c.model, gateway.Options{
		MaxTokens:   64,
		Temperature: 0,
		JSONOnly:    true,
	})
	if err != nil {
		c.logger.Warn("intent classification degraded", zap.Error(err))
		return &Result{Intent: IntentPlain, Degraded: true}
	}

	result := c.parse(completion.Text)
	result.Usage = completion.Usage
	return result
}

// parse maps the raw model output onto the closed intent set. Anything
// unexpected degrades to plain.
func (c *Classifier) parse(raw string) *Result {
	var payload wirePayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &payload); err != nil {
		c.logger.Warn("intent response not valid JSON", zap.String("raw", raw), zap.Error(err))
		return &Result{Intent: IntentPlain, Degraded: true}
	}

	switch Intent(payload.Intent) {
	case IntentBookRequest:
		if payload.Confidence < c.confidenceThreshold {
			return &Result{Intent: IntentPlain, Confidence: payload.Confidence}
		}
		return &Result{Intent: IntentBookRequest, Confidence: payload.Confidence}
	case IntentPlain:
		return &Result{Intent: IntentPlain, Confidence: payload.Confidence}
	default:
		c.logger.Warn("unknown intent label", zap.String("intent", payload.Intent))
		return &Result{Intent: IntentPlain, Degraded: true}
	}
}
