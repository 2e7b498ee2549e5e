// Package gateway wraps the model provider behind a stage-aware completion
// interface so every pipeline stage records which model spent which tokens.
package gateway

import (
	"context"
	"errors"

	"github.com/bookpile/hondana/internal/models"
)

// ErrModelUnavailable covers provider timeouts, rate limits, and malformed
// responses. The orchestrator treats it as fatal for the final stage and as a
// silent fallback for advisory stages.
var ErrModelUnavailable = errors.New("model unavailable")

// Completion is the parsed result of one model call.
type Completion struct {
	Text  string
	Model string
	Usage models.TokenUsage
}

// Options tunes a single completion call.
type Options struct {
	MaxTokens   int
	Temperature float32
	// JSONOnly constrains the output to a single JSON object; used by the
	// intent probe.
	JSONOnly bool
}

// Gateway is the boundary to the model provider. One Complete call per
// pipeline stage that needs a model; the scope is recorded verbatim on the
// resulting usage row.
type Gateway interface {
	Complete(ctx context.Context, scope models.Scope, msgs []models.ContextMessage, model string, opts Options) (*Completion, error)
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// EmbeddingModel names the model Embed uses, for usage attribution.
	EmbeddingModel() string
}
