// Package history assembles the model-facing conversation context from
// stored messages.
package history

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bookpile/hondana/internal/models"
	"github.com/bookpile/hondana/internal/storage"
	"github.com/bookpile/hondana/pkg/utils"
)

// ErrContextUnavailable means history could not be read. Answering without
// history would silently change the model's behavior, so callers must fail
// the request instead of degrading.
var ErrContextUnavailable = errors.New("conversation context unavailable")

// Options bound the assembled context.
type Options struct {
	// MaxMessages caps how many stored messages are considered, newest first.
	MaxMessages int
	// TokenBudget caps the estimated token size of the assembled context.
	// Oldest messages are dropped first; the newest is never dropped.
	TokenBudget int
}

// Builder assembles chronological context windows. Ignored messages never
// appear in a window, and messages with a stored summary contribute the
// summary instead of the full text once they are old enough.
type Builder struct {
	store  storage.Store
	opts   Options
	logger *zap.Logger
}

// recentFullCount is how many of the newest messages always use full text
// rather than their summary.
const recentFullCount = 4

// NewBuilder creates a context builder.
func NewBuilder(store storage.Store, opts Options, logger *zap.Logger) *Builder {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 50
	}
	return &Builder{store: store, opts: opts, logger: logger}
}

// Build returns the context window for conversationID in chronological order.
// A conversation with no persisted messages yields an empty window.
func (b *Builder) Build(ctx context.Context, conversationID int64) ([]models.ContextMessage, error) {
	msgs, err := b.store.ListMessages(ctx, conversationID, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContextUnavailable, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	if len(msgs) > b.opts.MaxMessages {
		msgs = msgs[len(msgs)-b.opts.MaxMessages:]
	}

	window := make([]models.ContextMessage, len(msgs))
	for i, msg := range msgs {
		text := msg.Text
		if msg.Summary != "" && i < len(msgs)-recentFullCount {
			text = msg.Summary
		}
		window[i] = models.ContextMessage{Role: msg.Role, Content: text}
	}

	if b.opts.TokenBudget > 0 {
		window = b.trimToBudget(window, conversationID)
	}
	return window, nil
}

// trimToBudget drops oldest messages until the estimated token total fits.
// The newest message always survives even if it alone exceeds the budget.
func (b *Builder) trimToBudget(window []models.ContextMessage, conversationID int64) []models.ContextMessage {
	total := 0
	for _, m := range window {
		total += utils.EstimateTokens(m.Content)
	}
	dropped := 0
	for total > b.opts.TokenBudget && len(window) > 1 {
		total -= utils.EstimateTokens(window[0].Content)
		window = window[1:]
		dropped++
	}
	if dropped > 0 {
		b.logger.Debug("context trimmed to token budget",
			zap.Int64("conversation_id", conversationID),
			zap.Int("dropped", dropped),
			zap.Int("estimated_tokens", total))
	}
	return window
}
