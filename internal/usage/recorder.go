// Package usage persists per-stage token usage rows and aggregates them into
// message and conversation totals.
package usage

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bookpile/hondana/internal/models"
	"github.com/bookpile/hondana/internal/pricing"
	"github.com/bookpile/hondana/internal/storage"
)

// Recorder is the only writer of usage rows. Rows are append-only and priced
// at insertion time with the pricing engine's single rounding rule, so
// aggregation is a pure reproducible sum.
type Recorder struct {
	store  storage.Store
	pricer *pricing.Engine
	logger *zap.Logger
}

// NewRecorder creates a recorder over the given store and pricing engine.
func NewRecorder(store storage.Store, pricer *pricing.Engine, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, pricer: pricer, logger: logger}
}

// Record prices the call and appends one ledger row for messageID. A pricing
// failure (unknown model) is returned, never swallowed: the system must not
// silently charge zero.
func (r *Recorder) Record(ctx context.Context, messageID int64, scope models.Scope, model string, tokens models.TokenUsage) (*models.UsageDetail, error) {
	price, err := r.pricer.Price(model, tokens.InputTokens, tokens.OutputTokens, tokens.CachedTokens)
	if err != nil {
		return nil, fmt.Errorf("price %s usage: %w", scope, err)
	}
	detail := &models.UsageDetail{
		MessageID:    messageID,
		Scope:        scope,
		Model:        model,
		InputTokens:  tokens.InputTokens,
		OutputTokens: tokens.OutputTokens,
		CachedTokens: tokens.CachedTokens,
		Price:        price,
	}
	if err := r.store.SaveUsage(ctx, detail); err != nil {
		return nil, fmt.Errorf("save %s usage: %w", scope, err)
	}
	r.logger.Debug("usage recorded",
		zap.Int64("message_id", messageID),
		zap.String("scope", string(scope)),
		zap.String("model", model),
		zap.Int("input_tokens", tokens.InputTokens),
		zap.Int("output_tokens", tokens.OutputTokens),
		zap.String("price", price.String()))
	return detail, nil
}

// MessageUsage returns a message's usage rows in insertion order plus their sum.
func (r *Recorder) MessageUsage(ctx context.Context, messageID int64) ([]*models.UsageDetail, models.UsageTotal, error) {
	rows, err := r.store.UsageForMessage(ctx, messageID)
	if err != nil {
		return nil, models.UsageTotal{}, err
	}
	return rows, Sum(rows), nil
}

// ConversationUsage returns all usage rows across the conversation's
// non-ignored messages plus their sum.
func (r *Recorder) ConversationUsage(ctx context.Context, conversationID int64) ([]*models.UsageDetail, models.UsageTotal, error) {
	rows, err := r.store.UsageForConversation(ctx, conversationID)
	if err != nil {
		return nil, models.UsageTotal{}, err
	}
	return rows, Sum(rows), nil
}

// Sum is a pure fold over usage rows.
func Sum(rows []*models.UsageDetail) models.UsageTotal {
	total := models.UsageTotal{Price: decimal.Zero}
	for _, row := range rows {
		total.InputTokens += row.InputTokens
		total.OutputTokens += row.OutputTokens
		total.CachedTokens += row.CachedTokens
		total.Price = total.Price.Add(row.Price)
	}
	return total
}
