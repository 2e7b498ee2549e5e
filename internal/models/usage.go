package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Scope tags which pipeline stage triggered a model call, for cost attribution.
type Scope string

const (
	ScopeIntent  Scope = "intent"
	ScopeSummary Scope = "summary"
	ScopeTitle   Scope = "title"
	ScopeTool    Scope = "tool"
	ScopeFinal   Scope = "final"
)

// ParseScope validates a stored scope tag.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeIntent, ScopeSummary, ScopeTitle, ScopeTool, ScopeFinal:
		return Scope(s), nil
	}
	return "", fmt.Errorf("unknown usage scope %q", s)
}

// TokenUsage holds token counts reported by the model provider for one call.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens"`
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
		CachedTokens: u.CachedTokens + other.CachedTokens,
	}
}

// UsageDetail is one append-only ledger row: the tokens and price of a single
// model call attributed to a message. Never mutated after insertion.
type UsageDetail struct {
	ID           int64           `json:"id"`
	MessageID    int64           `json:"message_id"`
	Scope        Scope           `json:"scope"`
	Model        string          `json:"model"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CachedTokens int             `json:"cached_tokens"`
	Price        decimal.Decimal `json:"price"`
	CreatedAt    time.Time       `json:"created_at"`
}

// UsageTotal is the sum over a set of usage rows.
type UsageTotal struct {
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CachedTokens int             `json:"cached_tokens"`
	Price        decimal.Decimal `json:"price"`
}
