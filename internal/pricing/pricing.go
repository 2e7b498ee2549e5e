// Package pricing converts token counts into cost using a static per-model
// rate table.
package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrUnknownModel is returned when the rate table has no entry for a model.
// Unknown models are never silently priced at zero.
var ErrUnknownModel = errors.New("unknown model")

// priceScale is the number of decimal places every computed price is rounded
// to. A single rounding rule keeps aggregation reproducible.
const priceScale = 6

// Rate holds the cost per one million tokens of each kind, in USD.
type Rate struct {
	Input       decimal.Decimal `json:"input"`
	CachedInput decimal.Decimal `json:"cached_input"`
	Output      decimal.Decimal `json:"output"`
}

// Engine prices model calls against an immutable rate table.
type Engine struct {
	rates map[string]Rate
}

// NewEngine creates a pricing engine over the given rates. Pass DefaultRates()
// for the built-in table.
func NewEngine(rates map[string]Rate) *Engine {
	return &Engine{rates: rates}
}

// LoadRates reads a JSON rate table, {"model": {"input": n, "cached_input": n,
// "output": n}, ...} with rates per one million tokens.
func LoadRates(path string) (map[string]Rate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate table: %w", err)
	}
	var rates map[string]Rate
	if err := json.Unmarshal(data, &rates); err != nil {
		return nil, fmt.Errorf("parse rate table: %w", err)
	}
	return rates, nil
}

var oneMillion = decimal.NewFromInt(1_000_000)

// Price computes the cost of one model call, rounded to six decimal places.
// Returns ErrUnknownModel if the model has no rate entry.
func (e *Engine) Price(model string, inputTokens, outputTokens, cachedTokens int) (decimal.Decimal, error) {
	rate, ok := e.rates[model]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	cost := decimal.NewFromInt(int64(inputTokens)).Mul(rate.Input).
		Add(decimal.NewFromInt(int64(cachedTokens)).Mul(rate.CachedInput)).
		Add(decimal.NewFromInt(int64(outputTokens)).Mul(rate.Output)).
		Div(oneMillion)
	return cost.Round(priceScale), nil
}

// Known reports whether the model has a rate entry. The pipeline checks this
// up front so an unknown model is rejected before any tokens are spent.
func (e *Engine) Known(model string) bool {
	_, ok := e.rates[model]
	return ok
}

// Models returns the model names in the rate table, sorted.
func (e *Engine) Models() []string {
	out := make([]string, 0, len(e.rates))
	for name := range e.rates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RateFor returns the rate entry for a model, for display in the catalog.
func (e *Engine) RateFor(model string) (Rate, bool) {
	r, ok := e.rates[model]
	return r, ok
}
