package pricing

import "github.com/shopspring/decimal"

// DefaultRates returns the built-in rate table, in USD per one million tokens.
func DefaultRates() map[string]Rate {
	r := func(input, cached, output string) Rate {
		return Rate{
			Input:       decimal.RequireFromString(input),
			CachedInput: decimal.RequireFromString(cached),
			Output:      decimal.RequireFromString(output),
		}
	}
	return map[string]Rate{
		"gpt-4.1":                r("2.00", "0.50", "8.00"),
		"gpt-4.1-mini":           r("0.40", "0.10", "1.60"),
		"gpt-4.1-nano":           r("0.10", "0.025", "0.40"),
		"gpt-4o":                 r("2.50", "1.25", "10.00"),
		"gpt-4o-mini":            r("0.15", "0.075", "0.60"),
		"text-embedding-3-small": r("0.02", "0", "0"),
		"text-embedding-3-large": r("0.13", "0", "0"),
	}
}
