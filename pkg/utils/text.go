// Package utils provides shared utilities for text, math, and logging.
package utils

import "strings"

// Truncate returns s truncated to maxLen characters, with "..." appended if truncated.
// If maxLen is 0 or negative, returns s unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// EstimateTokens approximates the token count of s for budget checks.
// Uses the common 4-characters-per-token heuristic with a word-count floor,
// which overestimates slightly for English prose; budgets stay conservative.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	byChars := (len(s) + 3) / 4
	byWords := len(strings.Fields(s))
	if byWords > byChars {
		return byWords
	}
	return byChars
}
