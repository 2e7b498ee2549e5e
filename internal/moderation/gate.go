// Package moderation provides the profanity gate that screens user text
// before any other pipeline stage runs.
package moderation

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Verdict is the gate's decision for a piece of text.
type Verdict int

const (
	// VerdictClean lets the message continue through the pipeline.
	VerdictClean Verdict = iota
	// VerdictFlagged stops the turn: a flagged first message of a new chat
	// is discarded entirely; in an existing chat the message is persisted
	// with ignored=true and never reaches the model.
	VerdictFlagged
)

func (v Verdict) String() string {
	if v == VerdictFlagged {
		return "flagged"
	}
	return "clean"
}

// Gate is a deterministic word-list text classifier. Pure and synchronous:
// the same input always produces the same verdict, no external calls.
// False positives are an accepted product trade-off.
type Gate struct {
	words map[string]struct{}
}

// NewGate creates a gate over the built-in word list plus any extra words.
func NewGate(extraWords ...string) *Gate {
	g := &Gate{words: make(map[string]struct{}, len(defaultWords)+len(extraWords))}
	for _, w := range defaultWords {
		g.words[normalizeWord(w)] = struct{}{}
	}
	for _, w := range extraWords {
		if w = normalizeWord(w); w != "" {
			g.words[w] = struct{}{}
		}
	}
	return g
}

// LoadWordList reads a newline-separated word list. Blank lines and lines
// starting with '#' are skipped.
func LoadWordList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open word list: %w", err)
	}
	defer f.Close()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read word list: %w", err)
	}
	return words, nil
}

// Evaluate classifies text. Matching is case-insensitive, tolerant of common
// character substitutions (l33t spelling), and performed per word so that
// clean words containing a listed substring (e.g. "class") are not flagged.
func (g *Gate) Evaluate(text string) Verdict {
	for _, field := range strings.Fields(text) {
		if _, ok := g.words[normalizeWord(field)]; ok {
			return VerdictFlagged
		}
	}
	return VerdictClean
}

// substitutions maps characters commonly used to disguise words.
var substitutions = map[rune]rune{
	'@': 'a', '4': 'a',
	'3': 'e',
	'1': 'i', '!': 'i',
	'0': 'o',
	'$': 's', '5': 's',
	'7': 't',
}

// normalizeWord lowercases, strips surrounding punctuation, and applies
// substitutions so "Word!" and "w0rd" both match "word". Trimming happens
// before substitution so a trailing "!" is punctuation, not a disguised "i".
func normalizeWord(w string) string {
	w = strings.TrimFunc(w, func(r rune) bool {
		_, disguised := substitutions[r]
		return !disguised && (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z')
	})
	w = strings.TrimRight(w, "!?.")
	var b strings.Builder
	b.Grow(len(w))
	for _, r := range strings.ToLower(w) {
		if sub, ok := substitutions[r]; ok {
			r = sub
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
