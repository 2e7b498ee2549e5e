package gateway

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/bookpile/hondana/internal/models"
)

// FakeCall records one Complete invocation on a Fake gateway.
type FakeCall struct {
	Scope    models.Scope
	Model    string
	Messages []models.ContextMessage
}

// Fake is a scripted in-memory Gateway for tests. Responses and Errors are
// keyed by scope; unscripted scopes return an empty completion. Embeddings
// are deterministic hash-derived unit vectors unless EmbedFunc is set.
type Fake struct {
	mu        sync.Mutex
	Responses map[models.Scope]string
	Errors    map[models.Scope]error
	// Usage is returned for every completion; zero value means a small
	// fixed usage so pricing paths are exercised.
	Usage models.TokenUsage
	// EmbedErr fails every Embed call when set.
	EmbedErr  error
	EmbedFunc func(texts []string) ([][]float32, error)
	EmbedDims int

	Calls []FakeCall
}

// Complete returns the scripted response for the call's scope.
func (f *Fake) Complete(_ context.Context, scope models.Scope, msgs []models.ContextMessage, model string, _ Options) (*Completion, error) {
	f.mu.Lock()
	copied := make([]models.ContextMessage, len(msgs))
	copy(copied, msgs)
	f.Calls = append(f.Calls, FakeCall{Scope: scope, Model: model, Messages: copied})
	f.mu.Unlock()

	if err := f.Errors[scope]; err != nil {
		return nil, err
	}
	usage := f.Usage
	if usage == (models.TokenUsage{}) {
		usage = models.TokenUsage{InputTokens: 40, OutputTokens: 12}
	}
	return &Completion{Text: f.Responses[scope], Model: model, Usage: usage}, nil
}

// Embed returns deterministic unit vectors so retrieval tests are stable.
func (f *Fake) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.EmbedErr != nil {
		return nil, f.EmbedErr
	}
	if f.EmbedFunc != nil {
		return f.EmbedFunc(texts)
	}
	dims := f.EmbedDims
	if dims == 0 {
		dims = 64
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		h := fnv.New32a()
		_, _ = h.Write([]byte(text))
		seed := h.Sum32()
		vec := make([]float32, dims)
		var norm float64
		for j := range vec {
			v := math.Sin(float64(seed)*float64(j+1)*0.1 + 0.01)
			vec[j] = float32(v)
			norm += v * v
		}
		if norm > 0 {
			inv := float32(1 / math.Sqrt(norm))
			for j := range vec {
				vec[j] *= inv
			}
		}
		out[i] = vec
	}
	return out, nil
}

// EmbeddingModel identifies the fake embedder on usage rows.
func (f *Fake) EmbeddingModel() string { return "fake-embedding" }

// CallsFor returns the recorded calls with the given scope.
func (f *Fake) CallsFor(scope models.Scope) []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FakeCall
	for _, c := range f.Calls {
		if c.Scope == scope {
			out = append(out, c)
		}
	}
	return out
}
