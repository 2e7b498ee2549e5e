package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bookpile/hondana/internal/cache"
	"github.com/bookpile/hondana/internal/gateway"
)

// RemoteEmbedder embeds text through the model gateway. Vectors for repeated
// texts are memoized in a TTL cache keyed by model and text digest, so
// re-embedding the same query or corpus entry costs nothing.
type RemoteEmbedder struct {
	gw         gateway.Gateway
	cache      *cache.TTLCache
	ttl        time.Duration
	dimensions int
}

// NewRemoteEmbedder creates a gateway-backed embedder. The cache may be a
// disabled cache; outputs are identical either way.
func NewRemoteEmbedder(gw gateway.Gateway, ttlCache *cache.TTLCache, ttl time.Duration, dimensions int) *RemoteEmbedder {
	if dimensions <= 0 {
		dimensions = 1536
	}
	return &RemoteEmbedder{gw: gw, cache: ttlCache, ttl: ttl, dimensions: dimensions}
}

// Embed returns the embedding for text.
func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := e.cache.GetOrCompute(e.cacheKey(text), e.ttl, func() (any, error) {
		vecs, err := e.gw.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("expected 1 embedding, got %d", len(vecs))
		}
		return vecs[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

// EmbedBatch embeds texts, fetching only the uncached ones in a single
// gateway call and filling the rest from the cache.
func (e *RemoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	result := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, text := range texts {
		if v, ok := e.cache.Get(e.cacheKey(text)); ok {
			result[i] = v.([]float32)
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return result, nil
	}
	vecs, err := e.gw.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(missing), len(vecs))
	}
	for i, vec := range vecs {
		idx := missingIdx[i]
		result[idx] = vec
		e.cache.Set(e.cacheKey(texts[idx]), vec, e.ttl)
	}
	return result, nil
}

// Dimensions returns the embedding dimension.
func (e *RemoteEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op; the gateway owns the HTTP client.
func (e *RemoteEmbedder) Close() error {
	return nil
}

func (e *RemoteEmbedder) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "emb:" + e.gw.EmbeddingModel() + ":" + hex.EncodeToString(sum[:])
}
