// Package retrieval answers book queries against the corpus, semantically
// when the embedder is healthy and by keyword search when it is not.
package retrieval

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/bookpile/hondana/internal/corpus"
	"github.com/bookpile/hondana/internal/embedding"
	"github.com/bookpile/hondana/internal/keyword"
	"github.com/bookpile/hondana/internal/vector"
)

// Match is one retrieved corpus entry with its similarity score.
type Match struct {
	Book  *corpus.Book
	Score float64
}

// Options bound a retrieval run.
type Options struct {
	TopK     int
	MinScore float64
}

// Retriever runs semantic search over the library with a keyword fallback.
// Retrieval never fails the request: any internal failure degrades to the
// keyword path and finally to an empty result.
type Retriever struct {
	library  *corpus.Library
	embedder embedding.Embedder
	vectors  vector.Index
	keywords *keyword.BleveIndex
	opts     Options
	logger   *zap.Logger
}

// NewRetriever creates a retriever with the given default options.
func NewRetriever(library *corpus.Library, embedder embedding.Embedder, vectors vector.Index, keywords *keyword.BleveIndex, opts Options, logger *zap.Logger) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	return &Retriever{
		library:  library,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		opts:     opts,
		logger:   logger,
	}
}

// Retrieve returns up to TopK corpus entries relevant to query, ordered by
// descending score with ties broken by entry id. Entries scoring below
// MinScore are dropped rather than padded back in.
func (r *Retriever) Retrieve(ctx context.Context, query string) []*Match {
	matches, err := r.semantic(ctx, query)
	if err == nil {
		return matches
	}
	r.logger.Warn("semantic retrieval degraded to keyword search", zap.Error(err))

	matches, err = r.byKeyword(ctx, query)
	if err != nil {
		r.logger.Warn("keyword retrieval failed, continuing without context", zap.Error(err))
		return nil
	}
	return matches
}

func (r *Retriever) semantic(ctx context.Context, query string) ([]*Match, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := r.vectors.Search(ctx, vec, r.opts.TopK)
	if err != nil {
		return nil, err
	}
	return r.resolve(results, r.opts.MinScore), nil
}

func (r *Retriever) byKeyword(ctx context.Context, query string) ([]*Match, error) {
	results, err := r.keywords.Search(ctx, query, r.opts.TopK)
	if err != nil {
		return nil, err
	}
	hits := make([]*vector.Result, len(results))
	for i, res := range results {
		hits[i] = &vector.Result{ID: res.ID, Score: res.Score}
	}
	// Bleve scores are not similarities; the min-score floor only applies to
	// the semantic path.
	return r.resolve(hits, 0), nil
}

// resolve maps index hits back to corpus entries, dropping hits below
// minScore and hits whose entry vanished in a concurrent corpus reload.
func (r *Retriever) resolve(hits []*vector.Result, minScore float64) []*Match {
	matches := make([]*Match, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < minScore {
			continue
		}
		book, ok := r.library.Get(hit.ID)
		if !ok {
			continue
		}
		matches = append(matches, &Match{Book: book, Score: hit.Score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Book.ID < matches[j].Book.ID
	})
	if len(matches) > r.opts.TopK {
		matches = matches[:r.opts.TopK]
	}
	return matches
}
