package retrieval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/bookpile/hondana/internal/corpus"
	"github.com/bookpile/hondana/internal/embedding"
	"github.com/bookpile/hondana/internal/keyword"
	"github.com/bookpile/hondana/internal/vector"
)

const testBooks = `[
  {"id": "book-1984", "title": "Nineteen Eighty-Four", "genres": ["dystopian"], "themes": ["surveillance", "totalitarianism"], "short_summary": "Winston Smith rebels against the Party."},
  {"id": "book-brave", "title": "Brave New World", "genres": ["dystopian"], "themes": ["conditioning"], "short_summary": "Engineered society kept docile with soma."},
  {"id": "book-pride", "title": "Pride and Prejudice", "genres": ["romance"], "themes": ["class", "marriage"], "short_summary": "Elizabeth Bennet and Mr Darcy."}
]`

// directionalEmbedder maps known texts onto fixed unit axes so similarity is
// fully controlled by the test.
type directionalEmbedder struct {
	axes map[string][]float32
	err  error
}

func (d *directionalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if d.err != nil {
		return nil, d.err
	}
	if v, ok := d.axes[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func (d *directionalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := d.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *directionalEmbedder) Dimensions() int { return 4 }
func (d *directionalEmbedder) Close() error    { return nil }

func setup(t *testing.T, emb embedding.Embedder, opts Options) *Retriever {
	t.Helper()
	path := filepath.Join(t.TempDir(), "books.json")
	if err := os.WriteFile(path, []byte(testBooks), 0644); err != nil {
		t.Fatalf("write books: %v", err)
	}
	idx, err := vector.NewMemoryIndex(emb.Dimensions())
	if err != nil {
		t.Fatalf("vector index: %v", err)
	}
	kw, err := keyword.NewMemOnlyIndex()
	if err != nil {
		t.Fatalf("keyword index: %v", err)
	}
	t.Cleanup(func() { kw.Close() })
	lib := corpus.NewLibrary(path, emb, idx, kw, zap.NewNop())
	if err := lib.Load(context.Background()); err != nil {
		t.Fatalf("load corpus: %v", err)
	}
	return NewRetriever(lib, emb, idx, kw, opts, zap.NewNop())
}

func dystopianAxes() map[string][]float32 {
	b1984 := &corpus.Book{ID: "book-1984", Title: "Nineteen Eighty-Four", Genres: []string{"dystopian"}, Themes: []string{"surveillance", "totalitarianism"}, ShortSummary: "Winston Smith rebels against the Party."}
	brave := &corpus.Book{ID: "book-brave", Title: "Brave New World", Genres: []string{"dystopian"}, Themes: []string{"conditioning"}, ShortSummary: "Engineered society kept docile with soma."}
	pride := &corpus.Book{ID: "book-pride", Title: "Pride and Prejudice", Genres: []string{"romance"}, Themes: []string{"class", "marriage"}, ShortSummary: "Elizabeth Bennet and Mr Darcy."}
	return map[string][]float32{
		b1984.DocumentText(): {1, 0, 0, 0},
		brave.DocumentText(): {0.8, 0.6, 0, 0},
		pride.DocumentText(): {0, 0, 1, 0},
		"something dystopian like 1984": {1, 0, 0, 0},
	}
}

func TestRetrieveSemantic(t *testing.T) {
	emb := &directionalEmbedder{axes: dystopianAxes()}
	r := setup(t, emb, Options{TopK: 2, MinScore: 0.3})

	matches := r.Retrieve(context.Background(), "something dystopian like 1984")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Book.ID != "book-1984" {
		t.Errorf("expected book-1984 first, got %s", matches[0].Book.ID)
	}
	if matches[1].Book.ID != "book-brave" {
		t.Errorf("expected book-brave second, got %s", matches[1].Book.ID)
	}
	if matches[0].Score < matches[1].Score {
		t.Errorf("scores out of order: %f < %f", matches[0].Score, matches[1].Score)
	}
}

func TestRetrieveMinScoreFilters(t *testing.T) {
	emb := &directionalEmbedder{axes: dystopianAxes()}
	r := setup(t, emb, Options{TopK: 5, MinScore: 0.9})

	matches := r.Retrieve(context.Background(), "something dystopian like 1984")
	if len(matches) != 1 {
		t.Fatalf("expected only the exact-direction match, got %d", len(matches))
	}
	if matches[0].Book.ID != "book-1984" {
		t.Errorf("unexpected match %s", matches[0].Book.ID)
	}
}

func TestRetrieveDegradesToKeyword(t *testing.T) {
	// Corpus loads fine, then the embedder starts failing at query time.
	emb := &directionalEmbedder{axes: dystopianAxes()}
	r := setup(t, emb, Options{TopK: 5, MinScore: 0.3})
	emb.err = errors.New("embedding service down")

	matches := r.Retrieve(context.Background(), "surveillance totalitarianism")
	if len(matches) == 0 {
		t.Fatal("expected keyword fallback matches")
	}
	if matches[0].Book.ID != "book-1984" {
		t.Errorf("expected book-1984 from keyword fallback, got %s", matches[0].Book.ID)
	}
	for _, m := range matches {
		if m.Book.ID == "book-pride" {
			t.Error("romance entry should not match a surveillance query")
		}
	}
}

func TestRetrieveSubsetOfCorpus(t *testing.T) {
	emb := embedding.NewMockEmbedder(8)
	r := setup(t, emb, Options{TopK: 10, MinScore: -1})

	matches := r.Retrieve(context.Background(), "any query at all")
	if len(matches) > 3 {
		t.Fatalf("more matches than corpus entries: %d", len(matches))
	}
	seen := map[string]bool{}
	for _, m := range matches {
		if m.Book == nil {
			t.Fatal("match with nil book")
		}
		if seen[m.Book.ID] {
			t.Errorf("duplicate match %s", m.Book.ID)
		}
		seen[m.Book.ID] = true
	}
}
