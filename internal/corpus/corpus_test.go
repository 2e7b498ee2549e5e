package corpus

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/bookpile/hondana/internal/embedding"
	"github.com/bookpile/hondana/internal/keyword"
	"github.com/bookpile/hondana/internal/vector"
)

const testBooks = `[
  {"id": "book-1984", "title": "Nineteen Eighty-Four", "genres": ["dystopian", "political fiction"], "themes": ["surveillance", "totalitarianism"], "short_summary": "Winston Smith rebels against the Party."},
  {"title": "Pride and Prejudice", "genres": ["romance"], "themes": ["class", "marriage"], "short_summary": "Elizabeth Bennet and Mr Darcy."},
  {"id": "book-dune", "title": "Dune", "genres": ["science fiction"], "themes": ["politics", "ecology"], "full_summary": "Paul Atreides on the desert planet Arrakis."}
]`

func writeBooks(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "books.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write books file: %v", err)
	}
	return path
}

func newTestLibrary(t *testing.T, path string) *Library {
	t.Helper()
	idx, err := vector.NewMemoryIndex(16)
	if err != nil {
		t.Fatalf("vector index: %v", err)
	}
	kw, err := keyword.NewMemOnlyIndex()
	if err != nil {
		t.Fatalf("keyword index: %v", err)
	}
	t.Cleanup(func() { kw.Close() })
	return NewLibrary(path, embedding.NewMockEmbedder(16), idx, kw, zap.NewNop())
}

func TestLoadBooks(t *testing.T) {
	path := writeBooks(t, testBooks)
	books, err := LoadBooks(path)
	if err != nil {
		t.Fatalf("load books: %v", err)
	}
	if len(books) != 3 {
		t.Fatalf("expected 3 books, got %d", len(books))
	}
	if books[0].ID != "book-1984" {
		t.Errorf("explicit id not kept: %s", books[0].ID)
	}
	if books[1].ID == "" {
		t.Error("missing id should be generated")
	}
}

func TestDocumentText(t *testing.T) {
	b := &Book{
		Title:        "Nineteen Eighty-Four",
		Author:       "George Orwell",
		Year:         1949,
		Genres:       []string{"dystopian", "political fiction"},
		Themes:       []string{"surveillance"},
		ShortSummary: "Winston Smith rebels.",
	}
	text := b.DocumentText()
	for _, want := range []string{"Nineteen Eighty-Four by George Orwell (1949)", "Genres: dystopian, political fiction", "Themes: surveillance", "Winston Smith rebels."} {
		if !strings.Contains(text, want) {
			t.Errorf("document text missing %q:\n%s", want, text)
		}
	}
}

func TestLibraryLoadAndReload(t *testing.T) {
	path := writeBooks(t, testBooks)
	lib := newTestLibrary(t, path)
	ctx := context.Background()

	if err := lib.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if lib.Size() != 3 {
		t.Fatalf("expected 3 books, got %d", lib.Size())
	}
	if _, ok := lib.Get("book-1984"); !ok {
		t.Error("expected book-1984 present")
	}
	books := lib.Books()
	for i := 1; i < len(books); i++ {
		if books[i-1].ID >= books[i].ID {
			t.Errorf("books not sorted by id: %s >= %s", books[i-1].ID, books[i].ID)
		}
	}

	// Shrink the corpus and reload; the removed entry must disappear.
	if err := os.WriteFile(path, []byte(`[{"id": "book-dune", "title": "Dune", "genres": ["science fiction"], "themes": ["politics"]}]`), 0644); err != nil {
		t.Fatalf("rewrite books: %v", err)
	}
	if err := lib.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if lib.Size() != 1 {
		t.Fatalf("expected 1 book after reload, got %d", lib.Size())
	}
	if _, ok := lib.Get("book-1984"); ok {
		t.Error("removed book still present after reload")
	}
}

func TestLibraryLoadBadFile(t *testing.T) {
	path := writeBooks(t, "not json")
	lib := newTestLibrary(t, path)
	if err := lib.Load(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
}
