package keyword

import (
	"context"
	"path/filepath"
	"testing"
)

func TestBleveSearch(t *testing.T) {
	idx, err := NewMemOnlyIndex()
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	docs := map[string]*Document{
		"book-1": {Title: "Nineteen Eighty-Four", Content: "dystopian novel about surveillance and totalitarianism"},
		"book-2": {Title: "Pride and Prejudice", Content: "regency romance of manners"},
		"book-3": {Title: "Brave New World", Content: "dystopian vision of engineered society"},
	}
	for id, doc := range docs {
		if err := idx.Index(ctx, id, doc); err != nil {
			t.Fatalf("index %s: %v", id, err)
		}
	}

	results, err := idx.Search(ctx, "dystopian surveillance", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected matches for dystopian query")
	}
	if results[0].ID != "book-1" {
		t.Errorf("expected book-1 first, got %s", results[0].ID)
	}
	for _, r := range results {
		if r.ID == "book-2" {
			t.Error("romance should not match dystopian query")
		}
	}
}

func TestBleveDeleteAndCount(t *testing.T) {
	idx, err := NewMemOnlyIndex()
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	if err := idx.Index(ctx, "book-1", &Document{Title: "Dune", Content: "desert planet politics"}); err != nil {
		t.Fatalf("index: %v", err)
	}
	count, err := idx.DocCount()
	if err != nil {
		t.Fatalf("doc count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 doc, got %d", count)
	}
	if err := idx.Delete(ctx, "book-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	count, _ = idx.DocCount()
	if count != 0 {
		t.Errorf("expected 0 docs after delete, got %d", count)
	}
}

func TestBleveOpenExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.bleve")
	idx, err := NewBleveIndex(path)
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	ctx := context.Background()
	if err := idx.Index(ctx, "book-1", &Document{Title: "Solaris", Content: "sentient ocean"}); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewBleveIndex(path)
	if err != nil {
		t.Fatalf("reopen index: %v", err)
	}
	defer reopened.Close()
	results, err := reopened.Search(ctx, "solaris", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "book-1" {
		t.Errorf("expected persisted doc to survive reopen, got %v", results)
	}
}
