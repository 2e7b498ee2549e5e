// Package corpus loads the book knowledge base and keeps the semantic and
// keyword indexes in sync with it.
package corpus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bookpile/hondana/internal/embedding"
	"github.com/bookpile/hondana/internal/keyword"
	"github.com/bookpile/hondana/internal/vector"
)

// Book is one knowledge base entry.
type Book struct {
	ID           string   `json:"id,omitempty"`
	Title        string   `json:"title"`
	Author       string   `json:"author,omitempty"`
	Year         int      `json:"year,omitempty"`
	Genres       []string `json:"genres"`
	Themes       []string `json:"themes"`
	ShortSummary string   `json:"short_summary,omitempty"`
	FullSummary  string   `json:"full_summary,omitempty"`
}

// DocumentText composes the text that gets embedded and keyword-indexed for
// the book. Title, author, genres, themes and both summaries all contribute
// so that genre and theme queries land near the right entries.
func (b *Book) DocumentText() string {
	var sb strings.Builder
	sb.WriteString(b.Title)
	if b.Author != "" {
		sb.WriteString(" by ")
		sb.WriteString(b.Author)
	}
	if b.Year > 0 {
		fmt.Fprintf(&sb, " (%d)", b.Year)
	}
	sb.WriteString("\nGenres: ")
	sb.WriteString(strings.Join(b.Genres, ", "))
	sb.WriteString("\nThemes: ")
	sb.WriteString(strings.Join(b.Themes, ", "))
	if b.ShortSummary != "" {
		sb.WriteString("\n")
		sb.WriteString(b.ShortSummary)
	}
	if b.FullSummary != "" {
		sb.WriteString("\n")
		sb.WriteString(b.FullSummary)
	}
	return sb.String()
}

// Library holds the loaded corpus and its indexes. Reload swaps the whole
// corpus atomically so readers never observe a half-indexed state.
type Library struct {
	path     string
	embedder embedding.Embedder
	vectors  vector.Index
	keywords *keyword.BleveIndex
	logger   *zap.Logger

	mu    sync.RWMutex
	books map[string]*Book
}

// NewLibrary creates a library over the given indexes. Call Load to ingest.
func NewLibrary(path string, embedder embedding.Embedder, vectors vector.Index, keywords *keyword.BleveIndex, logger *zap.Logger) *Library {
	return &Library{
		path:     path,
		embedder: embedder,
		vectors:  vectors,
		keywords: keywords,
		logger:   logger,
		books:    make(map[string]*Book),
	}
}

// LoadBooks parses a books JSON file. Entries without an id get a generated
// one so every entry is individually addressable.
func LoadBooks(path string) ([]*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus file: %w", err)
	}
	var books []*Book
	if err := json.Unmarshal(data, &books); err != nil {
		return nil, fmt.Errorf("parse corpus file: %w", err)
	}
	for _, b := range books {
		if b.ID == "" {
			b.ID = uuid.New().String()
		}
	}
	return books, nil
}

// Load reads the corpus file, embeds every entry and rebuilds both indexes.
// Safe to call again on file change.
func (l *Library) Load(ctx context.Context) error {
	books, err := LoadBooks(l.path)
	if err != nil {
		return err
	}

	ids := make([]string, len(books))
	texts := make([]string, len(books))
	for i, b := range books {
		ids[i] = b.ID
		texts[i] = b.DocumentText()
	}

	vecs, err := l.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed corpus: %w", err)
	}

	if err := l.vectors.Reset(ctx); err != nil {
		return fmt.Errorf("reset vector index: %w", err)
	}
	if err := l.vectors.Add(ctx, ids, vecs); err != nil {
		return fmt.Errorf("index corpus vectors: %w", err)
	}

	l.mu.Lock()
	old := l.books
	l.books = make(map[string]*Book, len(books))
	for _, b := range books {
		l.books[b.ID] = b
	}
	l.mu.Unlock()

	for id := range old {
		if _, kept := l.books[id]; !kept {
			if err := l.keywords.Delete(ctx, id); err != nil {
				l.logger.Warn("failed to remove stale keyword doc", zap.String("id", id), zap.Error(err))
			}
		}
	}
	for i, b := range books {
		doc := &keyword.Document{Title: b.Title, Content: texts[i]}
		if err := l.keywords.Index(ctx, b.ID, doc); err != nil {
			return fmt.Errorf("index corpus keywords: %w", err)
		}
	}

	l.logger.Info("corpus loaded", zap.String("path", l.path), zap.Int("books", len(books)))
	return nil
}

// Get returns the book with the given id.
func (l *Library) Get(id string) (*Book, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.books[id]
	return b, ok
}

// Books returns all entries sorted by id.
func (l *Library) Books() []*Book {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Book, 0, len(l.books))
	for _, b := range l.books {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Size returns the number of loaded entries.
func (l *Library) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.books)
}
