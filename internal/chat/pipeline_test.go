package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bookpile/hondana/internal/cache"
	"github.com/bookpile/hondana/internal/corpus"
	"github.com/bookpile/hondana/internal/embedding"
	"github.com/bookpile/hondana/internal/extract"
	"github.com/bookpile/hondana/internal/gateway"
	"github.com/bookpile/hondana/internal/history"
	"github.com/bookpile/hondana/internal/intent"
	"github.com/bookpile/hondana/internal/keyword"
	"github.com/bookpile/hondana/internal/moderation"
	"github.com/bookpile/hondana/internal/models"
	"github.com/bookpile/hondana/internal/pricing"
	"github.com/bookpile/hondana/internal/retrieval"
	"github.com/bookpile/hondana/internal/storage"
	"github.com/bookpile/hondana/internal/usage"
	"github.com/bookpile/hondana/internal/vector"
)

const corpusJSON = `[
  {"id": "book-1984", "title": "Nineteen Eighty-Four", "author": "George Orwell", "year": 1949, "genres": ["dystopian"], "themes": ["surveillance"], "short_summary": "Winston Smith rebels against the Party."},
  {"id": "book-pride", "title": "Pride and Prejudice", "genres": ["romance"], "themes": ["class"], "short_summary": "Elizabeth Bennet and Mr Darcy."}
]`

// topicEmbedder projects texts onto fixed topic axes by substring so
// similarity is fully deterministic in tests.
type topicEmbedder struct{}

func (topicEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := make([]float32, 3)
	switch {
	case strings.Contains(lower, "dystopian"):
		vec[0] = 1
	case strings.Contains(lower, "romance"):
		vec[1] = 1
	default:
		vec[2] = 1
	}
	return vec, nil
}

func (e topicEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (topicEmbedder) Dimensions() int { return 3 }
func (topicEmbedder) Close() error    { return nil }

type testEnv struct {
	pipeline *Pipeline
	store    storage.Store
	fake     *gateway.Fake
	recorder *usage.Recorder
}

func newEnv(t *testing.T, fake *gateway.Fake) *testEnv {
	return newEnvWithEmbedder(t, fake, topicEmbedder{})
}

func newEnvWithEmbedder(t *testing.T, fake *gateway.Fake, emb embedding.Embedder) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	booksPath := filepath.Join(t.TempDir(), "books.json")
	if err := os.WriteFile(booksPath, []byte(corpusJSON), 0644); err != nil {
		t.Fatalf("write corpus: %v", err)
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
	lib := corpus.NewLibrary(booksPath, emb, idx, kw, logger)
	if err := lib.Load(context.Background()); err != nil {
		t.Fatalf("load corpus: %v", err)
	}

	pricer := pricing.NewEngine(pricing.DefaultRates())
	recorder := usage.NewRecorder(store, pricer, logger)
	pipeline, err := NewPipeline(
		store,
		moderation.NewGate(),
		history.NewBuilder(store, history.Options{MaxMessages: 50}, logger),
		intent.NewClassifier(fake, "gpt-4.1-nano", 0.5, logger),
		retrieval.NewRetriever(lib, emb, idx, kw, retrieval.Options{TopK: 5, MinScore: 0.3}, logger),
		fake,
		pricer,
		recorder,
		extract.NewExtractor(),
		StageModels{Default: "gpt-4.1-nano", Title: "gpt-4.1-nano", Summary: "gpt-4.1-nano"},
		logger,
	)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return &testEnv{pipeline: pipeline, store: store, fake: fake, recorder: recorder}
}

func scriptedFake(answer string) *gateway.Fake {
	return &gateway.Fake{Responses: map[models.Scope]string{
		models.ScopeIntent:  `{"intent": "plain", "confidence": 0.9}`,
		models.ScopeFinal:   answer,
		models.ScopeTitle:   "A Friendly Chat",
		models.ScopeSummary: "short summary",
	}}
}

func TestNewConversationHappyPath(t *testing.T) {
	env := newEnv(t, scriptedFake("hello there"))
	result, err := env.pipeline.Handle(context.Background(), &Request{UserID: 1, Text: "hi"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.ConversationID == nil || result.RequestMessageID == nil || result.ResponseMessageID == nil || result.Answer == nil {
		t.Fatalf("expected fully populated result, got %+v", result)
	}
	if *result.Answer != "hello there" {
		t.Errorf("answer: %q", *result.Answer)
	}

	conv, err := env.store.GetConversation(context.Background(), *result.ConversationID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if conv.Title != "A Friendly Chat" {
		t.Errorf("title not generated: %q", conv.Title)
	}

	// Usage rows exist for intent and final, attributed to the reply.
	rows, total, err := env.recorder.MessageUsage(context.Background(), *result.ResponseMessageID)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	scopes := map[models.Scope]bool{}
	for _, row := range rows {
		scopes[row.Scope] = true
	}
	if !scopes[models.ScopeIntent] || !scopes[models.ScopeFinal] {
		t.Errorf("expected intent and final usage rows, got %v", scopes)
	}
	if !scopes[models.ScopeTitle] {
		t.Errorf("expected title usage row for new conversation, got %v", scopes)
	}
	if total.Price.IsZero() {
		t.Error("expected nonzero total price")
	}
}

func TestDystopianScenario(t *testing.T) {
	fake := scriptedFake("You would love Nineteen Eighty-Four.")
	fake.Responses[models.ScopeIntent] = `{"intent": "book_request", "confidence": 0.95}`
	env := newEnv(t, fake)

	result, err := env.pipeline.Handle(context.Background(), &Request{
		UserID: 1,
		Text:   "I loved dystopian novels, any recommendation?",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Answer == nil {
		t.Fatal("expected an answer")
	}

	// The final prompt must carry the retrieved dystopian candidate and not
	// the romance entry.
	finals := fake.CallsFor(models.ScopeFinal)
	if len(finals) != 1 {
		t.Fatalf("expected one final call, got %d", len(finals))
	}
	var candidateBlock string
	for _, msg := range finals[0].Messages {
		if strings.Contains(msg.Content, "Candidate books") {
			candidateBlock = msg.Content
		}
	}
	if candidateBlock == "" {
		t.Fatal("no candidate block in final prompt")
	}
	if !strings.Contains(candidateBlock, "Nineteen Eighty-Four by George Orwell, 1949") {
		t.Errorf("dystopian candidate missing or without author and year:\n%s", candidateBlock)
	}
	if strings.Contains(candidateBlock, "Pride and Prejudice") {
		t.Errorf("unrelated candidate leaked:\n%s", candidateBlock)
	}

	rows, _, err := env.recorder.MessageUsage(context.Background(), *result.ResponseMessageID)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	scopes := map[models.Scope]bool{}
	for _, row := range rows {
		scopes[row.Scope] = true
	}
	if !scopes[models.ScopeIntent] || !scopes[models.ScopeFinal] {
		t.Errorf("expected intent and final usage, got %v", scopes)
	}
}

func TestFlaggedFirstMessageWritesNothing(t *testing.T) {
	env := newEnv(t, scriptedFake("unused"))
	result, err := env.pipeline.Handle(context.Background(), &Request{UserID: 9, Text: "this is complete bullshit"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.ConversationID != nil || result.RequestMessageID != nil || result.ResponseMessageID != nil || result.Answer != nil {
		t.Errorf("expected all-null result, got %+v", result)
	}
	if !result.Flagged() {
		t.Error("result should report flagged")
	}
	convs, err := env.store.ListConversations(context.Background(), 9)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 0 {
		t.Errorf("no conversation row may exist, got %d", len(convs))
	}
	if len(env.fake.Calls) != 0 {
		t.Errorf("no model call may happen, got %d", len(env.fake.Calls))
	}
}

func TestFlaggedMessageInExistingConversation(t *testing.T) {
	env := newEnv(t, scriptedFake("first answer"))
	ctx := context.Background()

	first, err := env.pipeline.Handle(ctx, &Request{UserID: 2, Text: "hello"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	callsBefore := len(env.fake.Calls)

	result, err := env.pipeline.Handle(ctx, &Request{
		UserID:         2,
		ConversationID: first.ConversationID,
		Text:           "go to hell you bastard",
	})
	if err != nil {
		t.Fatalf("flagged turn: %v", err)
	}
	if result.RequestMessageID == nil {
		t.Fatal("flagged message in existing conversation must be persisted")
	}
	if result.ResponseMessageID != nil || result.Answer != nil {
		t.Error("no reply may be generated for a flagged message")
	}
	if len(env.fake.Calls) != callsBefore {
		t.Error("flagged message must not reach the model")
	}

	msg, err := env.store.GetMessage(ctx, *result.RequestMessageID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !msg.Ignored {
		t.Error("flagged message must be ignored=true")
	}
	rows, _, err := env.recorder.MessageUsage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("ignored message must have no usage rows, got %d", len(rows))
	}

	// The next context window must not contain the flagged text.
	followup, err := env.pipeline.Handle(ctx, &Request{UserID: 2, ConversationID: first.ConversationID, Text: "still there?"})
	if err != nil {
		t.Fatalf("followup: %v", err)
	}
	if followup.Answer == nil {
		t.Fatal("followup should succeed")
	}
	finals := env.fake.CallsFor(models.ScopeFinal)
	last := finals[len(finals)-1]
	for _, m := range last.Messages {
		if strings.Contains(m.Content, "bastard") {
			t.Error("flagged text leaked into context")
		}
	}
}

func TestUnknownModelRejectedUpFront(t *testing.T) {
	env := newEnv(t, scriptedFake("unused"))
	_, err := env.pipeline.Handle(context.Background(), &Request{UserID: 1, Text: "hi", Model: "gpt-nonexistent"})
	if !errors.Is(err, pricing.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	convs, _ := env.store.ListConversations(context.Background(), 1)
	if len(convs) != 0 {
		t.Error("unpriceable request must not create a conversation")
	}
}

func TestFinalModelFailureKeepsUserMessage(t *testing.T) {
	fake := scriptedFake("unused")
	fake.Errors = map[models.Scope]error{models.ScopeFinal: gateway.ErrModelUnavailable}
	env := newEnv(t, fake)

	_, err := env.pipeline.Handle(context.Background(), &Request{UserID: 3, Text: "hello?"})
	if !errors.Is(err, gateway.ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}

	convs, err := env.store.ListConversations(context.Background(), 3)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("conversation should exist, got %d", len(convs))
	}
	msgs, err := env.store.ListMessages(context.Background(), convs[0].ID, false)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != models.RoleUser {
		t.Fatalf("user message must remain persisted without a reply, got %d messages", len(msgs))
	}
}

func TestOwnershipEnforced(t *testing.T) {
	env := newEnv(t, scriptedFake("mine"))
	ctx := context.Background()
	first, err := env.pipeline.Handle(ctx, &Request{UserID: 1, Text: "hello"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}

	_, err = env.pipeline.Handle(ctx, &Request{UserID: 2, ConversationID: first.ConversationID, Text: "sneaky"})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestIntentDegradationStillAnswers(t *testing.T) {
	fake := scriptedFake("plain answer")
	fake.Responses[models.ScopeIntent] = "gibberish, not json"
	env := newEnv(t, fake)

	result, err := env.pipeline.Handle(context.Background(), &Request{UserID: 1, Text: "tell me something"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if result.Answer == nil || *result.Answer != "plain answer" {
		t.Fatalf("degraded classification must still answer, got %+v", result)
	}
	for _, call := range env.fake.CallsFor(models.ScopeFinal) {
		for _, m := range call.Messages {
			if strings.Contains(m.Content, "Candidate books") {
				t.Error("degraded classification must skip retrieval")
			}
		}
	}
}

func TestLongMessagesGetSummaries(t *testing.T) {
	env := newEnv(t, scriptedFake("ok"))
	long := strings.Repeat("a very long user message ", 30)

	result, err := env.pipeline.Handle(context.Background(), &Request{UserID: 1, Text: long})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	msg, err := env.store.GetMessage(context.Background(), *result.RequestMessageID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if msg.Summary != "short summary" {
		t.Errorf("long user message should carry a summary, got %q", msg.Summary)
	}
}

func TestPricingAdditivity(t *testing.T) {
	env := newEnv(t, scriptedFake("answer"))
	long := strings.Repeat("wordy message needing a summary ", 30)
	result, err := env.pipeline.Handle(context.Background(), &Request{UserID: 1, Text: long})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	rows, total, err := env.recorder.MessageUsage(context.Background(), *result.ResponseMessageID)
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if len(rows) < 2 {
		t.Fatalf("expected multiple stage rows, got %d", len(rows))
	}
	sum := rows[0].Price
	for _, row := range rows[1:] {
		sum = sum.Add(row.Price)
	}
	if !total.Price.Equal(sum) {
		t.Errorf("total %s != row sum %s", total.Price, sum)
	}

	// Repeated aggregation is reproducible.
	_, again, err := env.recorder.MessageUsage(context.Background(), *result.ResponseMessageID)
	if err != nil {
		t.Fatalf("re-aggregate: %v", err)
	}
	if !again.Price.Equal(total.Price) {
		t.Errorf("aggregation not reproducible: %s vs %s", again.Price, total.Price)
	}
}

func TestCacheTransparency(t *testing.T) {
	// The same scripted request must produce identical results whether the
	// embedding cache is enabled or a pass-through.
	run := func(c *cache.TTLCache) *models.ChatResult {
		fake := scriptedFake("You would love Nineteen Eighty-Four.")
		fake.Responses[models.ScopeIntent] = `{"intent": "book_request", "confidence": 0.95}`
		emb := embedding.NewRemoteEmbedder(fake, c, time.Minute, 64)
		env := newEnvWithEmbedder(t, fake, emb)
		result, err := env.pipeline.Handle(context.Background(), &Request{
			UserID: 1,
			Text:   "I loved dystopian novels, any recommendation?",
		})
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		return result
	}

	withCache := run(cache.New())
	withoutCache := run(cache.New(cache.Disabled()))
	if *withCache.Answer != *withoutCache.Answer {
		t.Errorf("answers differ with cache on/off: %q vs %q", *withCache.Answer, *withoutCache.Answer)
	}
	if withCache.Flagged() != withoutCache.Flagged() {
		t.Error("moderation outcome differs with cache on/off")
	}
}

func TestConcurrentSendsSameConversation(t *testing.T) {
	env := newEnv(t, scriptedFake("serialized"))
	ctx := context.Background()
	first, err := env.pipeline.Handle(ctx, &Request{UserID: 1, Text: "start"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}

	const turns = 8
	var wg sync.WaitGroup
	errs := make(chan error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.pipeline.Handle(ctx, &Request{UserID: 1, ConversationID: first.ConversationID, Text: "concurrent send"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent turn failed: %v", err)
		}
	}

	msgs, err := env.store.ListMessages(ctx, *first.ConversationID, false)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	// 1 opening turn + 8 concurrent turns, each one user + one assistant row.
	if len(msgs) != 2*(turns+1) {
		t.Fatalf("expected %d messages, got %d", 2*(turns+1), len(msgs))
	}
	// Every user message is answered by the immediately following assistant
	// message; interleaving would break the pairing.
	for i := 0; i < len(msgs); i += 2 {
		if msgs[i].Role != models.RoleUser || msgs[i+1].Role != models.RoleAssistant {
			t.Fatalf("messages interleaved at %d: %s then %s", i, msgs[i].Role, msgs[i+1].Role)
		}
		if msgs[i+1].RequestID == nil || *msgs[i+1].RequestID != msgs[i].ID {
			t.Fatalf("assistant message %d not linked to preceding user message", msgs[i+1].ID)
		}
	}
}
