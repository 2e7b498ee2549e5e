package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/bookpile/hondana/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_Conversations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, 7, "Dystopian picks", "")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID == 0 || conv.CreatedAt.IsZero() {
		t.Errorf("id and created_at should be set, got %+v", conv)
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != 7 || got.Title != "Dystopian picks" {
		t.Errorf("got %+v", got)
	}

	if err := store.RenameConversation(ctx, conv.ID, "Renamed"); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetConversation(ctx, conv.ID)
	if got.Title != "Renamed" {
		t.Errorf("expected Renamed, got %s", got.Title)
	}

	list, err := store.ListConversations(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 conversation, got %d", len(list))
	}
	if other, _ := store.ListConversations(ctx, 8); len(other) != 0 {
		t.Errorf("user 8 should own nothing, got %d", len(other))
	}

	if err := store.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetConversation(ctx, conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteStore_MessagesAndIgnoredFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv, _ := store.CreateConversation(ctx, 1, "t", "")

	first := &models.Message{ConversationID: conv.ID, Role: models.RoleUser, Text: "hello"}
	if err := store.AppendMessage(ctx, first); err != nil {
		t.Fatal(err)
	}
	flagged := &models.Message{ConversationID: conv.ID, Role: models.RoleUser, Text: "rude", Ignored: true}
	if err := store.AppendMessage(ctx, flagged); err != nil {
		t.Fatal(err)
	}
	reply := &models.Message{ConversationID: conv.ID, Role: models.RoleAssistant, Text: "hi", RequestID: &first.ID}
	if err := store.AppendMessage(ctx, reply); err != nil {
		t.Fatal(err)
	}

	all, err := store.ListMessages(ctx, conv.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(all))
	}
	// Chronological order
	if all[0].ID != first.ID || all[2].ID != reply.ID {
		t.Errorf("messages out of order: %v %v %v", all[0].ID, all[1].ID, all[2].ID)
	}

	visible, err := store.ListMessages(ctx, conv.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 2 {
		t.Fatalf("expected 2 visible messages, got %d", len(visible))
	}
	for _, m := range visible {
		if m.Ignored {
			t.Errorf("ignored message %d leaked through filter", m.ID)
		}
	}

	got, err := store.GetMessage(ctx, reply.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID == nil || *got.RequestID != first.ID {
		t.Errorf("request link lost: %+v", got)
	}
}

func TestSQLiteStore_UsageLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv, _ := store.CreateConversation(ctx, 1, "t", "")
	msg := &models.Message{ConversationID: conv.ID, Role: models.RoleAssistant, Text: "answer"}
	_ = store.AppendMessage(ctx, msg)

	rows := []*models.UsageDetail{
		{MessageID: msg.ID, Scope: models.ScopeIntent, Model: "gpt-4.1-nano", InputTokens: 40, OutputTokens: 5, Price: decimal.RequireFromString("0.000012")},
		{MessageID: msg.ID, Scope: models.ScopeFinal, Model: "gpt-4.1-nano", InputTokens: 900, OutputTokens: 220, CachedTokens: 100, Price: decimal.RequireFromString("0.000480")},
	}
	for _, r := range rows {
		if err := store.SaveUsage(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.UsageForMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].Scope != models.ScopeIntent || got[1].Scope != models.ScopeFinal {
		t.Errorf("rows out of insertion order: %v %v", got[0].Scope, got[1].Scope)
	}
	if !got[1].Price.Equal(decimal.RequireFromString("0.000480")) {
		t.Errorf("price roundtrip lost precision: %s", got[1].Price)
	}

	convRows, err := store.UsageForConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(convRows) != 2 {
		t.Errorf("expected 2 conversation rows, got %d", len(convRows))
	}
}

func TestSQLiteStore_UsageForConversationSkipsIgnored(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv, _ := store.CreateConversation(ctx, 1, "t", "")

	kept := &models.Message{ConversationID: conv.ID, Role: models.RoleAssistant, Text: "a"}
	_ = store.AppendMessage(ctx, kept)
	ignored := &models.Message{ConversationID: conv.ID, Role: models.RoleUser, Text: "b", Ignored: true}
	_ = store.AppendMessage(ctx, ignored)

	_ = store.SaveUsage(ctx, &models.UsageDetail{MessageID: kept.ID, Scope: models.ScopeFinal, Model: "m", Price: decimal.Zero})
	// A usage row on an ignored message violates the pipeline invariant, but
	// aggregation must still exclude it if one ever appears.
	_ = store.SaveUsage(ctx, &models.UsageDetail{MessageID: ignored.ID, Scope: models.ScopeFinal, Model: "m", Price: decimal.Zero})

	rows, err := store.UsageForConversation(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].MessageID != kept.ID {
		t.Errorf("expected only the non-ignored message's row, got %d rows", len(rows))
	}
}

func TestSQLiteStore_Attachments(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	conv, _ := store.CreateConversation(ctx, 1, "t", "")
	msg := &models.Message{ConversationID: conv.ID, Role: models.RoleUser, Text: "see attached"}
	_ = store.AppendMessage(ctx, msg)

	att := &models.Attachment{MessageID: msg.ID, Filename: "notes.txt", ContentType: "text/plain", Content: []byte("dystopian reading list")}
	if err := store.AddAttachment(ctx, att); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetAttachment(ctx, att.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Filename != "notes.txt" || string(got.Content) != "dystopian reading list" {
		t.Errorf("got %+v", got)
	}

	// Cascade: deleting the conversation removes attachments too.
	_ = store.DeleteConversation(ctx, conv.ID)
	if _, err := store.GetAttachment(ctx, att.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after cascade, got %v", err)
	}
}
