// Package storage defines the persistence interface for conversations,
// messages, attachments and the usage ledger.
package storage

import (
	"context"
	"errors"

	"github.com/bookpile/hondana/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the relational persistence operations consumed by the chat
// pipeline. The store is the single source of truth; caches layered on top of
// it are never consulted when correctness matters.
type Store interface {
	// Conversation operations
	CreateConversation(ctx context.Context, userID int64, title, summary string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID int64) ([]*models.Conversation, error)
	RenameConversation(ctx context.Context, id int64, title string) error
	DeleteConversation(ctx context.Context, id int64) error

	// Message operations. AppendMessage assigns ID and CreatedAt on msg.
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	// ListMessages returns messages in chronological order. When
	// excludeIgnored is true, messages flagged by moderation are omitted.
	ListMessages(ctx context.Context, conversationID int64, excludeIgnored bool) ([]*models.Message, error)
	SetMessageSummary(ctx context.Context, id int64, summary string) error

	// Attachment operations. Attachments are immutable once created.
	AddAttachment(ctx context.Context, att *models.Attachment) error
	GetAttachment(ctx context.Context, id int64) (*models.Attachment, error)

	// Usage ledger. SaveUsage is append-only; rows are never mutated.
	SaveUsage(ctx context.Context, detail *models.UsageDetail) error
	UsageForMessage(ctx context.Context, messageID int64) ([]*models.UsageDetail, error)
	// UsageForConversation returns usage rows across all non-ignored
	// messages of the conversation, ordered by insertion.
	UsageForConversation(ctx context.Context, conversationID int64) ([]*models.UsageDetail, error)

	Close() error
}
