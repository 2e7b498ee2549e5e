// Package models defines the persistent and wire types shared across the service.
package models

import "time"

// Conversation is a chat thread owned by exactly one user. Deleting a
// conversation cascades to its messages.
type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single turn in a conversation. An ignored message is persisted
// for history but excluded from every context assembly, has no usage rows and
// no generated reply.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	RequestID      *int64    `json:"request_id,omitempty"` // set on assistant messages: the user message being answered
	Role           Role      `json:"role"`
	Text           string    `json:"text"`
	Summary        string    `json:"summary,omitempty"`
	Ignored        bool      `json:"ignored"`
	CreatedAt      time.Time `json:"created_at"`
	// Attachments carries metadata only, never payloads. Populated by
	// ListMessages so clients can link to the download endpoint.
	Attachments []*Attachment `json:"attachments,omitempty"`
}

// Attachment is a file uploaded with a user message. Immutable once created.
type Attachment struct {
	ID          int64  `json:"id"`
	MessageID   int64  `json:"message_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"-"`
}

// ContextMessage is one role/text pair of assembled prompt context.
type ContextMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
