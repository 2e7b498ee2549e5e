// Package storage provides the SQLite implementation of the Store interface.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/bookpile/hondana/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes
// the schema. Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		title TEXT,
		summary TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		request_id INTEGER,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		text TEXT,
		summary TEXT,
		ignored INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
		FOREIGN KEY (request_id) REFERENCES messages(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

	CREATE TABLE IF NOT EXISTS attachments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL,
		filename TEXT NOT NULL,
		content BLOB,
		content_type TEXT,
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS usage_details (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL,
		scope TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cached_tokens INTEGER NOT NULL DEFAULT 0,
		price TEXT NOT NULL DEFAULT '0',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_usage_message ON usage_details(message_id, id);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateConversation inserts a conversation owned by userID and returns it.
func (s *SQLiteStore) CreateConversation(ctx context.Context, userID int64, title, summary string) (*models.Conversation, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, title, summary, created_at) VALUES (?, ?, ?, ?)`,
		userID, title, summary, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.Conversation{ID: id, UserID: userID, Title: title, Summary: summary, CreatedAt: now}, nil
}

// GetConversation returns a conversation by ID, or ErrNotFound.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	var c models.Conversation
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, summary, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Title, &summary, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	c.Summary = summary.String
	return &c, nil
}

// ListConversations returns the conversations owned by userID, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID int64) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, summary, created_at FROM conversations
		 WHERE user_id = ? ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		var c models.Conversation
		var summary sql.NullString
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &summary, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Summary = summary.String
		out = append(out, &c)
	}
	return out, rows.Err()
}

// RenameConversation updates the conversation title.
func (s *SQLiteStore) RenameConversation(ctx context.Context, id int64, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// DeleteConversation removes a conversation; messages, attachments and usage
// rows cascade.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// AppendMessage inserts a message and fills in its ID and CreatedAt.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, request_id, role, text, summary, ignored, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ConversationID, msg.RequestID, string(msg.Role), msg.Text, nullIfEmpty(msg.Summary), boolToInt(msg.Ignored), now,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	msg.CreatedAt = now
	return nil
}

// GetMessage returns a message by ID, or ErrNotFound.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, request_id, role, text, summary, ignored, created_at
		 FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return msg, err
}

// ListMessages returns the conversation's messages in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID int64, excludeIgnored bool) ([]*models.Message, error) {
	query := `SELECT id, conversation_id, request_id, role, text, summary, ignored, created_at
		 FROM messages WHERE conversation_id = ?`
	if excludeIgnored {
		query += ` AND ignored = 0`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.attachMetadata(ctx, conversationID, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachMetadata fills each message's attachment list, metadata only.
func (s *SQLiteStore) attachMetadata(ctx context.Context, conversationID int64, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.message_id, a.filename, a.content_type
		 FROM attachments a
		 JOIN messages m ON m.id = a.message_id
		 WHERE m.conversation_id = ?
		 ORDER BY a.id ASC`, conversationID)
	if err != nil {
		return err
	}
	defer rows.Close()

	byMessage := make(map[int64][]*models.Attachment)
	for rows.Next() {
		var att models.Attachment
		var ctype sql.NullString
		if err := rows.Scan(&att.ID, &att.MessageID, &att.Filename, &ctype); err != nil {
			return err
		}
		att.ContentType = ctype.String
		byMessage[att.MessageID] = append(byMessage[att.MessageID], &att)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, msg := range msgs {
		msg.Attachments = byMessage[msg.ID]
	}
	return nil
}

// SetMessageSummary stores a compact summary used by context assembly.
func (s *SQLiteStore) SetMessageSummary(ctx context.Context, id int64, summary string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET summary = ? WHERE id = ?`, summary, id)
	if err != nil {
		return err
	}
	return requireRow(res, id)
}

// AddAttachment inserts an attachment and fills in its ID.
func (s *SQLiteStore) AddAttachment(ctx context.Context, att *models.Attachment) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (message_id, filename, content, content_type) VALUES (?, ?, ?, ?)`,
		att.MessageID, att.Filename, att.Content, att.ContentType,
	)
	if err != nil {
		return fmt.Errorf("add attachment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	att.ID = id
	return nil
}

// GetAttachment returns an attachment with its payload, or ErrNotFound.
func (s *SQLiteStore) GetAttachment(ctx context.Context, id int64) (*models.Attachment, error) {
	var att models.Attachment
	var ctype sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, message_id, filename, content, content_type FROM attachments WHERE id = ?`, id,
	).Scan(&att.ID, &att.MessageID, &att.Filename, &att.Content, &ctype)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("attachment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	att.ContentType = ctype.String
	return &att, nil
}

// SaveUsage appends one ledger row and fills in its ID and CreatedAt.
func (s *SQLiteStore) SaveUsage(ctx context.Context, detail *models.UsageDetail) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_details (message_id, scope, model, input_tokens, output_tokens, cached_tokens, price, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		detail.MessageID, string(detail.Scope), detail.Model,
		detail.InputTokens, detail.OutputTokens, detail.CachedTokens,
		detail.Price.String(), now,
	)
	if err != nil {
		return fmt.Errorf("save usage: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	detail.ID = id
	detail.CreatedAt = now
	return nil
}

// UsageForMessage returns the usage rows of one message in insertion order.
func (s *SQLiteStore) UsageForMessage(ctx context.Context, messageID int64) ([]*models.UsageDetail, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, scope, model, input_tokens, output_tokens, cached_tokens, price, created_at
		 FROM usage_details WHERE message_id = ? ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsageRows(rows)
}

// UsageForConversation returns usage rows for all non-ignored messages of a
// conversation, in insertion order.
func (s *SQLiteStore) UsageForConversation(ctx context.Context, conversationID int64) ([]*models.UsageDetail, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.message_id, u.scope, u.model, u.input_tokens, u.output_tokens, u.cached_tokens, u.price, u.created_at
		 FROM usage_details u
		 JOIN messages m ON m.id = u.message_id
		 WHERE m.conversation_id = ? AND m.ignored = 0
		 ORDER BY u.id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsageRows(rows)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var requestID sql.NullInt64
	var text, summary sql.NullString
	var ignored int
	if err := row.Scan(&msg.ID, &msg.ConversationID, &requestID, &msg.Role, &text, &summary, &ignored, &msg.CreatedAt); err != nil {
		return nil, err
	}
	if requestID.Valid {
		msg.RequestID = &requestID.Int64
	}
	msg.Text = text.String
	msg.Summary = summary.String
	msg.Ignored = ignored != 0
	return &msg, nil
}

func scanUsageRows(rows *sql.Rows) ([]*models.UsageDetail, error) {
	var out []*models.UsageDetail
	for rows.Next() {
		var d models.UsageDetail
		var scope, price string
		if err := rows.Scan(&d.ID, &d.MessageID, &scope, &d.Model, &d.InputTokens, &d.OutputTokens, &d.CachedTokens, &price, &d.CreatedAt); err != nil {
			return nil, err
		}
		parsed, err := models.ParseScope(scope)
		if err != nil {
			return nil, err
		}
		d.Scope = parsed
		d.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse stored price %q: %w", price, err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("id %d: %w", id, ErrNotFound)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
