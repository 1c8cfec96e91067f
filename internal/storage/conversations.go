// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// TYPES
// =============================================================================

// Message roles accepted by AppendMessage.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Conversation is one persisted chat thread, scoped to a project and owned
// by a user.
type Conversation struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`

	// SystemPrompt, when non-empty, overrides the project-level system
	// prompt for every turn of this conversation.
	SystemPrompt string `json:"system_prompt,omitempty"`

	TotalTokens int       `json:"total_tokens"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// MessageCount is populated by ListConversations only.
	MessageCount int `json:"message_count,omitempty"`
}

// Message is one persisted turn inside a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	TokenCount     int       `json:"token_count"`
	CreatedAt      time.Time `json:"created_at"`
}

func newConversationID() string {
	return "conv_" + uuid.NewString()
}

func newMessageID() string {
	return "msg_" + uuid.NewString()
}

// =============================================================================
// CONVERSATIONS
// =============================================================================

// CreateConversation inserts a new conversation and returns it. An empty
// systemPrompt means the conversation follows the project default.
func (s *Store) CreateConversation(ctx context.Context, projectID, userID, title, systemPrompt string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:           newConversationID(),
		ProjectID:    projectID,
		UserID:       userID,
		Title:        title,
		SystemPrompt: systemPrompt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, project_id, user_id, title, system_prompt, total_tokens, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		conv.ID, conv.ProjectID, conv.UserID, conv.Title, conv.SystemPrompt,
		now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads a conversation by ID. A conversation owned by a
// different user reports ErrConversationNotFound, same as a missing one.
func (s *Store) GetConversation(ctx context.Context, id, userID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, user_id, title, system_prompt, total_tokens, created_at, updated_at
		 FROM conversations WHERE id = ? AND user_id = ?`,
		id, userID)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns a user's conversations in a project, most
// recently updated first, with per-conversation message counts.
func (s *Store) ListConversations(ctx context.Context, projectID, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.project_id, c.user_id, c.title, c.system_prompt, c.total_tokens, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id)
		 FROM conversations c
		 WHERE c.project_id = ? AND c.user_id = ?
		 ORDER BY c.updated_at DESC, c.id`,
		projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.UserID, &c.Title, &c.SystemPrompt,
			&c.TotalTokens, &created, &updated, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.CreatedAt = time.Unix(0, created).UTC()
		c.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and, via cascade, its messages.
func (s *Store) DeleteConversation(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}

// SetTitle replaces a conversation's title.
func (s *Store) SetTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set title: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}

// AddTokens increments a conversation's running token total. The increment
// runs inside the database so concurrent turns never lose updates.
func (s *Store) AddTokens(ctx context.Context, id string, delta int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET total_tokens = total_tokens + ? WHERE id = ?`,
		delta, id)
	if err != nil {
		return fmt.Errorf("add tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("add tokens: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}

// =============================================================================
// MESSAGES
// =============================================================================

// AppendMessage persists one message and bumps the conversation's updated_at
// so listings sort by recency.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string, tokenCount int) (*Message, error) {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:             newMessageID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		TokenCount:     tokenCount,
		CreatedAt:      now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		now.UnixNano(), conversationID)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.TokenCount, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// Messages returns every message of a conversation in chronological order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, token_count, created_at
		 FROM messages WHERE conversation_id = ?
		 ORDER BY created_at, id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessages returns the newest limit messages of a conversation, still
// in chronological order. A limit of zero or less returns everything.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return s.Messages(ctx, conversationID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, token_count, created_at FROM (
			SELECT id, conversation_id, role, content, token_count, created_at
			FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at, id`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessageCount returns how many messages a conversation holds.
func (s *Store) MessageCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`,
		conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// =============================================================================
// SCANNING
// =============================================================================

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	var created, updated int64
	err := row.Scan(&c.ID, &c.ProjectID, &c.UserID, &c.Title, &c.SystemPrompt,
		&c.TotalTokens, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()
	return &c, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&m.TokenCount, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
