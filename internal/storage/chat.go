package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateConversation starts a new conversation for the user.
func (s *Store) CreateConversation(userID, title string) (Conversation, error) {
	if title == "" {
		title = "New Conversation"
	}
	now := time.Now().UTC()
	c := Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Title, now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("inserting conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns the conversation with the given id, or ErrNotFound.
func (s *Store) GetConversation(id string) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Title, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *Store) ListConversations(userID string, limit int) ([]Conversation, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		var c Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// SetConversationTitle updates the conversation title (auto-generated after
// the first exchange).
func (s *Store) SetConversationTitle(id, title string) error {
	res, err := s.db.Exec(`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage appends a message to the conversation with the next sequence
// number. The (conversation_id, seq) primary key makes history append-only and
// gives a total order for replay.
func (s *Store) AppendMessage(m Message) (Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Message{}, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, m.ConversationID).Scan(&exists); err != nil {
		return Message{}, err
	}
	if exists == 0 {
		return Message{}, ErrNotFound
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM messages WHERE conversation_id = ?`, m.ConversationID).Scan(&maxSeq); err != nil {
		return Message{}, err
	}
	m.Seq = int(maxSeq.Int64) + 1
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.ToolCalls == "" {
		m.ToolCalls = "[]"
	}

	now := m.CreatedAt.Format(time.RFC3339)
	if _, err := tx.Exec(`
		INSERT INTO messages (conversation_id, seq, role, content, tool_calls_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ConversationID, m.Seq, m.Role, m.Content, m.ToolCalls, now,
	); err != nil {
		return Message{}, fmt.Errorf("inserting message: %w", err)
	}
	if _, err := tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, m.ConversationID); err != nil {
		return Message{}, fmt.Errorf("touching conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ListMessages returns the conversation's messages in sequence order.
func (s *Store) ListMessages(conversationID string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT conversation_id, seq, role, content, tool_calls_json, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.ToolCalls, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}
