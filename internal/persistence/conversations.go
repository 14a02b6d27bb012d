package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is one turn in a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	OwnerID        string    `json:"owner_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// EnsureConversation creates the conversation row if it does not exist and
// returns its id. An empty id starts a fresh conversation.
func (s *Store) EnsureConversation(ctx context.Context, conversationID, ownerID string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("owner_id must be non-empty")
	}
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, owner_id, created_at, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET updated_at = CURRENT_TIMESTAMP;
		`, conversationID, ownerID)
		if execErr != nil {
			return fmt.Errorf("ensure conversation: %w", execErr)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return conversationID, nil
}

// AppendMessage records one turn and returns its id.
func (s *Store) AppendMessage(ctx context.Context, conversationID, ownerID, role, content string) (int64, error) {
	if conversationID == "" || ownerID == "" || role == "" {
		return 0, fmt.Errorf("conversation_id, owner_id, role must all be non-empty")
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, owner_id, role, content, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, conversationID, ownerID, role, content)
		if execErr != nil {
			return fmt.Errorf("append message: %w", execErr)
		}
		var idErr error
		id, idErr = res.LastInsertId()
		if idErr != nil {
			return fmt.Errorf("message insert id: %w", idErr)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RecentMessages returns the last n turns of a conversation in chronological
// order, for the grounding context handed to the model.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if n <= 0 || n > 200 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, owner_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT ?;
	`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.OwnerID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message rows: %w", err)
	}
	// Newest-first from the query; callers want oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetConversationOwner resolves the owner of a conversation.
func (s *Store) GetConversationOwner(ctx context.Context, conversationID string) (string, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id FROM conversations WHERE id = ?;
	`, conversationID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", sql.ErrNoRows
	}
	if err != nil {
		return "", fmt.Errorf("get conversation owner: %w", err)
	}
	return ownerID, nil
}
