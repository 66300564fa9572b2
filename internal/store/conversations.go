package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetConversation loads a conversation by id, returning (nil, nil) if absent
// so callers can distinguish "not found" from a transport error.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, owner_user_id, sharing, next_seq, created_at, updated_at
FROM conversations WHERE id = $1`, id)
	var c Conversation
	if err := row.Scan(&c.ID, &c.OwnerUserID, &c.Sharing, &c.NextSeq, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return &c, nil
}

// TouchConversation bumps updated_at so conversation listings sort by
// recency. The send path does not call it: AssignNextSeq already bumps
// updated_at when it hands out a seq.
func (s *Store) TouchConversation(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, id)
	return err
}

// ListConversationsByOwner returns ownerID's conversations, most recently
// updated first.
func (s *Store) ListConversationsByOwner(ctx context.Context, ownerID string, limit int) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, owner_user_id, sharing, next_seq, created_at, updated_at
FROM conversations WHERE owner_user_id = $1
ORDER BY updated_at DESC LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.OwnerUserID, &c.Sharing, &c.NextSeq, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
