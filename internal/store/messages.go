package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// InsertMessage inserts a message row inside tx and returns its generated id.
func InsertMessage(ctx context.Context, tx pgx.Tx, m Message) (string, error) {
	row := tx.QueryRow(ctx, `
INSERT INTO messages (conversation_id, seq, role, content, status, error_code, model_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`,
		m.ConversationID, m.Seq, m.Role, m.Content, m.Status, m.ErrorCode, m.ModelID)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("store: insert message: %w", err)
	}
	return id, nil
}

// FinalizeMessage applies the terminal state to a pending assistant message.
// The WHERE clause only matches rows still pending, giving finalize-once
// semantics to concurrent callers (the streaming pump and the sweeper) that
// race to finalize the same row: exactly one UPDATE affects a row.
func (s *Store) FinalizeMessage(ctx context.Context, messageID string, content string, status MessageStatus, errorCode *string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE messages SET content = $2, status = $3, error_code = $4, updated_at = now()
WHERE id = $1 AND status = 'pending'`, messageID, content, status, errorCode)
	if err != nil {
		return false, fmt.Errorf("store: finalize message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeMessageTx is FinalizeMessage run inside an existing transaction,
// used by the sweeper and the blocking-send Phase 3 commit.
func FinalizeMessageTx(ctx context.Context, tx pgx.Tx, messageID string, content string, status MessageStatus, errorCode *string) (bool, error) {
	tag, err := tx.Exec(ctx, `
UPDATE messages SET content = $2, status = $3, error_code = $4, updated_at = now()
WHERE id = $1 AND status = 'pending'`, messageID, content, status, errorCode)
	if err != nil {
		return false, fmt.Errorf("store: finalize message tx: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetMessage loads a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, conversation_id, seq, role, content, status, error_code, model_id, created_at, updated_at
FROM messages WHERE id = $1`, id)
	var m Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.Status, &m.ErrorCode, &m.ModelID, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return &m, nil
}

// ListMessages returns every message in a conversation ordered by seq; the
// send path scans it for a pending assistant row before accepting a send.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, conversation_id, seq, role, content, status, error_code, model_id, created_at, updated_at
FROM messages WHERE conversation_id = $1 ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.Status, &m.ErrorCode, &m.ModelID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListRecentMessages returns a conversation's most recent messages, newest
// last, for the paginated GET /conversations/{id}/messages endpoint —
// distinct from ListMessages, which always returns the full history.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, conversation_id, seq, role, content, status, error_code, model_id, created_at, updated_at
FROM (
	SELECT * FROM messages WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
) recent ORDER BY seq ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.Status, &m.ErrorCode, &m.ModelID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListStalePending returns pending assistant messages older than
// olderThanSeconds, the sweeper's scan query. liveness is checked against Redis by
// the caller, not here; this is a pure DB cursor.
func (s *Store) ListStalePending(ctx context.Context, olderThanSeconds int) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, conversation_id, seq, role, content, status, error_code, model_id, created_at, updated_at
FROM messages
WHERE status = 'pending' AND role = 'assistant'
  AND created_at < now() - make_interval(secs => $1)`, olderThanSeconds)
	if err != nil {
		return nil, fmt.Errorf("store: list stale pending: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &m.Status, &m.ErrorCode, &m.ModelID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan stale pending: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMessageLLM inserts the 1:1 LLM sidecar row for an assistant message.
// ON CONFLICT DO NOTHING mirrors the original sweeper's idempotent insert:
// a second writer (sweeper racing the stream pump) never errors, it just
// loses the race silently.
func InsertMessageLLM(ctx context.Context, tx pgx.Tx, l MessageLLM) error {
	_, err := tx.Exec(ctx, `
INSERT INTO message_llm (message_id, provider, model_name, prompt_tokens, completion_tokens, total_tokens,
    key_mode_requested, key_mode_used, cost_usd_micros, latency_ms, error_class, prompt_version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (message_id) DO NOTHING`,
		l.MessageID, l.Provider, l.ModelName, l.PromptTokens, l.CompletionTokens, l.TotalTokens,
		l.KeyModeRequested, l.KeyModeUsed, l.CostUSDMicros, l.LatencyMS, l.ErrorClass, l.PromptVersion)
	if err != nil {
		return fmt.Errorf("store: insert message_llm: %w", err)
	}
	return nil
}

// InsertMessageContext inserts one MessageContext child row inside tx.
func InsertMessageContext(ctx context.Context, tx pgx.Tx, mc MessageContext) error {
	_, err := tx.Exec(ctx, `
INSERT INTO message_contexts (message_id, target_type, ordinal, media_id, highlight_id, annotation_id)
VALUES ($1, $2, $3, $4, $5, $6)`,
		mc.MessageID, mc.TargetType, mc.Ordinal, mc.MediaID, mc.HighlightID, mc.AnnotationID)
	if err != nil {
		return fmt.Errorf("store: insert message_context: %w", err)
	}
	return nil
}

// ListMessageContexts returns a message's context children ordered by ordinal.
func (s *Store) ListMessageContexts(ctx context.Context, messageID string) ([]MessageContext, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, message_id, target_type, ordinal, media_id, highlight_id, annotation_id, created_at
FROM message_contexts WHERE message_id = $1 ORDER BY ordinal ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("store: list message contexts: %w", err)
	}
	defer rows.Close()
	var out []MessageContext
	for rows.Next() {
		var mc MessageContext
		if err := rows.Scan(&mc.ID, &mc.MessageID, &mc.TargetType, &mc.Ordinal, &mc.MediaID, &mc.HighlightID, &mc.AnnotationID, &mc.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message context: %w", err)
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}
