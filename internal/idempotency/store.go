// Package idempotency implements payload-hash keyed deduplication of
// send-message requests: (user, key) maps to the (user_message,
// assistant_message) pair it produced, so a retried request with an
// unchanged payload replays the prior result instead of re-sending to the
// LLM.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"nexus/internal/nexuserr"
)

const recordTTL = 24 * time.Hour

// ContextRef is the minimal shape of a context reference needed to compute
// the payload hash deterministically; callers pass the request's raw
// context list through this, sorted identically to the original's
// (type, id) tuple sort.
type ContextRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ComputePayloadHash hashes (content, model_id, key_mode, sorted_contexts)
// into a stable digest, matching the original's sort-then-concatenate
// scheme byte for byte other than Go's deterministic JSON field order
// standing in for Python's str()-of-dict repr.
func ComputePayloadHash(content, modelID, keyMode string, contexts []ContextRef) string {
	sorted := make([]ContextRef, len(contexts))
	copy(sorted, contexts)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type < sorted[j].Type
		}
		return sorted[i].ID < sorted[j].ID
	})
	ctxJSON, _ := json.Marshal(sorted)
	payload := fmt.Sprintf("%s|%s|%s|%s", content, modelID, keyMode, ctxJSON)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Replay is the prior result of a request this idempotency key already
// produced.
type Replay struct {
	UserMessageID      string
	AssistantMessageID string
}

// Store is the idempotency table's Postgres-backed CRUD surface. Records
// are durable rows inserted inside the same Phase 1 transaction that
// creates the message pair; there is no KV-only fast path here, since the
// record must survive a process crash between Phase 1 and Phase 3.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Check looks up (userID, key). Returns (nil, nil) for a brand-new key or
// one whose prior record expired (expired rows are lazily deleted here and
// treated as new). Returns nexuserr.CodeIdempotencyKeyReplayMismatch if the
// key was reused with a different payload hash.
func (s *Store) Check(ctx context.Context, userID, key, payloadHash string) (*Replay, error) {
	if key == "" {
		return nil, nil
	}

	var (
		existingHash                      string
		expiresAt                         time.Time
		userMessageID, assistantMessageID string
	)
	row := s.pool.QueryRow(ctx, `
SELECT payload_hash, expires_at, user_message_id, assistant_message_id
FROM idempotency_keys WHERE user_id = $1 AND key = $2`, userID, key)
	err := row.Scan(&existingHash, &expiresAt, &userMessageID, &assistantMessageID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: check: %w", err)
	}

	if time.Now().After(expiresAt) {
		if _, delErr := s.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE user_id = $1 AND key = $2`, userID, key); delErr != nil {
			return nil, fmt.Errorf("idempotency: gc expired record: %w", delErr)
		}
		return nil, nil
	}

	if existingHash != payloadHash {
		return nil, nexuserr.New(nexuserr.CodeIdempotencyKeyReplayMismatch, "idempotency key reused with a different payload")
	}

	return &Replay{UserMessageID: userMessageID, AssistantMessageID: assistantMessageID}, nil
}

// Insert records a new (user, key) -> (userMessageID, assistantMessageID)
// mapping inside tx, the same transaction that created the message pair.
// Must be called only after Check returned nil (no existing record) for
// this key.
func Insert(ctx context.Context, tx pgx.Tx, userID, key, payloadHash, userMessageID, assistantMessageID string) error {
	if key == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
INSERT INTO idempotency_keys (user_id, key, payload_hash, user_message_id, assistant_message_id, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, key, payloadHash, userMessageID, assistantMessageID, time.Now().UTC().Add(recordTTL))
	if err != nil {
		return fmt.Errorf("idempotency: insert: %w", err)
	}
	return nil
}
