package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// AssignNextSeq locks the conversation row, reads next_seq, writes
// next_seq+1, and returns the value that was handed out. It must run inside
// tx so concurrent senders on the same conversation serialize on the row
// lock and a rolled-back transaction returns its seq to the pool.
func AssignNextSeq(ctx context.Context, tx pgx.Tx, conversationID string) (int, error) {
	row := tx.QueryRow(ctx, `SELECT next_seq FROM conversations WHERE id = $1 FOR UPDATE`, conversationID)
	var next int
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("store: lock conversation for seq: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE conversations SET next_seq = $2, updated_at = now() WHERE id = $1`, conversationID, next+1); err != nil {
		return 0, fmt.Errorf("store: advance next_seq: %w", err)
	}
	return next, nil
}
