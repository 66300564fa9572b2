package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetMedia loads a media row by id.
func (s *Store) GetMedia(ctx context.Context, id string) (*Media, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, kind, title, canonical_source_url, processing_status
FROM media WHERE id = $1`, id)
	var m Media
	if err := row.Scan(&m.ID, &m.Kind, &m.Title, &m.CanonicalSourceURL, &m.ProcessingStatus); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get media: %w", err)
	}
	return &m, nil
}

// GetFragment loads a fragment row by id.
func (s *Store) GetFragment(ctx context.Context, id string) (*Fragment, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, media_id, idx, canonical_text, html_sanitized
FROM fragments WHERE id = $1`, id)
	var f Fragment
	if err := row.Scan(&f.ID, &f.MediaID, &f.Idx, &f.CanonicalText, &f.HTMLSanitized); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get fragment: %w", err)
	}
	return &f, nil
}

// ListFragmentBlocks returns a fragment's blocks ordered by block_idx, the
// shape the context window walks to find containing/adjacent blocks.
func (s *Store) ListFragmentBlocks(ctx context.Context, fragmentID string) ([]FragmentBlock, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, fragment_id, block_idx, start_offset, end_offset, block_type, is_empty
FROM fragment_blocks WHERE fragment_id = $1 ORDER BY block_idx ASC`, fragmentID)
	if err != nil {
		return nil, fmt.Errorf("store: list fragment blocks: %w", err)
	}
	defer rows.Close()
	var out []FragmentBlock
	for rows.Next() {
		var b FragmentBlock
		if err := rows.Scan(&b.ID, &b.FragmentID, &b.BlockIdx, &b.StartOffset, &b.EndOffset, &b.BlockType, &b.IsEmpty); err != nil {
			return nil, fmt.Errorf("store: scan fragment block: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertFragmentBlocks bulk-inserts parsed fragment block rows, used when a
// fragment is (re)processed and its block partition recomputed.
func (s *Store) InsertFragmentBlocks(ctx context.Context, blocks []FragmentBlock) error {
	batch := &pgx.Batch{}
	for _, b := range blocks {
		batch.Queue(`
INSERT INTO fragment_blocks (fragment_id, block_idx, start_offset, end_offset, block_type, is_empty)
VALUES ($1, $2, $3, $4, $5, $6)`,
			b.FragmentID, b.BlockIdx, b.StartOffset, b.EndOffset, b.BlockType, b.IsEmpty)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range blocks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store: insert fragment block: %w", err)
		}
	}
	return nil
}

// GetHighlight loads a highlight row by id.
func (s *Store) GetHighlight(ctx context.Context, id string) (*Highlight, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, user_id, fragment_id, start_offset, end_offset, color, exact, prefix, suffix
FROM highlights WHERE id = $1`, id)
	var h Highlight
	if err := row.Scan(&h.ID, &h.UserID, &h.FragmentID, &h.StartOffset, &h.EndOffset, &h.Color, &h.Exact, &h.Prefix, &h.Suffix); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get highlight: %w", err)
	}
	return &h, nil
}

// GetAnnotation loads an annotation row by id.
func (s *Store) GetAnnotation(ctx context.Context, id string) (*Annotation, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, highlight_id, body FROM annotations WHERE id = $1`, id)
	var a Annotation
	if err := row.Scan(&a.ID, &a.HighlightID, &a.Body); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get annotation: %w", err)
	}
	return &a, nil
}
