// Package provenance is the single source of truth for S4 visibility: the
// predicate library send-message and the streaming orchestrator consult to
// decide whether a context reference (media/highlight/annotation) or a
// shared conversation is visible to a given viewer. No predicate here throws
// for a non-existent id; "not found" and "not visible" are both false, so a
// caller can never use these predicates to probe for existence.
package provenance

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Authority answers S4 visibility questions against the shared database.
type Authority struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Authority {
	return &Authority{pool: pool}
}

// CanReadMedia reports whether viewer can read media under S4 provenance:
// non-default library membership, a default-library intrinsic row, or an
// active closure edge back to a library the viewer currently belongs to.
// Raw presence in library_media without one of these three paths is not
// sufficient.
func (a *Authority) CanReadMedia(ctx context.Context, viewerUserID, mediaID string) (bool, error) {
	const q = `
SELECT EXISTS (
    SELECT 1 FROM library_media lm
    JOIN memberships m ON m.library_id = lm.library_id
    JOIN libraries l ON l.id = lm.library_id
    WHERE lm.media_id = $2 AND m.user_id = $1 AND l.is_default = false
)
OR EXISTS (
    SELECT 1 FROM default_library_intrinsics dli
    JOIN libraries l ON l.id = dli.default_library_id
    WHERE dli.media_id = $2 AND l.owner_user_id = $1 AND l.is_default = true
)
OR EXISTS (
    SELECT 1 FROM default_library_closure_edges e
    JOIN libraries l ON l.id = e.default_library_id
    JOIN memberships m ON m.library_id = e.source_library_id
    WHERE e.media_id = $2 AND l.owner_user_id = $1 AND l.is_default = true AND m.user_id = $1
)`
	return a.scanBool(ctx, "can read media", q, viewerUserID, mediaID)
}

// CanReadMediaBulk evaluates CanReadMedia for every id in mediaIDs with
// exactly one query, returning an entry for every input id (false for
// unreadable/non-existent ones). Empty input returns an empty map without
// querying.
func (a *Authority) CanReadMediaBulk(ctx context.Context, viewerUserID string, mediaIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(mediaIDs))
	if len(mediaIDs) == 0 {
		return out, nil
	}
	for _, id := range mediaIDs {
		out[id] = false
	}

	const q = `
SELECT DISTINCT media_id FROM (
    SELECT lm.media_id FROM library_media lm
    JOIN memberships m ON m.library_id = lm.library_id
    JOIN libraries l ON l.id = lm.library_id
    WHERE lm.media_id = ANY($2) AND m.user_id = $1 AND l.is_default = false
    UNION ALL
    SELECT dli.media_id FROM default_library_intrinsics dli
    JOIN libraries l ON l.id = dli.default_library_id
    WHERE dli.media_id = ANY($2) AND l.owner_user_id = $1 AND l.is_default = true
    UNION ALL
    SELECT e.media_id FROM default_library_closure_edges e
    JOIN libraries l ON l.id = e.default_library_id
    JOIN memberships m ON m.library_id = e.source_library_id
    WHERE e.media_id = ANY($2) AND l.owner_user_id = $1 AND l.is_default = true AND m.user_id = $1
) readable`
	rows, err := a.pool.Query(ctx, q, viewerUserID, mediaIDs)
	if err != nil {
		return nil, fmt.Errorf("provenance: can read media bulk: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("provenance: can read media bulk scan: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// CanReadConversation reports whether viewer can read a conversation: they
// own it, it is public, or it is library-shared into a library where both
// viewer and owner currently hold membership.
func (a *Authority) CanReadConversation(ctx context.Context, viewerUserID, conversationID string) (bool, error) {
	const q = `
SELECT EXISTS (
    SELECT 1 FROM conversations c WHERE c.id = $2 AND c.owner_user_id = $1
)
OR EXISTS (
    SELECT 1 FROM conversations c WHERE c.id = $2 AND c.sharing = 'public'
)
OR EXISTS (
    SELECT 1 FROM conversations c
    JOIN conversation_shares cs ON cs.conversation_id = c.id
    JOIN memberships viewer_m ON viewer_m.library_id = cs.library_id AND viewer_m.user_id = $1
    JOIN memberships owner_m ON owner_m.library_id = cs.library_id AND owner_m.user_id = c.owner_user_id
    WHERE c.id = $2 AND c.sharing = 'library'
)`
	return a.scanBool(ctx, "can read conversation", q, viewerUserID, conversationID)
}

// CanReadHighlight reports whether viewer can read a highlight: they can
// read its anchor media, and some library contains that media with both
// viewer and the highlight's author as current members.
func (a *Authority) CanReadHighlight(ctx context.Context, viewerUserID, highlightID string) (bool, error) {
	var mediaID, authorID string
	row := a.pool.QueryRow(ctx, `
SELECT f.media_id, h.user_id
FROM highlights h JOIN fragments f ON f.id = h.fragment_id
WHERE h.id = $1`, highlightID)
	if err := row.Scan(&mediaID, &authorID); err != nil {
		// No-rows and real errors both resolve to "not visible"; existence is
		// never leaked through this predicate.
		return false, nil
	}

	canReadMedia, err := a.CanReadMedia(ctx, viewerUserID, mediaID)
	if err != nil {
		return false, err
	}
	if !canReadMedia {
		return false, nil
	}

	const q = `
SELECT EXISTS (
    SELECT 1 FROM library_media lm
    JOIN memberships viewer_m ON viewer_m.library_id = lm.library_id AND viewer_m.user_id = $1
    JOIN memberships author_m ON author_m.library_id = lm.library_id AND author_m.user_id = $2
    WHERE lm.media_id = $3
)`
	return a.scanBool(ctx, "can read highlight", q, viewerUserID, authorID, mediaID)
}

// CanReadAnnotation reports whether viewer can read an annotation: it
// resolves to the annotation's highlight and applies the same rule as
// CanReadHighlight against that highlight's anchor media and author.
func (a *Authority) CanReadAnnotation(ctx context.Context, viewerUserID, annotationID string) (bool, error) {
	var highlightID string
	row := a.pool.QueryRow(ctx, `SELECT highlight_id FROM annotations WHERE id = $1`, annotationID)
	if err := row.Scan(&highlightID); err != nil {
		return false, nil
	}
	return a.CanReadHighlight(ctx, viewerUserID, highlightID)
}

// IsLibraryAdmin reports whether viewer is an admin member of library.
func (a *Authority) IsLibraryAdmin(ctx context.Context, viewerUserID, libraryID string) (bool, error) {
	const q = `
SELECT EXISTS (
    SELECT 1 FROM memberships WHERE library_id = $2 AND user_id = $1 AND role = 'admin'
)`
	return a.scanBool(ctx, "is library admin", q, viewerUserID, libraryID)
}

// IsLibraryMember reports whether viewer holds any membership in library.
func (a *Authority) IsLibraryMember(ctx context.Context, viewerUserID, libraryID string) (bool, error) {
	const q = `
SELECT EXISTS (
    SELECT 1 FROM memberships WHERE library_id = $2 AND user_id = $1
)`
	return a.scanBool(ctx, "is library member", q, viewerUserID, libraryID)
}

// IsAdminOfAnyContainingLibrary reports whether viewer admins any library
// that contains media.
func (a *Authority) IsAdminOfAnyContainingLibrary(ctx context.Context, viewerUserID, mediaID string) (bool, error) {
	const q = `
SELECT EXISTS (
    SELECT 1 FROM library_media lm
    JOIN memberships m ON m.library_id = lm.library_id
    WHERE lm.media_id = $2 AND m.user_id = $1 AND m.role = 'admin'
)`
	return a.scanBool(ctx, "is admin of any containing library", q, viewerUserID, mediaID)
}

func (a *Authority) scanBool(ctx context.Context, op, query string, args ...any) (bool, error) {
	row := a.pool.QueryRow(ctx, query, args...)
	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, fmt.Errorf("provenance: %s: %w", op, err)
	}
	return ok, nil
}
