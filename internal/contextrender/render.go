package contextrender

import (
	"context"
	"strings"

	"nexus/internal/store"
)

const (
	// MaxContexts is the most context items a single send accepts; the
	// orchestrator's Pre-Validate phase enforces this before rendering is
	// ever attempted.
	MaxContexts = 10
	// maxRenderedChars caps the total rendered context text handed to the
	// provider, trimmed greedily block-by-block.
	maxRenderedChars = 25000
	// PromptVersion is recorded on message_llm so a later prompt-format
	// change can be correlated against historical sends.
	PromptVersion = "s3_v1"
)

// Item is one context reference from a send-message request, already
// resolved to a type and target id.
type Item struct {
	Type store.ContextTargetType
	ID   string
}

// Render renders items into a single markdown string separated by "---"
// dividers, greedily dropping items once the char cap is reached. A context
// whose target no longer exists (deleted between reference and send) is
// skipped rather than failing the whole render. Returns the rendered text
// and its length.
func Render(ctx context.Context, st *store.Store, items []Item) (string, int, error) {
	if len(items) == 0 {
		return "", 0, nil
	}
	if len(items) > MaxContexts {
		items = items[:MaxContexts]
	}

	const separator = "\n\n---\n\n"
	var blocks []string
	total := 0
	for _, item := range items {
		block, err := renderOne(ctx, st, item)
		if err != nil {
			return "", 0, err
		}
		if block == "" {
			continue
		}
		added := len(block)
		if len(blocks) > 0 {
			added += len(separator)
		}
		if total+added > maxRenderedChars {
			break
		}
		blocks = append(blocks, block)
		total += added
	}

	if len(blocks) == 0 {
		return "", 0, nil
	}
	return strings.Join(blocks, separator), total, nil
}

func renderOne(ctx context.Context, st *store.Store, item Item) (string, error) {
	switch item.Type {
	case store.TargetMedia:
		return renderMedia(ctx, st, item.ID)
	case store.TargetHighlight:
		return renderHighlight(ctx, st, item.ID)
	case store.TargetAnnotation:
		return renderAnnotation(ctx, st, item.ID)
	default:
		return "", nil
	}
}

func renderMedia(ctx context.Context, st *store.Store, mediaID string) (string, error) {
	media, err := st.GetMedia(ctx, mediaID)
	if err != nil {
		return "", err
	}
	if media == nil {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("**Source:** " + media.Title)
	if media.CanonicalSourceURL != nil && *media.CanonicalSourceURL != "" {
		b.WriteString("\nURL: " + *media.CanonicalSourceURL)
	}
	return b.String(), nil
}

func renderHighlight(ctx context.Context, st *store.Store, highlightID string) (string, error) {
	highlight, err := st.GetHighlight(ctx, highlightID)
	if err != nil {
		return "", err
	}
	if highlight == nil {
		return "", nil
	}
	fragment, err := st.GetFragment(ctx, highlight.FragmentID)
	if err != nil {
		return "", err
	}
	if fragment == nil {
		return "", nil
	}
	media, err := st.GetMedia(ctx, fragment.MediaID)
	if err != nil {
		return "", err
	}
	if media == nil {
		return "", nil
	}
	window, err := ComputeWindow(ctx, st, fragment.ID, highlight.StartOffset, highlight.EndOffset)
	if err != nil {
		return "", err
	}
	return renderHighlightBlock(media, highlight, window, nil), nil
}

func renderAnnotation(ctx context.Context, st *store.Store, annotationID string) (string, error) {
	annotation, err := st.GetAnnotation(ctx, annotationID)
	if err != nil {
		return "", err
	}
	if annotation == nil {
		return "", nil
	}
	highlight, err := st.GetHighlight(ctx, annotation.HighlightID)
	if err != nil {
		return "", err
	}
	if highlight == nil {
		return "", nil
	}
	fragment, err := st.GetFragment(ctx, highlight.FragmentID)
	if err != nil {
		return "", err
	}
	if fragment == nil {
		return "", nil
	}
	media, err := st.GetMedia(ctx, fragment.MediaID)
	if err != nil {
		return "", err
	}
	if media == nil {
		return "", nil
	}
	window, err := ComputeWindow(ctx, st, fragment.ID, highlight.StartOffset, highlight.EndOffset)
	if err != nil {
		return "", err
	}
	return renderHighlightBlock(media, highlight, window, annotation), nil
}

func renderHighlightBlock(media *store.Media, highlight *store.Highlight, window Window, annotation *store.Annotation) string {
	var b strings.Builder
	b.WriteString("**Source:** " + media.Title)
	if media.CanonicalSourceURL != nil && *media.CanonicalSourceURL != "" {
		b.WriteString("\nURL: " + *media.CanonicalSourceURL)
	}
	b.WriteString("\n\n**Quoted text:**\n")
	for _, line := range strings.Split(highlight.Exact, "\n") {
		b.WriteString("> " + line + "\n")
	}

	if annotation != nil {
		b.WriteString("\n**User's note:**\n")
		b.WriteString(annotation.Body)
		b.WriteString("\n")
	}

	if window.Text != highlight.Exact {
		b.WriteString("\n**Context:**\n")
		b.WriteString(window.Text)
	}

	return strings.TrimRight(b.String(), "\n")
}
