// Package contextrender computes and renders the surrounding-text context
// window for a highlight, and assembles a send-message request's context
// items into the markdown blocks a provider prompt includes.
package contextrender

import (
	"context"
	"fmt"

	"nexus/internal/store"
)

const (
	// maxWindowChars caps a single highlight's context window.
	maxWindowChars = 2500
	// fallbackChars is how far a window expands on each side of the
	// selection when the fragment has no block data.
	fallbackChars = 600
)

// WindowSource names which algorithm produced a Window.
type WindowSource string

const (
	SourceBlocks   WindowSource = "blocks"
	SourceFallback WindowSource = "fallback"
)

// Window is the computed surrounding-text context for a highlight, always
// fully containing the highlight's [startOffset, endOffset) of the
// fragment's runes; Start and End are the window's own rune offsets.
type Window struct {
	Text   string
	Source WindowSource
	Start  int
	End    int
}

// ComputeWindow loads fragmentID's blocks and text and computes the context
// window for [startOffset, endOffset), offsets given in rune (codepoint)
// positions to match the original's Python string-index semantics.
func ComputeWindow(ctx context.Context, st *store.Store, fragmentID string, startOffset, endOffset int) (Window, error) {
	fragment, err := st.GetFragment(ctx, fragmentID)
	if err != nil {
		return Window{}, fmt.Errorf("contextrender: load fragment: %w", err)
	}
	if fragment == nil {
		return Window{}, fmt.Errorf("contextrender: fragment %s not found", fragmentID)
	}
	text := []rune(fragment.CanonicalText)

	blocks, err := st.ListFragmentBlocks(ctx, fragmentID)
	if err != nil {
		return Window{}, fmt.Errorf("contextrender: load fragment blocks: %w", err)
	}

	if len(blocks) > 0 {
		if w, ok := computeBlockWindow(text, blocks, startOffset, endOffset); ok {
			return w, nil
		}
	}
	return computeFallbackWindow(text, startOffset, endOffset), nil
}

func computeBlockWindow(text []rune, blocks []store.FragmentBlock, startOffset, endOffset int) (Window, bool) {
	textLen := len(text)

	var containing []int
	for i, b := range blocks {
		if b.StartOffset < endOffset && b.EndOffset > startOffset {
			containing = append(containing, i)
		}
	}
	if len(containing) == 0 {
		// Selection doesn't overlap any block; caller falls back.
		return Window{}, false
	}

	first, last := containing[0], containing[0]
	for _, i := range containing {
		if i < first {
			first = i
		}
		if i > last {
			last = i
		}
	}

	prevIdx := -1
	for i := first - 1; i >= 0; i-- {
		if !blocks[i].IsEmpty {
			prevIdx = i
			break
		}
	}
	nextIdx := -1
	for i := last + 1; i < len(blocks); i++ {
		if !blocks[i].IsEmpty {
			nextIdx = i
			break
		}
	}

	windowStart := blocks[first].StartOffset
	if prevIdx >= 0 {
		windowStart = blocks[prevIdx].StartOffset
	}
	windowEnd := blocks[last].EndOffset
	if nextIdx >= 0 {
		windowEnd = blocks[nextIdx].EndOffset
	}

	windowStart = min(windowStart, startOffset)
	windowEnd = max(windowEnd, endOffset)
	windowStart = max(0, windowStart)
	windowEnd = min(textLen, windowEnd)

	windowStart, windowEnd = applyCharCap(windowStart, windowEnd, startOffset, endOffset, maxWindowChars)

	return Window{
		Text:   string(text[windowStart:windowEnd]),
		Source: SourceBlocks,
		Start:  windowStart,
		End:    windowEnd,
	}, true
}

func computeFallbackWindow(text []rune, startOffset, endOffset int) Window {
	textLen := len(text)

	windowStart := max(0, startOffset-fallbackChars)
	windowEnd := min(textLen, endOffset+fallbackChars)

	windowStart = min(windowStart, startOffset)
	windowEnd = max(windowEnd, endOffset)

	windowStart, windowEnd = applyCharCap(windowStart, windowEnd, startOffset, endOffset, maxWindowChars)

	return Window{
		Text:   string(text[windowStart:windowEnd]),
		Source: SourceFallback,
		Start:  windowStart,
		End:    windowEnd,
	}
}

// applyCharCap shrinks [windowStart, windowEnd) to fit within maxChars by
// trimming half the excess from each edge (the odd unit from the start),
// taking from the other edge whatever one edge cannot give, never cutting
// into [selStart, selEnd). If the selection itself exceeds maxChars, the
// window collapses to exactly the selection.
func applyCharCap(windowStart, windowEnd, selStart, selEnd, maxChars int) (int, int) {
	windowLen := windowEnd - windowStart
	if windowLen <= maxChars {
		return windowStart, windowEnd
	}

	excess := windowLen - maxChars
	trimStartAvail := selStart - windowStart
	trimEndAvail := windowEnd - selEnd
	totalAvail := trimStartAvail + trimEndAvail

	if totalAvail == 0 {
		return windowStart, windowEnd
	}
	if excess >= totalAvail {
		return selStart, selEnd
	}

	trimStart := 0
	if trimStartAvail > 0 {
		trimStart = min(trimStartAvail, excess/2+excess%2)
	}
	trimEnd := min(trimEndAvail, excess-trimStart)

	if trimStart+trimEnd < excess {
		remaining := excess - trimStart - trimEnd
		if trimStartAvail > trimStart {
			trimStart += min(remaining, trimStartAvail-trimStart)
		}
	}

	return windowStart + trimStart, windowEnd - trimEnd
}
