package contextrender

import (
	"strings"

	"nexus/internal/store"
)

// blockDelimiter separates fragment blocks in canonical text. It belongs to
// the end of the preceding block's range, not the start of the next.
const blockDelimiter = "\n\n"

// BlockSpec is a fragment block boundary computed from canonical text,
// before it has a database row.
type BlockSpec struct {
	BlockIdx    int
	StartOffset int
	EndOffset   int
	IsEmpty     bool
}

// ParseBlocks partitions canonicalText into contiguous, non-overlapping
// blocks on blockDelimiter. Offsets are rune (codepoint) indices. The
// delimiter is folded into the end of the block that precedes it, so
// block[n].EndOffset == block[n+1].StartOffset with no gaps, block[0]
// starts at 0, and the last block ends at len(text). A block whose
// trimmed text is empty is flagged IsEmpty so callers can skip it when
// walking for non-empty neighbors without breaking contiguity.
func ParseBlocks(canonicalText string) []BlockSpec {
	text := []rune(canonicalText)
	textLen := len(text)

	if textLen == 0 {
		return []BlockSpec{{BlockIdx: 0, StartOffset: 0, EndOffset: 0, IsEmpty: true}}
	}

	var blocks []BlockSpec
	currentStart := 0
	blockIdx := 0

	for currentStart < textLen {
		delimPos := indexRunes(text, []rune(blockDelimiter), currentStart)
		if delimPos == -1 {
			blockText := string(text[currentStart:textLen])
			blocks = append(blocks, BlockSpec{
				BlockIdx:    blockIdx,
				StartOffset: currentStart,
				EndOffset:   textLen,
				IsEmpty:     strings.TrimSpace(blockText) == "",
			})
			break
		}

		endOffset := delimPos + len([]rune(blockDelimiter))
		blockText := string(text[currentStart:delimPos])
		blocks = append(blocks, BlockSpec{
			BlockIdx:    blockIdx,
			StartOffset: currentStart,
			EndOffset:   endOffset,
			IsEmpty:     strings.TrimSpace(blockText) == "",
		})

		currentStart = endOffset
		blockIdx++
	}

	return blocks
}

// indexRunes finds the first occurrence of sep in text at or after from,
// operating on rune slices so offsets stay in codepoint units.
func indexRunes(text, sep []rune, from int) int {
	if len(sep) == 0 || from >= len(text) {
		return -1
	}
	for i := from; i+len(sep) <= len(text); i++ {
		match := true
		for j := range sep {
			if text[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// ToFragmentBlocks converts parsed specs into store.FragmentBlock rows ready
// for insertion against fragmentID.
func ToFragmentBlocks(fragmentID string, specs []BlockSpec) []store.FragmentBlock {
	out := make([]store.FragmentBlock, len(specs))
	for i, s := range specs {
		out[i] = store.FragmentBlock{
			FragmentID:  fragmentID,
			BlockIdx:    s.BlockIdx,
			StartOffset: s.StartOffset,
			EndOffset:   s.EndOffset,
			IsEmpty:     s.IsEmpty,
		}
	}
	return out
}
