// Package chunk splits document text into token-bounded, overlapping
// segments. Three strategies exist: the default token windows, a
// whitespace-preferring character variant for plain text, and a
// structure-aware variant for infrastructure-as-code documents.
package chunk

import (
	"fmt"
	"strings"
	"unicode"
)

// SplitTokens emits windows of up to maxTokens tokens with the given overlap
// between consecutive windows. The final window holds whatever remains and
// may be shorter. maxTokens must exceed overlap.
func SplitTokens(tok Tokenizer, text string, maxTokens, overlap int) ([]string, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", maxTokens)
	}
	if overlap < 0 || maxTokens <= overlap {
		return nil, fmt.Errorf("chunk size %d must exceed overlap %d", maxTokens, overlap)
	}
	if text == "" {
		return nil, nil
	}

	tokens := tok.Encode(text)
	var segments []string
	start := 0
	for start < len(tokens) {
		end := min(start+maxTokens, len(tokens))
		segments = append(segments, tok.Decode(tokens[start:end]))
		if end == len(tokens) {
			break
		}
		if overlap > 0 {
			start = end - overlap
		} else {
			start = end
		}
	}
	return segments, nil
}

// SplitWhitespace cuts size-character windows with the given character
// overlap, biasing each cut toward the nearest whitespace in the second half
// of the window so words survive intact. A run without any whitespace longer
// than half the window is split hard. Whitespace-only windows are dropped.
func SplitWhitespace(text string, size, overlap int) ([]string, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || size <= overlap {
		return nil, fmt.Errorf("chunk size %d must exceed overlap %d", size, overlap)
	}

	runes := []rune(text)
	var chunks []string
	start := 0
	for start < len(runes) {
		end := min(start+size, len(runes))
		if end < len(runes) {
			// Prefer a whitespace boundary within the second half.
			if cut := lastBoundary(runes, start+size/2, end); cut > start {
				end = cut
			}
		}
		piece := string(runes[start:end])
		if strings.TrimSpace(piece) != "" {
			chunks = append(chunks, piece)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks, nil
}

// lastBoundary returns the index just past the last whitespace rune in
// [from, to), or -1 when the stretch holds none.
func lastBoundary(runes []rune, from, to int) int {
	for i := to - 1; i >= from; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return -1
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
