package chunk

import (
	"regexp"
	"sort"
	"strings"
)

// Segment is a chunk produced by the structure-aware splitter. Kind and the
// identifying strings are populated for complete configuration blocks;
// prose segments carry text only.
type Segment struct {
	Text string
	// Kind is the block keyword (resource, data, provider, module, variable,
	// output) or empty for prose.
	Kind string
	// BlockType is the first quoted label (e.g. google_storage_bucket).
	BlockType string
	// BlockName is the second quoted label when present.
	BlockName string
}

var (
	blockHeaderRe = regexp.MustCompile(`(?mi)\b(resource|data|provider|module|variable|output)\s+"([^"]+)"(?:\s+"([^"]+)")?\s*\{`)

	infraIndicators = []string{
		"terraform", "provider", ".tf", "hcl",
		`resource "`, `data "`, `variable "`, `output "`,
		`module "`, "terraform {",
	}
)

// IsInfraCode reports whether a document should use structure-aware
// chunking, judged from the filename and the first 2000 characters.
func IsInfraCode(filename, text string) bool {
	name := strings.ToLower(filename)
	head := text
	if len(head) > 2000 {
		head = head[:2000]
	}
	head = strings.ToLower(head)
	for _, ind := range infraIndicators {
		if strings.Contains(name, ind) || strings.Contains(head, ind) {
			return true
		}
	}
	return false
}

// SplitStructured extracts complete top-level configuration blocks as
// standalone segments and runs the default token splitter over the prose
// between them. Segments come out in source order and together cover the
// whole input. Blocks whose token count exceeds maxTokens fall back to the
// default splitter along with the surrounding prose.
func SplitStructured(tok Tokenizer, text string, maxTokens, overlap int) ([]Segment, error) {
	blocks := extractBlocks(text)

	var kept []block
	for _, b := range blocks {
		if CountTokens(tok, b.text) <= maxTokens {
			kept = append(kept, b)
		}
	}

	var segments []Segment
	cursor := 0
	emitProse := func(prose string) error {
		pieces, err := SplitTokens(tok, strings.TrimSpace(prose), maxTokens, overlap)
		if err != nil {
			return err
		}
		for _, p := range pieces {
			segments = append(segments, Segment{Text: p})
		}
		return nil
	}

	for _, b := range kept {
		if b.start > cursor {
			if err := emitProse(text[cursor:b.start]); err != nil {
				return nil, err
			}
		}
		segments = append(segments, Segment{
			Text:      b.text,
			Kind:      b.kind,
			BlockType: b.blockType,
			BlockName: b.blockName,
		})
		cursor = b.start + len(b.text)
	}
	if cursor < len(text) {
		if err := emitProse(text[cursor:]); err != nil {
			return nil, err
		}
	}
	return segments, nil
}

type block struct {
	start     int
	text      string
	kind      string
	blockType string
	blockName string
}

// extractBlocks finds top-level KEYWORD "TYPE" ["NAME"] { ... } blocks,
// walking brace depth to locate the matching close. Overlapping matches
// (headers inside an already-captured block) are discarded.
func extractBlocks(text string) []block {
	matches := blockHeaderRe.FindAllStringSubmatchIndex(text, -1)
	var blocks []block
	for _, m := range matches {
		start := m[0]
		body := completeBlock(text, start)
		if body == "" {
			continue
		}
		kind := strings.ToLower(text[m[2]:m[3]])
		b := block{start: start, text: body, kind: kind}
		if m[4] >= 0 {
			b.blockType = text[m[4]:m[5]]
		}
		if m[6] >= 0 {
			b.blockName = text[m[6]:m[7]]
		}
		blocks = append(blocks, b)
	}

	sort.Slice(blocks, func(i, j int) bool { return blocks[i].start < blocks[j].start })

	// Drop blocks nested inside an earlier one.
	var top []block
	end := -1
	for _, b := range blocks {
		if b.start >= end {
			top = append(top, b)
			end = b.start + len(b.text)
		}
	}
	return top
}

// completeBlock returns text from start through the brace that closes the
// block's opening brace, or "" when the block never closes.
func completeBlock(text string, start int) string {
	i := start
	for i < len(text) && text[i] != '{' {
		i++
	}
	if i == len(text) {
		return ""
	}
	depth := 0
	for ; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
