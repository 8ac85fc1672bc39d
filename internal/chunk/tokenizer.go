package chunk

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer provides the token view used for chunk sizing. Implementations
// must be safe for concurrent use.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// BPE is the production tokenizer, a cl100k_base BPE encoding.
type BPE struct {
	enc *tiktoken.Tiktoken
}

// NewBPE loads the cl100k_base encoding.
func NewBPE() (*BPE, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load cl100k_base encoding: %w", err)
	}
	return &BPE{enc: enc}, nil
}

func (b *BPE) Encode(text string) []int {
	return b.enc.Encode(text, nil, nil)
}

func (b *BPE) Decode(tokens []int) string {
	return b.enc.Decode(tokens)
}

// CountTokens is a convenience for sizing decisions.
func CountTokens(tok Tokenizer, text string) int {
	return len(tok.Encode(text))
}
