// Package embed groups chunk texts into embedding-model calls that respect
// the provider's per-request token ceiling, preserving input order.
package embed

import (
	"context"

	"github.com/rs/zerolog"

	"cartograph/internal/chunk"
	"cartograph/internal/llm"
)

// maxBatchTokens is the provider's per-request ceiling with headroom.
const maxBatchTokens = 18000

// Batcher fans an ordered list of texts into bounded batches.
type Batcher struct {
	embedder llm.Embedder
	tok      chunk.Tokenizer
	dims     int
	log      zerolog.Logger
}

// NewBatcher wires an embedder. dims is the vector dimensionality used to
// fill failed batches with zero vectors.
func NewBatcher(embedder llm.Embedder, tok chunk.Tokenizer, dims int, log zerolog.Logger) *Batcher {
	return &Batcher{embedder: embedder, tok: tok, dims: dims, log: log}
}

// EmbedAll returns exactly one vector per input text, in input order. A
// failed batch does not abort the operation: its positions are filled with
// zero vectors and the failure is logged.
func (b *Batcher) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for _, batch := range b.split(texts) {
		vectors, err := b.embedder.Embed(ctx, batch)
		if err != nil || len(vectors) != len(batch) {
			if err != nil {
				b.log.Error().Err(err).Int("batch_size", len(batch)).Msg("embedding batch failed, filling with zero vectors")
			} else {
				b.log.Error().Int("got", len(vectors)).Int("want", len(batch)).Msg("embedding batch returned wrong count, filling with zero vectors")
			}
			for range batch {
				out = append(out, make([]float32, b.dims))
			}
			continue
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// split groups texts so each batch's summed token count stays under the
// ceiling. A single text over the ceiling still travels alone.
func (b *Batcher) split(texts []string) [][]string {
	var batches [][]string
	var current []string
	budget := 0
	for _, t := range texts {
		n := chunk.CountTokens(b.tok, t)
		if len(current) > 0 && budget+n > maxBatchTokens {
			batches = append(batches, current)
			current = nil
			budget = 0
		}
		current = append(current, t)
		budget += n
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
