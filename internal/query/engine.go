package query

import (
	"context"

	"github.com/rs/zerolog"

	"cartograph/internal/llm"
	"cartograph/internal/store"
)

// Engine runs the whole retrieval flow: classify, retrieve, refine, fuse
// keyword and semantic rankings, assemble. It never surfaces an error to
// the caller; retrieval trouble degrades to the tag's fallback answer.
type Engine struct {
	store      store.Store
	retriever  *Retriever
	agent      *Agent
	assembler  *Assembler
	maxContext int
	rrfK       int
	log        zerolog.Logger
}

// NewEngine wires the retrieval engine.
func NewEngine(st store.Store, gen llm.Generator, embedder llm.Embedder, maxContext, maxIterations, rrfK int, log zerolog.Logger) *Engine {
	if maxContext <= 0 {
		maxContext = 5
	}
	return &Engine{
		store:      st,
		retriever:  NewRetriever(st, embedder, maxContext, log),
		agent:      NewAgent(gen, embedder, st, maxIterations, log),
		assembler:  NewAssembler(gen, log),
		maxContext: maxContext,
		rrfK:       rrfK,
		log:        log,
	}
}

// Query answers one natural-language question.
func (e *Engine) Query(ctx context.Context, query string) Answer {
	tag := Classify(query)
	log := e.log.With().Str("tag", string(tag)).Logger()
	log.Info().Str("query", truncate(query, 80)).Msg("retrieving")

	semantic, err := e.retriever.Retrieve(ctx, query, tag)
	if err != nil {
		log.Error().Err(err).Msg("initial retrieval failed")
		return e.assembler.Assemble(ctx, query, tag, nil)
	}

	// The agent only works code-flavoured queries; lookups and general
	// questions go straight to fusion.
	if tag == TagInfraCode || tag == TagCodeGeneration {
		semantic = e.agent.Refine(ctx, query, semantic)
	}

	keyword, err := e.store.KeywordSearch(ctx, query, e.maxContext*2)
	if err != nil {
		log.Warn().Err(err).Msg("keyword search failed, using semantic ranking alone")
		keyword = nil
	}

	fused := FuseRRF(e.rrfK, keyword, semantic)
	if len(fused) > e.maxContext {
		fused = fused[:e.maxContext]
	}

	return e.assembler.Assemble(ctx, query, tag, fused)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
