package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"cartograph/internal/llm"
	"cartograph/internal/store"
)

// Agent actions. The model picks one per iteration.
const (
	actionSufficient     = "sufficient_context"
	actionSearchMore     = "search_more"
	actionSearchSpecific = "search_specific"
	actionNeedExamples   = "need_examples"
	actionBroaderContext = "request_broader_context"
)

// broadenSimilarityFloor is the similarity threshold used when the agent
// widens the net; cosine distance is 1 - similarity.
const broadenSimilarityFloor = 0.4

// Agent inspects a retrieved set and decides whether to broaden search,
// fetch examples, pull surrounding context, or stop. The loop is bounded.
type Agent struct {
	gen           llm.Generator
	embedder      llm.Embedder
	store         store.Store
	maxIterations int
	log           zerolog.Logger
}

// NewAgent wires the refinement agent.
func NewAgent(gen llm.Generator, embedder llm.Embedder, st store.Store, maxIterations int, log zerolog.Logger) *Agent {
	if maxIterations <= 0 {
		maxIterations = 3
	}
	return &Agent{gen: gen, embedder: embedder, store: st, maxIterations: maxIterations, log: log}
}

type decision struct {
	Action      string   `json:"action"`
	Reasoning   string   `json:"reasoning"`
	SearchTerms []string `json:"search_terms"`
}

// Refine iterates up to the configured bound, merging newly found chunks
// into the working set by chunk-id dedup. Any model misbehaviour terminates
// the loop rather than failing the query.
func (a *Agent) Refine(ctx context.Context, query string, chunks []store.SearchResult) []store.SearchResult {
	current := append([]store.SearchResult(nil), chunks...)

	for i := 0; i < a.maxIterations; i++ {
		d := a.analyze(ctx, query, current)
		if d.Action == actionSufficient {
			a.log.Debug().Int("iterations", i).Msg("agent satisfied with context")
			break
		}

		found, err := a.act(ctx, query, current, d)
		if err != nil {
			a.log.Warn().Err(err).Str("action", d.Action).Msg("agent action failed, stopping refinement")
			break
		}
		if len(found) > 0 {
			current = dedupe(append(current, found...))
			a.log.Debug().Int("iteration", i+1).Int("added", len(found)).Str("action", d.Action).Msg("agent merged chunks")
		}
	}
	return current
}

// analyze asks the model to classify the current context. Malformed output
// degrades to sufficient_context.
func (a *Agent) analyze(ctx context.Context, query string, chunks []store.SearchResult) decision {
	var heads []string
	for i, c := range chunks {
		if i == 5 {
			break
		}
		text := c.Text
		if len(text) > 200 {
			text = text[:200]
		}
		heads = append(heads, fmt.Sprintf("Chunk %d: %s...", i+1, text))
	}

	prompt := fmt.Sprintf(`You are a retrieval agent analyzing context gathered for a question.

Question: %s

Retrieved Context Summary:
%s

Decide whether the context suffices or what to fetch next. Respond with ONE action in JSON format:
{
    "action": "sufficient_context|search_more|search_specific|need_examples|request_broader_context",
    "reasoning": "Brief explanation",
    "search_terms": ["additional", "terms"] (only for search_specific)
}`, query, strings.Join(heads, "\n"))

	out, err := a.gen.Generate(ctx, llm.GenerateRequest{Prompt: prompt, JSON: true})
	if err != nil {
		a.log.Warn().Err(err).Msg("agent analysis call failed")
		return decision{Action: actionSufficient}
	}
	return parseDecision(out)
}

// parseDecision pulls the JSON object out of the model's reply. Anything
// unparseable or unrecognised means stop.
func parseDecision(out string) decision {
	start := strings.IndexByte(out, '{')
	end := strings.LastIndexByte(out, '}')
	if start < 0 || end <= start {
		return decision{Action: actionSufficient}
	}

	var d decision
	if err := json.Unmarshal([]byte(out[start:end+1]), &d); err != nil {
		return decision{Action: actionSufficient}
	}
	switch d.Action {
	case actionSearchMore, actionSearchSpecific, actionNeedExamples, actionBroaderContext:
		return d
	default:
		return decision{Action: actionSufficient}
	}
}

func (a *Agent) act(ctx context.Context, query string, current []store.SearchResult, d decision) ([]store.SearchResult, error) {
	switch d.Action {
	case actionSearchMore:
		return a.searchMore(ctx, query)
	case actionSearchSpecific:
		return a.searchSpecific(ctx, d.SearchTerms)
	case actionNeedExamples:
		return a.searchExamples(ctx, query)
	case actionBroaderContext:
		return a.broaderContext(ctx, current)
	default:
		return nil, nil
	}
}

// searchMore widens the vector search: larger limit, lower similarity floor.
func (a *Agent) searchMore(ctx context.Context, query string) ([]store.SearchResult, error) {
	vec, err := a.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := a.store.VectorSearch(ctx, vec, 15)
	if err != nil {
		return nil, err
	}
	var kept []store.SearchResult
	for _, r := range results {
		if 1-r.Distance >= broadenSimilarityFloor {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

// searchSpecific runs the model's suggested terms, three at most.
func (a *Agent) searchSpecific(ctx context.Context, terms []string) ([]store.SearchResult, error) {
	if len(terms) > 3 {
		terms = terms[:3]
	}
	var all []store.SearchResult
	for _, term := range terms {
		vec, err := a.embed(ctx, term)
		if err != nil {
			return nil, err
		}
		results, err := a.store.VectorSearch(ctx, vec, 3)
		if err != nil {
			return nil, err
		}
		all = append(all, results...)
	}
	return dedupe(all), nil
}

// searchExamples hunts for chunks that actually carry code.
func (a *Agent) searchExamples(ctx context.Context, query string) ([]store.SearchResult, error) {
	vec, err := a.embed(ctx, query+" example code configuration")
	if err != nil {
		return nil, err
	}
	results, err := a.store.VectorSearch(ctx, vec, 5)
	if err != nil {
		return nil, err
	}
	var code []store.SearchResult
	for _, r := range results {
		if ContainsCode(r.Text) {
			code = append(code, r)
		}
	}
	return code, nil
}

// broaderContext pulls the ordinal neighbourhood of the top two chunks.
func (a *Agent) broaderContext(ctx context.Context, current []store.SearchResult) ([]store.SearchResult, error) {
	var all []store.SearchResult
	for i, c := range current {
		if i == 2 {
			break
		}
		neighbours, err := a.store.ChunksRange(ctx, c.DocID,
			maxInt(0, c.ChunkIndex-1), c.ChunkIndex+2)
		if err != nil {
			return nil, err
		}
		all = append(all, neighbours...)
	}
	return dedupe(all), nil
}

func (a *Agent) embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := a.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return vectors[0], nil
}
