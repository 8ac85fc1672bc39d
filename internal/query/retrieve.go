package query

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"cartograph/internal/llm"
	"cartograph/internal/store"
)

var resourceNameRe = regexp.MustCompile(`(aws|google|azurerm)_(\w+)`)

// codeIndicators mark chunks that carry configuration or code examples.
var codeIndicators = []string{
	"```", `resource "`, `provider "`, `variable "`,
	`module "`, `data "`, "terraform {", "config {", "{", "}",
}

// infraDocIndicators mark documents whose content or name is
// infrastructure-as-code flavoured.
var infraDocIndicators = []string{
	"terraform", "provider", "resource", "variable", "output",
	"module", "data source", ".tf", "hcl",
}

// apiDocIndicators mark API reference documents.
var apiDocIndicators = []string{"api", "reference", "spec"}

// Retriever dispatches the per-tag nearest-neighbour strategies.
type Retriever struct {
	store      store.Store
	embedder   llm.Embedder
	maxContext int
	log        zerolog.Logger
}

// NewRetriever wires the retriever.
func NewRetriever(st store.Store, embedder llm.Embedder, maxContext int, log zerolog.Logger) *Retriever {
	if maxContext <= 0 {
		maxContext = 5
	}
	return &Retriever{store: st, embedder: embedder, maxContext: maxContext, log: log}
}

// Retrieve returns the initial candidate set for a classified query.
func (r *Retriever) Retrieve(ctx context.Context, query string, tag Tag) ([]store.SearchResult, error) {
	switch tag {
	case TagInfraCode:
		return r.infraCode(ctx, query)
	case TagCodeGeneration:
		return r.codeGeneration(ctx, query)
	case TagDocLookup:
		return r.docLookup(ctx, query)
	default:
		return r.general(ctx, query)
	}
}

func (r *Retriever) embedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := r.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embed query: empty response")
	}
	return vectors[0], nil
}

// infraCode looks for the literal resource name first; if the query names a
// provider resource, keyword hits plus their document neighbourhoods beat
// anything semantic.
func (r *Retriever) infraCode(ctx context.Context, query string) ([]store.SearchResult, error) {
	if m := resourceNameRe.FindStringSubmatch(strings.ToLower(query)); m != nil {
		provider, resourceType := m[1], m[2]
		resourceName := provider + "_" + resourceType

		terms := []string{
			resourceName,
			fmt.Sprintf("resource %q", resourceName),
			resourceType,
		}
		var hits []store.SearchResult
		for _, term := range terms {
			found, err := r.store.KeywordSearch(ctx, term, r.maxContext)
			if err != nil {
				return nil, err
			}
			hits = append(hits, found...)
		}
		hits = dedupe(hits)

		if len(hits) > 0 {
			base := hits[0]
			neighbours, err := r.store.ChunksRange(ctx, base.DocID,
				maxInt(0, base.ChunkIndex-2), base.ChunkIndex+3+r.maxContext)
			if err != nil {
				return nil, err
			}
			hits = dedupe(append(hits, neighbours...))
			return capTo(hits, r.maxContext), nil
		}
	}

	// No literal resource in the query: vector search with infra-flavoured
	// documents surfaced first.
	return r.prioritizedVector(ctx, query, isInfraDoc)
}

// codeGeneration pairs example-bearing chunks with prioritised reference
// documentation.
func (r *Retriever) codeGeneration(ctx context.Context, query string) ([]store.SearchResult, error) {
	exampleVec, err := r.embedQuery(ctx, query+" example code configuration")
	if err != nil {
		return nil, err
	}
	candidates, err := r.store.VectorSearch(ctx, exampleVec, 6)
	if err != nil {
		return nil, err
	}
	var examples []store.SearchResult
	for _, c := range candidates {
		if ContainsCode(c.Text) {
			examples = append(examples, c)
			if len(examples) == 3 {
				break
			}
		}
	}

	docs, err := r.prioritizedVector(ctx, query, func(res store.SearchResult) bool {
		return isInfraDoc(res) || isAPIDoc(res)
	})
	if err != nil {
		return nil, err
	}
	if len(docs) > 4 {
		docs = docs[:4]
	}
	return dedupe(append(examples, docs...)), nil
}

// docLookup pulls the top hits and widens around the best one.
func (r *Retriever) docLookup(ctx context.Context, query string) ([]store.SearchResult, error) {
	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := r.store.VectorSearch(ctx, vec, 5)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	top := hits[0]
	neighbours, err := r.store.ChunksRange(ctx, top.DocID,
		maxInt(0, top.ChunkIndex-2), top.ChunkIndex+3)
	if err != nil {
		return nil, err
	}
	return capTo(dedupe(append(hits, neighbours...)), r.maxContext), nil
}

func (r *Retriever) general(ctx context.Context, query string) ([]store.SearchResult, error) {
	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.store.VectorSearch(ctx, vec, r.maxContext)
}

// prioritizedVector over-fetches and reorders so preferred documents fill
// the slots first.
func (r *Retriever) prioritizedVector(ctx context.Context, query string, prefer func(store.SearchResult) bool) ([]store.SearchResult, error) {
	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	results, err := r.store.VectorSearch(ctx, vec, r.maxContext*3)
	if err != nil {
		return nil, err
	}

	var preferred, others []store.SearchResult
	for _, res := range results {
		if prefer(res) {
			preferred = append(preferred, res)
		} else {
			others = append(others, res)
		}
	}
	return capTo(append(preferred, others...), r.maxContext), nil
}

// ContainsCode reports whether a chunk's text carries code indicators.
func ContainsCode(text string) bool {
	lower := strings.ToLower(text)
	for _, ind := range codeIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

func isInfraDoc(res store.SearchResult) bool {
	name := strings.ToLower(res.DocFilename)
	text := strings.ToLower(res.Text)
	for _, ind := range infraDocIndicators {
		if strings.Contains(name, ind) || strings.Contains(text, ind) {
			return true
		}
	}
	return false
}

func isAPIDoc(res store.SearchResult) bool {
	name := strings.ToLower(res.DocFilename)
	for _, ind := range apiDocIndicators {
		if strings.Contains(name, ind) {
			return true
		}
	}
	return false
}

// dedupe keeps the first occurrence of each chunk.
func dedupe(results []store.SearchResult) []store.SearchResult {
	seen := make(map[int64]bool, len(results))
	var out []store.SearchResult
	for _, r := range results {
		if seen[r.ChunkID] {
			continue
		}
		seen[r.ChunkID] = true
		out = append(out, r)
	}
	return out
}

func capTo(results []store.SearchResult, limit int) []store.SearchResult {
	if len(results) > limit {
		return results[:limit]
	}
	return results
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
