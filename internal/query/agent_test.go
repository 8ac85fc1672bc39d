package query

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartograph/internal/llm"
	"cartograph/internal/store"
)

// loopingGenerator always returns the same response, however often asked.
type loopingGenerator struct {
	response string
	err      error
	calls    int
}

func (g *loopingGenerator) Generate(context.Context, llm.GenerateRequest) (string, error) {
	g.calls++
	return g.response, g.err
}

// constEmbedder returns the same vector for everything.
type constEmbedder struct{}

func (constEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func seedReadyDoc(t *testing.T, st *store.Memory, chunks []string) {
	t.Helper()
	ctx := context.Background()
	claim, err := st.Claim(ctx, "gs://raw/doc.txt", 1, "doc.txt")
	require.NoError(t, err)
	vectors := make([][]float32, len(chunks))
	for i := range vectors {
		vectors[i] = []float32{1, float32(i) / 10}
	}
	require.NoError(t, st.FinalizeSuccess(ctx, claim.DocID, "doc.txt", "gs://raw/doc.txt", nil, chunks, vectors))
}

func TestRefineTerminatesWhenModelNeverSatisfied(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	seedReadyDoc(t, st, []string{"alpha", "beta", "gamma"})

	gen := &loopingGenerator{response: `{"action":"search_more","reasoning":"more!"}`}
	agent := NewAgent(gen, constEmbedder{}, st, 3, zerolog.Nop())

	out := agent.Refine(context.Background(), "anything", nil)
	assert.Equal(t, 3, gen.calls, "loop must stop at the iteration bound")
	assert.NotNil(t, out)
}

func TestRefineStopsOnSufficientContext(t *testing.T) {
	t.Parallel()
	gen := &loopingGenerator{response: `{"action":"sufficient_context"}`}
	agent := NewAgent(gen, constEmbedder{}, store.NewMemory(), 3, zerolog.Nop())

	seedChunks := []store.SearchResult{{ChunkID: 1, Text: "enough"}}
	out := agent.Refine(context.Background(), "q", seedChunks)
	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, seedChunks, out)
}

func TestRefineMalformedJSONTreatedAsSufficient(t *testing.T) {
	t.Parallel()
	for _, response := range []string{
		"I think we should search more!",
		`{"action": "search_more"`,
		`{"action":"summon_more_context"}`,
		"",
	} {
		gen := &loopingGenerator{response: response}
		agent := NewAgent(gen, constEmbedder{}, store.NewMemory(), 3, zerolog.Nop())
		out := agent.Refine(context.Background(), "q", nil)
		assert.Equal(t, 1, gen.calls, "response=%q", response)
		assert.Empty(t, out)
	}
}

func TestRefineModelErrorExitsLoop(t *testing.T) {
	t.Parallel()
	gen := &loopingGenerator{err: errors.New("model down")}
	agent := NewAgent(gen, constEmbedder{}, store.NewMemory(), 3, zerolog.Nop())
	out := agent.Refine(context.Background(), "q", nil)
	assert.Equal(t, 1, gen.calls)
	assert.Empty(t, out)
}

func TestRefineSearchSpecificMerges(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	seedReadyDoc(t, st, []string{"networking chunk", "storage chunk"})

	responses := []string{
		`{"action":"search_specific","search_terms":["storage"]}`,
		`{"action":"sufficient_context"}`,
	}
	gen := &scriptGen{responses: responses}
	agent := NewAgent(gen, constEmbedder{}, st, 3, zerolog.Nop())

	out := agent.Refine(context.Background(), "q", nil)
	assert.NotEmpty(t, out, "specific search results must be merged in")
}

func TestRefineBroaderContextFetchesNeighbours(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	seedReadyDoc(t, st, []string{"c0", "c1", "c2", "c3"})

	all, err := st.VectorSearch(context.Background(), []float32{1, 0}, 10)
	require.NoError(t, err)
	var middle store.SearchResult
	for _, r := range all {
		if r.ChunkIndex == 2 {
			middle = r
		}
	}

	gen := &scriptGen{responses: []string{
		`{"action":"request_broader_context"}`,
		`{"action":"sufficient_context"}`,
	}}
	agent := NewAgent(gen, constEmbedder{}, st, 3, zerolog.Nop())

	out := agent.Refine(context.Background(), "q", []store.SearchResult{middle})
	indices := map[int]bool{}
	for _, r := range out {
		indices[r.ChunkIndex] = true
	}
	assert.True(t, indices[1] && indices[2] && indices[3], "ordinals [ord-1, ord+2] must be present: %v", indices)
}

// scriptGen walks a fixed list of responses, repeating the last.
type scriptGen struct {
	responses []string
	calls     int
}

func (g *scriptGen) Generate(context.Context, llm.GenerateRequest) (string, error) {
	i := g.calls
	g.calls++
	if i >= len(g.responses) {
		i = len(g.responses) - 1
	}
	return g.responses[i], nil
}
