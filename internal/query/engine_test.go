package query

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartograph/internal/llm"
	"cartograph/internal/store"
)

// answeringGenerator satisfies the refinement agent (sufficient) and then
// answers the final prompt.
type answeringGenerator struct {
	answer string
}

func (g *answeringGenerator) Generate(_ context.Context, req llm.GenerateRequest) (string, error) {
	if req.JSON {
		return `{"action":"sufficient_context"}`, nil
	}
	return g.answer, nil
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding service down")
}

func newEngine(st store.Store, gen llm.Generator, embedder llm.Embedder) *Engine {
	return NewEngine(st, gen, embedder, 5, 3, 60, zerolog.Nop())
}

func TestQueryInfraCodeFindsResourceBySubstring(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	ctx := context.Background()

	claim, err := st.Claim(ctx, "gs://raw/terraform-google.pdf", 1, "terraform-google.pdf")
	require.NoError(t, err)
	require.NoError(t, st.FinalizeSuccess(ctx, claim.DocID, "terraform-google.pdf", "gs://raw/terraform-google.pdf", nil,
		[]string{
			`The google_storage_bucket resource manages buckets. resource "google_storage_bucket" "b" { name = "x" }`,
			"Networking concepts are unrelated here.",
		},
		[][]float32{{1, 0}, {0, 1}}))

	e := newEngine(st, &answeringGenerator{answer: "Here is the configuration."}, constEmbedder{})
	ans := e.Query(ctx, "How do I create a google_storage_bucket resource?")

	assert.Equal(t, "Here is the configuration.", ans.Answer)
	require.Len(t, ans.Sources, 1)
	assert.Equal(t, claim.DocID.String(), ans.Sources[0].ID)
	assert.Equal(t, "terraform-google.pdf", ans.Sources[0].Name)
	assert.Equal(t, "gs://raw/terraform-google.pdf", ans.Sources[0].URI)
}

func TestQueryEmptyStoreInfraTagStaticFallback(t *testing.T) {
	t.Parallel()
	gen := &answeringGenerator{answer: "should not be used"}
	e := newEngine(store.NewMemory(), gen, constEmbedder{})

	ans := e.Query(context.Background(), "create a google_storage_bucket resource")
	assert.Contains(t, ans.Answer, "don't have access to the specific documentation")
	assert.Empty(t, ans.Sources)
}

func TestQueryEmptyStoreGeneralTagUsesGeneralKnowledge(t *testing.T) {
	t.Parallel()
	gen := &answeringGenerator{answer: "General knowledge answer."}
	e := newEngine(store.NewMemory(), gen, constEmbedder{})

	ans := e.Query(context.Background(), "how tall is the eiffel tower")
	assert.Equal(t, "General knowledge answer.", ans.Answer)
	assert.Empty(t, ans.Sources)
}

func TestQueryNeverErrorsOnRetrievalFailure(t *testing.T) {
	t.Parallel()
	e := newEngine(store.NewMemory(), &answeringGenerator{answer: "x"}, failingEmbedder{})

	ans := e.Query(context.Background(), "explain storage classes")
	assert.NotEmpty(t, ans.Answer, "retrieval failures must degrade to a fallback answer")
	assert.NotNil(t, ans.Sources)
}

func TestQuerySourcesFirstSeenOrder(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	ctx := context.Background()

	first, err := st.Claim(ctx, "gs://raw/a.txt", 1, "a.txt")
	require.NoError(t, err)
	require.NoError(t, st.FinalizeSuccess(ctx, first.DocID, "a.txt", "gs://raw/a.txt", nil,
		[]string{"close match content", "second chunk same doc"},
		[][]float32{{1, 0}, {1, 0.05}}))

	second, err := st.Claim(ctx, "gs://raw/b.txt", 1, "b.txt")
	require.NoError(t, err)
	require.NoError(t, st.FinalizeSuccess(ctx, second.DocID, "b.txt", "gs://raw/b.txt", nil,
		[]string{"farther match content"},
		[][]float32{{1, 0.4}}))

	e := newEngine(st, &answeringGenerator{answer: "answer"}, constEmbedder{})
	ans := e.Query(ctx, "tell me about the content")

	require.Len(t, ans.Sources, 2)
	assert.Equal(t, first.DocID.String(), ans.Sources[0].ID, "citation order follows retrieval order")
}

func TestQueryFusesKeywordSignal(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	ctx := context.Background()

	claim, err := st.Claim(ctx, "gs://raw/mixed.txt", 1, "mixed.txt")
	require.NoError(t, err)
	// Semantically distant but keyword-rich chunk vs. semantically close but
	// keyword-free chunk.
	require.NoError(t, st.FinalizeSuccess(ctx, claim.DocID, "mixed.txt", "gs://raw/mixed.txt", nil,
		[]string{
			"pricing pricing pricing details",
			"unrelated semantic filler",
		},
		[][]float32{{0, 1}, {1, 0}}))

	e := newEngine(st, &answeringGenerator{answer: "done"}, constEmbedder{})
	ans := e.Query(ctx, "pricing")

	assert.Equal(t, "done", ans.Answer)
	require.NotEmpty(t, ans.Sources)
}

func TestContainsCode(t *testing.T) {
	t.Parallel()
	assert.True(t, ContainsCode(`resource "google_storage_bucket" "b" {}`))
	assert.True(t, ContainsCode("```hcl\nx\n```"))
	assert.False(t, ContainsCode("plain prose with no markers"))
}

func TestBuildPromptSeparatesCodeFromDocs(t *testing.T) {
	t.Parallel()
	chunks := []store.SearchResult{
		{Text: `resource "google_storage_bucket" "b" { name = "x" }`},
		{Text: "Buckets store objects and have a location."},
	}
	prompt := buildPrompt("how to make a bucket", TagInfraCode, chunks)
	codeIdx := strings.Index(prompt, "Code Examples:")
	docIdx := strings.Index(prompt, "Documentation:")
	require.Greater(t, codeIdx, -1)
	require.Greater(t, docIdx, codeIdx)
	assert.Contains(t, prompt[codeIdx:docIdx], "google_storage_bucket")
}
