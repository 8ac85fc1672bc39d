package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartograph/internal/embed"
	"cartograph/internal/extract"
	"cartograph/internal/store"
)

type fakeScraper struct {
	pages    map[string]extract.PageContent
	failures map[string]error
}

func (f *fakeScraper) Fetch(_ context.Context, pageURL string) (extract.PageContent, error) {
	if err, ok := f.failures[pageURL]; ok {
		return extract.PageContent{}, err
	}
	return f.pages[pageURL], nil
}

func (f *fakeScraper) FetchAll(ctx context.Context, urls []string) ([]extract.PageContent, map[string]error) {
	var pages []extract.PageContent
	failures := make(map[string]error)
	for _, u := range urls {
		if pc, err := f.Fetch(ctx, u); err != nil {
			failures[u] = err
		} else {
			pages = append(pages, pc)
		}
	}
	return pages, failures
}

func newTestWebPipeline(st *store.Memory, scraper Scraper) *WebPipeline {
	batcher := embed.NewBatcher(&unitEmbedder{}, runeTokenizer{}, 2, zerolog.Nop())
	return NewWebPipeline(st, scraper, batcher, runeTokenizer{}, Options{
		ChunkMaxTokens: 800,
		ChunkOverlap:   200,
	}, zerolog.Nop())
}

func TestProcessURLsMixedOutcomes(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	scraper := &fakeScraper{
		pages: map[string]extract.PageContent{
			"https://docs.example/a": {URL: "https://docs.example/a", Title: "Page A", Content: "alpha content"},
		},
		failures: map[string]error{
			"https://docs.example/b": errors.New("status 500"),
		},
	}

	results := newTestWebPipeline(st, scraper).
		ProcessURLs(context.Background(), []string{"https://docs.example/a", "https://docs.example/b"})

	require.Len(t, results, 2)
	assert.Equal(t, "ok", results[0].Status)
	assert.NotEmpty(t, results[0].DocID)
	assert.Equal(t, "failed", results[1].Status)
	assert.Contains(t, results[1].Error, "status 500")

	docs, _ := st.ListDocuments(context.Background())
	require.Len(t, docs, 1)
	assert.Equal(t, "Page A", docs[0].Filename)
	assert.Equal(t, "https://docs.example/a", docs[0].OriginalGCS)
	assert.Equal(t, store.StatusReady, docs[0].Status)
}

func TestProcessURLsResubmissionSkips(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	scraper := &fakeScraper{pages: map[string]extract.PageContent{
		"https://docs.example/a": {URL: "https://docs.example/a", Title: "A", Content: "text"},
	}}
	p := newTestWebPipeline(st, scraper)

	first := p.ProcessURLs(context.Background(), []string{"https://docs.example/a"})
	second := p.ProcessURLs(context.Background(), []string{"https://docs.example/a"})

	require.Len(t, second, 1)
	assert.Equal(t, "ok", second[0].Status)
	assert.Equal(t, first[0].DocID, second[0].DocID)

	docs, _ := st.ListDocuments(context.Background())
	assert.Len(t, docs, 1, "resubmission must not duplicate the document")
}

func TestProcessText(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	p := newTestWebPipeline(st, &fakeScraper{})

	taskID := uuid.New()
	docID, err := p.ProcessText(context.Background(), taskID, "Pasted Notes", "some pasted content")
	require.NoError(t, err)

	doc, ok := st.GetDocument(docID)
	require.True(t, ok)
	assert.Equal(t, "Pasted Notes", doc.Filename)
	assert.Equal(t, "text://"+taskID.String(), doc.OriginalGCS)
	assert.Equal(t, store.StatusReady, doc.Status)
	assert.Equal(t, 1, st.ChunkCount(docID))
}

func TestProcessTextDistinctSubmissionsDistinctDocs(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	p := newTestWebPipeline(st, &fakeScraper{})

	a, err := p.ProcessText(context.Background(), uuid.New(), "T", "same content")
	require.NoError(t, err)
	b, err := p.ProcessText(context.Background(), uuid.New(), "T", "same content")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestProcessURLsInfraContentUsesStructuredChunks(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	scraper := &fakeScraper{pages: map[string]extract.PageContent{
		"https://registry.example/r": {
			URL:     "https://registry.example/r",
			Title:   "google_storage_bucket",
			Content: `Overview text. resource "google_storage_bucket" "b" { name = "x" } More docs.`,
		},
	}}

	results := newTestWebPipeline(st, scraper).
		ProcessURLs(context.Background(), []string{"https://registry.example/r"})
	require.Len(t, results, 1)
	require.Equal(t, "ok", results[0].Status)

	docID := uuid.MustParse(results[0].DocID)
	chunks, err := st.ChunksRange(context.Background(), docID, 0, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, `resource "google_storage_bucket" "b" { name = "x" }`, chunks[1].Text)
}
