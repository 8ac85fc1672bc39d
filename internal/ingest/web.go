package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cartograph/internal/chunk"
	"cartograph/internal/embed"
	"cartograph/internal/extract"
	"cartograph/internal/store"
)

// Scraper is the piece of the web extractor the pipeline needs.
type Scraper interface {
	Fetch(ctx context.Context, pageURL string) (extract.PageContent, error)
	FetchAll(ctx context.Context, urls []string) ([]extract.PageContent, map[string]error)
}

// URLResult reports the outcome for one submitted URL.
type URLResult struct {
	URL    string `json:"url"`
	DocID  string `json:"doc_id,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// WebPipeline turns scraped pages and raw text submissions into documents
// through the same claim/finalise path as blob ingestion.
type WebPipeline struct {
	store   store.Store
	scraper Scraper
	batcher *embed.Batcher
	tok     chunk.Tokenizer
	opts    Options
	log     zerolog.Logger
}

// NewWebPipeline builds the pipeline.
func NewWebPipeline(st store.Store, scraper Scraper, batcher *embed.Batcher, tok chunk.Tokenizer, opts Options, log zerolog.Logger) *WebPipeline {
	return &WebPipeline{store: st, scraper: scraper, batcher: batcher, tok: tok, opts: opts, log: log}
}

// ProcessURLs scrapes and ingests each URL. One bad page does not stop the
// rest; the per-URL outcomes become the task's result payload.
func (w *WebPipeline) ProcessURLs(ctx context.Context, urls []string) []URLResult {
	pages, failures := w.scraper.FetchAll(ctx, urls)

	byURL := make(map[string]extract.PageContent, len(pages))
	for _, p := range pages {
		byURL[p.URL] = p
	}

	results := make([]URLResult, 0, len(urls))
	for _, u := range urls {
		if err, failed := failures[u]; failed {
			results = append(results, URLResult{URL: u, Status: "failed", Error: err.Error()})
			continue
		}
		page := byURL[u]
		docID, err := w.ingestPage(ctx, page)
		if err != nil {
			w.log.Error().Err(err).Str("url", u).Msg("url ingest failed")
			results = append(results, URLResult{URL: u, Status: "failed", Error: err.Error()})
			continue
		}
		results = append(results, URLResult{URL: u, DocID: docID.String(), Status: "ok"})
	}
	return results
}

// ingestPage persists one scraped page as a document. The page URL is the
// document identity; re-submitting the same URL is a skip, not a duplicate.
func (w *WebPipeline) ingestPage(ctx context.Context, page extract.PageContent) (uuid.UUID, error) {
	filename := page.Title
	if filename == "" {
		filename = page.URL
	}

	claim, err := w.store.Claim(ctx, page.URL, 0, filename)
	if err != nil {
		return uuid.Nil, fmt.Errorf("claim %s: %w", page.URL, err)
	}
	if !claim.Fresh {
		w.log.Info().Str("url", page.URL).Str("status", claim.Status).Msg("url already ingested, skipping")
		return claim.DocID, nil
	}

	if err := w.finish(ctx, claim.DocID, filename, page.URL, page.Content); err != nil {
		reason := "Upstream: " + err.Error()
		if mfErr := w.store.MarkFailed(ctx, claim.DocID, reason); mfErr != nil {
			w.log.Error().Err(mfErr).Msg("failed to record url ingest failure")
		}
		return uuid.Nil, err
	}
	return claim.DocID, nil
}

// ProcessText ingests a raw text submission under a synthetic identity so
// every submission yields its own document.
func (w *WebPipeline) ProcessText(ctx context.Context, taskID uuid.UUID, title, content string) (uuid.UUID, error) {
	if title == "" {
		title = taskID.String() + ".txt"
	}
	identity := "text://" + taskID.String()

	claim, err := w.store.Claim(ctx, identity, 0, title)
	if err != nil {
		return uuid.Nil, fmt.Errorf("claim %s: %w", identity, err)
	}
	if !claim.Fresh {
		return claim.DocID, nil
	}

	if err := w.finish(ctx, claim.DocID, title, identity, content); err != nil {
		reason := "Upstream: " + err.Error()
		if mfErr := w.store.MarkFailed(ctx, claim.DocID, reason); mfErr != nil {
			w.log.Error().Err(mfErr).Msg("failed to record text ingest failure")
		}
		return uuid.Nil, err
	}
	return claim.DocID, nil
}

// finish chunks, embeds, and finalises a claimed document.
func (w *WebPipeline) finish(ctx context.Context, docID uuid.UUID, filename, identity, content string) error {
	var (
		chunks []string
		err    error
	)
	if content != "" {
		if chunk.IsInfraCode(filename, content) {
			var segments []chunk.Segment
			segments, err = chunk.SplitStructured(w.tok, content, w.opts.ChunkMaxTokens, w.opts.ChunkOverlap)
			for _, s := range segments {
				chunks = append(chunks, s.Text)
			}
		} else {
			chunks, err = chunk.SplitTokens(w.tok, content, w.opts.ChunkMaxTokens, w.opts.ChunkOverlap)
		}
		if err != nil {
			return err
		}
	}

	vectors, err := w.batcher.EmbedAll(ctx, chunks)
	if err != nil {
		return err
	}
	return w.store.FinalizeSuccess(ctx, docID, filename, identity, nil, chunks, vectors)
}
