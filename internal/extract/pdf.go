// Package extract pulls document text out of source material: structured
// page text from PDFs via the generative model, and main-content text from
// web pages via a scraper with a headless-browser fallback.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"cartograph/internal/llm"
)

// Page is one extracted PDF page.
type Page struct {
	Page   int    `json:"page"`
	Header string `json:"header"`
	Body   string `json:"body"`
}

const pdfPrompt = "You are an expert JSON extraction engine. Produce a single JSON array where each element " +
	"represents one page with keys: page (int), header (string|null), body (string). " +
	"Escape all strings properly. Do not wrap with markdown fences."

// pdfParseRetries bounds re-asks when the model's output fails to parse as
// the declared schema.
const pdfParseRetries = 2

// PDFExtractor asks the generative model for structured page text.
type PDFExtractor struct {
	gen llm.Generator
	log zerolog.Logger
}

// NewPDFExtractor wires a generator.
func NewPDFExtractor(gen llm.Generator, log zerolog.Logger) *PDFExtractor {
	return &PDFExtractor{gen: gen, log: log}
}

// Extract returns the page structures for a PDF. A response that fails to
// parse as the declared schema is retried with exponential backoff, capped
// at pdfParseRetries re-asks.
func (e *PDFExtractor) Extract(ctx context.Context, pdf []byte) ([]Page, error) {
	var pages []Page
	attempt := 0
	op := func() error {
		attempt++
		out, err := e.gen.Generate(ctx, llm.GenerateRequest{
			Prompt:   pdfPrompt,
			FileData: pdf,
			FileMIME: "application/pdf",
			JSON:     true,
		})
		if err != nil {
			return backoff.Permanent(err)
		}
		parsed, err := ParsePages(out)
		if err != nil {
			e.log.Warn().Err(err).Int("attempt", attempt).Msg("pdf extraction output failed to parse")
			return err
		}
		pages = parsed
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), pdfParseRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("extract pdf pages: %w", err)
	}
	return pages, nil
}

// ParsePages decodes the model's page array, tolerating markdown fences the
// model sometimes wraps around the JSON despite instructions.
func ParsePages(raw string) ([]Page, error) {
	cleaned := StripFences(raw)
	var pages []Page
	if err := json.Unmarshal([]byte(cleaned), &pages); err != nil {
		return nil, fmt.Errorf("decode page array: %w", err)
	}
	return pages, nil
}

// JoinBodies concatenates non-empty page bodies on single spaces to form the
// document text.
func JoinBodies(pages []Page) string {
	bodies := make([]string, 0, len(pages))
	for _, p := range pages {
		if p.Body != "" {
			bodies = append(bodies, p.Body)
		}
	}
	return strings.Join(bodies, " ")
}

// StripFences removes a surrounding markdown code fence, with or without a
// language tag, from a model response.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop a language tag such as "json" on the opening fence line.
		first := strings.TrimSpace(s[:nl])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
