// Package llm wraps the Gemini client behind two narrow capabilities:
// content generation and text embedding. Transient upstream failures are
// retried here with exponential backoff so callers see either a result or a
// terminal error.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const (
	generateTimeout = 300 * time.Second
	embedTimeout    = 60 * time.Second
	maxAttempts     = 3
)

// GenerateRequest describes a single generation call.
type GenerateRequest struct {
	Prompt string
	// FileData, when set, is attached as an inline document part.
	FileData []byte
	FileMIME string
	// JSON forces an application/json response from the model.
	JSON bool
}

// Generator produces model completions.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Embedder turns texts into dense vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Client implements Generator and Embedder on top of google.golang.org/genai.
type Client struct {
	genai           *genai.Client
	generativeModel string
	embeddingModel  string
	log             zerolog.Logger
}

// New connects to Vertex AI in the given project and region.
func New(ctx context.Context, projectID, region, generativeModel, embeddingModel string, log zerolog.Logger) (*Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: region,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Client{
		genai:           gc,
		generativeModel: generativeModel,
		embeddingModel:  embeddingModel,
		log:             log,
	}, nil
}

// Generate runs one completion, retrying transient upstream errors.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	var parts []*genai.Part
	if len(req.FileData) > 0 {
		parts = append(parts, genai.NewPartFromBytes(req.FileData, req.FileMIME))
	}
	parts = append(parts, genai.NewPartFromText(req.Prompt))
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	var cfg *genai.GenerateContentConfig
	if req.JSON {
		cfg = &genai.GenerateContentConfig{ResponseMIMEType: "application/json"}
	}

	var out string
	op := func() error {
		resp, err := c.genai.Models.GenerateContent(ctx, c.generativeModel, contents, cfg)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = resp.Text()
		return nil
	}
	if err := c.retry(ctx, "generate", op); err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return out, nil
}

// Embed returns one vector per input text, preserving order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	var vectors [][]float32
	op := func() error {
		resp, err := c.genai.Models.EmbedContent(ctx, c.embeddingModel, contents, nil)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(resp.Embeddings) != len(texts) {
			return backoff.Permanent(fmt.Errorf("embedding count mismatch: got %d for %d texts", len(resp.Embeddings), len(texts)))
		}
		vectors = make([][]float32, len(resp.Embeddings))
		for i, e := range resp.Embeddings {
			vectors[i] = e.Values
		}
		return nil
	}
	if err := c.retry(ctx, "embed", op); err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	return vectors, nil
}

func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxAttempts-1), ctx)
	attempt := 0
	return backoff.RetryNotify(fn, policy, func(err error, wait time.Duration) {
		attempt++
		c.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", wait).Msg("model call failed, retrying")
	})
}

// IsTransient reports whether an upstream model error is worth retrying:
// rate limiting, server errors, or plain network trouble.
func IsTransient(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	// Non-API errors (connection resets, timeouts) are treated as transient
	// unless the context itself is done.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
