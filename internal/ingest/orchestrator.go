// Package ingest drives the per-document pipeline: claim, fetch, normalise,
// extract, chunk, embed, persist. One Orchestrator instance serves the whole
// process; each call handles a single source end to end.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cartograph/internal/chunk"
	"cartograph/internal/embed"
	"cartograph/internal/extract"
	"cartograph/internal/normalize"
	"cartograph/internal/objectstore"
	"cartograph/internal/store"
)

// PDFExtractor is the piece of the extractor the orchestrator needs.
type PDFExtractor interface {
	Extract(ctx context.Context, pdf []byte) ([]extract.Page, error)
}

// Result reports the outcome of one ingest.
type Result struct {
	Status string    `json:"status"` // "ok", "skipped", or "processing" (Enqueue)
	DocID  uuid.UUID `json:"doc_id"`
	Reason string    `json:"reason,omitempty"`
}

// Options carries the chunking parameters.
type Options struct {
	ChunkMaxTokens         int
	ChunkOverlap           int
	WhitespaceChunkSize    int
	WhitespaceChunkOverlap int
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	store     store.Store
	objects   objectstore.Store
	extractor PDFExtractor
	batcher   *embed.Batcher
	tok       chunk.Tokenizer
	processed string // processed artefact bucket
	opts      Options
	log       zerolog.Logger
}

// New builds an orchestrator.
func New(st store.Store, objects objectstore.Store, extractor PDFExtractor, batcher *embed.Batcher, tok chunk.Tokenizer, processedBucket string, opts Options, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		objects:   objects,
		extractor: extractor,
		batcher:   batcher,
		tok:       tok,
		processed: processedBucket,
		opts:      opts,
		log:       log,
	}
}

// ProcessBlob runs the full state machine for one object generation.
// displayName is the caller-supplied human-visible name; empty means fall
// back to the blob's own metadata. Failures after the claim are persisted on
// the document and returned to the caller; a cancelled context marks the
// document Failed with "cancelled".
func (o *Orchestrator) ProcessBlob(ctx context.Context, bucket, name string, generation int64, displayName string) (Result, error) {
	claim, skipped, err := o.claim(ctx, bucket, name, generation, displayName)
	if err != nil || skipped != nil {
		return orZero(skipped), err
	}
	return o.runClaimed(ctx, claim.DocID, bucket, name, generation, displayName)
}

// Enqueue claims the document synchronously, so the caller gets its id, and
// continues the pipeline in the background. Direct HTTP submissions use this.
func (o *Orchestrator) Enqueue(ctx context.Context, bucket, name string, generation int64, displayName string) (Result, error) {
	claim, skipped, err := o.claim(ctx, bucket, name, generation, displayName)
	if err != nil || skipped != nil {
		return orZero(skipped), err
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Minute)
		defer cancel()
		if _, err := o.runClaimed(bgCtx, claim.DocID, bucket, name, generation, displayName); err != nil {
			o.log.Error().Err(err).Str("doc_id", claim.DocID.String()).Msg("background ingest failed")
		}
	}()
	return Result{Status: "processing", DocID: claim.DocID}, nil
}

func orZero(r *Result) Result {
	if r == nil {
		return Result{}
	}
	return *r
}

// claim performs the Absent->Claimed transition. A non-nil second return
// means the source is already owned and ingestion is skipped.
func (o *Orchestrator) claim(ctx context.Context, bucket, name string, generation int64, displayName string) (store.ClaimResult, *Result, error) {
	identity := objectstore.URI(bucket, name)
	if displayName == "" {
		displayName = filepath.Base(name)
	}
	claim, err := o.store.Claim(ctx, identity, generation, displayName)
	if err != nil {
		return store.ClaimResult{}, nil, fmt.Errorf("claim: %w", err)
	}
	if !claim.Fresh {
		o.log.Info().Str("source", identity).Int64("generation", generation).
			Str("status", claim.Status).Msg("skipping, already claimed")
		return claim, &Result{Status: "skipped", DocID: claim.DocID, Reason: claim.Status}, nil
	}
	return claim, nil, nil
}

// runClaimed drives Claimed through Persisted, recording failures on the
// document row.
func (o *Orchestrator) runClaimed(ctx context.Context, docID uuid.UUID, bucket, name string, generation int64, displayName string) (Result, error) {
	identity := objectstore.URI(bucket, name)
	log := o.log.With().Str("source", identity).Int64("generation", generation).Logger()

	res, err := o.process(ctx, docID, bucket, name, generation, identity, displayName)
	if err != nil {
		reason := failureReason(err)
		if ctx.Err() != nil {
			reason = "cancelled"
		}
		log.Error().Err(err).Msg("ingest failed")
		// Best effort even when the request context died: the document must
		// not be left Processing forever.
		failCtx := ctx
		if ctx.Err() != nil {
			var cancel context.CancelFunc
			failCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
		}
		if mfErr := o.store.MarkFailed(failCtx, docID, reason); mfErr != nil {
			log.Error().Err(mfErr).Msg("failed to record ingest failure")
		}
		return Result{}, err
	}
	return res, nil
}

func (o *Orchestrator) process(ctx context.Context, docID uuid.UUID, bucket, name string, generation int64, identity, displayName string) (Result, error) {
	tempDir, err := os.MkdirTemp("", "ingest-*")
	if err != nil {
		return Result{}, fmt.Errorf("create working area: %w", err)
	}
	defer os.RemoveAll(tempDir)

	data, attrs, err := o.objects.Fetch(ctx, bucket, name, generation)
	if err != nil {
		return Result{}, fmt.Errorf("fetch blob: %w", err)
	}

	// Display name precedence: the caller-supplied name wins, then the
	// blob's own originalfilename metadata, then the object's base name.
	// Routing always follows the object suffix.
	filename := displayName
	if filename == "" {
		filename = attrs.Metadata["originalfilename"]
	}
	if filename == "" {
		filename = filepath.Base(name)
	}

	suffix := filepath.Ext(name)
	localPath := filepath.Join(tempDir, docID.String()+suffix)
	if err := os.WriteFile(localPath, data, 0o600); err != nil {
		return Result{}, fmt.Errorf("materialise blob: %w", err)
	}

	norm, err := normalize.Normalize(ctx, localPath)
	if err != nil {
		return Result{}, err
	}

	var (
		text         string
		processedLoc *string
	)
	if norm.PlainText {
		text, err = normalize.ReadText(norm.Path)
		if err != nil {
			return Result{}, err
		}
	} else {
		pdfBytes, err := os.ReadFile(norm.Path)
		if err != nil {
			return Result{}, fmt.Errorf("read normalised pdf: %w", err)
		}
		pages, err := o.extractor.Extract(ctx, pdfBytes)
		if err != nil {
			return Result{}, err
		}

		pageJSON, err := json.Marshal(pages)
		if err != nil {
			return Result{}, fmt.Errorf("encode extracted pages: %w", err)
		}
		processedName := docID.String() + ".json"
		if _, err := o.objects.Upload(ctx, o.processed, processedName, pageJSON, "application/json"); err != nil {
			return Result{}, fmt.Errorf("upload processed artefact: %w", err)
		}
		loc := objectstore.URI(o.processed, processedName)
		processedLoc = &loc

		text = extract.JoinBodies(pages)
	}

	chunks, err := o.chunkText(filename, text, norm.PlainText)
	if err != nil {
		return Result{}, err
	}

	vectors, err := o.batcher.EmbedAll(ctx, chunks)
	if err != nil {
		return Result{}, err
	}

	if err := o.store.FinalizeSuccess(ctx, docID, filename, identity, processedLoc, chunks, vectors); err != nil {
		return Result{}, err
	}

	o.log.Info().Str("doc_id", docID.String()).Int("chunks", len(chunks)).Msg("document ready")
	return Result{Status: "ok", DocID: docID}, nil
}

// chunkText picks the strategy: structure-aware for infrastructure-as-code
// content, whitespace windows for plain text, token windows otherwise.
func (o *Orchestrator) chunkText(filename, text string, plain bool) ([]string, error) {
	if text == "" {
		return nil, nil
	}
	if chunk.IsInfraCode(filename, text) {
		segments, err := chunk.SplitStructured(o.tok, text, o.opts.ChunkMaxTokens, o.opts.ChunkOverlap)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(segments))
		for i, s := range segments {
			out[i] = s.Text
		}
		return out, nil
	}
	if plain {
		return chunk.SplitWhitespace(text, o.opts.WhitespaceChunkSize, o.opts.WhitespaceChunkOverlap)
	}
	return chunk.SplitTokens(o.tok, text, o.opts.ChunkMaxTokens, o.opts.ChunkOverlap)
}

// failureReason renders the stable "TypeName: message" form stored on the
// document row.
func failureReason(err error) string {
	switch {
	case errors.Is(err, normalize.ErrUnsupportedType):
		return "Unsupported: " + err.Error()
	case errors.Is(err, objectstore.ErrNotFound):
		return "NotFound: " + err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "Upstream: " + err.Error()
	}
}
