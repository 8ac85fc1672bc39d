package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/labstack/echo/v4"

	"cartograph/internal/bus"
	"cartograph/internal/chunk"
	"cartograph/internal/config"
	"cartograph/internal/embed"
	"cartograph/internal/extract"
	"cartograph/internal/ingest"
	"cartograph/internal/llm"
	"cartograph/internal/objectstore"
	"cartograph/internal/query"
	"cartograph/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	log := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Process-wide clients, initialised once.
	db, err := store.NewPostgres(ctx, cfg.DatabaseURL(), log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx, cfg.EmbedDimensions); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	defer gcsClient.Close()
	objects := objectstore.NewGCS(gcsClient)

	pubsubClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}
	defer pubsubClient.Close()

	models, err := llm.New(ctx, cfg.ProjectID, cfg.Region, cfg.GenerativeModel, cfg.EmbeddingModel, log)
	if err != nil {
		return fmt.Errorf("model client: %w", err)
	}

	tok, err := chunk.NewBPE()
	if err != nil {
		return fmt.Errorf("tokenizer: %w", err)
	}

	// Pipelines.
	batcher := embed.NewBatcher(models, tok, cfg.EmbedDimensions, log)
	pdfExtractor := extract.NewPDFExtractor(models, log)
	scraper := extract.NewScraper(cfg.URLFetchRetries, cfg.URLFetchBackoffBase, cfg.PoliteDelay, extract.ChromeFetch, log)

	opts := ingest.Options{
		ChunkMaxTokens:         cfg.ChunkMaxTokens,
		ChunkOverlap:           cfg.ChunkOverlap,
		WhitespaceChunkSize:    cfg.WhitespaceChunkSize,
		WhitespaceChunkOverlap: cfg.WhitespaceChunkOverlap,
	}
	orchestrator := ingest.New(db, objects, pdfExtractor, batcher, tok, cfg.ProcessedBucket, opts, log)
	web := ingest.NewWebPipeline(db, scraper, batcher, tok, opts, log)
	engine := query.NewEngine(db, models, models, cfg.MaxContextChunks, cfg.RefinementMaxIterations, cfg.RRFK, log)
	publisher := bus.NewPublisher(pubsubClient, cfg.BusTopic, log)
	defer publisher.Stop()

	// Bus worker, when a subscription is configured.
	workerDone := make(chan error, 1)
	if cfg.BusSubscription != "" {
		worker := bus.NewWorker(db, orchestrator, web, log)
		sub := pubsubClient.Subscriber(cfg.BusSubscription)
		go func() {
			workerDone <- worker.Run(ctx, sub)
		}()
		log.Info().Str("subscription", cfg.BusSubscription).Msg("bus worker started")
	} else {
		close(workerDone)
	}

	app := &App{
		store:     db,
		publisher: publisher,
		ingest:    orchestrator,
		engine:    engine,
		rawBucket: cfg.RawBucket,
	}

	e := echo.New()
	e.HideBanner = true
	registerRoutes(e, app)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- e.Start(addr)
	}()
	log.Info().Str("addr", addr).Msg("http server started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case err := <-workerDone:
		if err != nil {
			return fmt.Errorf("bus worker: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if werr := <-workerDone; werr != nil {
		log.Warn().Err(werr).Msg("bus worker exited with error")
	}
	return nil
}
