// Command mapper recomputes the global 3D coordinates for all document
// chunks. Operators run it after large ingests or on a schedule; queries and
// ingestion keep working while it runs.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"cartograph/internal/config"
	"cartograph/internal/reduce"
	"cartograph/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("job", "mapper").Logger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	db, err := store.NewPostgres(ctx, cfg.DatabaseURL(), log)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	return reduce.NewReducer(db, log).Run(ctx)
}
