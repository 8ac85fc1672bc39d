// Package config holds the process configuration record. Everything is
// sourced from the environment (optionally seeded from a .env file) so the
// binary runs unchanged on Cloud Run, in containers, and on a laptop.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the explicit option set for the whole process. Required fields
// fail Load; optional fields carry their defaults.
type Config struct {
	ProjectID string
	Region    string

	RawBucket       string
	ProcessedBucket string

	DBInstance string // host:port or instance connection name
	DBUser     string
	DBPassword string
	DBName     string
	DBPoolMin  int
	DBPoolMax  int

	EmbeddingModel  string
	EmbedDimensions int
	GenerativeModel string

	BusTopic        string
	BusSubscription string

	Host string
	Port int

	MaxContextChunks    int
	MaxChunkTitleLength int

	URLFetchRetries     int
	URLFetchBackoffBase time.Duration
	PoliteDelay         time.Duration

	ChunkMaxTokens         int
	ChunkOverlap           int
	WhitespaceChunkSize    int
	WhitespaceChunkOverlap int

	RefinementMaxIterations int
	RRFK                    int
}

// Load reads the configuration from the environment. A .env file in the
// working directory is honoured when present but never required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Region:                  getenv("REGION", "europe-west3"),
		EmbedDimensions:         intenv("EMBED_DIMENSIONS", 768),
		DBPoolMin:               intenv("DB_POOL_MIN", 1),
		DBPoolMax:               intenv("DB_POOL_MAX", 5),
		BusSubscription:         os.Getenv("BUS_SUBSCRIPTION"),
		Host:                    getenv("HOST", "0.0.0.0"),
		Port:                    intenv("PORT", 8080),
		MaxContextChunks:        intenv("MAX_CONTEXT_CHUNKS", 5),
		MaxChunkTitleLength:     intenv("MAX_CHUNK_TITLE_LENGTH", 120),
		URLFetchRetries:         intenv("URL_FETCH_RETRIES", 5),
		URLFetchBackoffBase:     durenv("URL_FETCH_BACKOFF_BASE", 2*time.Second),
		PoliteDelay:             durenv("POLITE_DELAY", 2*time.Second),
		ChunkMaxTokens:          intenv("CHUNK_MAX_TOKENS", 800),
		ChunkOverlap:            intenv("CHUNK_OVERLAP", 200),
		WhitespaceChunkSize:     intenv("WHITESPACE_CHUNK_SIZE", 10000),
		WhitespaceChunkOverlap:  intenv("WHITESPACE_CHUNK_OVERLAP", 500),
		RefinementMaxIterations: intenv("REFINEMENT_MAX_ITERATIONS", 3),
		RRFK:                    intenv("RRF_K", 60),
	}

	var err error
	required := []struct {
		key string
		dst *string
	}{
		{"PROJECT_ID", &cfg.ProjectID},
		{"RAW_BUCKET", &cfg.RawBucket},
		{"PROCESSED_BUCKET", &cfg.ProcessedBucket},
		{"DB_INSTANCE", &cfg.DBInstance},
		{"DB_USER", &cfg.DBUser},
		{"DB_PASSWORD", &cfg.DBPassword},
		{"DB_NAME", &cfg.DBName},
		{"EMBED_MODEL", &cfg.EmbeddingModel},
		{"GENERATIVE_MODEL", &cfg.GenerativeModel},
		{"BUS_TOPIC", &cfg.BusTopic},
	}
	for _, r := range required {
		if *r.dst = os.Getenv(r.key); *r.dst == "" {
			err = fmt.Errorf("%s is required", r.key)
			break
		}
	}
	if err != nil {
		return nil, err
	}

	if cfg.ChunkMaxTokens <= cfg.ChunkOverlap {
		return nil, fmt.Errorf("CHUNK_MAX_TOKENS (%d) must exceed CHUNK_OVERLAP (%d)", cfg.ChunkMaxTokens, cfg.ChunkOverlap)
	}
	if cfg.DBPoolMax < cfg.DBPoolMin {
		return nil, fmt.Errorf("DB_POOL_MAX (%d) must be >= DB_POOL_MIN (%d)", cfg.DBPoolMax, cfg.DBPoolMin)
	}
	return cfg, nil
}

// DatabaseURL renders the pgx connection string for the configured instance.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?pool_min_conns=%d&pool_max_conns=%d",
		c.DBUser, c.DBPassword, c.DBInstance, c.DBName, c.DBPoolMin, c.DBPoolMax)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intenv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func durenv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
