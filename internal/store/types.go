// Package store is the persistence layer: document records, chunk text and
// vectors, 3D coordinates, and task state. The Postgres implementation is
// the production path; the in-memory implementation backs tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared by implementations.
var (
	ErrNotFound = errors.New("not found")
)

// Document lifecycle states. Ready and Failed are terminal.
const (
	StatusProcessing = "Processing"
	StatusReady      = "Ready"
	StatusFailed     = "Failed"
)

// Task lifecycle states.
const (
	TaskQueued     = "queued"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Document is one ingested source.
type Document struct {
	ID            uuid.UUID
	Filename      string
	OriginalGCS   string
	GCSGeneration int64
	ProcessedGCS  *string
	Status        string
	ErrorMessage  *string
	CreatedAt     time.Time
}

// ClaimResult reports the outcome of a claim attempt. Exactly one concurrent
// claimant for a given (identity, generation) observes Fresh.
type ClaimResult struct {
	DocID  uuid.UUID
	Status string
	Fresh  bool
}

// SearchResult is one chunk hit from vector or keyword search.
type SearchResult struct {
	ChunkID     int64
	DocID       uuid.UUID
	DocFilename string
	ChunkIndex  int
	Text        string
	OriginalGCS string
	// Distance is the cosine distance for vector hits (smaller is closer).
	Distance float64
	// Score is the term-occurrence count for keyword hits.
	Score int
}

// Embedding pairs a chunk with its stored vector, used by the reducer.
type Embedding struct {
	ChunkID int64
	Vector  []float32
}

// Point3D is one reduced coordinate triple.
type Point3D struct {
	ChunkID int64
	X, Y, Z float64
}

// Document3D is the per-document aggregation served to the map UI.
type Document3D struct {
	ID         uuid.UUID
	Name       string
	Type       string
	FileType   string
	Position   [3]float64
	ChunkCount int
	CreatedAt  time.Time
	URL        *string
}

// Chunk3D is one chunk's coordinates within a document view.
type Chunk3D struct {
	ChunkID    int64
	ChunkIndex int
	Text       string
	Position   [3]float64
}

// Task is one asynchronous processing request.
type Task struct {
	ID           uuid.UUID
	Type         string
	Status       string
	InputData    map[string]any
	ResultData   map[string]any
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Status string
	Type   string
	Limit  int
}

// Store is the persistence contract the rest of the system programs against.
type Store interface {
	// Claim atomically inserts a Processing document for (identity,
	// generation) or returns the existing row. At most one concurrent
	// claimant sees Fresh=true.
	Claim(ctx context.Context, identity string, generation int64, filename string) (ClaimResult, error)

	// FinalizeSuccess transitions the document to Ready and replaces its
	// chunks in a single transaction. len(chunks) must equal len(vectors).
	FinalizeSuccess(ctx context.Context, docID uuid.UUID, filename, rawLoc string, processedLoc *string, chunks []string, vectors [][]float32) error

	// MarkFailed records a terminal failure on the document.
	MarkFailed(ctx context.Context, docID uuid.UUID, errMsg string) error

	ListDocuments(ctx context.Context) ([]Document, error)
	DeleteDocument(ctx context.Context, docID uuid.UUID) error

	// VectorSearch returns the closest chunks of Ready documents by cosine
	// distance, ascending.
	VectorSearch(ctx context.Context, queryVec []float32, limit int) ([]SearchResult, error)

	// KeywordSearch scores chunks of Ready documents by term occurrences.
	KeywordSearch(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// ChunksRange fetches chunks with ordinals in [start, end), ordered.
	ChunksRange(ctx context.Context, docID uuid.UUID, start, end int) ([]SearchResult, error)

	// AllEmbeddings returns every (chunk, vector) pair ordered by chunk id.
	AllEmbeddings(ctx context.Context) ([]Embedding, error)

	// Replace3D swaps the whole 3D map in one transaction.
	Replace3D(ctx context.Context, points []Point3D) error

	Documents3D(ctx context.Context) ([]Document3D, error)
	DocumentChunks3D(ctx context.Context, docID uuid.UUID) ([]Chunk3D, error)

	CreateTask(ctx context.Context, id uuid.UUID, taskType string, input map[string]any) error
	UpdateTask(ctx context.Context, id uuid.UUID, status string, result map[string]any, errMsg *string) error
	GetTask(ctx context.Context, id uuid.UUID) (Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
}
