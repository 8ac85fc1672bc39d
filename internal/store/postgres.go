package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"github.com/rs/zerolog"
)

// Postgres implements Store on a pgx pool against a database with the
// pgvector extension.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewPostgres opens a pool with the configured bounds and a short statement
// timeout on every connection.
func NewPostgres(ctx context.Context, connString string, log zerolog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{pool: pool, log: log}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// EnsureSchema creates the tables and indexes when they are absent.
func (p *Postgres) EnsureSchema(ctx context.Context, dims int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			filename TEXT NOT NULL,
			original_gcs TEXT NOT NULL,
			gcs_generation BIGINT NOT NULL,
			processed_gcs TEXT,
			status TEXT NOT NULL,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (original_gcs, gcs_generation)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id BIGSERIAL PRIMARY KEY,
			doc_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INT NOT NULL,
			text TEXT NOT NULL,
			embedding vector(%d),
			UNIQUE (doc_id, chunk_index)
		)`, dims),
		`CREATE TABLE IF NOT EXISTS chunks_3d (
			chunk_id BIGINT PRIMARY KEY REFERENCES chunks(id) ON DELETE CASCADE,
			x DOUBLE PRECISION NOT NULL,
			y DOUBLE PRECISION NOT NULL,
			z DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS processing_tasks (
			task_id UUID PRIMARY KEY,
			task_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			input_data JSONB,
			result_data JSONB,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS chunks_embedding_idx
			ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Claim(ctx context.Context, identity string, generation int64, filename string) (ClaimResult, error) {
	id := uuid.New()
	var inserted uuid.UUID
	err := p.pool.QueryRow(ctx, `
		INSERT INTO documents (id, filename, original_gcs, gcs_generation, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (original_gcs, gcs_generation) DO NOTHING
		RETURNING id
	`, id, filename, identity, generation, StatusProcessing).Scan(&inserted)
	if err == nil {
		return ClaimResult{DocID: inserted, Status: StatusProcessing, Fresh: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ClaimResult{}, fmt.Errorf("claim %s (gen %d): %w", identity, generation, err)
	}

	// Lost the race or the row predates us: observe the existing record.
	var existing ClaimResult
	err = p.pool.QueryRow(ctx, `
		SELECT id, status FROM documents
		WHERE original_gcs = $1 AND gcs_generation = $2
	`, identity, generation).Scan(&existing.DocID, &existing.Status)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim lookup %s (gen %d): %w", identity, generation, err)
	}
	return existing, nil
}

func (p *Postgres) FinalizeSuccess(ctx context.Context, docID uuid.UUID, filename, rawLoc string, processedLoc *string, chunks []string, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("finalize %s: %d chunks but %d vectors", docID, len(chunks), len(vectors))
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE documents
		SET filename = $2, original_gcs = $3, processed_gcs = $4,
		    status = $5, error_message = NULL
		WHERE id = $1
	`, docID, filename, rawLoc, processedLoc, StatusReady)
	if err != nil {
		return fmt.Errorf("finalize update %s: %w", docID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finalize %s: %w", docID, ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("finalize clear chunks %s: %w", docID, err)
	}

	if len(chunks) > 0 {
		batch := &pgx.Batch{}
		for i, text := range chunks {
			batch.Queue(`
				INSERT INTO chunks (doc_id, chunk_index, text, embedding)
				VALUES ($1, $2, $3, $4::vector)
			`, docID, i, text, pgvector.NewVector(vectors[i]))
		}
		br := tx.SendBatch(ctx, batch)
		for range chunks {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("finalize insert chunks %s: %w", docID, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("finalize close batch %s: %w", docID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit finalize %s: %w", docID, err)
	}
	return nil
}

func (p *Postgres) MarkFailed(ctx context.Context, docID uuid.UUID, errMsg string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE documents SET status = $2, error_message = $3 WHERE id = $1
	`, docID, StatusFailed, errMsg)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", docID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark failed %s: %w", docID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, filename, original_gcs, gcs_generation, processed_gcs,
		       status, error_message, created_at
		FROM documents
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Filename, &d.OriginalGCS, &d.GCSGeneration,
			&d.ProcessedGCS, &d.Status, &d.ErrorMessage, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (p *Postgres) DeleteDocument(ctx context.Context, docID uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, docID)
	if err != nil {
		return fmt.Errorf("delete document %s: %w", docID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete document %s: %w", docID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) VectorSearch(ctx context.Context, queryVec []float32, limit int) ([]SearchResult, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT c.id, c.doc_id, d.filename, c.chunk_index, c.text, d.original_gcs,
		       c.embedding <=> $1::vector AS distance
		FROM chunks c
		JOIN documents d ON c.doc_id = d.id
		WHERE d.status = $2
		ORDER BY distance ASC
		LIMIT $3
	`, pgvector.NewVector(queryVec), StatusReady, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DocID, &r.DocFilename, &r.ChunkIndex,
			&r.Text, &r.OriginalGCS, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan vector hit: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// KeywordSearch is a naive term scan: chunks of Ready documents are streamed
// and scored in-process by query-token occurrence counts.
func (p *Postgres) KeywordSearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT c.id, c.doc_id, d.filename, c.chunk_index, c.text, d.original_gcs
		FROM chunks c
		JOIN documents d ON c.doc_id = d.id
		WHERE d.status = $1
	`, StatusReady)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DocID, &r.DocFilename, &r.ChunkIndex,
			&r.Text, &r.OriginalGCS); err != nil {
			return nil, fmt.Errorf("scan keyword candidate: %w", err)
		}
		if r.Score = ScoreText(r.Text, tokens); r.Score > 0 {
			results = append(results, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (p *Postgres) ChunksRange(ctx context.Context, docID uuid.UUID, start, end int) ([]SearchResult, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT c.id, c.doc_id, d.filename, c.chunk_index, c.text, d.original_gcs
		FROM chunks c
		JOIN documents d ON c.doc_id = d.id
		WHERE c.doc_id = $1 AND c.chunk_index >= $2 AND c.chunk_index < $3
		ORDER BY c.chunk_index
	`, docID, start, end)
	if err != nil {
		return nil, fmt.Errorf("chunks range %s [%d,%d): %w", docID, start, end, err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DocID, &r.DocFilename, &r.ChunkIndex,
			&r.Text, &r.OriginalGCS); err != nil {
			return nil, fmt.Errorf("scan range chunk: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (p *Postgres) AllEmbeddings(ctx context.Context) ([]Embedding, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, embedding::text FROM chunks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	defer rows.Close()

	var out []Embedding
	for rows.Next() {
		var e Embedding
		var text string
		if err := rows.Scan(&e.ChunkID, &text); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		vec, err := parseVector(text)
		if err != nil {
			return nil, fmt.Errorf("parse embedding for chunk %d: %w", e.ChunkID, err)
		}
		e.Vector = vec
		out = append(out, e)
	}
	return out, rows.Err()
}

// parseVector decodes pgvector's "[1,2,3]" text form.
func parseVector(s string) ([]float32, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float32, len(parts))
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, err
		}
		vec[i] = float32(f)
	}
	return vec, nil
}

func (p *Postgres) Replace3D(ctx context.Context, points []Point3D) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin 3d replace tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks_3d`); err != nil {
		return fmt.Errorf("clear chunks_3d: %w", err)
	}

	if len(points) > 0 {
		batch := &pgx.Batch{}
		for _, pt := range points {
			batch.Queue(`INSERT INTO chunks_3d (chunk_id, x, y, z) VALUES ($1, $2, $3, $4)`,
				pt.ChunkID, pt.X, pt.Y, pt.Z)
		}
		br := tx.SendBatch(ctx, batch)
		for range points {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("insert chunks_3d: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("close 3d batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit 3d replace: %w", err)
	}
	return nil
}

func (p *Postgres) Documents3D(ctx context.Context) ([]Document3D, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT d.id, d.filename, d.original_gcs, d.created_at,
		       COUNT(c.id) AS chunk_count,
		       AVG(c3d.x) AS avg_x, AVG(c3d.y) AS avg_y, AVG(c3d.z) AS avg_z
		FROM documents d
		JOIN chunks c ON d.id = c.doc_id
		JOIN chunks_3d c3d ON c.id = c3d.chunk_id
		WHERE d.status = $1
		GROUP BY d.id, d.filename, d.original_gcs, d.created_at
		ORDER BY d.created_at DESC
	`, StatusReady)
	if err != nil {
		return nil, fmt.Errorf("documents 3d: %w", err)
	}
	defer rows.Close()

	var out []Document3D
	for rows.Next() {
		var (
			d          Document3D
			gcsURI     string
			x, y, z    *float64
			chunkCount int64
		)
		if err := rows.Scan(&d.ID, &d.Name, &gcsURI, &d.CreatedAt, &chunkCount, &x, &y, &z); err != nil {
			return nil, fmt.Errorf("scan document 3d: %w", err)
		}
		d.ChunkCount = int(chunkCount)
		if x != nil {
			d.Position = [3]float64{*x, *y, *z}
		}
		d.Type, d.FileType = DisplayType(d.Name, gcsURI)
		if strings.HasPrefix(gcsURI, "http") {
			uri := gcsURI
			d.URL = &uri
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DisplayType derives the UI-facing type labels from the filename suffix and
// the source location.
func DisplayType(filename, sourceURI string) (docType, fileType string) {
	if idx := strings.LastIndexByte(filename, '.'); idx >= 0 && idx < len(filename)-1 {
		fileType = strings.ToUpper(filename[idx+1:])
	}
	switch {
	case strings.HasPrefix(sourceURI, "http"):
		return "Web Page", "WEB"
	case fileType == "PDF" || fileType == "DOCX" || fileType == "DOC" || fileType == "TXT" || fileType == "MD":
		return "Document", fileType
	case fileType != "":
		return fileType + " File", fileType
	default:
		return "Unknown", ""
	}
}

func (p *Postgres) DocumentChunks3D(ctx context.Context, docID uuid.UUID) ([]Chunk3D, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT c.id, c.chunk_index, c.text, c3d.x, c3d.y, c3d.z
		FROM chunks c
		JOIN chunks_3d c3d ON c.id = c3d.chunk_id
		WHERE c.doc_id = $1
		ORDER BY c.chunk_index
	`, docID)
	if err != nil {
		return nil, fmt.Errorf("chunks 3d for %s: %w", docID, err)
	}
	defer rows.Close()

	var out []Chunk3D
	for rows.Next() {
		var c Chunk3D
		if err := rows.Scan(&c.ChunkID, &c.ChunkIndex, &c.Text,
			&c.Position[0], &c.Position[1], &c.Position[2]); err != nil {
			return nil, fmt.Errorf("scan chunk 3d: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateTask(ctx context.Context, id uuid.UUID, taskType string, input map[string]any) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO processing_tasks (task_id, task_type, status, input_data)
		VALUES ($1, $2, $3, $4)
	`, id, taskType, TaskQueued, input)
	if err != nil {
		return fmt.Errorf("create task %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) UpdateTask(ctx context.Context, id uuid.UUID, status string, result map[string]any, errMsg *string) error {
	var resultArg any
	if result != nil {
		resultArg = result
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE processing_tasks
		SET status = $2,
		    result_data = COALESCE($3, result_data),
		    error_message = COALESCE($4, error_message),
		    updated_at = now(),
		    completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN now() ELSE completed_at END
		WHERE task_id = $1
	`, id, status, resultArg, errMsg)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) GetTask(ctx context.Context, id uuid.UUID) (Task, error) {
	var t Task
	err := p.pool.QueryRow(ctx, `
		SELECT task_id, task_type, status, input_data, result_data,
		       error_message, created_at, updated_at, completed_at
		FROM processing_tasks
		WHERE task_id = $1
	`, id).Scan(&t.ID, &t.Type, &t.Status, &t.InputData, &t.ResultData,
		&t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (p *Postgres) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("task_type = $%d", len(args)))
	}
	args = append(args, limit)

	query := `
		SELECT task_id, task_type, status, input_data, result_data,
		       error_message, created_at, updated_at, completed_at
		FROM processing_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Type, &t.Status, &t.InputData, &t.ResultData,
			&t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
