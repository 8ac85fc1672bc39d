package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory implements Store in memory with the same observable semantics as
// the Postgres implementation. It backs unit tests of the orchestrator,
// worker, reducer, and retriever.
type Memory struct {
	mu        sync.Mutex
	docs      map[uuid.UUID]*Document
	claims    map[string]uuid.UUID // identity|generation -> doc id
	chunks    map[uuid.UUID][]memChunk
	points    map[int64]Point3D
	tasks     map[uuid.UUID]*Task
	taskOrder []uuid.UUID
	nextChunk int64
	now       func() time.Time
}

type memChunk struct {
	id     int64
	index  int
	text   string
	vector []float32
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:      make(map[uuid.UUID]*Document),
		claims:    make(map[string]uuid.UUID),
		chunks:    make(map[uuid.UUID][]memChunk),
		points:    make(map[int64]Point3D),
		tasks:     make(map[uuid.UUID]*Task),
		nextChunk: 1,
		now:       time.Now,
	}
}

func claimKey(identity string, generation int64) string {
	return fmt.Sprintf("%s|%d", identity, generation)
}

func (m *Memory) Claim(_ context.Context, identity string, generation int64, filename string) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := claimKey(identity, generation)
	if id, ok := m.claims[key]; ok {
		return ClaimResult{DocID: id, Status: m.docs[id].Status}, nil
	}

	id := uuid.New()
	m.docs[id] = &Document{
		ID:            id,
		Filename:      filename,
		OriginalGCS:   identity,
		GCSGeneration: generation,
		Status:        StatusProcessing,
		CreatedAt:     m.now(),
	}
	m.claims[key] = id
	return ClaimResult{DocID: id, Status: StatusProcessing, Fresh: true}, nil
}

func (m *Memory) FinalizeSuccess(_ context.Context, docID uuid.UUID, filename, rawLoc string, processedLoc *string, chunks []string, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("finalize %s: %d chunks but %d vectors", docID, len(chunks), len(vectors))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[docID]
	if !ok {
		return fmt.Errorf("finalize %s: %w", docID, ErrNotFound)
	}
	doc.Filename = filename
	doc.OriginalGCS = rawLoc
	doc.ProcessedGCS = processedLoc
	doc.Status = StatusReady
	doc.ErrorMessage = nil

	m.chunks[docID] = nil
	for i, text := range chunks {
		m.chunks[docID] = append(m.chunks[docID], memChunk{
			id:     m.nextChunk,
			index:  i,
			text:   text,
			vector: vectors[i],
		})
		m.nextChunk++
	}
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, docID uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[docID]
	if !ok {
		return fmt.Errorf("mark failed %s: %w", docID, ErrNotFound)
	}
	doc.Status = StatusFailed
	doc.ErrorMessage = &errMsg
	return nil
}

func (m *Memory) ListDocuments(_ context.Context) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docs := make([]Document, 0, len(m.docs))
	for _, d := range m.docs {
		docs = append(docs, *d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.After(docs[j].CreatedAt) })
	return docs, nil
}

func (m *Memory) DeleteDocument(_ context.Context, docID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[docID]
	if !ok {
		return fmt.Errorf("delete document %s: %w", docID, ErrNotFound)
	}
	for _, c := range m.chunks[docID] {
		delete(m.points, c.id)
	}
	delete(m.chunks, docID)
	delete(m.claims, claimKey(doc.OriginalGCS, doc.GCSGeneration))
	delete(m.docs, docID)
	return nil
}

// GetDocument is a test convenience not present on the Store interface.
func (m *Memory) GetDocument(docID uuid.UUID) (Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	if !ok {
		return Document{}, false
	}
	return *d, true
}

// ChunkCount is a test convenience.
func (m *Memory) ChunkCount(docID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks[docID])
}

func (m *Memory) result(doc *Document, c memChunk) SearchResult {
	return SearchResult{
		ChunkID:     c.id,
		DocID:       doc.ID,
		DocFilename: doc.Filename,
		ChunkIndex:  c.index,
		Text:        c.text,
		OriginalGCS: doc.OriginalGCS,
	}
}

func (m *Memory) VectorSearch(_ context.Context, queryVec []float32, limit int) ([]SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var results []SearchResult
	for id, doc := range m.docs {
		if doc.Status != StatusReady {
			continue
		}
		for _, c := range m.chunks[id] {
			r := m.result(doc, c)
			r.Distance = cosineDistance(queryVec, c.vector)
			results = append(results, r)
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *Memory) KeywordSearch(_ context.Context, query string, limit int) ([]SearchResult, error) {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var results []SearchResult
	for id, doc := range m.docs {
		if doc.Status != StatusReady {
			continue
		}
		for _, c := range m.chunks[id] {
			if score := ScoreText(c.text, tokens); score > 0 {
				r := m.result(doc, c)
				r.Score = score
				results = append(results, r)
			}
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *Memory) ChunksRange(_ context.Context, docID uuid.UUID, start, end int) ([]SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[docID]
	if !ok {
		return nil, nil
	}
	var results []SearchResult
	for _, c := range m.chunks[docID] {
		if c.index >= start && c.index < end {
			results = append(results, m.result(doc, c))
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ChunkIndex < results[j].ChunkIndex })
	return results, nil
}

func (m *Memory) AllEmbeddings(_ context.Context) ([]Embedding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Embedding
	for _, chunks := range m.chunks {
		for _, c := range chunks {
			out = append(out, Embedding{ChunkID: c.id, Vector: c.vector})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out, nil
}

func (m *Memory) Replace3D(_ context.Context, points []Point3D) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.points = make(map[int64]Point3D, len(points))
	for _, p := range points {
		m.points[p.ChunkID] = p
	}
	return nil
}

// Points3D is a test convenience.
func (m *Memory) Points3D() map[int64]Point3D {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]Point3D, len(m.points))
	for k, v := range m.points {
		out[k] = v
	}
	return out
}

func (m *Memory) Documents3D(_ context.Context) ([]Document3D, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Document3D
	for id, doc := range m.docs {
		if doc.Status != StatusReady {
			continue
		}
		var sum [3]float64
		count := 0
		for _, c := range m.chunks[id] {
			p, ok := m.points[c.id]
			if !ok {
				continue
			}
			sum[0] += p.X
			sum[1] += p.Y
			sum[2] += p.Z
			count++
		}
		if count == 0 {
			continue
		}
		d := Document3D{
			ID:         doc.ID,
			Name:       doc.Filename,
			ChunkCount: len(m.chunks[id]),
			CreatedAt:  doc.CreatedAt,
			Position:   [3]float64{sum[0] / float64(count), sum[1] / float64(count), sum[2] / float64(count)},
		}
		d.Type, d.FileType = DisplayType(doc.Filename, doc.OriginalGCS)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) DocumentChunks3D(_ context.Context, docID uuid.UUID) ([]Chunk3D, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Chunk3D
	for _, c := range m.chunks[docID] {
		p, ok := m.points[c.id]
		if !ok {
			continue
		}
		out = append(out, Chunk3D{
			ChunkID:    c.id,
			ChunkIndex: c.index,
			Text:       c.text,
			Position:   [3]float64{p.X, p.Y, p.Z},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (m *Memory) CreateTask(_ context.Context, id uuid.UUID, taskType string, input map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.tasks[id] = &Task{
		ID:        id,
		Type:      taskType,
		Status:    TaskQueued,
		InputData: input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.taskOrder = append(m.taskOrder, id)
	return nil
}

func (m *Memory) UpdateTask(_ context.Context, id uuid.UUID, status string, result map[string]any, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("update task %s: %w", id, ErrNotFound)
	}
	t.Status = status
	if result != nil {
		t.ResultData = result
	}
	if errMsg != nil {
		t.ErrorMessage = errMsg
	}
	t.UpdatedAt = m.now()
	if status == TaskCompleted || status == TaskFailed {
		done := m.now()
		t.CompletedAt = &done
	}
	return nil
}

func (m *Memory) GetTask(_ context.Context, id uuid.UUID) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return *t, nil
}

func (m *Memory) ListTasks(_ context.Context, filter TaskFilter) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []Task
	for i := len(m.taskOrder) - 1; i >= 0 && len(out) < limit; i-- {
		t := m.tasks[m.taskOrder[i]]
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
