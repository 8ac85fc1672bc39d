package query

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartograph/internal/store"
)

func chunkResult(doc uuid.UUID, id int64) store.SearchResult {
	return store.SearchResult{ChunkID: id, DocID: doc}
}

func TestFuseRRFBothListsBeatOne(t *testing.T) {
	t.Parallel()
	doc := uuid.New()
	a, b, c := chunkResult(doc, 1), chunkResult(doc, 2), chunkResult(doc, 3)

	fused := FuseRRF(60,
		[]store.SearchResult{a, b},
		[]store.SearchResult{b, c},
	)
	require.Len(t, fused, 3)
	assert.Equal(t, int64(2), fused[0].ChunkID, "chunk in both lists wins")
}

func TestFuseRRFMonotonic(t *testing.T) {
	t.Parallel()
	doc := uuid.New()
	hi, lo := chunkResult(doc, 1), chunkResult(doc, 2)

	// hi ranks above lo in both lists; it must not come out below lo.
	fused := FuseRRF(60,
		[]store.SearchResult{hi, lo},
		[]store.SearchResult{hi, lo},
	)
	require.Len(t, fused, 2)
	assert.Equal(t, hi.ChunkID, fused[0].ChunkID)
}

func TestFuseRRFOmitsAbsentChunks(t *testing.T) {
	t.Parallel()
	doc := uuid.New()
	fused := FuseRRF(60, []store.SearchResult{chunkResult(doc, 1)}, nil)
	require.Len(t, fused, 1)
}

func TestFuseRRFEmptyLists(t *testing.T) {
	t.Parallel()
	assert.Empty(t, FuseRRF(60, nil, nil))
}

func TestFuseRRFScoreArithmetic(t *testing.T) {
	t.Parallel()
	docA, docB := uuid.New(), uuid.New()
	shared := chunkResult(docA, 1)
	only := chunkResult(docB, 9)

	// shared: rank 1 in list one, rank 2 in list two -> 1/61 + 1/62.
	// only: rank 1 in list two -> 1/61. shared must outrank only.
	fused := FuseRRF(60,
		[]store.SearchResult{shared},
		[]store.SearchResult{only, shared},
	)
	require.Len(t, fused, 2)
	assert.Equal(t, shared.ChunkID, fused[0].ChunkID)
}

func TestFuseRRFDistinguishesDocuments(t *testing.T) {
	t.Parallel()
	// Same chunk id under different documents stays two entries.
	fused := FuseRRF(60, []store.SearchResult{
		chunkResult(uuid.New(), 1),
		chunkResult(uuid.New(), 1),
	})
	assert.Len(t, fused, 2)
}
