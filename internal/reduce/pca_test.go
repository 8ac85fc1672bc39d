package reduce

import (
	"context"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartograph/internal/store"
)

func maxAbsCoord(coords [][3]float64) float64 {
	var m float64
	for _, c := range coords {
		for _, v := range c {
			if a := math.Abs(v); a > m {
				m = a
			}
		}
	}
	return m
}

func sampleVectors(n, d int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, d)
		for j := range out[i] {
			// A fixed, varied pattern; no randomness so runs are comparable.
			out[i][j] = float32((i+1)*(j+2)%7) - float32(j%3)
		}
	}
	return out
}

func TestReduceSmallSetScalesToCube(t *testing.T) {
	t.Parallel()
	coords := ReduceTo3D(sampleVectors(7, 16))
	require.Len(t, coords, 7)
	assert.InDelta(t, 10.0, maxAbsCoord(coords), 1e-9, "max |coord| must hit the cube extent")
}

func TestReduceLargeSetScalesToCube(t *testing.T) {
	t.Parallel()
	coords := ReduceTo3D(sampleVectors(24, 32))
	require.Len(t, coords, 24)
	assert.InDelta(t, 10.0, maxAbsCoord(coords), 1e-9)
}

func TestReduceDeterministic(t *testing.T) {
	t.Parallel()
	// Covers the neighbourhood-embedding path; both runs share the seed.
	a := ReduceTo3D(sampleVectors(24, 32))
	b := ReduceTo3D(sampleVectors(24, 32))
	require.Equal(t, a, b)

	// And the PCA path.
	c := ReduceTo3D(sampleVectors(7, 16))
	d := ReduceTo3D(sampleVectors(7, 16))
	require.Equal(t, c, d)
}

func clusterVectors(n, d int) [][]float32 {
	// Two tight clusters pointing along different axes, with small
	// deterministic jitter so neighbours are well defined.
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, d)
		axis := 0
		if i >= n/2 {
			axis = 1
		}
		v[axis] = 10
		for j := range v {
			v[j] += float32((i*7+j*3)%5) * 0.05
		}
		out[i] = v
	}
	return out
}

func TestReduceLargeSetPreservesClusters(t *testing.T) {
	t.Parallel()
	const n = 16
	coords := ReduceTo3D(clusterVectors(n, 8))
	require.Len(t, coords, n)

	sq := func(a, b [3]float64) float64 {
		var s float64
		for l := 0; l < 3; l++ {
			diff := a[l] - b[l]
			s += diff * diff
		}
		return s
	}

	var intra, inter float64
	var intraN, interN int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := math.Sqrt(sq(coords[i], coords[j]))
			if (i < n/2) == (j < n/2) {
				intra += d
				intraN++
			} else {
				inter += d
				interN++
			}
		}
	}
	assert.Less(t, intra/float64(intraN), inter/float64(interN),
		"points from the same cluster must land closer together than points from different clusters")
}

func TestReducePadsLowDimensionalInput(t *testing.T) {
	t.Parallel()
	// Three 2-dimensional vectors can yield at most two components; the third
	// axis must be zero-padded before scaling.
	coords := ReduceTo3D([][]float32{{1, 0}, {0, 1}, {1, 1}})
	require.Len(t, coords, 3)
	assert.LessOrEqual(t, maxAbsCoord(coords), 10.0+1e-9)
	for _, c := range coords {
		assert.Zero(t, c[2], "padded third axis stays at zero")
	}
}

func TestReduceSinglePointFallsBackToRandomLayout(t *testing.T) {
	t.Parallel()
	a := ReduceTo3D([][]float32{{5, 5, 5}})
	require.Len(t, a, 1)
	assert.NotEqual(t, [3]float64{}, a[0], "degenerate input must still get a position")
	for _, v := range a[0] {
		assert.LessOrEqual(t, math.Abs(v), 1.0)
	}

	b := ReduceTo3D([][]float32{{5, 5, 5}})
	assert.Equal(t, a, b, "fallback layout is seeded and deterministic")
}

func TestReduceIdenticalVectorsFallBack(t *testing.T) {
	t.Parallel()
	same := [][]float32{{1, 2, 3}, {1, 2, 3}, {1, 2, 3}}
	coords := ReduceTo3D(same)
	require.Len(t, coords, 3)
	var nonZero bool
	for _, c := range coords {
		if c != ([3]float64{}) {
			nonZero = true
		}
	}
	assert.True(t, nonZero)
}

func TestReduceEmpty(t *testing.T) {
	t.Parallel()
	assert.Nil(t, ReduceTo3D(nil))
}

func TestReducerRunReplacesMap(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	ctx := context.Background()

	claim, err := st.Claim(ctx, "gs://raw/d.txt", 1, "d.txt")
	require.NoError(t, err)
	require.NoError(t, st.FinalizeSuccess(ctx, claim.DocID, "d.txt", "gs://raw/d.txt", nil,
		[]string{"a", "b", "c", "d", "e", "f", "g"},
		sampleVectors(7, 8)))

	r := NewReducer(st, zerolog.Nop())
	require.NoError(t, r.Run(ctx))

	points := st.Points3D()
	assert.Len(t, points, 7, "every chunk gets exactly one 3d row")
	for _, p := range points {
		assert.LessOrEqual(t, math.Abs(p.X), 10.0+1e-9)
		assert.LessOrEqual(t, math.Abs(p.Y), 10.0+1e-9)
		assert.LessOrEqual(t, math.Abs(p.Z), 10.0+1e-9)
	}
}

func TestReducerRunEmptyStoreIsNoop(t *testing.T) {
	t.Parallel()
	r := NewReducer(store.NewMemory(), zerolog.Nop())
	require.NoError(t, r.Run(context.Background()))
}
