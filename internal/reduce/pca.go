// Package reduce projects the chunk embedding space into three dimensions
// for the map UI. Inputs are standardised, projected to three axes (PCA for
// small sets, a UMAP embedding otherwise), and scaled into a fixed cube.
package reduce

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// cubeExtent is the half-width of the target cube: |coord| <= cubeExtent.
const cubeExtent = 10.0

// randomSeed keeps the degenerate-input fallback deterministic.
const randomSeed = 42

// smallSetThreshold is the population below which the neighbourhood
// embedding degenerates and plain PCA takes over.
const smallSetThreshold = 10

// ReduceTo3D maps n input vectors to n coordinate triples. Small sets use
// PCA; everything else goes through the uniform manifold approximation with
// a cosine metric. Both paths are deterministic for a fixed input order.
func ReduceTo3D(vectors [][]float32) [][3]float64 {
	n := len(vectors)
	if n == 0 {
		return nil
	}
	d := len(vectors[0])

	data := make([]float64, n*d)
	for i, v := range vectors {
		for j := range v {
			data[i*d+j] = float64(v[j])
		}
	}
	standardize(data, n, d)

	out := make([][3]float64, n)
	if n < smallSetThreshold {
		components := minInt(3, minInt(n, d))
		coords := project(data, n, d, components)
		// Pad to 3 axes when the projection produced fewer.
		for i := range out {
			for j := 0; j < components; j++ {
				out[i][j] = coords[i*components+j]
			}
		}
	} else {
		emb := umapProject(data, n, d, randomSeed)
		for i := range out {
			out[i] = [3]float64{emb[i*3], emb[i*3+1], emb[i*3+2]}
		}
	}

	scaleToCube(out)
	return out
}

// standardize shifts each column to zero mean and unit variance in place.
// Constant columns stay at zero.
func standardize(data []float64, n, d int) {
	for j := 0; j < d; j++ {
		var mean float64
		for i := 0; i < n; i++ {
			mean += data[i*d+j]
		}
		mean /= float64(n)

		var variance float64
		for i := 0; i < n; i++ {
			diff := data[i*d+j] - mean
			variance += diff * diff
		}
		variance /= float64(n)

		std := math.Sqrt(variance)
		for i := 0; i < n; i++ {
			data[i*d+j] -= mean
			if std > 0 {
				data[i*d+j] /= std
			}
		}
	}
}

// project computes the first k principal component scores via thin SVD.
func project(data []float64, n, d, k int) []float64 {
	m := mat.NewDense(n, d, data)

	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDThin); !ok {
		// Factorization failure leaves every coordinate at zero; the caller's
		// scaling step then falls back to the random layout.
		return make([]float64, n*k)
	}

	var v mat.Dense
	svd.VTo(&v)

	coords := make([]float64, n*k)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			var sum float64
			for l := 0; l < d; l++ {
				sum += m.At(i, l) * v.At(l, j)
			}
			coords[i*k+j] = sum
		}
	}
	return coords
}

// scaleToCube scales uniformly so max|coord| equals the cube extent. An
// all-zero layout gets a deterministic uniform-random spread instead.
func scaleToCube(coords [][3]float64) {
	var maxAbs float64
	for _, c := range coords {
		for _, v := range c {
			if a := math.Abs(v); a > maxAbs {
				maxAbs = a
			}
		}
	}

	if maxAbs == 0 {
		rng := rand.New(rand.NewSource(randomSeed))
		for i := range coords {
			for j := 0; j < 3; j++ {
				coords[i][j] = rng.Float64()*2 - 1
			}
		}
		return
	}

	factor := cubeExtent / maxAbs
	for i := range coords {
		for j := 0; j < 3; j++ {
			coords[i][j] *= factor
		}
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
