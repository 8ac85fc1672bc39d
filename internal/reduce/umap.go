package reduce

import (
	"math"
	"math/rand"
	"sort"
)

// UMAP parameters for the map projection. The neighbourhood size adapts to
// the dataset (min(15, max(2, N-1))); the rest are fixed.
const (
	umapMinDist  = 0.1
	umapEpochs   = 200
	umapNegative = 5
)

// umapProject embeds n standardised d-dimensional rows into 3 dimensions
// with uniform manifold approximation: a fuzzy simplicial set over the
// cosine k-nearest-neighbour graph, optimised by negative-sampling SGD from
// a PCA initialisation. Deterministic for a fixed input order.
func umapProject(data []float64, n, d int, seed int64) []float64 {
	k := minInt(15, maxInt(2, n-1))

	dist := cosineDistances(data, n, d)
	knn := nearestNeighbours(dist, n, k)
	edges := fuzzySimplicialSet(dist, knn, n, k)

	// PCA scores give a deterministic, structure-preserving start.
	c := minInt(3, d)
	scores := project(data, n, d, c)
	emb := make([]float64, n*3)
	for i := 0; i < n; i++ {
		for l := 0; l < c; l++ {
			emb[i*3+l] = scores[i*c+l]
		}
	}
	rescale(emb, 10)

	a, b := fitCurve(umapMinDist)
	optimize(emb, n, edges, a, b, seed)
	return emb
}

type edge struct {
	i, j   int
	weight float64
}

// cosineDistances computes the dense pairwise cosine distance matrix.
func cosineDistances(data []float64, n, d int) []float64 {
	norms := make([]float64, n)
	for i := 0; i < n; i++ {
		var s float64
		for l := 0; l < d; l++ {
			v := data[i*d+l]
			s += v * v
		}
		norms[i] = math.Sqrt(s)
	}

	dist := make([]float64, n*n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var dot float64
			for l := 0; l < d; l++ {
				dot += data[i*d+l] * data[j*d+l]
			}
			dd := 1.0
			if norms[i] > 0 && norms[j] > 0 {
				dd = 1 - dot/(norms[i]*norms[j])
			}
			if dd < 0 {
				dd = 0
			}
			dist[i*n+j] = dd
			dist[j*n+i] = dd
		}
	}
	return dist
}

// nearestNeighbours returns each row's k closest other rows.
func nearestNeighbours(dist []float64, n, k int) [][]int {
	knn := make([][]int, n)
	idx := make([]int, n)
	for i := 0; i < n; i++ {
		for j := range idx {
			idx[j] = j
		}
		row := dist[i*n : (i+1)*n]
		sort.SliceStable(idx, func(a, b int) bool { return row[idx[a]] < row[idx[b]] })

		neigh := make([]int, 0, k)
		for _, j := range idx {
			if j == i {
				continue
			}
			neigh = append(neigh, j)
			if len(neigh) == k {
				break
			}
		}
		knn[i] = neigh
	}
	return knn
}

// fuzzySimplicialSet converts neighbour distances into symmetrised edge
// weights. Per row, rho is the nearest-neighbour distance and sigma is
// solved so the smoothed neighbourhood has effective size log2(k).
func fuzzySimplicialSet(dist []float64, knn [][]int, n, k int) []edge {
	target := math.Log2(float64(k))
	weights := make(map[[2]int]float64, n*k)

	for i := 0; i < n; i++ {
		row := dist[i*n : (i+1)*n]
		rho := row[knn[i][0]]
		sigma := smoothKNNDistance(row, knn[i], rho, target)

		for _, j := range knn[i] {
			w := 1.0
			if diff := row[j] - rho; diff > 0 && sigma > 0 {
				w = math.Exp(-diff / sigma)
			}
			weights[[2]int{i, j}] = w
		}
	}

	// Symmetrise: w = w + wT - w.wT (fuzzy set union).
	var edges []edge
	for key, w := range weights {
		i, j := key[0], key[1]
		if i > j {
			continue
		}
		wT := weights[[2]int{j, i}]
		union := w + wT - w*wT
		if union > 0 {
			edges = append(edges, edge{i: i, j: j, weight: union})
		}
	}
	// Map iteration order is random; fix it for determinism.
	sort.Slice(edges, func(a, b int) bool {
		if edges[a].i != edges[b].i {
			return edges[a].i < edges[b].i
		}
		return edges[a].j < edges[b].j
	})
	return edges
}

// smoothKNNDistance binary-searches the bandwidth sigma for one row.
func smoothKNNDistance(row []float64, neigh []int, rho, target float64) float64 {
	lo, hi, mid := 0.0, math.Inf(1), 1.0
	for iter := 0; iter < 64; iter++ {
		var sum float64
		for _, j := range neigh {
			if diff := row[j] - rho; diff > 0 {
				sum += math.Exp(-diff / mid)
			} else {
				sum += 1
			}
		}
		if math.Abs(sum-target) < 1e-5 {
			break
		}
		if sum > target {
			hi = mid
			mid = (lo + hi) / 2
		} else {
			lo = mid
			if math.IsInf(hi, 1) {
				mid *= 2
			} else {
				mid = (lo + hi) / 2
			}
		}
	}
	return mid
}

// fitCurve finds a, b so that 1/(1+a*d^(2b)) approximates the target
// membership curve exp(-(d-minDist)) clamped to 1 below minDist. A coarse
// grid with local refinement is plenty at this tolerance.
func fitCurve(minDist float64) (float64, float64) {
	samples := make([]float64, 0, 300)
	for x := 0.0; x < 3.0; x += 0.01 {
		samples = append(samples, x)
	}
	targetAt := func(x float64) float64 {
		if x <= minDist {
			return 1
		}
		return math.Exp(-(x - minDist))
	}

	bestA, bestB, bestErr := 1.0, 1.0, math.Inf(1)
	refine := func(aLo, aHi, bLo, bHi, step float64) {
		for a := aLo; a <= aHi; a += step {
			for b := bLo; b <= bHi; b += step {
				var errSum float64
				for _, x := range samples {
					fit := 1 / (1 + a*math.Pow(x, 2*b))
					diff := fit - targetAt(x)
					errSum += diff * diff
				}
				if errSum < bestErr {
					bestErr, bestA, bestB = errSum, a, b
				}
			}
		}
	}
	refine(0.1, 3.0, 0.1, 2.0, 0.05)
	refine(bestA-0.05, bestA+0.05, bestB-0.05, bestB+0.05, 0.005)
	return bestA, bestB
}

// optimize runs the attractive/repulsive SGD over the edge set.
func optimize(emb []float64, n int, edges []edge, a, b float64, seed int64) {
	rng := rand.New(rand.NewSource(seed))

	var maxWeight float64
	for _, e := range edges {
		if e.weight > maxWeight {
			maxWeight = e.weight
		}
	}
	if maxWeight == 0 {
		return
	}

	const initialAlpha = 1.0
	for epoch := 0; epoch < umapEpochs; epoch++ {
		alpha := initialAlpha * (1 - float64(epoch)/float64(umapEpochs))
		for _, e := range edges {
			// Sample edges proportionally to weight, as the reference
			// implementation's epochs_per_sample schedule does.
			if rng.Float64() > e.weight/maxWeight {
				continue
			}
			attract(emb, e.i, e.j, a, b, alpha)
			for s := 0; s < umapNegative; s++ {
				repel(emb, e.i, rng.Intn(n), a, b, alpha)
			}
		}
	}
}

func attract(emb []float64, i, j int, a, b, alpha float64) {
	d2 := sqDist(emb, i, j)
	if d2 == 0 {
		return
	}
	grad := (-2 * a * b * math.Pow(d2, b-1)) / (1 + a*math.Pow(d2, b))
	applyGrad(emb, i, j, grad, alpha)
}

func repel(emb []float64, i, j int, a, b, alpha float64) {
	if i == j {
		return
	}
	d2 := sqDist(emb, i, j)
	grad := (2 * b) / ((0.001 + d2) * (1 + a*math.Pow(d2, b)))
	applyGrad(emb, i, j, grad, alpha)
}

func sqDist(emb []float64, i, j int) float64 {
	var d2 float64
	for l := 0; l < 3; l++ {
		diff := emb[i*3+l] - emb[j*3+l]
		d2 += diff * diff
	}
	return d2
}

func applyGrad(emb []float64, i, j int, grad, alpha float64) {
	for l := 0; l < 3; l++ {
		diff := emb[i*3+l] - emb[j*3+l]
		move := clip(grad*diff, 4) * alpha
		emb[i*3+l] += move
		emb[j*3+l] -= move
	}
}

func clip(v, bound float64) float64 {
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}

// rescale scales coordinates uniformly so max |coord| equals extent.
func rescale(emb []float64, extent float64) {
	var maxAbs float64
	for _, v := range emb {
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		return
	}
	f := extent / maxAbs
	for i := range emb {
		emb[i] *= f
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
