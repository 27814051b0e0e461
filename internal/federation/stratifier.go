package federation

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// DefaultMaxIterations caps the Lloyd iterations of the stratifier
const DefaultMaxIterations = 100

// Stratifier partitions clients into strata by k-means over their signatures.
// Centroid seeding draws from rng, so results are reproducible only when the
// caller seeds it
type Stratifier struct {
	rng           *rand.Rand
	maxIterations int
}

// NewStratifier creates a stratifier. A nil rng is replaced by an unseeded one
func NewStratifier(rng *rand.Rand, maxIterations int) *Stratifier {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Stratifier{rng: rng, maxIterations: maxIterations}
}

// Stratify returns exactly nStrata groups of client indices. Groups may be
// empty when fewer distinct signatures than strata exist. Members of each
// group are in ascending order
func (s *Stratifier) Stratify(points [][]float64, nStrata int) [][]int {
	groups := make([][]int, nStrata)
	if len(points) == 0 || nStrata <= 0 {
		return groups
	}

	centroids := s.seed(points, nStrata)
	assign := make([]int, len(points))
	for i := range assign {
		assign[i] = -1
	}

	for iter := 0; iter < s.maxIterations; iter++ {
		changed := false
		for i, p := range points {
			c := nearest(centroids, p)
			if c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}
		recomputeCentroids(centroids, points, assign)
	}

	for i, c := range assign {
		groups[c] = append(groups[c], i)
	}
	return groups
}

// seed picks initial centroids with k-means++
func (s *Stratifier) seed(points [][]float64, k int) [][]float64 {
	centroids := make([][]float64, 0, k)
	first := points[s.rng.IntN(len(points))]
	centroids = append(centroids, append([]float64(nil), first...))

	dist := make([]float64, len(points))
	for len(centroids) < k {
		var total float64
		for i, p := range points {
			d := floats.Distance(p, centroids[nearest(centroids, p)], 2)
			dist[i] = d * d
			total += dist[i]
		}

		next := s.rng.IntN(len(points))
		if total > 0 {
			target := s.rng.Float64() * total
			for i, d := range dist {
				target -= d
				if target < 0 {
					next = i
					break
				}
			}
		}
		centroids = append(centroids, append([]float64(nil), points[next]...))
	}
	return centroids
}

// nearest returns the index of the closest centroid. Ties resolve to the
// lowest index
func nearest(centroids [][]float64, p []float64) int {
	best := 0
	bestDist := floats.Distance(p, centroids[0], 2)
	for j := 1; j < len(centroids); j++ {
		if d := floats.Distance(p, centroids[j], 2); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}

// recomputeCentroids moves each centroid to the mean of its members. A
// centroid without members stays where it is
func recomputeCentroids(centroids, points [][]float64, assign []int) {
	counts := make([]int, len(centroids))
	sums := make([][]float64, len(centroids))
	for j := range centroids {
		sums[j] = make([]float64, len(centroids[j]))
	}
	for i, c := range assign {
		floats.Add(sums[c], points[i])
		counts[c]++
	}
	for j := range centroids {
		if counts[j] == 0 {
			continue
		}
		floats.Scale(1/float64(counts[j]), sums[j])
		centroids[j] = sums[j]
	}
}
