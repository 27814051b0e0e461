package federation

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// probabilityDigits is the rounding applied to within-stratum probabilities
const probabilityDigits = 12

// Selection is the set of clients chosen for one round
type Selection struct {
	// Clients in draw order. Only importance sampling, which draws with
	// replacement, can repeat a client
	Clients []int
	// Stratum[i] is the group Clients[i] was drawn from, -1 for flat draws
	Stratum []int
	// Probability[i] is the within-stratum selection probability of Clients[i]
	Probability []float64
	// Allocation is the planned m_h per stratum, nil when allocation was skipped
	Allocation []int
}

// Len returns the number of selected clients
func (s *Selection) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Clients)
}

// DrawnPerStratum counts how many selected clients came from each of n strata
func (s *Selection) DrawnPerStratum(n int) []int {
	counts := make([]int, n)
	for _, h := range s.Stratum {
		if h >= 0 && h < n {
			counts[h]++
		}
	}
	return counts
}

// StratumProbabilities returns, for every group, the selection probability of
// each member aligned with the member order. Probabilities are proportional to
// the signature norm, or uniform when uniform is set or every norm in the
// group is zero. They are rounded to 12 digits and renormalized
func StratumProbabilities(groups [][]int, norms []float64, uniform bool) [][]float64 {
	out := make([][]float64, len(groups))
	for h, members := range groups {
		if len(members) == 0 {
			continue
		}
		p := make([]float64, len(members))
		var sum float64
		if !uniform {
			for i, k := range members {
				p[i] = norms[k]
			}
			sum = floats.Sum(p)
		}
		if sum <= 0 {
			for i := range p {
				p[i] = 1
			}
			sum = float64(len(p))
		}
		for i := range p {
			p[i] = roundTo(p[i]/sum, probabilityDigits)
		}
		if total := floats.Sum(p); total != 1 && total > 0 {
			floats.Scale(1/total, p)
		}
		out[h] = p
	}
	return out
}

func roundTo(v float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(v*scale) / scale
}

// Sampler draws client selections. It owns its random source
type Sampler struct {
	rng *rand.Rand
}

// NewSampler creates a sampler. A nil rng is replaced by an unseeded one
func NewSampler(rng *rand.Rand) *Sampler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Sampler{rng: rng}
}

// WithAllocation draws alloc[h] clients from every group without replacement,
// weighted by probs[h]
func (s *Sampler) WithAllocation(groups [][]int, probs [][]float64, alloc []int) *Selection {
	sel := &Selection{Allocation: append([]int(nil), alloc...)}
	for h, members := range groups {
		if h >= len(alloc) || alloc[h] <= 0 {
			continue
		}
		s.drawStratum(sel, h, members, probs[h], alloc[h])
	}
	return sel
}

// Flat draws floor(100*sampleRatio/len(groups)) clients from every group,
// capped at the group size
func (s *Sampler) Flat(groups [][]int, probs [][]float64, sampleRatio float64) *Selection {
	sel := &Selection{}
	if len(groups) == 0 {
		return sel
	}
	perStratum := FlatStratumCount(sampleRatio, len(groups))
	for h, members := range groups {
		s.drawStratum(sel, h, members, probs[h], perStratum)
	}
	return sel
}

// FlatStratumCount is the fixed per-stratum draw of the flat mode
func FlatStratumCount(sampleRatio float64, nStrata int) int {
	if nStrata <= 0 {
		return 0
	}
	return int(100 * sampleRatio / float64(nStrata))
}

// IID ignores strata and draws min(round(100*sampleRatio), totalClients)
// clients uniformly without replacement
func (s *Sampler) IID(totalClients int, sampleRatio float64) *Selection {
	n := min(int(math.Round(100*sampleRatio)), totalClients)
	sel := &Selection{}
	if n <= 0 {
		return sel
	}
	idx := make([]int, n)
	sampleuv.WithoutReplacement(idx, totalClients, s.rng)
	p := 1 / float64(totalClients)
	for _, k := range idx {
		sel.Clients = append(sel.Clients, k)
		sel.Stratum = append(sel.Stratum, -1)
		sel.Probability = append(sel.Probability, p)
	}
	return sel
}

// drawStratum appends up to n members of one group. Weighted draws come
// first; once every positive-probability member is taken the rest are filled
// uniformly from the remaining members
func (s *Sampler) drawStratum(sel *Selection, h int, members []int, probs []float64, n int) {
	n = min(n, len(members))
	if n <= 0 {
		return
	}

	taken := make([]bool, len(members))
	w := sampleuv.NewWeighted(append([]float64(nil), probs...), s.rng)
	drawn := 0
	for ; drawn < n; drawn++ {
		i, ok := w.Take()
		// Heap sums drift with floating point; a repeat means only zero
		// weights are left
		if !ok || taken[i] || probs[i] <= 0 {
			break
		}
		taken[i] = true
		sel.add(members[i], h, probs[i])
	}

	if drawn < n {
		var rest []int
		for i, t := range taken {
			if !t {
				rest = append(rest, i)
			}
		}
		s.rng.Shuffle(len(rest), func(a, b int) { rest[a], rest[b] = rest[b], rest[a] })
		for _, i := range rest[:n-drawn] {
			sel.add(members[i], h, probs[i])
		}
	}
}

func (s *Selection) add(client, stratum int, p float64) {
	s.Clients = append(s.Clients, client)
	s.Stratum = append(s.Stratum, stratum)
	s.Probability = append(s.Probability, p)
}
