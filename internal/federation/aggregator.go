package federation

import (
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
)

// WeightingScheme selects how contributions are weighted during aggregation
type WeightingScheme string

const (
	// WeightingUniform gives every contributor 1/nSampled
	WeightingUniform WeightingScheme = "uniform"
	// WeightingSize weights contributors by record count, normalized to 1
	WeightingSize WeightingScheme = "size"
	// WeightingStability combines the stratum share with an inverse local
	// sampling probability, capped and normalized to 1
	WeightingStability WeightingScheme = "stability"
	// WeightingSizeLegacy uses the federation weights of the contributors and
	// keeps (1 - sum(w)) of the previous global model
	WeightingSizeLegacy WeightingScheme = "size-legacy"
)

// ParseWeightingScheme validates a scheme name
func ParseWeightingScheme(s string) (WeightingScheme, error) {
	switch WeightingScheme(s) {
	case WeightingUniform, WeightingSize, WeightingStability, WeightingSizeLegacy:
		return WeightingScheme(s), nil
	default:
		return "", fmt.Errorf("unknown weighting scheme: %q", s)
	}
}

const (
	// minLocalProbability bounds p_tk away from zero
	minLocalProbability = 1e-8
	// weightCapFactor caps a stability weight at weightCapFactor/p_tk
	weightCapFactor = 10.0
)

// WeightContext carries the round state the weighting schemes depend on
type WeightContext struct {
	// NSampled is the configured number of clients per round
	NSampled int
	// Groups is the stratification of the round; nil for flat strategies
	Groups [][]int
	// ClientWeights is w_k = n_k / sum(n) for every client in the federation
	ClientWeights []float64
	// DesiredLocalSamples is the target record count behind p_tk
	DesiredLocalSamples float64
}

// AggregationResult is the outcome of one aggregation step
type AggregationResult struct {
	Params       Params
	Weights      []float64
	WeightSum    float64
	Contributors []int
	// Empty is set when nobody contributed and Params is the unchanged input
	Empty bool
}

// Aggregate builds a fresh zero vector and adds sum(weights[k] * updates[k]).
// With no updates the global model is returned unchanged and ok is false
func Aggregate(global Params, updates []Params, weights []float64) (Params, bool, error) {
	if len(updates) == 0 {
		return global, false, nil
	}
	if len(updates) != len(weights) {
		return nil, false, fmt.Errorf("got %d updates but %d weights", len(updates), len(weights))
	}
	if err := checkDims(len(global), toSlices(updates)...); err != nil {
		return nil, false, err
	}

	next := global.Zeroed()
	for k, u := range updates {
		floats.AddScaled(next, weights[k], u)
	}
	return next, true, nil
}

// AggregateRound filters malformed updates, computes the weights of scheme
// over the remaining contributors and aggregates them
func AggregateRound(global Params, updates []LocalUpdate, scheme WeightingScheme, wc WeightContext) (*AggregationResult, error) {
	valid := make([]LocalUpdate, 0, len(updates))
	for _, u := range updates {
		if len(u.Params) != len(global) {
			slog.Warn("Update dimension mismatch, skipping",
				"client", u.Client,
				"expected", len(global),
				"got", len(u.Params),
			)
			continue
		}
		valid = append(valid, u)
	}

	if len(valid) == 0 {
		return &AggregationResult{Params: global, Empty: true}, nil
	}

	weights, err := Weights(scheme, valid, wc)
	if err != nil {
		return nil, err
	}

	params := make([]Params, len(valid))
	contributors := make([]int, len(valid))
	for i, u := range valid {
		params[i] = u.Params
		contributors[i] = u.Client
	}

	if scheme == WeightingSizeLegacy {
		params = append(params, global)
		weights = append(weights, 1-floats.Sum(weights))
	}

	next, _, err := Aggregate(global, params, weights)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate updates: %w", err)
	}

	contributed := weights[:len(valid)]
	return &AggregationResult{
		Params:       next,
		Weights:      contributed,
		WeightSum:    floats.Sum(contributed),
		Contributors: contributors,
	}, nil
}

// Weights computes one weight per contributing update
func Weights(scheme WeightingScheme, updates []LocalUpdate, wc WeightContext) ([]float64, error) {
	if len(updates) == 0 {
		return nil, nil
	}
	switch scheme {
	case WeightingUniform:
		return uniformWeights(len(updates), wc.NSampled), nil
	case WeightingSize:
		return sizeWeights(updates), nil
	case WeightingSizeLegacy:
		w := make([]float64, len(updates))
		for i, u := range updates {
			if u.Client < len(wc.ClientWeights) {
				w[i] = wc.ClientWeights[u.Client]
			}
		}
		return w, nil
	case WeightingStability:
		return stabilityWeights(updates, wc), nil
	default:
		return nil, fmt.Errorf("unknown weighting scheme: %q", scheme)
	}
}

func uniformWeights(n, nSampled int) []float64 {
	if nSampled <= 0 {
		nSampled = n
	}
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(nSampled)
	}
	return w
}

func sizeWeights(updates []LocalUpdate) []float64 {
	w := make([]float64, len(updates))
	for i, u := range updates {
		w[i] = float64(u.Records)
	}
	total := floats.Sum(w)
	if total <= 0 {
		return uniformWeights(len(updates), len(updates))
	}
	floats.Scale(1/total, w)
	return w
}

// StabilityWeight is the raw weight (N_h/N) / (m_h * p_tk), capped at 10/p_tk
func StabilityWeight(stratumShare float64, drawn int, localProbability float64) float64 {
	p := math.Max(minLocalProbability, math.Min(1, localProbability))
	raw := stratumShare / (float64(drawn) * p)
	return math.Min(raw, weightCapFactor/p)
}

// LocalProbability is p_tk = clamp(desired/records, eps, 1)
func LocalProbability(desired float64, records int) float64 {
	if records <= 0 {
		return 1
	}
	return math.Max(minLocalProbability, math.Min(1, desired/float64(records)))
}

// stabilityWeights divides N_h by the configured sample count so the cap
// can bind
func stabilityWeights(updates []LocalUpdate, wc WeightContext) []float64 {
	stratumOf := make(map[int]int)
	sizes := make([]int, len(wc.Groups))
	for h, members := range wc.Groups {
		sizes[h] = len(members)
		for _, k := range members {
			stratumOf[k] = h
		}
	}

	drawn := make([]int, len(wc.Groups))
	for _, u := range updates {
		if h, ok := stratumOf[u.Client]; ok {
			drawn[h]++
		}
	}

	n := wc.NSampled
	if n <= 0 {
		n = len(updates)
	}

	w := make([]float64, len(updates))
	for i, u := range updates {
		h, ok := stratumOf[u.Client]
		if !ok || drawn[h] == 0 {
			continue
		}
		share := float64(sizes[h]) / float64(n)
		w[i] = StabilityWeight(share, drawn[h], LocalProbability(wc.DesiredLocalSamples, u.Records))
	}

	total := floats.Sum(w)
	if total <= 0 {
		slog.Warn("Stability weights degenerate, falling back to uniform",
			"contributors", len(updates),
		)
		return uniformWeights(len(updates), len(updates))
	}
	floats.Scale(1/total, w)
	return w
}

func toSlices(ps []Params) [][]float64 {
	out := make([][]float64, len(ps))
	for i, p := range ps {
		out[i] = p
	}
	return out
}
