package federation

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/google/differential-privacy/go/v3/noise"
	"gonum.org/v1/gonum/stat/distuv"
)

// AlphaFromEpsilon converts a local privacy budget into the truthful-response
// probability of the randomized-response mechanism:
// alpha = (e^eps - 1) / (e^eps + M - 2)
func AlphaFromEpsilon(epsilon float64, maxResponse int) float64 {
	e := math.Exp(epsilon)
	return (e - 1) / (e + float64(maxResponse) - 2)
}

// ClippedTotal is the record total after clipping every client at M-1
func ClippedTotal(records []int, maxResponse int) int {
	var total int
	for _, n := range records {
		total += min(n, maxResponse-1)
	}
	return total
}

// LocalSamplingRate is the per-record inclusion probability a client uses to
// contribute desired records system-wide given the population estimate
func LocalSamplingRate(desired, estimate float64) float64 {
	if estimate < 1 {
		estimate = 1
	}
	return math.Max(0, math.Min(1, desired/estimate))
}

// Estimator estimates the total record count of the federation from
// randomized per-client responses. It keeps only running sums, so memory does
// not grow with the number of collections
type Estimator struct {
	records     []int
	alpha       float64
	maxResponse int
	rng         *rand.Rand

	responseSum float64
	collections int
}

// NewEstimator creates an estimator over the given per-client record counts
func NewEstimator(records []int, alpha float64, maxResponse int, rng *rand.Rand) (*Estimator, error) {
	if alpha <= 0 || alpha > 1 {
		return nil, fmt.Errorf("privacy alpha must be in (0, 1], got %v", alpha)
	}
	if maxResponse < 2 {
		return nil, fmt.Errorf("max response must be at least 2, got %d", maxResponse)
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Estimator{
		records:     append([]int(nil), records...),
		alpha:       alpha,
		maxResponse: maxResponse,
		rng:         rng,
	}, nil
}

// Alpha returns the truthful-response probability
func (e *Estimator) Alpha() float64 { return e.alpha }

// respond draws one randomized response for a client holding n records
func (e *Estimator) respond(n int) int {
	truthful := distuv.Bernoulli{P: e.alpha, Src: e.rng}.Rand() == 1
	if truthful {
		return max(0, min(n, e.maxResponse-1))
	}
	return e.rng.IntN(e.maxResponse)
}

// Collect gathers one randomized response from every client and folds it into
// the running state
func (e *Estimator) Collect() {
	var sum int
	for _, n := range e.records {
		sum += e.respond(n)
	}
	e.responseSum += float64(sum)
	e.collections++
}

// Collections returns how many response rounds have been folded in
func (e *Estimator) Collections() int { return e.collections }

// Estimate returns the unbiased estimate of the clipped record total, clamped
// to at least 1. Without any collection it draws one first
func (e *Estimator) Estimate() float64 {
	if e.collections == 0 {
		e.Collect()
	}
	meanSum := e.responseSum / float64(e.collections)
	noiseMean := float64(len(e.records)) * (1 - e.alpha) * float64(e.maxResponse-1) / 2
	est := (meanSum - noiseMean) / e.alpha
	if est < 1 || math.IsNaN(est) {
		slog.Warn("Population estimate underflow, clamping",
			"raw_estimate", est,
			"collections", e.collections,
		)
		return 1
	}
	return est
}

// NormReporter transforms a client's signature norm before the server sees it
type NormReporter interface {
	Report(norm float64) float64
}

// LaplaceNormReporter clips norms to Bound and adds Laplace noise calibrated
// to Epsilon. Reported norms are never negative
type LaplaceNormReporter struct {
	Epsilon float64
	Bound   float64
	noise   noise.Noise
}

// NewLaplaceNormReporter builds a reporter using the Laplace mechanism
func NewLaplaceNormReporter(epsilon, bound float64) *LaplaceNormReporter {
	return &LaplaceNormReporter{Epsilon: epsilon, Bound: bound, noise: noise.Laplace()}
}

// Report returns the noised norm. On a noise failure the clipped norm is
// returned and the failure is logged
func (r *LaplaceNormReporter) Report(norm float64) float64 {
	clipped := math.Min(norm, r.Bound)
	noised, err := r.noise.AddNoiseFloat64(clipped, 1, r.Bound, r.Epsilon, 0)
	if err != nil {
		slog.Warn("Failed to add noise to gradient norm", "error", err)
		return clipped
	}
	return math.Max(0, noised)
}
