package federation

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// GradientSource computes the gradient of the global model on a batch of one
// client's local data
type GradientSource interface {
	Gradient(ctx context.Context, global Params, client int) ([]float64, error)
}

// Signatures holds the compressed gradients of every client for one round
type Signatures struct {
	// Vectors[k] is the compressed gradient z_k of client k
	Vectors [][]float64
	// Norms[k] is ||z_k||, possibly noised when a NormReporter is installed
	Norms []float64
	// Indices is the coordinate map shared by all clients, ascending
	Indices []int
}

// Summarizer produces fixed-length gradient signatures
type Summarizer struct {
	source   GradientSource
	rng      *rand.Rand
	reporter NormReporter
}

// NewSummarizer creates a summarizer drawing the projection from rng
func NewSummarizer(source GradientSource, rng *rand.Rand) *Summarizer {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Summarizer{source: source, rng: rng}
}

// WithNormReporter installs a privacy filter applied to each reported norm
func (s *Summarizer) WithNormReporter(r NormReporter) *Summarizer {
	s.reporter = r
	return s
}

// Summarize projects every client's gradient onto the same random subset of
// dim coordinates. Clients without records get a zero signature
func (s *Summarizer) Summarize(ctx context.Context, global Params, clients []Client, dim int) (*Signatures, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("compression dimension must be positive, got %d", dim)
	}

	indices := s.projection(len(global), dim)
	sig := &Signatures{
		Vectors: make([][]float64, len(clients)),
		Norms:   make([]float64, len(clients)),
		Indices: indices,
	}

	for k, c := range clients {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		z := make([]float64, len(indices))
		sig.Vectors[k] = z
		if c.Records == 0 {
			continue
		}

		grad, err := s.source.Gradient(ctx, global, c.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to compute gradient for client %d: %w", c.ID, err)
		}
		if err := checkDims(len(global), grad); err != nil {
			return nil, fmt.Errorf("client %d gradient: %w", c.ID, err)
		}

		for i, idx := range indices {
			z[i] = grad[idx]
		}
		norm := floats.Norm(z, 2)
		if s.reporter != nil {
			norm = s.reporter.Report(norm)
		}
		sig.Norms[k] = norm
	}

	return sig, nil
}

// projection picks dim distinct coordinates out of n. When dim covers the
// whole vector the identity map is used
func (s *Summarizer) projection(n, dim int) []int {
	if dim >= n {
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		return indices
	}
	indices := make([]int, dim)
	sampleuv.WithoutReplacement(indices, n, s.rng)
	sort.Ints(indices)
	return indices
}
