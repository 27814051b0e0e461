package learner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/stratfed/coordinator/internal/federation"
)

// SyntheticConfig describes a generated federation
type SyntheticConfig struct {
	Clients          int
	RecordsPerClient int
	Features         int
	Classes          int
	Partition        federation.Partition
	// DirichletAlpha is the label concentration of the dirichlet regime
	DirichletAlpha float64
	// TestFraction of every client's records is held out for accuracy
	TestFraction float64
	// ClassSeparation scales the distance between class means
	ClassSeparation float64
	BatchSize       int
	Seed            uint64
}

// DefaultSyntheticConfig returns a small federation suitable for local runs
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Clients:          100,
		RecordsPerClient: 200,
		Features:         20,
		Classes:          10,
		Partition:        federation.PartitionDirichlet,
		DirichletAlpha:   0.5,
		TestFraction:     0.2,
		ClassSeparation:  2,
		BatchSize:        50,
		Seed:             1,
	}
}

func (c SyntheticConfig) validate() error {
	var errs []error
	if c.Clients <= 0 {
		errs = append(errs, fmt.Errorf("clients must be positive, got %d", c.Clients))
	}
	if c.RecordsPerClient <= 0 {
		errs = append(errs, fmt.Errorf("records per client must be positive, got %d", c.RecordsPerClient))
	}
	if c.Features <= 0 || c.Classes < 2 {
		errs = append(errs, fmt.Errorf("need at least one feature and two classes, got %d and %d", c.Features, c.Classes))
	}
	if c.TestFraction < 0 || c.TestFraction >= 1 {
		errs = append(errs, fmt.Errorf("test fraction must be in [0, 1), got %v", c.TestFraction))
	}
	if c.Partition == federation.PartitionDirichlet && c.DirichletAlpha <= 0 {
		errs = append(errs, fmt.Errorf("dirichlet alpha must be positive, got %v", c.DirichletAlpha))
	}
	if _, err := federation.ParsePartition(string(c.Partition)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ClientData is the local train and test split of one client
type ClientData struct {
	Train *Dataset
	Test  *Dataset
}

// generator draws labelled records around fixed class means
type generator struct {
	means [][]float64
	noise distuv.Normal
}

func newGenerator(cfg SyntheticConfig, src rand.Source) *generator {
	sep := cfg.ClassSeparation
	if sep <= 0 {
		sep = 1
	}
	centre := distuv.Normal{Mu: 0, Sigma: sep, Src: src}
	means := make([][]float64, cfg.Classes)
	for c := range means {
		means[c] = make([]float64, cfg.Features)
		for j := range means[c] {
			means[c][j] = centre.Rand()
		}
	}
	return &generator{means: means, noise: distuv.Normal{Mu: 0, Sigma: 1, Src: src}}
}

func (g *generator) record(label int) []float64 {
	x := make([]float64, len(g.means[label]))
	for j := range x {
		x[j] = g.means[label][j] + g.noise.Rand()
	}
	return x
}

// partitionLabels returns the labels held by every client
func partitionLabels(cfg SyntheticConfig, rng *rand.Rand) [][]int {
	labels := make([][]int, cfg.Clients)
	switch cfg.Partition {
	case federation.PartitionIID:
		for k := range labels {
			for i := 0; i < cfg.RecordsPerClient; i++ {
				labels[k] = append(labels[k], rng.IntN(cfg.Classes))
			}
		}

	case federation.PartitionShard:
		// Sort the pooled labels and deal two contiguous shards to every client
		pool := make([]int, cfg.Clients*cfg.RecordsPerClient)
		for i := range pool {
			pool[i] = rng.IntN(cfg.Classes)
		}
		sort.Ints(pool)
		shards := 2 * cfg.Clients
		size := len(pool) / shards
		perm := rng.Perm(shards)
		for i, s := range perm {
			k := i / 2
			labels[k] = append(labels[k], pool[s*size:(s+1)*size]...)
		}

	case federation.PartitionDirichlet:
		alpha := make([]float64, cfg.Classes)
		for c := range alpha {
			alpha[c] = cfg.DirichletAlpha
		}
		mix := distmv.NewDirichlet(alpha, rng)
		size := distuv.LogNormal{Mu: math.Log(float64(cfg.RecordsPerClient)), Sigma: 0.75, Src: rng}
		for k := range labels {
			n := max(2, int(math.Round(size.Rand())))
			dist := distuv.NewCategorical(mix.Rand(nil), rng)
			for i := 0; i < n; i++ {
				labels[k] = append(labels[k], int(dist.Rand()))
			}
		}
	}
	return labels
}

// Federation is the synthetic client population. It implements the gradient
// source and evaluator of the coordinator
type Federation struct {
	Model   SoftmaxModel
	Clients []ClientData

	batchSize int
	loaders   []*Loader
	locks     []sync.Mutex
	seed      uint64
}

// NewSyntheticFederation generates a federation deterministically from cfg.Seed
func NewSyntheticFederation(cfg SyntheticConfig) (*Federation, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid synthetic federation: %w", err)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, 0x5eed))
	gen := newGenerator(cfg, rng)

	fed := &Federation{
		Model:     SoftmaxModel{Features: cfg.Features, Classes: cfg.Classes},
		Clients:   make([]ClientData, cfg.Clients),
		batchSize: cfg.BatchSize,
		loaders:   make([]*Loader, cfg.Clients),
		locks:     make([]sync.Mutex, cfg.Clients),
		seed:      cfg.Seed,
	}

	for k, ls := range partitionLabels(cfg, rng) {
		all := &Dataset{}
		for _, y := range ls {
			all.X = append(all.X, gen.record(y))
			all.Y = append(all.Y, y)
		}
		order := rng.Perm(all.Len())
		nTest := int(math.Floor(float64(all.Len()) * cfg.TestFraction))
		fed.Clients[k] = ClientData{
			Test:  all.subset(order[:nTest]),
			Train: all.subset(order[nTest:]),
		}
		fed.loaders[k] = NewLoader(fed.Clients[k].Train, cfg.BatchSize, fed.clientRand(k, 0))
	}
	return fed, nil
}

// clientRand is the private source of client k; stream separates uses
func (f *Federation) clientRand(k int, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(f.seed^uint64(k+1)*0x9e3779b97f4a7c15, stream))
}

// Records returns the training-set size of every client
func (f *Federation) Records() []int {
	out := make([]int, len(f.Clients))
	for k, c := range f.Clients {
		out[k] = c.Train.Len()
	}
	return out
}

// InitParams draws the initial global model
func (f *Federation) InitParams() federation.Params {
	return f.Model.Init(rand.NewPCG(f.seed, 0x1417))
}

// Gradient computes the gradient of global on the next batch of the client
func (f *Federation) Gradient(_ context.Context, global federation.Params, client int) ([]float64, error) {
	if client < 0 || client >= len(f.Clients) {
		return nil, fmt.Errorf("unknown client %d", client)
	}
	if len(global) != f.Model.Dim() {
		return nil, fmt.Errorf("%w: model has %d parameters, got %d", federation.ErrDimensionMismatch, f.Model.Dim(), len(global))
	}
	f.locks[client].Lock()
	xs, ys := f.loaders[client].Next()
	f.locks[client].Unlock()
	grad := make([]float64, len(global))
	f.Model.Gradient(global, xs, ys, grad)
	return grad, nil
}

// Loss is the training loss of global on the client
func (f *Federation) Loss(global federation.Params, client int) float64 {
	d := f.Clients[client].Train
	return f.Model.Loss(global, d.X, d.Y)
}

// Accuracy is the held-out accuracy of global on the client, in percent
func (f *Federation) Accuracy(global federation.Params, client int) float64 {
	d := f.Clients[client].Test
	return f.Model.Accuracy(global, d.X, d.Y)
}
