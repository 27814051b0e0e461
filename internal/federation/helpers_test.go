package federation

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
)

func testRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, 42))
}

// constGradients returns g[c] = (c+1) * (1, 2, ..., dim) for client c
type constGradients struct {
	mu    sync.Mutex
	calls map[int]int
	fail  map[int]bool
}

func newConstGradients() *constGradients {
	return &constGradients{calls: map[int]int{}, fail: map[int]bool{}}
}

func (g *constGradients) Gradient(_ context.Context, global Params, client int) ([]float64, error) {
	g.mu.Lock()
	g.calls[client]++
	fail := g.fail[client]
	g.mu.Unlock()
	if fail {
		return nil, errors.New("gradient unavailable")
	}
	out := make([]float64, len(global))
	for i := range out {
		out[i] = float64(client+1) * float64(i+1)
	}
	return out, nil
}

// shiftTrainer returns global + (client+1) in every coordinate
type shiftTrainer struct {
	mu    sync.Mutex
	specs []TrainSpec
	fail  map[int]error
}

func (t *shiftTrainer) Train(_ context.Context, global Params, spec TrainSpec) (TrainResult, error) {
	t.mu.Lock()
	t.specs = append(t.specs, spec)
	err := t.fail[spec.Client]
	t.mu.Unlock()
	if err != nil {
		return TrainResult{}, err
	}
	out := global.Clone()
	for i := range out {
		out[i] += float64(spec.Client + 1)
	}
	return TrainResult{Params: out, SampledRecords: 10}, nil
}

// meanEvaluator reports the mean parameter as loss and a fixed accuracy
type meanEvaluator struct{}

func (meanEvaluator) Loss(global Params, _ int) float64 {
	var s float64
	for _, v := range global {
		s += v
	}
	return s / float64(len(global))
}

func (meanEvaluator) Accuracy(Params, int) float64 { return 50 }

func recordsOf(clients []Client) []int {
	out := make([]int, len(clients))
	for k, c := range clients {
		out[k] = c.Records
	}
	return out
}

func hasDuplicates(xs []int) bool {
	seen := make(map[int]bool, len(xs))
	for _, x := range xs {
		if seen[x] {
			return true
		}
		seen[x] = true
	}
	return false
}
