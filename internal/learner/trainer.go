package learner

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/stratfed/coordinator/internal/federation"
)

// ProximalTrainer runs FedProx local updates on the clients of a federation.
// Updates for different clients may run concurrently
type ProximalTrainer struct {
	fed *Federation
}

// NewProximalTrainer creates a trainer over fed
func NewProximalTrainer(fed *Federation) *ProximalTrainer {
	return &ProximalTrainer{fed: fed}
}

// Train takes spec.Steps SGD steps from global on the client's data, adding
// the proximal term mu*(theta - global) to every gradient. With a sample rate
// below one the client first keeps a Bernoulli subsample of its records
func (t *ProximalTrainer) Train(ctx context.Context, global federation.Params, spec federation.TrainSpec) (federation.TrainResult, error) {
	k := spec.Client
	if k < 0 || k >= len(t.fed.Clients) {
		return federation.TrainResult{}, fmt.Errorf("unknown client %d", k)
	}
	t.fed.locks[k].Lock()
	defer t.fed.locks[k].Unlock()

	loader := t.fed.loaders[k]
	if spec.SampleRate < 1 {
		loader = loader.Subsample(spec.SampleRate)
	}
	if loader.Len() == 0 {
		return federation.TrainResult{}, fmt.Errorf("client %d: %w", k, federation.ErrNoLocalSamples)
	}

	theta := global.Clone()
	grad := make([]float64, len(theta))
	prox := make([]float64, len(theta))
	for step := 0; step < spec.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return federation.TrainResult{}, err
		}
		xs, ys := loader.Next()
		t.fed.Model.Gradient(theta, xs, ys, grad)
		if spec.Mu != 0 {
			floats.SubTo(prox, theta, global)
			floats.AddScaled(grad, spec.Mu, prox)
		}
		floats.AddScaled(theta, -spec.LearningRate, grad)
	}

	return federation.TrainResult{Params: theta, SampledRecords: loader.Len()}, nil
}
