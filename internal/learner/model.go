// Package learner provides the reference local learner of the coordinator:
// a multinomial logistic regression trained with proximal SGD on synthetic,
// partitioned client data
package learner

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/stratfed/coordinator/internal/federation"
)

// SoftmaxModel is a linear classifier over flat parameters laid out row-major
// as Classes rows of Features weights followed by one bias
type SoftmaxModel struct {
	Features int
	Classes  int
}

// Dim is the length of the parameter vector
func (m SoftmaxModel) Dim() int {
	return m.Classes * (m.Features + 1)
}

// Init draws small Gaussian weights and zero biases
func (m SoftmaxModel) Init(src rand.Source) federation.Params {
	p := make(federation.Params, m.Dim())
	n := distuv.Normal{Mu: 0, Sigma: 0.01, Src: src}
	for c := 0; c < m.Classes; c++ {
		row := m.row(p, c)
		for j := 0; j < m.Features; j++ {
			row[j] = n.Rand()
		}
	}
	return p
}

func (m SoftmaxModel) row(p []float64, c int) []float64 {
	w := m.Features + 1
	return p[c*w : (c+1)*w]
}

// logProbs writes the log-softmax of the logits of x into out
func (m SoftmaxModel) logProbs(p []float64, x []float64, out []float64) {
	for c := 0; c < m.Classes; c++ {
		row := m.row(p, c)
		out[c] = floats.Dot(row[:m.Features], x) + row[m.Features]
	}
	lse := floats.LogSumExp(out)
	floats.AddConst(-lse, out)
}

// Predict returns the most likely class of x
func (m SoftmaxModel) Predict(p []float64, x []float64) int {
	out := make([]float64, m.Classes)
	m.logProbs(p, x, out)
	return floats.MaxIdx(out)
}

// Loss is the mean cross-entropy over the batch. An empty batch has zero loss
func (m SoftmaxModel) Loss(p []float64, xs [][]float64, ys []int) float64 {
	if len(xs) == 0 {
		return 0
	}
	out := make([]float64, m.Classes)
	var loss float64
	for i, x := range xs {
		m.logProbs(p, x, out)
		loss -= out[ys[i]]
	}
	return loss / float64(len(xs))
}

// Accuracy is the percentage of correctly classified records
func (m SoftmaxModel) Accuracy(p []float64, xs [][]float64, ys []int) float64 {
	if len(xs) == 0 {
		return 0
	}
	var correct int
	for i, x := range xs {
		if m.Predict(p, x) == ys[i] {
			correct++
		}
	}
	return 100 * float64(correct) / float64(len(xs))
}

// Gradient writes the mean cross-entropy gradient over the batch into grad
func (m SoftmaxModel) Gradient(p []float64, xs [][]float64, ys []int, grad []float64) {
	for i := range grad {
		grad[i] = 0
	}
	if len(xs) == 0 {
		return
	}
	out := make([]float64, m.Classes)
	scale := 1 / float64(len(xs))
	for i, x := range xs {
		m.logProbs(p, x, out)
		for c := 0; c < m.Classes; c++ {
			d := math.Exp(out[c])
			if c == ys[i] {
				d--
			}
			row := m.row(grad, c)
			floats.AddScaled(row[:m.Features], d*scale, x)
			row[m.Features] += d * scale
		}
	}
}
