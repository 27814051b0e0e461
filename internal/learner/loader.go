package learner

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Dataset is a labelled set of feature vectors
type Dataset struct {
	X [][]float64
	Y []int
}

// Len returns the number of records
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Y)
}

func (d *Dataset) subset(idx []int) *Dataset {
	out := &Dataset{X: make([][]float64, len(idx)), Y: make([]int, len(idx))}
	for i, j := range idx {
		out.X[i] = d.X[j]
		out.Y[i] = d.Y[j]
	}
	return out
}

// Loader yields shuffled mini-batches and reshuffles once an epoch is used up.
// A Loader is not safe for concurrent use
type Loader struct {
	data  *Dataset
	batch int
	order []int
	pos   int
	rng   *rand.Rand
}

// NewLoader creates a loader over data. batchSize <= 0 means full-batch
func NewLoader(data *Dataset, batchSize int, rng *rand.Rand) *Loader {
	if batchSize <= 0 || batchSize > data.Len() {
		batchSize = data.Len()
	}
	l := &Loader{data: data, batch: batchSize, rng: rng}
	l.order = make([]int, data.Len())
	for i := range l.order {
		l.order[i] = i
	}
	l.shuffle()
	return l
}

// Len returns the number of records behind the loader
func (l *Loader) Len() int { return l.data.Len() }

func (l *Loader) shuffle() {
	l.rng.Shuffle(len(l.order), func(i, j int) { l.order[i], l.order[j] = l.order[j], l.order[i] })
	l.pos = 0
}

// Next returns the next mini-batch. It never returns an empty batch unless the
// loader holds no records
func (l *Loader) Next() ([][]float64, []int) {
	if l.data.Len() == 0 {
		return nil, nil
	}
	if l.pos >= len(l.order) {
		l.shuffle()
	}
	end := min(l.pos+l.batch, len(l.order))
	idx := l.order[l.pos:end]
	l.pos = end

	xs := make([][]float64, len(idx))
	ys := make([]int, len(idx))
	for i, j := range idx {
		xs[i] = l.data.X[j]
		ys[i] = l.data.Y[j]
	}
	return xs, ys
}

// Subsample keeps every record independently with probability rate and
// returns a loader over the kept records with the same batch size
func (l *Loader) Subsample(rate float64) *Loader {
	if rate >= 1 {
		return NewLoader(l.data, l.batch, l.rng)
	}
	keep := distuv.Bernoulli{P: max(0, rate), Src: l.rng}
	var idx []int
	for i := 0; i < l.data.Len(); i++ {
		if keep.Rand() == 1 {
			idx = append(idx, i)
		}
	}
	return NewLoader(l.data.subset(idx), l.batch, l.rng)
}
