// Package federation implements client selection, aggregation weighting and
// the round loop of a stratified federated-learning coordinator
package federation

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrEmptySelection is reported when a round ends with no contributing clients
	ErrEmptySelection = errors.New("no clients contributed to the round")
	// ErrDimensionMismatch is returned when vectors of different length are combined
	ErrDimensionMismatch = errors.New("parameter dimension mismatch")
)

// Params is a flat model parameter vector. Values are never shared between
// rounds: every consumer works on its own copy
type Params []float64

// Clone returns an independent copy of p
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	copy(out, p)
	return out
}

// Zeroed returns a new all-zero vector with the dimension of p
func (p Params) Zeroed() Params {
	return make(Params, len(p))
}

// Equal reports whether p and q hold the same values
func (p Params) Equal(q Params) bool {
	return len(p) == len(q) && floats.Equal(p, q)
}

// Client describes one participant of the federation
type Client struct {
	ID      int
	Records int
	// Weight is Records divided by the total record count of the federation
	Weight float64
}

// NewClients builds the client table from per-client record counts
func NewClients(records []int) []Client {
	var total int
	for _, n := range records {
		total += n
	}
	clients := make([]Client, len(records))
	for k, n := range records {
		clients[k] = Client{ID: k, Records: n}
		if total > 0 {
			clients[k].Weight = float64(n) / float64(total)
		}
	}
	return clients
}

// LocalUpdate is the trained parameter vector returned by one selected client
type LocalUpdate struct {
	Client         int
	Params         Params
	Records        int
	SampledRecords int
}

func checkDims(want int, vectors ...[]float64) error {
	for i, v := range vectors {
		if len(v) != want {
			return fmt.Errorf("%w: vector %d has %d values, expected %d", ErrDimensionMismatch, i, len(v), want)
		}
	}
	return nil
}
