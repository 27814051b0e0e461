package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stratfed/coordinator/internal/federation"
)

func TestObserveRound(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveRound(&federation.RoundReport{
		Round:        0,
		Mode:         federation.ModeStratifiedDP,
		StrataSizes:  []int{4, 6},
		Allocation:   []int{1, 2},
		Selected:     []int{1, 5, 7},
		Contributors: []int{1, 7},
		Failed:       []int{5},
		Estimate:     1234,
		LocalRate:    0.4,
		Loss:         0.9,
		Accuracy:     72,
		Duration:     250 * time.Millisecond,
	})
	m.ObserveRound(&federation.RoundReport{
		Round: 1,
		Mode:  federation.ModeStratifiedDP,
		Empty: true,
	})

	if got := testutil.ToFloat64(m.RoundsTotal.WithLabelValues("stratified-dp")); got != 2 {
		t.Errorf("Expected 2 rounds, got %v", got)
	}
	if got := testutil.ToFloat64(m.EmptyRoundsTotal.WithLabelValues("stratified-dp")); got != 1 {
		t.Errorf("Expected 1 empty round, got %v", got)
	}
	if got := testutil.ToFloat64(m.ClientFailures); got != 1 {
		t.Errorf("Expected 1 client failure, got %v", got)
	}
	if got := testutil.ToFloat64(m.PopulationEstimate); got != 1234 {
		t.Errorf("Estimate should survive rounds without one, got %v", got)
	}
	if got := testutil.ToFloat64(m.CurrentRound); got != 1 {
		t.Errorf("Expected current round 1, got %v", got)
	}
	if got := testutil.CollectAndCount(m.StratumAllocation); got != 0 {
		t.Errorf("Allocation should reset for rounds without strata, got %d series", got)
	}
}

func TestObservePhase(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObservePhase(3, federation.PhaseAggregate)
	if got := testutil.ToFloat64(m.Phase); got != float64(federation.PhaseAggregate) {
		t.Errorf("Expected phase %d, got %v", federation.PhaseAggregate, got)
	}
}
