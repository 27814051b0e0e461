// Package metrics provides Prometheus metrics for the coordinator
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/stratfed/coordinator/internal/federation"
)

// Metrics holds Prometheus metrics for the round loop
type Metrics struct {
	// Rounds
	RoundsTotal      *prometheus.CounterVec
	EmptyRoundsTotal *prometheus.CounterVec
	RoundDuration    prometheus.Histogram
	CurrentRound     prometheus.Gauge
	Phase            prometheus.Gauge

	// Selection
	SelectedClients     prometheus.Gauge
	ContributingClients prometheus.Gauge
	ClientFailures      prometheus.Counter
	StratumAllocation   *prometheus.GaugeVec
	StratumSize         *prometheus.GaugeVec

	// Privacy
	PopulationEstimate prometheus.Gauge
	LocalSamplingRate  prometheus.Gauge

	// Model quality
	GlobalLoss     prometheus.Gauge
	GlobalAccuracy prometheus.Gauge
}

// NewMetrics creates the coordinator metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RoundsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fl_rounds_total",
				Help: "Total number of completed rounds",
			},
			[]string{"mode"},
		),
		EmptyRoundsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fl_empty_rounds_total",
				Help: "Rounds in which no client contributed an update",
			},
			[]string{"mode"},
		),
		RoundDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fl_round_duration_seconds",
				Help:    "Wall time of a round in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
			},
		),
		CurrentRound: f.NewGauge(prometheus.GaugeOpts{
			Name: "fl_current_round",
			Help: "Index of the last completed round",
		}),
		Phase: f.NewGauge(prometheus.GaugeOpts{
			Name: "fl_phase",
			Help: "Current state of the round state machine",
		}),
		SelectedClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "fl_selected_clients",
			Help: "Clients selected in the last round",
		}),
		ContributingClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "fl_contributing_clients",
			Help: "Clients that returned an update in the last round",
		}),
		ClientFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "fl_client_failures_total",
			Help: "Selected clients that returned no update",
		}),
		StratumAllocation: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fl_stratum_allocation",
				Help: "Planned number of draws per stratum",
			},
			[]string{"stratum"},
		),
		StratumSize: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fl_stratum_size",
				Help: "Number of clients per stratum",
			},
			[]string{"stratum"},
		),
		PopulationEstimate: f.NewGauge(prometheus.GaugeOpts{
			Name: "fl_population_estimate",
			Help: "Privacy-preserving estimate of the federation record count",
		}),
		LocalSamplingRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "fl_local_sampling_rate",
			Help: "Per-record inclusion probability used for local training",
		}),
		GlobalLoss: f.NewGauge(prometheus.GaugeOpts{
			Name: "fl_global_loss",
			Help: "Federation-weighted training loss of the global model",
		}),
		GlobalAccuracy: f.NewGauge(prometheus.GaugeOpts{
			Name: "fl_global_accuracy",
			Help: "Federation-weighted test accuracy of the global model in percent",
		}),
	}
}

// ObservePhase records a state transition
func (m *Metrics) ObservePhase(_ int, p federation.Phase) {
	m.Phase.Set(float64(p))
}

// ObserveRound records the outcome of a completed round
func (m *Metrics) ObserveRound(r *federation.RoundReport) {
	mode := string(r.Mode)
	m.RoundsTotal.WithLabelValues(mode).Inc()
	if r.Empty {
		m.EmptyRoundsTotal.WithLabelValues(mode).Inc()
	}
	m.RoundDuration.Observe(r.Duration.Seconds())
	m.CurrentRound.Set(float64(r.Round))

	m.SelectedClients.Set(float64(len(r.Selected)))
	m.ContributingClients.Set(float64(len(r.Contributors)))
	m.ClientFailures.Add(float64(len(r.Failed)))

	m.StratumSize.Reset()
	for h, n := range r.StrataSizes {
		m.StratumSize.WithLabelValues(strconv.Itoa(h)).Set(float64(n))
	}
	m.StratumAllocation.Reset()
	for h, n := range r.Allocation {
		m.StratumAllocation.WithLabelValues(strconv.Itoa(h)).Set(float64(n))
	}

	if r.Estimate > 0 {
		m.PopulationEstimate.Set(r.Estimate)
	}
	m.LocalSamplingRate.Set(r.LocalRate)
	m.GlobalLoss.Set(r.Loss)
	m.GlobalAccuracy.Set(r.Accuracy)
}
