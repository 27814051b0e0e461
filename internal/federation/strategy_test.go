package federation

import (
	"context"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func uniformClients(k, records int) []Client {
	r := make([]int, k)
	for i := range r {
		r[i] = records
	}
	return NewClients(r)
}

func stratifiedDeps(t *testing.T, clients []Client, estimator *Estimator) StrategyDeps {
	t.Helper()
	return StrategyDeps{
		Clients:    clients,
		Summarizer: NewSummarizer(newConstGradients(), testRand(1)),
		Stratifier: NewStratifier(testRand(2), 0),
		Sampler:    NewSampler(testRand(3)),
		Estimator:  estimator,
	}
}

func stratifiedConfig(mode Mode, partition Partition) Config {
	return Config{
		Mode:              mode,
		Rounds:            1,
		LocalSteps:        1,
		NSampled:          4,
		Strata:            2,
		SampleRatio:       0.5,
		CompressionDim:    3,
		AllocationEnabled: true,
		Partition:         partition,
		MaxResponse:       100,
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range Modes {
		if got, err := ParseMode(string(m)); err != nil || got != m {
			t.Errorf("ParseMode(%q) = %q, %v", m, got, err)
		}
	}
	if _, err := ParseMode("stratified-fast"); err == nil {
		t.Error("expected error for unknown mode")
	}
}

func TestModeProperties(t *testing.T) {
	tests := []struct {
		mode         Mode
		reproducible bool
		stratified   bool
		private      bool
		scheme       WeightingScheme
	}{
		{ModeRandom, true, false, false, WeightingSizeLegacy},
		{ModeImportance, true, false, false, WeightingUniform},
		{ModeStratified, false, true, false, WeightingUniform},
		{ModeStratifiedDP, false, true, true, WeightingUniform},
		{ModeStratifiedCompressed, false, true, false, WeightingUniform},
		{ModeStratifiedDPCompressed, false, true, true, WeightingUniform},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			if tt.mode.Reproducible() != tt.reproducible {
				t.Errorf("Reproducible() = %v", tt.mode.Reproducible())
			}
			if tt.mode.Stratified() != tt.stratified {
				t.Errorf("Stratified() = %v", tt.mode.Stratified())
			}
			if tt.mode.Private() != tt.private {
				t.Errorf("Private() = %v", tt.mode.Private())
			}
			if tt.mode.DefaultScheme() != tt.scheme {
				t.Errorf("DefaultScheme() = %v", tt.mode.DefaultScheme())
			}
		})
	}
}

func TestRandomStrategyReproducible(t *testing.T) {
	clients := uniformClients(20, 5)
	s, err := NewStrategy(Config{Mode: ModeRandom, NSampled: 6}, StrategyDeps{Clients: clients})
	if err != nil {
		t.Fatalf("NewStrategy failed: %v", err)
	}

	a, err := s.Plan(context.Background(), 3, nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	b, _ := s.Plan(context.Background(), 3, nil)
	if diff := cmp.Diff(a.Selection.Clients, b.Selection.Clients); diff != "" {
		t.Errorf("same round drew different clients (-first +second):\n%s", diff)
	}
	if a.Selection.Len() != 6 || hasDuplicates(a.Selection.Clients) {
		t.Errorf("expected 6 distinct clients, got %v", a.Selection.Clients)
	}
	if a.LocalRate != 1 {
		t.Errorf("LocalRate = %v, want 1", a.LocalRate)
	}
}

func TestImportanceStrategyFollowsWeights(t *testing.T) {
	clients := NewClients([]int{0, 10, 0, 30})
	s, err := NewStrategy(Config{Mode: ModeImportance, NSampled: 50}, StrategyDeps{Clients: clients})
	if err != nil {
		t.Fatalf("NewStrategy failed: %v", err)
	}

	plan, err := s.Plan(context.Background(), 0, nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Selection.Len() != 50 {
		t.Fatalf("selected %d clients, want 50 draws with replacement", plan.Selection.Len())
	}
	for _, c := range plan.Selection.Clients {
		if c != 1 && c != 3 {
			t.Errorf("client %d has zero weight but was drawn", c)
		}
	}
}

func TestStratifiedStrategyWithAllocation(t *testing.T) {
	clients := uniformClients(8, 10)
	deps := stratifiedDeps(t, clients, nil)
	var phases []Phase
	deps.OnPhase = func(p Phase) { phases = append(phases, p) }

	s, err := NewStrategy(stratifiedConfig(ModeStratified, PartitionDirichlet), deps)
	if err != nil {
		t.Fatalf("NewStrategy failed: %v", err)
	}
	plan, err := s.Plan(context.Background(), 0, make(Params, 6))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if len(plan.Groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(plan.Groups))
	}
	var allocated int
	for _, m := range plan.Allocation {
		allocated += m
	}
	if allocated != 4 || plan.Selection.Len() != 4 {
		t.Errorf("allocated %d and selected %d, want 4", allocated, plan.Selection.Len())
	}
	if hasDuplicates(plan.Selection.Clients) {
		t.Errorf("duplicate clients in %v", plan.Selection.Clients)
	}
	want := []Phase{PhaseSummarize, PhaseStratify, PhaseAllocate, PhaseSample}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Errorf("phase order mismatch (-want +got):\n%s", diff)
	}
}

func TestStratifiedStrategyShardSkipsAllocation(t *testing.T) {
	clients := uniformClients(8, 10)
	s, err := NewStrategy(stratifiedConfig(ModeStratified, PartitionShard), stratifiedDeps(t, clients, nil))
	if err != nil {
		t.Fatalf("NewStrategy failed: %v", err)
	}
	plan, err := s.Plan(context.Background(), 0, make(Params, 6))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Allocation != nil {
		t.Errorf("shard partition must not allocate, got %v", plan.Allocation)
	}
	// Flat draws 25 per stratum, capped at the stratum size
	if plan.Selection.Len() != 8 {
		t.Errorf("selected %d clients, want all 8", plan.Selection.Len())
	}
}

func TestStratifiedStrategyIIDOverride(t *testing.T) {
	clients := uniformClients(8, 10)
	cfg := stratifiedConfig(ModeStratified, PartitionIID)
	cfg.SampleRatio = 0.05
	s, err := NewStrategy(cfg, stratifiedDeps(t, clients, nil))
	if err != nil {
		t.Fatalf("NewStrategy failed: %v", err)
	}
	plan, err := s.Plan(context.Background(), 0, make(Params, 6))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Selection.Len() != 5 {
		t.Errorf("selected %d clients, want 5", plan.Selection.Len())
	}
	for _, h := range plan.Selection.Stratum {
		if h != -1 {
			t.Errorf("IID draw reported stratum %d", h)
		}
	}
	if plan.Allocation == nil {
		t.Error("IID override should keep the computed allocation for reporting")
	}
}

func TestStratifiedStrategyLocalRates(t *testing.T) {
	clients := uniformClients(8, 10)

	tests := []struct {
		name     string
		mode     Mode
		desired  float64
		fraction float64
		want     float64
	}{
		{"plain", ModeStratified, 20, 0.3, 1},
		{"dp", ModeStratifiedDP, 20, 0.3, 0.25},
		{"compressed", ModeStratifiedCompressed, 20, 0.3, 0.3},
		{"dp compressed", ModeStratifiedDPCompressed, 20, 0.5, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			est, err := NewEstimator(recordsOf(clients), 1, 100, testRand(4))
			if err != nil {
				t.Fatalf("NewEstimator failed: %v", err)
			}
			cfg := stratifiedConfig(tt.mode, PartitionDirichlet)
			cfg.DesiredLocalSamples = tt.desired
			cfg.DesiredLocalFraction = tt.fraction

			s, err := NewStrategy(cfg, stratifiedDeps(t, clients, est))
			if err != nil {
				t.Fatalf("NewStrategy failed: %v", err)
			}
			plan, err := s.Plan(context.Background(), 0, make(Params, 6))
			if err != nil {
				t.Fatalf("Plan failed: %v", err)
			}
			if math.Abs(plan.LocalRate-tt.want) > 1e-12 {
				t.Errorf("LocalRate = %v, want %v", plan.LocalRate, tt.want)
			}
			if tt.mode.Private() && plan.Estimate != 80 {
				t.Errorf("Estimate = %v, want 80", plan.Estimate)
			}
		})
	}
}

func TestStratifiedDPUsesUniformProbabilities(t *testing.T) {
	clients := uniformClients(8, 10)
	est, _ := NewEstimator(recordsOf(clients), 1, 100, testRand(4))
	s, err := NewStrategy(stratifiedConfig(ModeStratifiedDP, PartitionDirichlet), stratifiedDeps(t, clients, est))
	if err != nil {
		t.Fatalf("NewStrategy failed: %v", err)
	}
	plan, err := s.Plan(context.Background(), 0, make(Params, 6))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	for i, p := range plan.Selection.Probability {
		h := plan.Selection.Stratum[i]
		if want := 1 / float64(len(plan.Groups[h])); math.Abs(p-want) > 1e-12 {
			t.Errorf("client %d probability %v, want %v", plan.Selection.Clients[i], p, want)
		}
	}
}

func TestNewStrategyErrors(t *testing.T) {
	clients := uniformClients(4, 1)
	tests := []struct {
		name string
		cfg  Config
		deps StrategyDeps
	}{
		{"unknown mode", Config{Mode: "greedy"}, StrategyDeps{Clients: clients}},
		{"stratified without summarizer", Config{Mode: ModeStratified}, StrategyDeps{Clients: clients}},
		{"dp without estimator", Config{Mode: ModeStratifiedDP}, stratifiedDeps(t, clients, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewStrategy(tt.cfg, tt.deps); err == nil {
				t.Error("expected error")
			}
		})
	}
}
