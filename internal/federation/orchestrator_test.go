package federation

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func randomConfig() Config {
	return Config{
		Mode:         ModeRandom,
		Rounds:       3,
		LocalSteps:   2,
		NSampled:     3,
		LearningRate: 0.1,
		Decay:        0.5,
		Mu:           0.01,
	}
}

func newTestOrchestrator(t *testing.T, cfg Config, clients []Client, trainer LocalTrainer, obs Observer) *Orchestrator {
	t.Helper()
	strategy, err := NewStrategy(cfg, StrategyDeps{Clients: clients})
	if err != nil {
		t.Fatalf("NewStrategy failed: %v", err)
	}
	o, err := NewOrchestrator(cfg, clients, Dependencies{
		RunID:      "test-run",
		Strategy:   strategy,
		Trainer:    trainer,
		Evaluator:  meanEvaluator{},
		Observer:   obs,
		InitParams: make(Params, 3),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return o
}

func TestConfigValidate(t *testing.T) {
	base := stratifiedConfig(ModeStratifiedDP, PartitionDirichlet)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		clients int
		wantErr bool
	}{
		{"valid", func(*Config) {}, 8, false},
		{"too many sampled", func(c *Config) { c.NSampled = 9 }, 8, true},
		{"ratio above one", func(c *Config) { c.SampleRatio = 1.5 }, 8, true},
		{"no strata", func(c *Config) { c.Strata = 0 }, 8, true},
		{"negative rounds", func(c *Config) { c.Rounds = -1 }, 8, true},
		{"zero dimension", func(c *Config) { c.CompressionDim = 0 }, 8, true},
		{"single response", func(c *Config) { c.MaxResponse = 1 }, 8, true},
		{"unknown mode", func(c *Config) { c.Mode = "fancy" }, 8, true},
		{"unknown scheme", func(c *Config) { c.Scheme = "median" }, 8, true},
		{"unknown partition", func(c *Config) { c.Partition = "zipf" }, 8, true},
		{"no clients", func(*Config) {}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate(tt.clients)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestPhaseString(t *testing.T) {
	if PhaseLocalTrain.String() != "LOCAL_TRAIN" {
		t.Errorf("PhaseLocalTrain = %q", PhaseLocalTrain.String())
	}
	if Phase(99).String() != "Phase(99)" {
		t.Errorf("unknown phase = %q", Phase(99).String())
	}
}

func TestRunHistoriesAndDecay(t *testing.T) {
	clients := uniformClients(6, 10)
	trainer := &shiftTrainer{}
	var reports []*RoundReport
	o := newTestOrchestrator(t, randomConfig(), clients, trainer, Observer{
		OnRound: func(r *RoundReport) { reports = append(reports, r) },
	})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(res.LossHistory) != 4 || len(res.AccHistory) != 4 {
		t.Fatalf("history rows = %d/%d, want 4", len(res.LossHistory), len(res.AccHistory))
	}
	for r, row := range res.LossHistory {
		if len(row) != len(clients) {
			t.Errorf("loss row %d has %d entries, want %d", r, len(row), len(clients))
		}
	}
	if len(reports) != 3 || len(res.Reports) != 3 {
		t.Fatalf("got %d observed and %d returned reports, want 3", len(reports), len(res.Reports))
	}
	if o.Round() != 3 {
		t.Errorf("Round() = %d, want 3", o.Round())
	}

	lrs := map[int]float64{}
	for _, spec := range trainer.specs {
		lrs[spec.Round] = spec.LearningRate
		if spec.Steps != 2 || spec.Mu != 0.01 || spec.SampleRate != 1 {
			t.Errorf("unexpected train spec %+v", spec)
		}
	}
	want := map[int]float64{0: 0.1, 1: 0.05, 2: 0.025}
	if diff := cmp.Diff(want, lrs, approx()); diff != "" {
		t.Errorf("learning rate schedule mismatch (-want +got):\n%s", diff)
	}
	if res.Global.Equal(make(Params, 3)) {
		t.Error("global model never moved")
	}
}

func TestRunPhaseSequence(t *testing.T) {
	cfg := randomConfig()
	cfg.Rounds = 1
	var phases []Phase
	o := newTestOrchestrator(t, cfg, uniformClients(4, 1), &shiftTrainer{}, Observer{
		OnPhase: func(_ int, p Phase) { phases = append(phases, p) },
	})

	if _, err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []Phase{
		PhaseInit, PhaseRoundStart, PhaseSample, PhaseLocalTrain,
		PhaseAggregate, PhaseEvaluate, PhaseDecay, PhaseDone,
	}
	if diff := cmp.Diff(want, phases); diff != "" {
		t.Errorf("phase sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestRunRoundEmptyWhenAllClientsFail(t *testing.T) {
	clients := uniformClients(4, 5)
	fail := map[int]error{}
	for k := range clients {
		fail[k] = ErrNoLocalSamples
	}
	cfg := randomConfig()
	cfg.Rounds = 2
	o := newTestOrchestrator(t, cfg, clients, &shiftTrainer{fail: fail}, Observer{})

	res, err := o.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.EmptyRounds != 2 {
		t.Errorf("EmptyRounds = %d, want 2", res.EmptyRounds)
	}
	for _, r := range res.Reports {
		if !r.Empty || len(r.Contributors) != 0 || len(r.Failed) != cfg.NSampled {
			t.Errorf("round %d: empty=%v contributors=%v failed=%v", r.Round, r.Empty, r.Contributors, r.Failed)
		}
	}
	if !res.Global.Equal(make(Params, 3)) {
		t.Errorf("global changed by empty rounds: %v", res.Global)
	}
}

func TestRunRoundDropsFailingClient(t *testing.T) {
	clients := uniformClients(3, 5)
	cfg := randomConfig()
	cfg.NSampled = 3
	cfg.Scheme = WeightingSize
	trainer := &shiftTrainer{fail: map[int]error{1: errors.New("device offline")}}
	o := newTestOrchestrator(t, cfg, clients, trainer, Observer{})

	report, err := o.RunRound(context.Background())
	if err != nil {
		t.Fatalf("RunRound failed: %v", err)
	}
	if diff := cmp.Diff([]int{1}, report.Failed); diff != "" {
		t.Errorf("failed clients mismatch (-want +got):\n%s", diff)
	}
	if len(report.Contributors) != 2 {
		t.Errorf("contributors = %v, want two", report.Contributors)
	}
	// Clients 0 and 2 shift by 1 and 3 with equal size weights
	if diff := cmp.Diff(Params{2, 2, 2}, o.Global(), approx()); diff != "" {
		t.Errorf("global mismatch (-want +got):\n%s", diff)
	}
}

type flakyStrategy struct {
	Strategy
	failures int
}

func (s *flakyStrategy) Plan(ctx context.Context, round int, global Params) (*RoundPlan, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("summarizer unavailable")
	}
	return s.Strategy.Plan(ctx, round, global)
}

func TestRunRoundFailureDoesNotCommit(t *testing.T) {
	clients := uniformClients(4, 5)
	cfg := randomConfig()
	inner, err := NewStrategy(cfg, StrategyDeps{Clients: clients})
	if err != nil {
		t.Fatalf("NewStrategy failed: %v", err)
	}
	o, err := NewOrchestrator(cfg, clients, Dependencies{
		Strategy:   &flakyStrategy{Strategy: inner, failures: 1},
		Trainer:    &shiftTrainer{},
		Evaluator:  meanEvaluator{},
		InitParams: Params{1, 2, 3},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	if _, err := o.RunRound(context.Background()); err == nil {
		t.Fatal("expected planning failure")
	}
	if o.Round() != 0 {
		t.Errorf("Round() = %d after failure, want 0", o.Round())
	}
	if !o.Global().Equal(Params{1, 2, 3}) {
		t.Errorf("global changed after failure: %v", o.Global())
	}

	report, err := o.RunRound(context.Background())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if report.Round != 0 || o.Round() != 1 {
		t.Errorf("retry ran round %d, next round %d", report.Round, o.Round())
	}
}

func TestRunRoundCancelled(t *testing.T) {
	o := newTestOrchestrator(t, randomConfig(), uniformClients(4, 5), &shiftTrainer{}, Observer{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := o.RunRound(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if o.Round() != 0 {
		t.Errorf("Round() = %d, want 0", o.Round())
	}
}

func TestParallelTrainingMatchesSequential(t *testing.T) {
	clients := uniformClients(12, 7)
	cfg := randomConfig()
	cfg.NSampled = 8

	seq := newTestOrchestrator(t, cfg, clients, &shiftTrainer{}, Observer{})
	cfg.Parallelism = 4
	par := newTestOrchestrator(t, cfg, clients, &shiftTrainer{}, Observer{})

	a, err := seq.Run(context.Background())
	if err != nil {
		t.Fatalf("sequential run failed: %v", err)
	}
	b, err := par.Run(context.Background())
	if err != nil {
		t.Fatalf("parallel run failed: %v", err)
	}
	if !a.Global.Equal(b.Global) {
		t.Errorf("parallel global %v differs from sequential %v", b.Global, a.Global)
	}
	for i := range a.Reports {
		if diff := cmp.Diff(a.Reports[i].Contributors, b.Reports[i].Contributors); diff != "" {
			t.Errorf("round %d contributor order differs:\n%s", i, diff)
		}
	}
}

type isolationTrainer struct {
	mu   sync.Mutex
	seen []Params
}

func (t *isolationTrainer) Train(_ context.Context, global Params, spec TrainSpec) (TrainResult, error) {
	t.mu.Lock()
	t.seen = append(t.seen, global.Clone())
	t.mu.Unlock()
	for i := range global {
		global[i] = 1e6
	}
	return TrainResult{Params: global}, nil
}

func TestLocalTrainingGetsIndependentSnapshots(t *testing.T) {
	cfg := randomConfig()
	cfg.Rounds = 1
	trainer := &isolationTrainer{}
	o := newTestOrchestrator(t, cfg, uniformClients(5, 2), trainer, Observer{})

	if _, err := o.RunRound(context.Background()); err != nil {
		t.Fatalf("RunRound failed: %v", err)
	}
	for i, p := range trainer.seen {
		if !p.Equal(make(Params, 3)) {
			t.Errorf("client %d saw a modified global model: %v", i, p)
		}
	}
}

func TestNewOrchestratorRejectsInvalidConfig(t *testing.T) {
	cfg := randomConfig()
	cfg.NSampled = 0
	_, err := NewOrchestrator(cfg, uniformClients(3, 1), Dependencies{
		Strategy:   &flakyStrategy{},
		Trainer:    &shiftTrainer{},
		Evaluator:  meanEvaluator{},
		InitParams: Params{0},
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestPhaseTextRoundTrip(t *testing.T) {
	for p := PhaseInit; p <= PhaseDone; p++ {
		text, _ := p.MarshalText()
		var got Phase
		if err := got.UnmarshalText(text); err != nil || got != p {
			t.Errorf("round trip of %s gave %s, %v", p, got, err)
		}
	}
	var p Phase
	if err := p.UnmarshalText([]byte("WARMUP")); err == nil {
		t.Error("expected error for unknown phase")
	}
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestRunRoundWarnsWhenSelectionExceedsNSampled(t *testing.T) {
	clients := uniformClients(4, 10)
	cfg := stratifiedConfig(ModeStratified, PartitionDirichlet)
	cfg.AllocationEnabled = false
	cfg.SampleRatio = 0.05 // two per stratum
	cfg.NSampled = 2

	strategy, err := NewStrategy(cfg, stratifiedDeps(t, clients, nil))
	if err != nil {
		t.Fatalf("NewStrategy failed: %v", err)
	}
	o, err := NewOrchestrator(cfg, clients, Dependencies{
		RunID:      "test-run",
		Strategy:   strategy,
		Trainer:    &shiftTrainer{},
		Evaluator:  meanEvaluator{},
		InitParams: make(Params, 3),
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	logs := captureLogs(t)
	report, err := o.RunRound(context.Background())
	if err != nil {
		t.Fatalf("RunRound failed: %v", err)
	}
	if len(report.Selected) <= cfg.NSampled {
		t.Fatalf("selected %d clients, want more than %d", len(report.Selected), cfg.NSampled)
	}
	if report.WeightSum <= 1 {
		t.Errorf("weight sum = %v, want above 1", report.WeightSum)
	}
	if !strings.Contains(logs.String(), "Selection exceeds n_sampled") {
		t.Errorf("expected selection warning, got logs:\n%s", logs.String())
	}
}

func TestRunRoundNoSelectionWarningWithinNSampled(t *testing.T) {
	o := newTestOrchestrator(t, randomConfig(), uniformClients(6, 10), &shiftTrainer{}, Observer{})
	o.cfg.Scheme = WeightingUniform

	logs := captureLogs(t)
	if _, err := o.RunRound(context.Background()); err != nil {
		t.Fatalf("RunRound failed: %v", err)
	}
	if strings.Contains(logs.String(), "Selection exceeds n_sampled") {
		t.Errorf("unexpected selection warning:\n%s", logs.String())
	}
}
