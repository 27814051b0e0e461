package federation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

// ErrInvalidConfig wraps every static configuration error
var ErrInvalidConfig = errors.New("invalid federation config")

// ErrNoLocalSamples is returned by a LocalTrainer when local subsampling left
// a client with nothing to train on
var ErrNoLocalSamples = errors.New("no local records sampled")

// Phase is a state of the round state machine
type Phase int

// Round phases in the order they run
const (
	// PhaseInit is the state before the first round
	PhaseInit Phase = iota
	// PhaseRoundStart opens a round
	PhaseRoundStart
	// PhaseSummarize collects client gradient signatures
	PhaseSummarize
	// PhaseStratify clusters clients into strata
	PhaseStratify
	// PhaseAllocate splits the sample budget across strata
	PhaseAllocate
	// PhaseSample draws the participating clients
	PhaseSample
	// PhaseLocalTrain runs the local updates
	PhaseLocalTrain
	// PhaseAggregate combines the updates into the new global model
	PhaseAggregate
	// PhaseEvaluate computes loss and accuracy of the new model
	PhaseEvaluate
	// PhaseDecay decays the learning rate
	PhaseDecay
	// PhaseDone marks a finished run
	PhaseDone
)

var phaseNames = [...]string{
	"INIT", "ROUND_START", "SUMMARIZE", "STRATIFY", "ALLOCATE", "SAMPLE",
	"LOCAL_TRAIN", "AGGREGATE", "EVALUATE", "DECAY", "DONE",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText renders the phase name in JSON payloads
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a phase name
func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase: %q", text)
}

// TrainSpec describes one local training job
type TrainSpec struct {
	Round        int
	Client       int
	Mu           float64
	LearningRate float64
	Steps        int
	// SampleRate is the per-record inclusion probability; 1 trains on all records
	SampleRate float64
}

// TrainResult is what a LocalTrainer hands back
type TrainResult struct {
	Params         Params
	SampledRecords int
}

// LocalTrainer runs the proximal local update of one client. It must not
// modify global
type LocalTrainer interface {
	Train(ctx context.Context, global Params, spec TrainSpec) (TrainResult, error)
}

// Evaluator computes per-client metrics of a model
type Evaluator interface {
	Loss(global Params, client int) float64
	Accuracy(global Params, client int) float64
}

// Config is the static configuration of a run
type Config struct {
	Mode         Mode
	Rounds       int
	LocalSteps   int
	NSampled     int
	LearningRate float64
	Decay        float64
	Mu           float64
	Scheme       WeightingScheme

	Strata            int
	SampleRatio       float64
	CompressionDim    int
	AllocationEnabled bool
	Partition         Partition

	MaxResponse          int
	DesiredLocalSamples  float64
	DesiredLocalFraction float64

	// Parallelism bounds concurrent local training jobs; <= 1 is sequential
	Parallelism int
}

func (c Config) allocationEnabled() bool {
	return c.AllocationEnabled && c.Partition != PartitionShard
}

// Validate checks the configuration against a federation of totalClients
func (c Config) Validate(totalClients int) error {
	var errs []error
	if _, err := ParseMode(string(c.Mode)); err != nil {
		errs = append(errs, err)
	}
	if c.Scheme != "" {
		if _, err := ParseWeightingScheme(string(c.Scheme)); err != nil {
			errs = append(errs, err)
		}
	}
	if totalClients <= 0 {
		errs = append(errs, errors.New("federation has no clients"))
	}
	if c.Rounds < 0 {
		errs = append(errs, fmt.Errorf("rounds must be non-negative, got %d", c.Rounds))
	}
	if c.LocalSteps <= 0 {
		errs = append(errs, fmt.Errorf("local steps must be positive, got %d", c.LocalSteps))
	}
	if c.NSampled <= 0 || c.NSampled > totalClients {
		errs = append(errs, fmt.Errorf("n_sampled must be in [1, %d], got %d", totalClients, c.NSampled))
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("sample ratio must be in [0, 1], got %v", c.SampleRatio))
	}
	if c.Mode.Stratified() {
		if c.Strata <= 0 {
			errs = append(errs, fmt.Errorf("strata must be positive, got %d", c.Strata))
		}
		if c.CompressionDim <= 0 {
			errs = append(errs, fmt.Errorf("compression dimension must be positive, got %d", c.CompressionDim))
		}
		if _, err := ParsePartition(string(c.Partition)); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Mode.Private() && c.MaxResponse < 2 {
		errs = append(errs, fmt.Errorf("max response must be at least 2, got %d", c.MaxResponse))
	}
	if c.DesiredLocalFraction < 0 || c.DesiredLocalFraction > 1 {
		errs = append(errs, fmt.Errorf("desired local fraction must be in [0, 1], got %v", c.DesiredLocalFraction))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// RoundReport is the observable outcome of one round
type RoundReport struct {
	RunID        string        `json:"run_id"`
	Round        int           `json:"round"`
	Mode         Mode          `json:"mode"`
	Phase        Phase         `json:"phase"`
	StrataSizes  []int         `json:"strata_sizes,omitempty"`
	Allocation   []int         `json:"allocation,omitempty"`
	Selected     []int         `json:"selected"`
	Contributors []int         `json:"contributors"`
	Failed       []int         `json:"failed,omitempty"`
	Weights      []float64     `json:"weights,omitempty"`
	WeightSum    float64       `json:"weight_sum"`
	Estimate     float64       `json:"estimate,omitempty"`
	LocalRate    float64       `json:"local_rate"`
	LearningRate float64       `json:"learning_rate"`
	Loss         float64       `json:"loss"`
	Accuracy     float64       `json:"accuracy"`
	Empty        bool          `json:"empty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// RunResult carries the final model and the metric histories, indexed
// [round][client] with row 0 holding the initial model
type RunResult struct {
	RunID       string
	Global      Params
	LossHistory [][]float64
	AccHistory  [][]float64
	Reports     []*RoundReport
	EmptyRounds int
}

// Observer receives progress notifications. Either field may be nil
type Observer struct {
	OnPhase func(round int, phase Phase)
	OnRound func(report *RoundReport)
}

// Orchestrator drives the round loop. It owns the global model and replaces
// it only after a round has completed
type Orchestrator struct {
	runID     string
	cfg       Config
	clients   []Client
	strategy  Strategy
	trainer   LocalTrainer
	evaluator Evaluator
	observer  Observer

	global Params
	lr     float64
	round  int

	lossHist [][]float64
	accHist  [][]float64
	reports  []*RoundReport
	empty    int
}

// Dependencies are the collaborators an orchestrator is built from
type Dependencies struct {
	RunID      string
	Strategy   Strategy
	Trainer    LocalTrainer
	Evaluator  Evaluator
	Observer   Observer
	InitParams Params
}

// NewOrchestrator validates cfg and prepares a run
func NewOrchestrator(cfg Config, clients []Client, deps Dependencies) (*Orchestrator, error) {
	if err := cfg.Validate(len(clients)); err != nil {
		return nil, err
	}
	if deps.Strategy == nil || deps.Trainer == nil || deps.Evaluator == nil {
		return nil, fmt.Errorf("%w: strategy, trainer and evaluator are required", ErrInvalidConfig)
	}
	if len(deps.InitParams) == 0 {
		return nil, fmt.Errorf("%w: initial parameters are empty", ErrInvalidConfig)
	}
	if cfg.Scheme == "" {
		cfg.Scheme = cfg.Mode.DefaultScheme()
	}

	o := &Orchestrator{
		runID:     deps.RunID,
		cfg:       cfg,
		clients:   clients,
		strategy:  deps.Strategy,
		trainer:   deps.Trainer,
		evaluator: deps.Evaluator,
		observer:  deps.Observer,
		global:    deps.InitParams.Clone(),
		lr:        cfg.LearningRate,
	}
	if h, ok := deps.Strategy.(phaseHooker); ok {
		h.hookPhases(o.notify)
	}
	o.notify(PhaseInit)
	return o, nil
}

// Global returns a copy of the last committed global model
func (o *Orchestrator) Global() Params { return o.global.Clone() }

// Round returns the index of the next round to run
func (o *Orchestrator) Round() int { return o.round }

// Run executes every remaining round and returns the histories
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	if o.lossHist == nil {
		loss, acc := o.evaluate(o.global)
		o.lossHist = append(o.lossHist, loss)
		o.accHist = append(o.accHist, acc)
		slog.Info("Initial model evaluated",
			"run_id", o.runID,
			"loss", o.weighted(loss),
			"accuracy", o.weighted(acc),
		)
	}

	for o.round < o.cfg.Rounds {
		if _, err := o.RunRound(ctx); err != nil {
			return nil, fmt.Errorf("round %d: %w", o.round, err)
		}
	}
	o.notify(PhaseDone)

	return &RunResult{
		RunID:       o.runID,
		Global:      o.global.Clone(),
		LossHistory: o.lossHist,
		AccHistory:  o.accHist,
		Reports:     o.reports,
		EmptyRounds: o.empty,
	}, nil
}

// RunRound executes the next round. On error nothing is committed and the
// same round can be run again
func (o *Orchestrator) RunRound(ctx context.Context) (*RoundReport, error) {
	round := o.round
	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.notify(PhaseRoundStart)

	plan, err := o.strategy.Plan(ctx, round, o.global.Clone())
	if err != nil {
		return nil, fmt.Errorf("failed to plan round: %w", err)
	}
	if o.cfg.Scheme == WeightingUniform && plan.Selection.Len() > o.cfg.NSampled {
		slog.Warn("Selection exceeds n_sampled, uniform weights sum above one",
			"run_id", o.runID,
			"round", round,
			"selected", plan.Selection.Len(),
			"n_sampled", o.cfg.NSampled,
		)
	}

	o.notify(PhaseLocalTrain)
	updates, failed, err := o.trainSelected(ctx, round, plan)
	if err != nil {
		return nil, err
	}

	o.notify(PhaseAggregate)
	agg, err := AggregateRound(o.global, updates, o.cfg.Scheme, WeightContext{
		NSampled:            o.cfg.NSampled,
		Groups:              plan.Groups,
		ClientWeights:       o.clientWeights(),
		DesiredLocalSamples: o.cfg.DesiredLocalSamples,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate round: %w", err)
	}
	if agg.Empty {
		slog.Warn("Round produced no contributions, global model unchanged",
			"run_id", o.runID,
			"round", round,
			"selected", plan.Selection.Len(),
			"failed", len(failed),
			"error", ErrEmptySelection,
		)
	}

	o.notify(PhaseEvaluate)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loss, acc := o.evaluate(agg.Params)

	report := &RoundReport{
		RunID:        o.runID,
		Round:        round,
		Mode:         o.strategy.Mode(),
		Phase:        PhaseDecay,
		StrataSizes:  groupSizes(plan.Groups),
		Allocation:   plan.Allocation,
		Selected:     append([]int(nil), plan.Selection.Clients...),
		Contributors: agg.Contributors,
		Failed:       failed,
		Weights:      agg.Weights,
		WeightSum:    agg.WeightSum,
		Estimate:     plan.Estimate,
		LocalRate:    plan.LocalRate,
		LearningRate: o.lr,
		Loss:         o.weighted(loss),
		Accuracy:     o.weighted(acc),
		Empty:        agg.Empty,
		StartedAt:    started,
	}

	// Commit: from here on the round is visible
	o.global = agg.Params
	o.lossHist = append(o.lossHist, loss)
	o.accHist = append(o.accHist, acc)
	if agg.Empty {
		o.empty++
	}

	o.notify(PhaseDecay)
	o.lr *= o.cfg.Decay
	o.round++
	report.Duration = time.Since(started)
	o.reports = append(o.reports, report)

	slog.Info("Round completed",
		"run_id", o.runID,
		"round", round+1,
		"mode", report.Mode,
		"selected", len(report.Selected),
		"contributors", len(report.Contributors),
		"allocation", report.Allocation,
		"estimate", report.Estimate,
		"loss", report.Loss,
		"accuracy", report.Accuracy,
	)
	if o.observer.OnRound != nil {
		o.observer.OnRound(report)
	}
	return report, nil
}

// trainSelected runs local training for every selected client and returns the
// updates in selection order. Per-client failures drop that client only
func (o *Orchestrator) trainSelected(ctx context.Context, round int, plan *RoundPlan) ([]LocalUpdate, []int, error) {
	clients := plan.Selection.Clients
	results := make([]*LocalUpdate, len(clients))
	errs := make([]error, len(clients))

	job := func(i int) {
		k := clients[i]
		res, err := o.trainer.Train(ctx, o.global.Clone(), TrainSpec{
			Round:        round,
			Client:       k,
			Mu:           o.cfg.Mu,
			LearningRate: o.lr,
			Steps:        o.cfg.LocalSteps,
			SampleRate:   plan.LocalRate,
		})
		if err != nil {
			errs[i] = err
			return
		}
		results[i] = &LocalUpdate{
			Client:         k,
			Params:         res.Params,
			Records:        o.clients[k].Records,
			SampledRecords: res.SampledRecords,
		}
	}

	if o.cfg.Parallelism <= 1 {
		for i := range clients {
			job(i)
		}
	} else {
		sem := make(chan struct{}, o.cfg.Parallelism)
		var wg sync.WaitGroup
		for i := range clients {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				job(i)
			}(i)
		}
		wg.Wait()
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var updates []LocalUpdate
	var failed []int
	for i, r := range results {
		if r != nil {
			updates = append(updates, *r)
			continue
		}
		failed = append(failed, clients[i])
		level := slog.LevelWarn
		if errors.Is(errs[i], ErrNoLocalSamples) {
			level = slog.LevelInfo
		}
		slog.Log(ctx, level, "Client contributed no update",
			"run_id", o.runID,
			"round", round,
			"client", clients[i],
			"error", errs[i],
		)
	}
	return updates, failed, nil
}

func (o *Orchestrator) evaluate(global Params) (loss, acc []float64) {
	loss = make([]float64, len(o.clients))
	acc = make([]float64, len(o.clients))
	for k := range o.clients {
		loss[k] = o.evaluator.Loss(global, k)
		acc[k] = o.evaluator.Accuracy(global, k)
	}
	return loss, acc
}

// weighted is the federation-weighted mean of a per-client metric
func (o *Orchestrator) weighted(values []float64) float64 {
	return floats.Dot(o.clientWeights(), values)
}

func (o *Orchestrator) clientWeights() []float64 {
	w := make([]float64, len(o.clients))
	for k, c := range o.clients {
		w[k] = c.Weight
	}
	return w
}

func (o *Orchestrator) notify(p Phase) {
	if o.observer.OnPhase != nil {
		o.observer.OnPhase(o.round, p)
	}
}

// SeededRand returns a PCG-backed generator. Callers that need reproducible
// stratified runs seed the stratifier, summarizer and sampler with it
func SeededRand(seed uint64, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, stream))
}
