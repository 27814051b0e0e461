package federation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Mode names a client-sampling strategy
type Mode string

// Sampling modes
const (
	// ModeRandom draws clients uniformly at random
	ModeRandom Mode = "random"
	// ModeImportance draws clients with probability proportional to their records
	ModeImportance Mode = "importance"
	// ModeStratified stratifies clients by gradient signature and draws within strata
	ModeStratified Mode = "stratified"
	// ModeStratifiedDP sizes local samples from a privately estimated population
	ModeStratifiedDP Mode = "stratified-dp"
	// ModeStratifiedCompressed trains on a fixed fraction of local records
	ModeStratifiedCompressed Mode = "stratified-compressed"
	// ModeStratifiedDPCompressed turns that fraction into a privately sized sample
	ModeStratifiedDPCompressed Mode = "stratified-dp-compressed"
)

// Modes lists every supported sampling mode
var Modes = []Mode{
	ModeRandom, ModeImportance, ModeStratified,
	ModeStratifiedDP, ModeStratifiedCompressed, ModeStratifiedDPCompressed,
}

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown sampling mode: %q", s)
}

// Reproducible reports whether the mode reseeds its randomness from the round
// index alone
func (m Mode) Reproducible() bool {
	return m == ModeRandom || m == ModeImportance
}

// Stratified reports whether the mode stratifies clients
func (m Mode) Stratified() bool {
	return m != ModeRandom && m != ModeImportance
}

// Private reports whether the mode calibrates local sampling with the
// population estimator
func (m Mode) Private() bool {
	return m == ModeStratifiedDP || m == ModeStratifiedDPCompressed
}

// DefaultScheme is the weighting scheme a mode aggregates with unless the
// configuration overrides it
func (m Mode) DefaultScheme() WeightingScheme {
	if m == ModeRandom {
		return WeightingSizeLegacy
	}
	return WeightingUniform
}

// Partition is the data-partition regime tag of the federation
type Partition string

const (
	// PartitionIID spreads records uniformly over clients
	PartitionIID Partition = "iid"
	// PartitionShard gives every client two label shards
	PartitionShard Partition = "shard"
	// PartitionDirichlet skews labels and sizes with a Dirichlet prior
	PartitionDirichlet Partition = "dirichlet"
)

// ParsePartition validates a partition regime
func ParsePartition(s string) (Partition, error) {
	switch Partition(s) {
	case PartitionIID, PartitionShard, PartitionDirichlet:
		return Partition(s), nil
	default:
		return "", fmt.Errorf("unknown partition regime: %q", s)
	}
}

// RoundPlan is everything decided before local training starts
type RoundPlan struct {
	Round      int
	Selection  *Selection
	Groups     [][]int
	Signatures *Signatures
	Allocation []int
	// Estimate is the population estimate, zero when the mode does not use it
	Estimate float64
	// LocalRate is the per-record inclusion probability for local training
	LocalRate float64
}

// Strategy selects the clients of one round
type Strategy interface {
	Mode() Mode
	Plan(ctx context.Context, round int, global Params) (*RoundPlan, error)
}

// StrategyDeps are the components a strategy may draw on
type StrategyDeps struct {
	Clients    []Client
	Summarizer *Summarizer
	Stratifier *Stratifier
	Sampler    *Sampler
	Estimator  *Estimator
	// OnPhase is notified as the plan moves through its phases
	OnPhase func(Phase)
}

func (d StrategyDeps) phase(p Phase) {
	if d.OnPhase != nil {
		d.OnPhase(p)
	}
}

// phaseHooker is implemented by strategies that report planning phases to
// the orchestrator driving them
type phaseHooker interface {
	hookPhases(fn func(Phase))
}

func (d *StrategyDeps) chainPhase(fn func(Phase)) {
	prev := d.OnPhase
	d.OnPhase = func(p Phase) {
		if prev != nil {
			prev(p)
		}
		fn(p)
	}
}

// NewStrategy returns the strategy implementing cfg.Mode
func NewStrategy(cfg Config, deps StrategyDeps) (Strategy, error) {
	switch cfg.Mode {
	case ModeRandom:
		return &randomStrategy{nSampled: cfg.NSampled, clients: deps.Clients, deps: deps}, nil
	case ModeImportance:
		return &importanceStrategy{nSampled: cfg.NSampled, clients: deps.Clients, deps: deps}, nil
	case ModeStratified, ModeStratifiedDP, ModeStratifiedCompressed, ModeStratifiedDPCompressed:
		if deps.Summarizer == nil || deps.Stratifier == nil || deps.Sampler == nil {
			return nil, fmt.Errorf("%s mode requires summarizer, stratifier and sampler", cfg.Mode)
		}
		if cfg.Mode.Private() && deps.Estimator == nil {
			return nil, fmt.Errorf("%s mode requires a population estimator", cfg.Mode)
		}
		return &stratifiedStrategy{mode: cfg.Mode, cfg: cfg, deps: deps}, nil
	default:
		return nil, fmt.Errorf("unknown sampling mode: %q", cfg.Mode)
	}
}

// roundRand is the per-round source of the legacy strategies
func roundRand(round int) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(round), 0))
}

type randomStrategy struct {
	nSampled int
	clients  []Client
	deps     StrategyDeps
}

func (s *randomStrategy) Mode() Mode { return ModeRandom }

func (s *randomStrategy) hookPhases(fn func(Phase)) { s.deps.chainPhase(fn) }

func (s *randomStrategy) Plan(ctx context.Context, round int, _ Params) (*RoundPlan, error) {
	s.deps.phase(PhaseSample)
	n := min(s.nSampled, len(s.clients))
	idx := make([]int, n)
	sampleuv.WithoutReplacement(idx, len(s.clients), roundRand(round))

	sel := &Selection{}
	p := float64(n) / float64(len(s.clients))
	for _, k := range idx {
		sel.add(k, -1, p)
	}
	return &RoundPlan{Round: round, Selection: sel, LocalRate: 1}, nil
}

// importanceStrategy draws with replacement in proportion to client weight,
// so a client may appear more than once
type importanceStrategy struct {
	nSampled int
	clients  []Client
	deps     StrategyDeps
}

func (s *importanceStrategy) Mode() Mode { return ModeImportance }

func (s *importanceStrategy) hookPhases(fn func(Phase)) { s.deps.chainPhase(fn) }

func (s *importanceStrategy) Plan(ctx context.Context, round int, _ Params) (*RoundPlan, error) {
	s.deps.phase(PhaseSample)
	weights := make([]float64, len(s.clients))
	for k, c := range s.clients {
		weights[k] = c.Weight
	}
	dist := distuv.NewCategorical(weights, roundRand(round))

	sel := &Selection{}
	for i := 0; i < s.nSampled; i++ {
		k := int(dist.Rand())
		sel.add(k, -1, weights[k])
	}
	return &RoundPlan{Round: round, Selection: sel, LocalRate: 1}, nil
}

type stratifiedStrategy struct {
	mode Mode
	cfg  Config
	deps StrategyDeps
}

func (s *stratifiedStrategy) Mode() Mode { return s.mode }

func (s *stratifiedStrategy) hookPhases(fn func(Phase)) { s.deps.chainPhase(fn) }

func (s *stratifiedStrategy) Plan(ctx context.Context, round int, global Params) (*RoundPlan, error) {
	plan := &RoundPlan{Round: round, LocalRate: 1}

	s.deps.phase(PhaseSummarize)
	sig, err := s.deps.Summarizer.Summarize(ctx, global, s.deps.Clients, s.cfg.CompressionDim)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize gradients: %w", err)
	}
	plan.Signatures = sig

	s.deps.phase(PhaseStratify)
	plan.Groups = s.deps.Stratifier.Stratify(sig.Vectors, s.cfg.Strata)

	s.deps.phase(PhaseAllocate)
	if s.cfg.allocationEnabled() {
		plan.Allocation = Allocate(plan.Groups, sig.Norms, s.cfg.SampleRatio)
	}

	if s.mode.Private() {
		s.deps.Estimator.Collect()
		plan.Estimate = s.deps.Estimator.Estimate()
	}

	s.deps.phase(PhaseSample)
	probs := StratumProbabilities(plan.Groups, sig.Norms, s.mode == ModeStratifiedDP)
	if plan.Allocation != nil {
		plan.Selection = s.deps.Sampler.WithAllocation(plan.Groups, probs, plan.Allocation)
	} else {
		plan.Selection = s.deps.Sampler.Flat(plan.Groups, probs, s.cfg.SampleRatio)
	}
	if s.cfg.Partition == PartitionIID {
		alloc := plan.Selection.Allocation
		plan.Selection = s.deps.Sampler.IID(len(s.deps.Clients), s.cfg.SampleRatio)
		plan.Selection.Allocation = alloc
	}

	plan.LocalRate = s.localRate(plan.Estimate)

	slog.Debug("Planned stratified round",
		"round", round,
		"mode", s.mode,
		"strata_sizes", groupSizes(plan.Groups),
		"allocation", plan.Allocation,
		"selected", plan.Selection.Clients,
		"estimate", plan.Estimate,
	)
	return plan, nil
}

// localRate is the per-record inclusion probability clients use this round
func (s *stratifiedStrategy) localRate(estimate float64) float64 {
	switch s.mode {
	case ModeStratifiedDP:
		return LocalSamplingRate(s.cfg.DesiredLocalSamples, estimate)
	case ModeStratifiedCompressed:
		return s.cfg.DesiredLocalFraction
	case ModeStratifiedDPCompressed:
		records := make([]int, len(s.deps.Clients))
		for k, c := range s.deps.Clients {
			records[k] = c.Records
		}
		desired := int(float64(ClippedTotal(records, s.cfg.MaxResponse)) * s.cfg.DesiredLocalFraction)
		return LocalSamplingRate(float64(desired), estimate)
	default:
		return 1
	}
}

func groupSizes(groups [][]int) []int {
	sizes := make([]int, len(groups))
	for h, g := range groups {
		sizes[h] = len(g)
	}
	return sizes
}
