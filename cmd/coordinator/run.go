package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	grpcapi "github.com/stratfed/coordinator/internal/api/grpc"
	"github.com/stratfed/coordinator/internal/api/rest"
	"github.com/stratfed/coordinator/internal/config"
	"github.com/stratfed/coordinator/internal/federation"
	"github.com/stratfed/coordinator/internal/learner"
	"github.com/stratfed/coordinator/internal/metrics"
	"github.com/stratfed/coordinator/internal/storage"
)

// Random streams derived from the stratifier seed
const (
	streamStratifier uint64 = iota + 1
	streamSummarizer
	streamSampler
	streamEstimator
)

// run wires one federated training run to its persistence and observers
type run struct {
	cfg        *config.Config
	id         string
	orch       *federation.Orchestrator
	dispatcher *grpcapi.Dispatcher
	tracker    *rest.RunTracker
	metrics    *metrics.Metrics
	db         *storage.DB
	repo       *storage.RoundRepository
	artifacts  *storage.ArtifactStore
}

func newRun(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (*run, error) {
	r := &run{
		cfg:        cfg,
		id:         uuid.New().String(),
		dispatcher: grpcapi.NewDispatcher(cfg.Training.RemoteTaskTimeout),
		metrics:    metrics.NewMetrics(reg),
	}

	fcfg := cfg.Federation()
	r.tracker = rest.NewRunTracker(r.id, cfg.RunName, fcfg.Mode, fcfg.Rounds)

	if cfg.Database.Driver != "" && cfg.Database.Driver != "none" {
		db, err := storage.Open(ctx, &storage.Config{
			Driver:          storage.Driver(cfg.Database.Driver),
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		r.db = db
		r.repo = storage.NewRoundRepository(db)
	}

	artifacts, err := storage.NewArtifactStore(ctx, &storage.ArtifactConfig{
		Backend:         storage.ArtifactBackend(cfg.ArtifactStorage.Backend),
		LocalPath:       cfg.ArtifactStorage.LocalPath,
		Endpoint:        cfg.ArtifactStorage.Endpoint,
		Region:          cfg.ArtifactStorage.Region,
		Bucket:          cfg.ArtifactStorage.Bucket,
		AccessKeyID:     cfg.ArtifactStorage.AccessKeyID,
		SecretAccessKey: cfg.ArtifactStorage.SecretAccessKey,
		UseSSL:          cfg.ArtifactStorage.UseSSL,
	})
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to create artifact store: %w", err)
	}
	r.artifacts = artifacts

	fed, err := learner.NewSyntheticFederation(cfg.Synthetic())
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to build federation: %w", err)
	}
	clients := federation.NewClients(fed.Records())

	strategy, err := r.newStrategy(fcfg, fed, clients)
	if err != nil {
		r.Close()
		return nil, err
	}

	var trainer federation.LocalTrainer = learner.NewProximalTrainer(fed)
	if cfg.Training.Trainer == config.TrainerRemote {
		trainer = r.dispatcher
	}

	r.orch, err = federation.NewOrchestrator(fcfg, clients, federation.Dependencies{
		RunID:      r.id,
		Strategy:   strategy,
		Trainer:    trainer,
		Evaluator:  fed,
		InitParams: fed.InitParams(),
		Observer: federation.Observer{
			OnPhase: r.onPhase,
			OnRound: r.onRound,
		},
	})
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}

	slog.Info("Prepared run",
		"run_id", r.id,
		"run_name", cfg.RunName,
		"mode", fcfg.Mode,
		"clients", len(clients),
		"rounds", fcfg.Rounds,
		"trainer", cfg.Training.Trainer,
		"database", cfg.Database.Driver,
		"artifact_backend", cfg.ArtifactStorage.Backend,
	)
	return r, nil
}

func (r *run) newStrategy(fcfg federation.Config, fed *learner.Federation, clients []federation.Client) (federation.Strategy, error) {
	seeded := func(stream uint64) *rand.Rand {
		if r.cfg.Sampling.StratifierSeed == nil {
			return nil
		}
		return federation.SeededRand(*r.cfg.Sampling.StratifierSeed, stream)
	}

	summarizer := federation.NewSummarizer(fed, seeded(streamSummarizer))
	if fcfg.Mode.Private() && r.cfg.Privacy.NormNoiseEpsilon > 0 {
		summarizer.WithNormReporter(federation.NewLaplaceNormReporter(
			r.cfg.Privacy.NormNoiseEpsilon,
			r.cfg.Privacy.NormBound,
		))
	}

	deps := federation.StrategyDeps{
		Clients:    clients,
		Summarizer: summarizer,
		Stratifier: federation.NewStratifier(seeded(streamStratifier), federation.DefaultMaxIterations),
		Sampler:    federation.NewSampler(seeded(streamSampler)),
	}

	if fcfg.Mode.Private() {
		records := make([]int, len(clients))
		for k, c := range clients {
			records[k] = c.Records
		}
		est, err := federation.NewEstimator(records, r.cfg.PrivacyAlpha(), fcfg.MaxResponse, seeded(streamEstimator))
		if err != nil {
			return nil, fmt.Errorf("failed to create population estimator: %w", err)
		}
		deps.Estimator = est
	}

	strategy, err := federation.NewStrategy(fcfg, deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create sampling strategy: %w", err)
	}
	return strategy, nil
}

func (r *run) onPhase(round int, phase federation.Phase) {
	r.tracker.OnPhase(round, phase)
	r.metrics.ObservePhase(round, phase)
}

func (r *run) onRound(report *federation.RoundReport) {
	r.tracker.OnRound(report)
	r.metrics.ObserveRound(report)

	if r.repo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.repo.SaveRound(ctx, report); err != nil {
		slog.Error("Failed to persist round",
			"run_id", report.RunID,
			"round", report.Round,
			"error", err,
		)
	}
}

// execute runs every round and stores the artifacts of a completed run
func (r *run) execute(ctx context.Context) (*federation.RunResult, error) {
	r.tracker.Start()
	start := time.Now()

	result, err := r.orch.Run(ctx)
	if err != nil {
		r.tracker.Finish(err)
		return nil, fmt.Errorf("run %s failed: %w", r.id, err)
	}

	infos, err := r.artifacts.SaveRun(ctx, r.cfg.RunName, storage.RunArtifacts{
		LossHistory: result.LossHistory,
		AccHistory:  result.AccHistory,
		Model:       result.Global,
	})
	if err != nil {
		r.tracker.Finish(err)
		return nil, fmt.Errorf("failed to save run artifacts: %w", err)
	}
	r.tracker.Finish(nil)

	slog.Info("Run completed",
		"run_id", r.id,
		"rounds", len(result.Reports),
		"empty_rounds", result.EmptyRounds,
		"artifacts", len(infos),
		"duration", time.Since(start).String(),
	)
	return result, nil
}

// Close releases the database connection
func (r *run) Close() {
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			slog.Error("Failed to close database", "error", err)
		}
		r.db = nil
	}
}
