// Package main is the entry point for a remote training worker
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	grpcapi "github.com/stratfed/coordinator/internal/api/grpc"
	"github.com/stratfed/coordinator/internal/config"
	"github.com/stratfed/coordinator/internal/learner"
)

func main() {
	// Initialize structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	clients, err := cfg.WorkerClients()
	if err != nil {
		slog.Error("Invalid worker clients", "error", err)
		os.Exit(1)
	}
	id := cfg.Worker.ID
	if id == "" {
		id = uuid.New().String()
	}

	// The worker holds the local data of its clients
	fed, err := learner.NewSyntheticFederation(cfg.Synthetic())
	if err != nil {
		slog.Error("Failed to build federation", "error", err)
		os.Exit(1)
	}

	conn, err := grpcapi.Dial(grpcapi.DialConfig{
		Target:    cfg.Worker.CoordinatorAddr,
		EnableTLS: cfg.GRPC.TLSEnabled,
		CertFile:  cfg.GRPC.TLSCertFile,
		KeyFile:   cfg.GRPC.TLSKeyFile,
		CAFile:    cfg.GRPC.TLSCAFile,
	})
	if err != nil {
		slog.Error("Failed to connect to coordinator", "addr", cfg.Worker.CoordinatorAddr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting worker",
		"worker_id", id,
		"coordinator", cfg.Worker.CoordinatorAddr,
		"clients", len(clients),
	)

	w := grpcapi.NewWorker(conn, id, clients, learner.NewProximalTrainer(fed))
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Worker failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Worker shutdown complete")
}
