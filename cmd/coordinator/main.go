// Package main is the entry point for the federated learning coordinator
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	grpcapi "github.com/stratfed/coordinator/internal/api/grpc"
	"github.com/stratfed/coordinator/internal/api/rest"
	"github.com/stratfed/coordinator/internal/config"
)

func main() {
	// Initialize structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting coordinator")

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := newRun(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		slog.Error("Failed to prepare run", "error", err)
		os.Exit(1)
	}
	defer r.Close()

	rest.SetTracker(r.tracker)
	if r.repo != nil {
		rest.SetRoundStore(r.repo)
		rest.SetHealthChecker(r.db)
	}

	// Set up Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	// Register routes
	rest.RegisterRoutes(router)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server
	go func() {
		slog.Info("Starting HTTP server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	// Create gRPC server for remote workers
	grpcServer, err := grpcapi.NewServer(&grpcapi.ServerConfig{
		Address:            cfg.GRPC.Addr,
		CertFile:           cfg.GRPC.TLSCertFile,
		KeyFile:            cfg.GRPC.TLSKeyFile,
		CAFile:             cfg.GRPC.TLSCAFile,
		EnableTLS:          cfg.GRPC.TLSEnabled,
		RateLimitPerWorker: cfg.GRPC.RateLimitPerWorker,
		PollTimeout:        cfg.GRPC.PollTimeout,
	}, r.dispatcher)
	if err != nil {
		slog.Error("Failed to create gRPC server", "error", err)
		os.Exit(1)
	}

	listener, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		slog.Error("Failed to listen", "addr", cfg.GRPC.Addr, "error", err)
		os.Exit(1)
	}

	// Start gRPC server
	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			slog.Error("gRPC server error", "error", err)
		}
	}()

	// Run training in the background
	done := make(chan error, 1)
	go func() {
		_, err := r.execute(ctx)
		done <- err
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
		slog.Info("Received shutdown signal, cancelling run")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			slog.Error("Run failed", "error", err)
			exitCode = 1
		}
		grpcServer.SetServing(false)
		if !cfg.ExitOnComplete {
			slog.Info("Run finished, serving results until shutdown")
			<-quit
		}
	}

	slog.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	grpcServer.GracefulStop()

	slog.Info("Server shutdown complete")
	if exitCode != 0 {
		r.Close()
		os.Exit(exitCode)
	}
}
