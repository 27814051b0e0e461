// Package grpc provides the gRPC training service remote clients connect to
package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const healthCheckMethod = "/grpc.health.v1.Health/Check"

// ServerConfig holds gRPC server configuration
type ServerConfig struct {
	// Address to listen on
	Address string
	// TLS configuration
	CertFile  string
	KeyFile   string
	CAFile    string
	EnableTLS bool
	// Rate limiting
	RateLimitPerWorker int // requests per minute per worker
	// PollTimeout bounds how long FetchTask waits for a task
	PollTimeout time.Duration
}

// Server implements the training service and the standard health service
type Server struct {
	config      *ServerConfig
	grpcServer  *grpc.Server
	rateLimiter *RateLimiter
	dispatcher  *Dispatcher
	health      *health.Server
}

// NewServer creates a new gRPC server handing out tasks from dispatcher
func NewServer(config *ServerConfig, dispatcher *Dispatcher) (*Server, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 30 * time.Second
	}

	s := &Server{
		config:      config,
		rateLimiter: NewRateLimiter(config.RateLimitPerWorker),
		dispatcher:  dispatcher,
		health:      health.NewServer(),
	}

	var opts []grpc.ServerOption

	// Configure mTLS if enabled
	if config.EnableTLS {
		tlsConfig, err := s.loadTLSConfig()
		if err != nil {
			s.rateLimiter.Stop()
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	opts = append(opts, grpc.ChainUnaryInterceptor(
		s.loggingUnaryInterceptor,
		s.rateLimitUnaryInterceptor,
	))

	s.grpcServer = grpc.NewServer(opts...)
	RegisterTrainingServer(s.grpcServer, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return s, nil
}

// loadTLSConfig loads mTLS configuration
func (s *Server) loadTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	caCert, err := os.ReadFile(s.config.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Serve starts the gRPC server
func (s *Server) Serve(listener net.Listener) error {
	slog.Info("Starting gRPC server", "address", listener.Addr().String())
	return s.grpcServer.Serve(listener)
}

// SetServing flips the health of the training service, e.g. once a run is done
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

// GracefulStop gracefully stops the server
func (s *Server) GracefulStop() {
	slog.Info("Gracefully stopping gRPC server")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.rateLimiter.Stop()
}

// Stop immediately stops the server
func (s *Server) Stop() {
	slog.Info("Stopping gRPC server")
	s.grpcServer.Stop()
	s.rateLimiter.Stop()
}

// FetchTask hands the next task of a client to the calling worker
func (s *Server) FetchTask(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	if req.GetValue() < 0 {
		return nil, status.Error(codes.InvalidArgument, "client must be non-negative")
	}

	task, err := s.dispatcher.Fetch(ctx, int(req.GetValue()), s.config.PollTimeout)
	switch {
	case errors.Is(err, ErrNoTask):
		return nil, status.Error(codes.NotFound, "no task available")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, status.FromContextError(err).Err()
	case err != nil:
		return nil, status.Error(codes.Internal, "failed to fetch task")
	}

	slog.Debug("Dispatched task",
		"task_id", task.ID,
		"round", task.Spec.Round,
		"client", task.Spec.Client,
		"worker_id", extractWorkerID(ctx),
	)
	return encodeTask(task), nil
}

// SubmitUpdate accepts the result of a fetched task
func (s *Server) SubmitUpdate(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	res, err := decodeResult(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := s.dispatcher.Complete(res); err != nil {
		if errors.Is(err, ErrUnknownTask) {
			return nil, status.Error(codes.NotFound, "task is not in flight")
		}
		return nil, status.Error(codes.Internal, "failed to complete task")
	}

	slog.Debug("Received update",
		"task_id", res.TaskID,
		"sampled_records", res.SampledRecords,
		"no_samples", res.NoSamples,
		"worker_id", extractWorkerID(ctx),
	)
	return &emptypb.Empty{}, nil
}
