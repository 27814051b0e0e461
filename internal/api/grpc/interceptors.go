package grpc

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// loggingUnaryInterceptor logs unary RPC calls. Empty long polls log at debug
func (s *Server) loggingUnaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	start := time.Now()

	peerAddr := "unknown"
	if p, ok := peer.FromContext(ctx); ok {
		peerAddr = p.Addr.String()
	}

	resp, err := handler(ctx, req)

	level := slog.LevelInfo
	switch status.Code(err) {
	case codes.OK:
	case codes.NotFound:
		level = slog.LevelDebug
	default:
		level = slog.LevelError
	}

	slog.Log(ctx, level, "gRPC unary call",
		"method", info.FullMethod,
		"peer", peerAddr,
		"worker_id", extractWorkerID(ctx),
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)

	return resp, err
}

// rateLimitUnaryInterceptor applies per-worker rate limiting. Health checks
// are never limited
func (s *Server) rateLimitUnaryInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	if info.FullMethod == healthCheckMethod {
		return handler(ctx, req)
	}

	worker := extractWorkerID(ctx)
	if !s.rateLimiter.Allow(worker) {
		slog.Warn("Rate limit exceeded",
			"worker_id", worker,
			"method", info.FullMethod,
		)
		return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}

	return handler(ctx, req)
}
