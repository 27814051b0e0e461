package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/stratfed/coordinator/internal/federation"
)

// DialConfig holds the worker side of the connection settings
type DialConfig struct {
	Target    string
	EnableTLS bool
	CertFile  string
	KeyFile   string
	CAFile    string
}

// Dial opens a connection to the coordinator
func Dial(cfg DialConfig) (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if cfg.EnableTLS {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		creds = credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      caPool,
			MinVersion:   tls.VersionTLS12,
		})
	}

	conn, err := grpc.Dial(cfg.Target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to dial coordinator: %w", err)
	}
	return conn, nil
}

// Worker pulls tasks for a fixed set of clients and trains them locally
type Worker struct {
	id      string
	client  *TrainingClient
	clients []int
	trainer federation.LocalTrainer
	backoff time.Duration
}

// NewWorker creates a worker serving clients over cc
func NewWorker(cc grpc.ClientConnInterface, id string, clients []int, trainer federation.LocalTrainer) *Worker {
	return &Worker{
		id:      id,
		client:  NewTrainingClient(cc),
		clients: append([]int(nil), clients...),
		trainer: trainer,
		backoff: time.Second,
	}
}

// Run serves every client until ctx is done
func (w *Worker) Run(ctx context.Context) error {
	ctx = metadata.AppendToOutgoingContext(ctx, WorkerIDHeader, w.id)

	slog.Info("Worker started",
		"worker_id", w.id,
		"clients", len(w.clients),
	)

	var wg sync.WaitGroup
	for _, k := range w.clients {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			w.serveClient(ctx, k)
		}(k)
	}
	wg.Wait()

	slog.Info("Worker stopped", "worker_id", w.id)
	return ctx.Err()
}

func (w *Worker) serveClient(ctx context.Context, client int) {
	for ctx.Err() == nil {
		task, err := w.client.FetchTask(ctx, client)
		if err != nil {
			if status.Code(err) == codes.NotFound || ctx.Err() != nil {
				continue
			}
			slog.Warn("Failed to fetch task",
				"worker_id", w.id,
				"client", client,
				"error", err,
			)
			w.wait(ctx)
			continue
		}

		res := w.runTask(ctx, task)
		if err := w.client.SubmitUpdate(ctx, res); err != nil && ctx.Err() == nil {
			slog.Warn("Failed to submit update",
				"worker_id", w.id,
				"task_id", task.ID,
				"client", client,
				"error", err,
			)
		}
	}
}

func (w *Worker) runTask(ctx context.Context, task *Task) *TaskResult {
	out, err := w.trainer.Train(ctx, task.Global, task.Spec)
	res := &TaskResult{TaskID: task.ID}
	switch {
	case errors.Is(err, federation.ErrNoLocalSamples):
		res.NoSamples = true
	case err != nil:
		res.Error = err.Error()
	default:
		res.Params = out.Params
		res.SampledRecords = out.SampledRecords
	}
	return res
}

func (w *Worker) wait(ctx context.Context) {
	t := time.NewTimer(w.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
