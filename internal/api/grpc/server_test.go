package grpc

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stratfed/coordinator/internal/federation"
)

// startServer serves a training service over an in-memory listener
func startServer(t *testing.T, cfg *ServerConfig, d *Dispatcher) (*Server, *grpc.ClientConn) {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv, err := NewServer(cfg, d)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return srv, conn
}

// startWorker runs a worker until the test ends
func startWorker(t *testing.T, conn *grpc.ClientConn, clients []int, trainer federation.LocalTrainer) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(conn, "worker-1", clients, trainer)
	w.backoff = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

type trainFunc func(global federation.Params, spec federation.TrainSpec) (federation.TrainResult, error)

type fakeTrainer struct {
	mu    sync.Mutex
	specs []federation.TrainSpec
	fn    trainFunc
}

func (f *fakeTrainer) Train(_ context.Context, global federation.Params, spec federation.TrainSpec) (federation.TrainResult, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	return f.fn(global, spec)
}

func (f *fakeTrainer) received() []federation.TrainSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]federation.TrainSpec(nil), f.specs...)
}

func shiftTrainer(global federation.Params, spec federation.TrainSpec) (federation.TrainResult, error) {
	out := global.Clone()
	for i := range out {
		out[i] += float64(spec.Client)
	}
	return federation.TrainResult{Params: out, SampledRecords: spec.Client + 3}, nil
}

func TestNewServerRequiresDispatcher(t *testing.T) {
	if _, err := NewServer(&ServerConfig{}, nil); err == nil {
		t.Error("Expected error for nil dispatcher")
	}
}

func TestHealthCheck(t *testing.T) {
	srv, conn := startServer(t, &ServerConfig{}, NewDispatcher(time.Second))
	client := healthpb.NewHealthClient(conn)

	tests := []struct {
		name    string
		serving bool
		service string
		want    healthpb.HealthCheckResponse_ServingStatus
	}{
		{"overall", true, "", healthpb.HealthCheckResponse_SERVING},
		{"training serving", true, ServiceName, healthpb.HealthCheckResponse_SERVING},
		{"training not serving", false, ServiceName, healthpb.HealthCheckResponse_NOT_SERVING},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv.SetServing(tt.serving)
			resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: tt.service})
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if resp.GetStatus() != tt.want {
				t.Errorf("Expected status %v, got %v", tt.want, resp.GetStatus())
			}
		})
	}
}

func TestRemoteTrainRoundTrip(t *testing.T) {
	d := NewDispatcher(5 * time.Second)
	_, conn := startServer(t, &ServerConfig{PollTimeout: 50 * time.Millisecond}, d)
	trainer := &fakeTrainer{fn: shiftTrainer}
	startWorker(t, conn, []int{0, 1, 2}, trainer)

	global := federation.Params{0.5, -1, 2}
	spec := federation.TrainSpec{Round: 4, Client: 2, Mu: 0.1, LearningRate: 0.05, Steps: 3, SampleRate: 0.25}

	res, err := d.Train(context.Background(), global, spec)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}

	want := federation.TrainResult{Params: federation.Params{2.5, 1, 4}, SampledRecords: 5}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("TrainResult mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]federation.TrainSpec{spec}, trainer.received()); diff != "" {
		t.Errorf("TrainSpec mismatch (-want +got):\n%s", diff)
	}
	if global[0] != 0.5 {
		t.Errorf("Expected global to be untouched, got %v", global)
	}
	if d.InFlight() != 0 {
		t.Errorf("Expected no tasks in flight, got %d", d.InFlight())
	}
}

func TestRemoteTrainConcurrentClients(t *testing.T) {
	d := NewDispatcher(5 * time.Second)
	_, conn := startServer(t, &ServerConfig{PollTimeout: 50 * time.Millisecond}, d)
	startWorker(t, conn, []int{0, 1, 2, 3}, &fakeTrainer{fn: shiftTrainer})

	var wg sync.WaitGroup
	results := make([]federation.TrainResult, 4)
	errs := make([]error, 4)
	for k := 0; k < 4; k++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			results[k], errs[k] = d.Train(context.Background(), federation.Params{1}, federation.TrainSpec{Round: 1, Client: k, SampleRate: 1})
		}(k)
	}
	wg.Wait()

	for k := 0; k < 4; k++ {
		if errs[k] != nil {
			t.Fatalf("client %d: Train: %v", k, errs[k])
		}
		if got, want := results[k].Params[0], float64(1+k); got != want {
			t.Errorf("client %d: Params[0] = %v, want %v", k, got, want)
		}
	}
}

func TestRemoteTrainErrors(t *testing.T) {
	tests := []struct {
		name          string
		fn            trainFunc
		noSamples     bool
		wantSubstring string
	}{
		{
			name: "no local samples",
			fn: func(federation.Params, federation.TrainSpec) (federation.TrainResult, error) {
				return federation.TrainResult{}, federation.ErrNoLocalSamples
			},
			noSamples: true,
		},
		{
			name: "training failure",
			fn: func(federation.Params, federation.TrainSpec) (federation.TrainResult, error) {
				return federation.TrainResult{}, errors.New("diverged")
			},
			wantSubstring: "diverged",
		},
		{
			name: "wrong dimension",
			fn: func(federation.Params, federation.TrainSpec) (federation.TrainResult, error) {
				return federation.TrainResult{Params: federation.Params{1}}, nil
			},
			wantSubstring: federation.ErrDimensionMismatch.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(5 * time.Second)
			_, conn := startServer(t, &ServerConfig{PollTimeout: 50 * time.Millisecond}, d)
			startWorker(t, conn, []int{0}, &fakeTrainer{fn: tt.fn})

			_, err := d.Train(context.Background(), federation.Params{1, 2}, federation.TrainSpec{Client: 0, SampleRate: 1})
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if got := errors.Is(err, federation.ErrNoLocalSamples); got != tt.noSamples {
				t.Errorf("errors.Is(err, ErrNoLocalSamples) = %v, want %v (err: %v)", got, tt.noSamples, err)
			}
			if tt.wantSubstring != "" && !strings.Contains(err.Error(), tt.wantSubstring) {
				t.Errorf("Expected error containing %q, got %v", tt.wantSubstring, err)
			}
		})
	}
}

func TestRemoteTrainTimeout(t *testing.T) {
	d := NewDispatcher(50 * time.Millisecond)

	_, err := d.Train(context.Background(), federation.Params{1}, federation.TrainSpec{Client: 7})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if d.InFlight() != 0 {
		t.Errorf("Expected no tasks in flight, got %d", d.InFlight())
	}

	// The abandoned task must not be handed out
	if _, err := d.Fetch(context.Background(), 7, 20*time.Millisecond); !errors.Is(err, ErrNoTask) {
		t.Errorf("Expected ErrNoTask for abandoned task, got %v", err)
	}
}

func TestFetchTaskStatusCodes(t *testing.T) {
	_, conn := startServer(t, &ServerConfig{PollTimeout: 20 * time.Millisecond}, NewDispatcher(time.Second))
	client := NewTrainingClient(conn)

	tests := []struct {
		name   string
		client int
		want   codes.Code
	}{
		{"no task", 3, codes.NotFound},
		{"negative client", -1, codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.FetchTask(context.Background(), tt.client)
			if got := status.Code(err); got != tt.want {
				t.Errorf("Expected code %v, got %v (err: %v)", tt.want, got, err)
			}
		})
	}
}

func TestSubmitUpdateStatusCodes(t *testing.T) {
	_, conn := startServer(t, &ServerConfig{}, NewDispatcher(time.Second))

	tests := []struct {
		name string
		req  *structpb.Struct
		want codes.Code
	}{
		{
			name: "unknown task",
			req:  encodeResult(&TaskResult{TaskID: "missing", Params: federation.Params{1}}),
			want: codes.NotFound,
		},
		{
			name: "missing task id",
			req:  encodeResult(&TaskResult{Params: federation.Params{1}}),
			want: codes.InvalidArgument,
		},
		{
			name: "malformed params",
			req: &structpb.Struct{Fields: map[string]*structpb.Value{
				fieldTaskID:         structpb.NewStringValue("t1"),
				fieldParams:         structpb.NewStringValue("not a list"),
				fieldSampledRecords: structpb.NewNumberValue(1),
				fieldError:          structpb.NewStringValue(""),
				fieldNoSamples:      structpb.NewBoolValue(false),
			}},
			want: codes.InvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := conn.Invoke(context.Background(), submitUpdateMethod, tt.req, new(emptypb.Empty))
			if got := status.Code(err); got != tt.want {
				t.Errorf("Expected code %v, got %v (err: %v)", tt.want, got, err)
			}
		})
	}
}

func TestRateLimitInterceptor(t *testing.T) {
	_, conn := startServer(t, &ServerConfig{RateLimitPerWorker: 1, PollTimeout: 10 * time.Millisecond}, NewDispatcher(time.Second))
	client := NewTrainingClient(conn)
	ctx := metadata.AppendToOutgoingContext(context.Background(), WorkerIDHeader, "busy-worker")

	if _, err := client.FetchTask(ctx, 0); status.Code(err) != codes.NotFound {
		t.Fatalf("Expected first call to reach the handler, got %v", err)
	}
	if _, err := client.FetchTask(ctx, 0); status.Code(err) != codes.ResourceExhausted {
		t.Errorf("Expected ResourceExhausted, got %v", err)
	}

	// Health checks bypass the limiter
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("Expected SERVING, got %v", resp.GetStatus())
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(2)
	defer rl.Stop()

	tests := []struct {
		worker string
		want   bool
	}{
		{"w1", true},
		{"w1", true},
		{"w1", false},
		{"w2", true},
		{"", true},
		{"", true},
		{"", true},
	}

	for i, tt := range tests {
		if got := rl.Allow(tt.worker); got != tt.want {
			t.Errorf("call %d: Allow(%q) = %v, want %v", i, tt.worker, got, tt.want)
		}
	}
}

func TestTaskCodecRoundTrip(t *testing.T) {
	task := &Task{
		ID:     "t-1",
		Spec:   federation.TrainSpec{Round: 2, Client: 5, Mu: 0.01, LearningRate: 0.1, Steps: 4, SampleRate: 0.5},
		Global: federation.Params{1.5, -2.25},
	}

	got, err := decodeTask(encodeTask(task))
	if err != nil {
		t.Fatalf("decodeTask: %v", err)
	}
	if diff := cmp.Diff(task, got); diff != "" {
		t.Errorf("Task mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeTaskErrors(t *testing.T) {
	valid := func() *structpb.Struct {
		return encodeTask(&Task{ID: "t", Global: federation.Params{1}})
	}

	tests := []struct {
		name   string
		mutate func(s *structpb.Struct)
	}{
		{"missing round", func(s *structpb.Struct) { delete(s.Fields, fieldRound) }},
		{"string client", func(s *structpb.Struct) { s.Fields[fieldClient] = structpb.NewStringValue("3") }},
		{"non-numeric param", func(s *structpb.Struct) {
			s.Fields[fieldParams] = structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{structpb.NewBoolValue(true)}})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			if _, err := decodeTask(s); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}
