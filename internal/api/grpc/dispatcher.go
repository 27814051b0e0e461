package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratfed/coordinator/internal/federation"
)

var (
	// ErrNoTask is returned by Fetch when no task arrived within the poll window
	ErrNoTask = errors.New("no task available")
	// ErrUnknownTask is returned by Complete for ids that are not in flight
	ErrUnknownTask = errors.New("unknown task")
)

const queueDepth = 16

type pendingTask struct {
	task   *Task
	ctx    context.Context
	result chan *TaskResult
}

// Dispatcher hands local training tasks to remote clients. It implements
// federation.LocalTrainer: Train blocks until the client owning spec.Client
// fetches the task and submits a result, or until the task times out
type Dispatcher struct {
	taskTimeout time.Duration

	mu       sync.Mutex
	queues   map[int]chan *pendingTask
	inflight map[string]*pendingTask
}

// NewDispatcher creates a dispatcher. A non-positive timeout waits as long as
// the caller's context allows
func NewDispatcher(taskTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		taskTimeout: taskTimeout,
		queues:      make(map[int]chan *pendingTask),
		inflight:    make(map[string]*pendingTask),
	}
}

func (d *Dispatcher) queue(client int) chan *pendingTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[client]
	if !ok {
		q = make(chan *pendingTask, queueDepth)
		d.queues[client] = q
	}
	return q
}

// Train queues a task for spec.Client and waits for its result
func (d *Dispatcher) Train(ctx context.Context, global federation.Params, spec federation.TrainSpec) (federation.TrainResult, error) {
	if d.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.taskTimeout)
		defer cancel()
	}

	p := &pendingTask{
		task:   &Task{ID: uuid.New().String(), Spec: spec, Global: global.Clone()},
		ctx:    ctx,
		result: make(chan *TaskResult, 1),
	}

	select {
	case d.queue(spec.Client) <- p:
	case <-ctx.Done():
		return federation.TrainResult{}, fmt.Errorf("failed to queue task for client %d: %w", spec.Client, ctx.Err())
	}

	select {
	case res := <-p.result:
		if res.NoSamples {
			return federation.TrainResult{}, fmt.Errorf("client %d: %w", spec.Client, federation.ErrNoLocalSamples)
		}
		if res.Error != "" {
			return federation.TrainResult{}, fmt.Errorf("remote training failed for client %d: %s", spec.Client, res.Error)
		}
		return federation.TrainResult{Params: res.Params, SampledRecords: res.SampledRecords}, nil
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.inflight, p.task.ID)
		d.mu.Unlock()
		return federation.TrainResult{}, fmt.Errorf("task %s for client %d: %w", p.task.ID, spec.Client, ctx.Err())
	}
}

// Fetch returns the next live task of client, waiting at most wait
func (d *Dispatcher) Fetch(ctx context.Context, client int, wait time.Duration) (*Task, error) {
	q := d.queue(client)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case p := <-q:
			// The trainer gave up on this task already
			if p.ctx.Err() != nil {
				continue
			}
			d.mu.Lock()
			d.inflight[p.task.ID] = p
			d.mu.Unlock()
			return p.task, nil
		case <-timer.C:
			return nil, ErrNoTask
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Complete delivers the result of an in-flight task
func (d *Dispatcher) Complete(res *TaskResult) error {
	d.mu.Lock()
	p, ok := d.inflight[res.TaskID]
	delete(d.inflight, res.TaskID)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", res.TaskID, ErrUnknownTask)
	}

	if !res.NoSamples && res.Error == "" && len(res.Params) != len(p.task.Global) {
		slog.Warn("Remote update has wrong dimension",
			"task_id", res.TaskID,
			"client", p.task.Spec.Client,
			"got", len(res.Params),
			"want", len(p.task.Global),
		)
		res.Error = federation.ErrDimensionMismatch.Error()
	}
	p.result <- res
	return nil
}

// InFlight returns the number of fetched tasks still awaiting a result
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}
