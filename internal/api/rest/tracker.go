// Package rest provides REST API handlers
package rest

import (
	"sync"
	"time"

	"github.com/stratfed/coordinator/internal/federation"
)

// RunTracker keeps the live state of one run for the API. Its methods are
// safe to call from the round loop while handlers read
type RunTracker struct {
	mu sync.RWMutex

	status  RunStatus
	reports []*federation.RoundReport
}

// NewRunTracker creates a tracker for a pending run
func NewRunTracker(runID, name string, mode federation.Mode, totalRounds int) *RunTracker {
	return &RunTracker{
		status: RunStatus{
			RunID:       runID,
			Name:        name,
			Mode:        mode,
			State:       RunStatePending,
			Phase:       federation.PhaseInit,
			TotalRounds: totalRounds,
		},
	}
}

// RunID returns the id of the tracked run
func (t *RunTracker) RunID() string {
	return t.status.RunID
}

// Start marks the run as running
func (t *RunTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.State = RunStateRunning
	t.status.StartedAt = time.Now().UTC()
}

// OnPhase records a state transition
func (t *RunTracker) OnPhase(round int, phase federation.Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Phase = phase
	t.status.Round = round
}

// OnRound records a completed round
func (t *RunTracker) OnRound(report *federation.RoundReport) {
	r := *report
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reports = append(t.reports, &r)
	t.status.Round = r.Round + 1
	if r.Empty {
		t.status.EmptyRounds++
	}
	t.status.LastLoss = &r.Loss
	t.status.LastAccuracy = &r.Accuracy
}

// Finish marks the run as completed, or failed when err is not nil
func (t *RunTracker) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	t.status.FinishedAt = &now
	if err != nil {
		t.status.State = RunStateFailed
		t.status.Error = err.Error()
		return
	}
	t.status.State = RunStateCompleted
	t.status.Phase = federation.PhaseDone
}

// Status returns a snapshot of the run status
func (t *RunTracker) Status() RunStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Rounds returns the reports recorded so far
func (t *RunTracker) Rounds() []*federation.RoundReport {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*federation.RoundReport(nil), t.reports...)
}

// Round returns the report of one round, or false if it has not completed
func (t *RunTracker) Round(round int) (*federation.RoundReport, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if round < 0 || round >= len(t.reports) {
		return nil, false
	}
	return t.reports[round], true
}
