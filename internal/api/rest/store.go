// Package rest provides REST API handlers
package rest

import (
	"context"

	"github.com/stratfed/coordinator/internal/federation"
)

// RoundStore serves the stored history of past runs
type RoundStore interface {
	ListRounds(ctx context.Context, runID string) ([]*federation.RoundReport, error)
	GetRound(ctx context.Context, runID string, round int) (*federation.RoundReport, error)
}

// HealthChecker is pinged by the readiness check
type HealthChecker interface {
	Health(ctx context.Context) error
}

var (
	tracker *RunTracker
	rounds  RoundStore
	health  HealthChecker
)

// SetTracker sets the tracker of the run in progress
func SetTracker(t *RunTracker) {
	tracker = t
}

// SetRoundStore sets the persistent round history. Nil disables lookups by run_id
func SetRoundStore(s RoundStore) {
	rounds = s
}

// SetHealthChecker sets the dependency checked by /readyz
func SetHealthChecker(h HealthChecker) {
	health = h
}
