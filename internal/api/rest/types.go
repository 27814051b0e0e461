// Package rest provides REST API handlers
package rest

import (
	"time"

	"github.com/stratfed/coordinator/internal/federation"
)

// RunState is the lifecycle of a run
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
)

// RunStatus represents the progress of the run in progress
type RunStatus struct {
	RunID        string           `json:"run_id"`
	Name         string           `json:"name,omitempty"`
	Mode         federation.Mode  `json:"mode"`
	State        RunState         `json:"state"`
	Phase        federation.Phase `json:"phase"`
	Round        int              `json:"round"`
	TotalRounds  int              `json:"total_rounds"`
	EmptyRounds  int              `json:"empty_rounds"`
	LastLoss     *float64         `json:"last_loss,omitempty"`
	LastAccuracy *float64         `json:"last_accuracy,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   *time.Time       `json:"finished_at,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// RoundList is a list of round reports
type RoundList struct {
	RunID  string                    `json:"run_id"`
	Rounds []*federation.RoundReport `json:"rounds"`
	Total  int                       `json:"total"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
