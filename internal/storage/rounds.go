package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stratfed/coordinator/internal/federation"
)

// ErrRoundNotFound is returned when a run has no report for a round
var ErrRoundNotFound = errors.New("round not found")

// RoundRepository stores per-round reports
type RoundRepository struct {
	db *DB
}

// NewRoundRepository creates a new repository
func NewRoundRepository(db *DB) *RoundRepository {
	return &RoundRepository{db: db}
}

// SaveRound inserts or replaces the report of one round
func (r *RoundRepository) SaveRound(ctx context.Context, report *federation.RoundReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode round report: %w", err)
	}

	query := r.db.rebind(`
		INSERT INTO fl_rounds (run_id, round, mode, selected, contributors, empty,
		                       estimate, loss, accuracy, duration_ms, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, round) DO UPDATE SET
			mode = excluded.mode,
			selected = excluded.selected,
			contributors = excluded.contributors,
			empty = excluded.empty,
			estimate = excluded.estimate,
			loss = excluded.loss,
			accuracy = excluded.accuracy,
			duration_ms = excluded.duration_ms,
			report = excluded.report
	`)

	_, err = r.db.ExecContext(ctx, query,
		report.RunID, report.Round, string(report.Mode),
		len(report.Selected), len(report.Contributors), report.Empty,
		report.Estimate, report.Loss, report.Accuracy,
		report.Duration.Milliseconds(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to save round %d: %w", report.Round, err)
	}
	return nil
}

// ListRounds returns every stored report of a run in round order
func (r *RoundRepository) ListRounds(ctx context.Context, runID string) ([]*federation.RoundReport, error) {
	query := r.db.rebind(`SELECT report FROM fl_rounds WHERE run_id = ? ORDER BY round`)

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}
	defer rows.Close()

	var reports []*federation.RoundReport
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		report, err := decodeReport(payload)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rounds: %w", err)
	}
	return reports, nil
}

// GetRound returns the report of one round
func (r *RoundRepository) GetRound(ctx context.Context, runID string, round int) (*federation.RoundReport, error) {
	query := r.db.rebind(`SELECT report FROM fl_rounds WHERE run_id = ? AND round = ?`)

	var payload string
	err := r.db.QueryRowContext(ctx, query, runID, round).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s round %d: %w", runID, round, ErrRoundNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round %d: %w", round, err)
	}
	return decodeReport(payload)
}

func decodeReport(payload string) (*federation.RoundReport, error) {
	var report federation.RoundReport
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		return nil, fmt.Errorf("failed to decode round report: %w", err)
	}
	return &report, nil
}
