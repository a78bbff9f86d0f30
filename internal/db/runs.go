package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// ConflationRun is the bookkeeping record of one batch over a target map.
type ConflationRun struct {
	RunID         string     `json:"run_id"`
	TargetMap     string     `json:"target_map"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	PathsTotal    int        `json:"paths_total"`
	PathsFailed   int        `json:"paths_failed"`
	ChosenCount   int        `json:"chosen_count"`
	AssignedCount int        `json:"assigned_count"`
	DisputesCount int        `json:"disputes_count"`
	Error         string     `json:"error,omitempty"`
}

// StartRun records a new running batch and returns its id.
func (db *DB) StartRun(ctx context.Context, targetMap string, startedAt time.Time) (string, error) {
	runID := uuid.New().String()
	err := db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conflation_runs (run_id, target_map, status, started_at)
			VALUES (?, ?, ?, ?)`,
			runID, targetMap, RunStatusRunning, startedAt.UnixNano())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to start run for %s: %w", targetMap, err)
	}
	return runID, nil
}

// FinishRun stores the final counts and status of a run. A non-nil runErr
// marks the run failed.
func (db *DB) FinishRun(ctx context.Context, run *ConflationRun, finishedAt time.Time, runErr error) error {
	status := RunStatusCompleted
	var errMsg any
	if runErr != nil {
		status = RunStatusFailed
		errMsg = runErr.Error()
	}
	err := db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE conflation_runs SET
				status = ?, finished_at = ?, paths_total = ?, paths_failed = ?,
				chosen_count = ?, assigned_count = ?, disputes_count = ?, error = ?
			WHERE run_id = ?`,
			status, finishedAt.UnixNano(), run.PathsTotal, run.PathsFailed,
			run.ChosenCount, run.AssignedCount, run.DisputesCount, errMsg, run.RunID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("run %s not found", run.RunID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// GetRun returns one run, or nil when it does not exist.
func (db *DB) GetRun(ctx context.Context, runID string) (*ConflationRun, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+` FROM conflation_runs WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run %s: %w", runID, err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

// ListRuns returns the target map's runs, most recent first.
func (db *DB) ListRuns(ctx context.Context, targetMap string, limit int) ([]*ConflationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM conflation_runs
		WHERE target_map = ?
		ORDER BY started_at DESC
		LIMIT ?`, targetMap, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	return scanRuns(rows)
}

const runColumns = `run_id, target_map, status, started_at, finished_at, paths_total, paths_failed,
	chosen_count, assigned_count, disputes_count, COALESCE(error, '')`

func scanRuns(rows *sql.Rows) ([]*ConflationRun, error) {
	defer rows.Close()
	var out []*ConflationRun
	for rows.Next() {
		var (
			r        ConflationRun
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.RunID, &r.TargetMap, &r.Status, &started, &finished, &r.PathsTotal,
			&r.PathsFailed, &r.ChosenCount, &r.AssignedCount, &r.DisputesCount, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = time.Unix(0, started).UTC()
		if finished.Valid {
			t := time.Unix(0, finished.Int64).UTC()
			r.FinishedAt = &t
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
