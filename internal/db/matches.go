package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/conflation/internal/roadnet"
)

// ReplaceRawMatches clears the target map's raw matches and stores ms.
func (db *DB) ReplaceRawMatches(ctx context.Context, targetMap string, ms []*roadnet.RawMatch) error {
	return db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM raw_matches WHERE target_map = ?`, targetMap); err != nil {
			return fmt.Errorf("failed to clear raw matches: %w", err)
		}
		return insertRawMatches(ctx, tx, targetMap, ms)
	})
}

// InsertRawMatches appends raw matches without clearing existing ones.
func (db *DB) InsertRawMatches(ctx context.Context, targetMap string, ms []*roadnet.RawMatch) error {
	return db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return insertRawMatches(ctx, tx, targetMap, ms)
	})
}

func insertRawMatches(ctx context.Context, tx *sql.Tx, targetMap string, ms []*roadnet.RawMatch) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_matches (target_map, edge_id, base_reference_id, section_start, section_end, confidence, assist)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare raw match insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range ms {
		if _, err := stmt.ExecContext(ctx, targetMap, m.TargetMapEdgeID, m.BaseReferenceID,
			m.SectionStart, m.SectionEnd, m.Confidence, boolToInt(m.Assist)); err != nil {
			return fmt.Errorf("failed to insert raw match for edge %d: %w", m.TargetMapEdgeID, err)
		}
	}
	return nil
}

// GetRawMatchesForEdges returns the raw matches of the given edges ordered by
// edge, reference and section start.
func (db *DB) GetRawMatchesForEdges(ctx context.Context, targetMap string, edgeIDs []int64) ([]*roadnet.RawMatch, error) {
	var out []*roadnet.RawMatch
	for start := 0; start < len(edgeIDs); start += inChunk {
		chunk := edgeIDs[start:min(start+inChunk, len(edgeIDs))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, targetMap)
		for _, id := range chunk {
			args = append(args, id)
		}
		rows, err := db.QueryContext(ctx, `
			SELECT edge_id, base_reference_id, section_start, section_end, confidence, assist
			FROM raw_matches
			WHERE target_map = ? AND edge_id IN (`+placeholders(len(chunk))+`)
			ORDER BY edge_id, base_reference_id, section_start`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query raw matches: %w", err)
		}
		ms, err := scanRawMatches(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan raw matches: %w", err)
		}
		out = append(out, ms...)
	}
	return out, nil
}

// CountRawMatches returns the number of raw matches stored for a target map.
func (db *DB) CountRawMatches(ctx context.Context, targetMap string) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM raw_matches WHERE target_map = ?`, targetMap).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count raw matches: %w", err)
	}
	return n, nil
}

func scanRawMatches(rows *sql.Rows) ([]*roadnet.RawMatch, error) {
	defer rows.Close()
	var out []*roadnet.RawMatch
	for rows.Next() {
		var (
			m      roadnet.RawMatch
			assist int
		)
		if err := rows.Scan(&m.TargetMapEdgeID, &m.BaseReferenceID, &m.SectionStart, &m.SectionEnd,
			&m.Confidence, &assist); err != nil {
			return nil, err
		}
		m.Assist = assist != 0
		out = append(out, &m)
	}
	return out, rows.Err()
}

// InsertChosenMatches stores the chosen matches of one path, replacing any
// earlier result for that path.
func (db *DB) InsertChosenMatches(ctx context.Context, targetMap string, pathID int64, runID string, ms []roadnet.ChosenMatch) error {
	return db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chosen_matches WHERE target_map = ? AND path_id = ?`, targetMap, pathID); err != nil {
			return fmt.Errorf("failed to clear chosen matches for path %d: %w", pathID, err)
		}
		return insertChosenMatches(ctx, tx, targetMap, runID, ms)
	})
}

// BulkInsertChosenMatches replaces every chosen match of the target map with
// ms in one transaction.
func (db *DB) BulkInsertChosenMatches(ctx context.Context, targetMap, runID string, ms []roadnet.ChosenMatch) error {
	return db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chosen_matches WHERE target_map = ?`, targetMap); err != nil {
			return fmt.Errorf("failed to clear chosen matches: %w", err)
		}
		return insertChosenMatches(ctx, tx, targetMap, runID, ms)
	})
}

func insertChosenMatches(ctx context.Context, tx *sql.Tx, targetMap, runID string, ms []roadnet.ChosenMatch) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chosen_matches (
			target_map, path_id, path_edge_idx, edge_id, is_forward,
			base_reference_id, section_start, section_end, axiomatic, run_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare chosen match insert: %w", err)
	}
	defer stmt.Close()

	var run any
	if runID != "" {
		run = runID
	}
	for _, m := range ms {
		if _, err := stmt.ExecContext(ctx, targetMap, m.TargetMapPathID, m.PathEdgeIdx, m.EdgeID,
			boolToInt(m.IsForward), m.BaseReferenceID, m.SectionStart, m.SectionEnd,
			boolToInt(m.Axiomatic), run); err != nil {
			return fmt.Errorf("failed to insert chosen match %s: %w", m, err)
		}
	}
	return nil
}

const chosenColumns = `target_map, path_id, path_edge_idx, edge_id, is_forward,
	base_reference_id, section_start, section_end, axiomatic`

func scanChosenMatches(rows *sql.Rows) ([]roadnet.ChosenMatch, error) {
	defer rows.Close()
	var out []roadnet.ChosenMatch
	for rows.Next() {
		var (
			m              roadnet.ChosenMatch
			fwd, axiomatic int
		)
		if err := rows.Scan(&m.TargetMapID, &m.TargetMapPathID, &m.PathEdgeIdx, &m.EdgeID, &fwd,
			&m.BaseReferenceID, &m.SectionStart, &m.SectionEnd, &axiomatic); err != nil {
			return nil, err
		}
		m.IsForward = fwd != 0
		m.Axiomatic = axiomatic != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetChosenMatches returns every chosen match of the target map ordered by
// path, position and reference.
func (db *DB) GetChosenMatches(ctx context.Context, targetMap string) ([]roadnet.ChosenMatch, error) {
	return db.getChosenMatches(ctx, db.DB, targetMap)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (db *DB) getChosenMatches(ctx context.Context, q queryer, targetMap string) ([]roadnet.ChosenMatch, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+chosenColumns+` FROM chosen_matches
		WHERE target_map = ?
		ORDER BY path_id, is_forward DESC, path_edge_idx, base_reference_id, section_start`, targetMap)
	if err != nil {
		return nil, fmt.Errorf("failed to query chosen matches: %w", err)
	}
	ms, err := scanChosenMatches(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan chosen matches: %w", err)
	}
	return ms, nil
}

// GetChosenMatchesForTargetMapEdges returns the chosen matches touching the
// given edges, from every path.
func (db *DB) GetChosenMatchesForTargetMapEdges(ctx context.Context, targetMap string, edgeIDs []int64) ([]roadnet.ChosenMatch, error) {
	var out []roadnet.ChosenMatch
	for start := 0; start < len(edgeIDs); start += inChunk {
		chunk := edgeIDs[start:min(start+inChunk, len(edgeIDs))]
		args := make([]any, 0, len(chunk)+1)
		args = append(args, targetMap)
		for _, id := range chunk {
			args = append(args, id)
		}
		rows, err := db.QueryContext(ctx, `
			SELECT `+chosenColumns+` FROM chosen_matches
			WHERE target_map = ? AND edge_id IN (`+placeholders(len(chunk))+`)
			ORDER BY path_id, is_forward DESC, path_edge_idx, base_reference_id, section_start`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query chosen matches: %w", err)
		}
		ms, err := scanChosenMatches(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chosen matches: %w", err)
		}
		out = append(out, ms...)
	}
	return out, nil
}

// GetChosenMatchesForPath returns one path's chosen matches.
func (db *DB) GetChosenMatchesForPath(ctx context.Context, targetMap string, pathID int64) ([]roadnet.ChosenMatch, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+chosenColumns+` FROM chosen_matches
		WHERE target_map = ? AND path_id = ?
		ORDER BY is_forward DESC, path_edge_idx, base_reference_id, section_start`, targetMap, pathID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chosen matches for path %d: %w", pathID, err)
	}
	ms, err := scanChosenMatches(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan chosen matches: %w", err)
	}
	return ms, nil
}

// ResolveFunc turns the chosen matches of a target map into assigned matches
// and the disputes it could not settle.
type ResolveFunc func(chosen []roadnet.ChosenMatch) ([]roadnet.AssignedMatch, []DisputeReport, error)

// ResolveAndReplace reads the chosen matches, runs resolve and replaces the
// target map's assigned matches and dispute reports, all in one transaction
// under the writer lock.
func (db *DB) ResolveAndReplace(ctx context.Context, targetMap, runID string, resolve ResolveFunc) ([]roadnet.AssignedMatch, []DisputeReport, error) {
	var (
		assigned []roadnet.AssignedMatch
		reports  []DisputeReport
	)
	err := db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		chosen, err := db.getChosenMatches(ctx, tx, targetMap)
		if err != nil {
			return err
		}
		assigned, reports, err = resolve(chosen)
		if err != nil {
			return err
		}
		if err := replaceAssignedMatches(ctx, tx, targetMap, assigned); err != nil {
			return err
		}
		return replaceDisputeReports(ctx, tx, targetMap, runID, reports)
	})
	if err != nil {
		return nil, nil, err
	}
	return assigned, reports, nil
}

// ReplaceAssignedMatches clears the target map's assigned matches and stores
// as.
func (db *DB) ReplaceAssignedMatches(ctx context.Context, targetMap string, as []roadnet.AssignedMatch) error {
	return db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return replaceAssignedMatches(ctx, tx, targetMap, as)
	})
}

func replaceAssignedMatches(ctx context.Context, tx *sql.Tx, targetMap string, as []roadnet.AssignedMatch) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM assigned_matches WHERE target_map = ?`, targetMap); err != nil {
		return fmt.Errorf("failed to clear assigned matches: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO assigned_matches (
			target_map, base_reference_id, edge_id, path_id, is_forward, section_start, section_end
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare assigned match insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range as {
		if _, err := stmt.ExecContext(ctx, targetMap, a.BaseReferenceID, a.TargetMapEdgeID, a.TargetMapPathID,
			boolToInt(a.IsForward), a.SectionStart, a.SectionEnd); err != nil {
			return fmt.Errorf("failed to insert assigned match on %s: %w", a.BaseReferenceID, err)
		}
	}
	return nil
}

// GetAssignedMatches returns the target map's assigned matches ordered by
// reference and section start.
func (db *DB) GetAssignedMatches(ctx context.Context, targetMap string) ([]roadnet.AssignedMatch, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT base_reference_id, edge_id, path_id, is_forward, section_start, section_end
		FROM assigned_matches
		WHERE target_map = ?
		ORDER BY base_reference_id, section_start, path_id, edge_id`, targetMap)
	if err != nil {
		return nil, fmt.Errorf("failed to query assigned matches: %w", err)
	}
	defer rows.Close()

	var out []roadnet.AssignedMatch
	for rows.Next() {
		var (
			a   roadnet.AssignedMatch
			fwd int
		)
		if err := rows.Scan(&a.BaseReferenceID, &a.TargetMapEdgeID, &a.TargetMapPathID, &fwd,
			&a.SectionStart, &a.SectionEnd); err != nil {
			return nil, fmt.Errorf("failed to scan assigned match: %w", err)
		}
		a.IsForward = fwd != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// DisputeReport records a dispute that resolution could not settle.
type DisputeReport struct {
	TargetMap       string                `json:"target_map"`
	RunID           string                `json:"run_id,omitempty"`
	BaseReferenceID string                `json:"base_reference_id"`
	SectionStart    float64               `json:"section_start"`
	SectionEnd      float64               `json:"section_end"`
	Claims          []roadnet.ChosenMatch `json:"claims"`
	CreatedAt       time.Time             `json:"created_at"`
}

// InsertDisputeReports replaces the target map's dispute reports.
func (db *DB) InsertDisputeReports(ctx context.Context, targetMap, runID string, reports []DisputeReport) error {
	return db.WithWriteTx(ctx, func(tx *sql.Tx) error {
		return replaceDisputeReports(ctx, tx, targetMap, runID, reports)
	})
}

func replaceDisputeReports(ctx context.Context, tx *sql.Tx, targetMap, runID string, reports []DisputeReport) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM dispute_reports WHERE target_map = ?`, targetMap); err != nil {
		return fmt.Errorf("failed to clear dispute reports: %w", err)
	}
	var run any
	if runID != "" {
		run = runID
	}
	for _, r := range reports {
		claims, err := json.Marshal(r.Claims)
		if err != nil {
			return fmt.Errorf("failed to encode dispute claims: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dispute_reports (target_map, run_id, base_reference_id, section_start, section_end, claims_json)
			VALUES (?, ?, ?, ?, ?, ?)`,
			targetMap, run, r.BaseReferenceID, r.SectionStart, r.SectionEnd, string(claims)); err != nil {
			return fmt.Errorf("failed to insert dispute report on %s: %w", r.BaseReferenceID, err)
		}
	}
	return nil
}

// GetDisputeReports returns the target map's dispute reports ordered by
// reference and section start.
func (db *DB) GetDisputeReports(ctx context.Context, targetMap string) ([]DisputeReport, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT target_map, COALESCE(run_id, ''), base_reference_id, section_start, section_end, claims_json,
			CAST(strftime('%s', created_at) AS INTEGER)
		FROM dispute_reports
		WHERE target_map = ?
		ORDER BY base_reference_id, section_start`, targetMap)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispute reports: %w", err)
	}
	defer rows.Close()

	var out []DisputeReport
	for rows.Next() {
		var (
			r       DisputeReport
			claims  string
			created int64
		)
		if err := rows.Scan(&r.TargetMap, &r.RunID, &r.BaseReferenceID, &r.SectionStart, &r.SectionEnd,
			&claims, &created); err != nil {
			return nil, fmt.Errorf("failed to scan dispute report: %w", err)
		}
		r.CreatedAt = time.Unix(created, 0).UTC()
		if err := json.Unmarshal([]byte(claims), &r.Claims); err != nil {
			return nil, fmt.Errorf("failed to decode dispute claims: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
