package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Run is one runs row.
type Run struct {
	ID          string     `json:"id"`
	TriggeredBy string     `json:"triggered_by"`
	Input       string     `json:"input"`
	Output      string     `json:"output"`
	Pattern     string     `json:"pattern,omitempty"`
	Workers     int        `json:"workers"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	Submitted   int        `json:"submitted"`
	Skipped     int        `json:"skipped"`
	Anonymized  int        `json:"anonymized"`
	Failed      int        `json:"failed"`
	InputBytes  int64      `json:"input_bytes"`
	Error       string     `json:"error,omitempty"`
}

// ItemResult is one run_results row.
type ItemResult struct {
	ID         int64    `json:"id"`
	InputPath  string   `json:"input_path"`
	OutputPath string   `json:"output_path,omitempty"`
	Outcome    string   `json:"outcome"`
	Worker     int      `json:"worker"`
	DurationMs int64    `json:"duration_ms"`
	Size       int64    `json:"size"`
	Messages   []string `json:"messages"`
}

const runColumns = `id, triggered_by, input_path, output_path, pattern, workers, status,
	started_at, finished_at, submitted, skipped, anonymized, failed, input_bytes, error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r          Run
		startedAt  int64
		finishedAt sql.NullInt64
	)
	err := s.Scan(&r.ID, &r.TriggeredBy, &r.Input, &r.Output, &r.Pattern, &r.Workers, &r.Status,
		&startedAt, &finishedAt, &r.Submitted, &r.Skipped, &r.Anonymized, &r.Failed, &r.InputBytes, &r.Error)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = time.Unix(startedAt, 0).UTC()
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0).UTC()
		r.FinishedAt = &t
	}
	return r, nil
}

// ListRuns returns runs newest first and the total number of runs.
func ListRuns(ctx context.Context, db *sql.DB, limit, offset int) ([]Run, int, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}
	return runs, total, nil
}

// GetRun returns the run with id, or ErrNotFound.
func GetRun(ctx context.Context, db *sql.DB, id string) (Run, error) {
	r, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListResults returns the results of run id in insertion order, optionally
// restricted to one outcome, and the total matching count.
func ListResults(ctx context.Context, db *sql.DB, id, outcome string, limit, offset int) ([]ItemResult, int, error) {
	where := `run_id = ?`
	args := []any{id}
	if outcome != "" {
		where += ` AND outcome = ?`
		args = append(args, outcome)
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_results WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count results: %w", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, input_path, output_path, outcome, worker, duration_ms, size, messages
		FROM run_results
		WHERE `+where+`
		ORDER BY id
		LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	items := []ItemResult{}
	for rows.Next() {
		var (
			it   ItemResult
			msgs string
		)
		if err := rows.Scan(&it.ID, &it.InputPath, &it.OutputPath, &it.Outcome, &it.Worker,
			&it.DurationMs, &it.Size, &msgs); err != nil {
			return nil, 0, fmt.Errorf("scan result: %w", err)
		}
		it.Messages = []string{}
		if msgs != "" {
			it.Messages = strings.Split(msgs, "\n")
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}

// LastCompleted returns the most recently finished completed run, or nil.
func LastCompleted(ctx context.Context, db *sql.DB) (*Run, error) {
	r, err := scanRun(db.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE status = 'completed'
		ORDER BY finished_at DESC
		LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last completed run: %w", err)
	}
	return &r, nil
}
