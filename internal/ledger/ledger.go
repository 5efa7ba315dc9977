// Package ledger records runs and their per-item results in SQLite. The
// Recorder is a batch.Observer; the query functions back the HTTP API.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/eargollo/dicomanon/internal/batch"
	"github.com/eargollo/dicomanon/internal/pipeline"
)

// resultBatchSize is the number of results written per SQLite transaction.
const resultBatchSize = 100

// Recorder writes one runs row per run and its results in batched
// transactions from a single writer goroutine. Ledger failures are logged
// and never affect the run itself.
type Recorder struct {
	db        *sql.DB
	batchSize int

	mu    sync.Mutex
	runID string
	in    chan pipeline.Result
	done  chan struct{}
}

// NewRecorder creates a Recorder writing to db.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db, batchSize: resultBatchSize}
}

func (r *Recorder) OnStart(info batch.RunInfo) {
	_, err := r.db.Exec(`
		INSERT INTO runs (id, triggered_by, input_path, output_path, pattern, workers, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, 'running', ?)`,
		info.ID, info.TriggeredBy, info.Input, info.Output, info.Pattern, info.Workers, info.StartedAt.Unix())
	if err != nil {
		slog.Warn("ledger: insert run", "id", info.ID, "error", err)
		return
	}

	r.mu.Lock()
	r.runID = info.ID
	r.in = make(chan pipeline.Result, 4*r.batchSize)
	r.done = make(chan struct{})
	in, done := r.in, r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.writeResults(info.ID, in)
	}()
}

// OnItemDone queues res for the writer. Reports arriving after OnDone (from
// workers still draining an aborted run) are dropped.
func (r *Recorder) OnItemDone(res pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.in == nil {
		return
	}
	r.in <- res
}

func (r *Recorder) OnDone(sum batch.Summary) {
	r.mu.Lock()
	in, done := r.in, r.done
	r.in, r.done = nil, nil
	r.mu.Unlock()
	if in == nil {
		return
	}
	close(in)
	<-done

	errText := ""
	if sum.Err != nil {
		errText = sum.Err.Error()
	}
	c := sum.Counts
	_, err := r.db.Exec(`
		UPDATE runs
		SET status = ?, finished_at = ?, submitted = ?, skipped = ?,
		    anonymized = ?, failed = ?, input_bytes = ?, error = ?
		WHERE id = ?`,
		sum.Status(), sum.FinishedAt.Unix(), c.Submitted, c.Skipped,
		c.Anonymized, c.Failed, c.Bytes, errText, sum.ID)
	if err != nil {
		slog.Warn("ledger: finalise run", "id", sum.ID, "error", err)
	}
}

// writeResults drains in, writing batchSize results per transaction. The
// writes use a background context so a cancelled run still records what
// it did.
func (r *Recorder) writeResults(runID string, in <-chan pipeline.Result) {
	buf := make([]pipeline.Result, 0, r.batchSize)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		if err := writeResultBatch(context.Background(), r.db, runID, buf); err != nil {
			slog.Warn("ledger: write results", "id", runID, "count", len(buf), "error", err)
		}
		buf = buf[:0]
	}
	for res := range in {
		buf = append(buf, res)
		if len(buf) >= r.batchSize {
			flush()
		}
	}
	flush()
}

func writeResultBatch(ctx context.Context, db *sql.DB, runID string, batch []pipeline.Result) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_results
			(run_id, input_path, output_path, outcome, worker, duration_ms, size, messages, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert_result: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, res := range batch {
		if _, err := stmt.ExecContext(ctx,
			runID, res.InputPath, res.OutputPath, res.Outcome.String(), res.Worker,
			res.Duration.Milliseconds(), res.Size, strings.Join(res.Messages, "\n"), now,
		); err != nil {
			return fmt.Errorf("insert result %q: %w", res.InputPath, err)
		}
	}
	return tx.Commit()
}

// MarkStaleRunsFailed marks runs rows still in 'running' state as 'failed'.
// Called once at startup in case a previous process died mid-run.
func MarkStaleRunsFailed(db *sql.DB) error {
	res, err := db.Exec(`
		UPDATE runs
		SET status = 'failed', finished_at = ?, error = 'interrupted'
		WHERE status = 'running'`,
		time.Now().Unix())
	if err != nil {
		return fmt.Errorf("mark stale runs failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("marked stale runs as failed", "count", n)
	}
	return nil
}
