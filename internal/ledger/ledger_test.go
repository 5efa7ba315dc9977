package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/eargollo/dicomanon/internal/batch"
	internaldb "github.com/eargollo/dicomanon/internal/db"
	"github.com/eargollo/dicomanon/internal/pipeline"
)

// mustOpenDB opens a temp file SQLite database with the full schema applied.
func mustOpenDB(tb testing.TB) *sql.DB {
	tb.Helper()
	db, err := internaldb.OpenMigrated(filepath.Join(tb.TempDir(), "test.db"))
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return db
}

func testInfo(id string, started time.Time) batch.RunInfo {
	return batch.RunInfo{
		ID:          id,
		TriggeredBy: "cli",
		Input:       "/in",
		Output:      "/in-an",
		Workers:     4,
		StartedAt:   started,
	}
}

// TestRecorderWritesRunAndResults sends more results than one batch from
// several goroutines and checks every one lands in run_results.
func TestRecorderWritesRunAndResults(t *testing.T) {
	db := mustOpenDB(t)
	rec := NewRecorder(db)
	rec.batchSize = 7

	started := time.Unix(1_700_000_000, 0)
	info := testInfo("run-1", started)
	rec.OnStart(info)

	run, err := GetRun(context.Background(), db, "run-1")
	if err != nil {
		t.Fatalf("GetRun after start: %v", err)
	}
	if run.Status != "running" || run.FinishedAt != nil {
		t.Fatalf("run = %+v", run)
	}

	const n = 50
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < n/5; i++ {
				outcome := pipeline.Anonymized
				if i%2 == 1 {
					outcome = pipeline.Skipped
				}
				rec.OnItemDone(pipeline.Result{
					InputPath: fmt.Sprintf("/in/%d/%d.dcm", w, i),
					Outcome:   outcome,
					Worker:    w + 1,
					Duration:  3 * time.Millisecond,
					Size:      10,
					Messages:  []string{"Anonymizing", "Anonymized file"},
				})
			}
		}(w)
	}
	wg.Wait()

	rec.OnDone(batch.Summary{
		RunInfo:    info,
		Counts:     batch.Snapshot{Submitted: n, Reported: n, Anonymized: 25, Skipped: 25, Bytes: 500},
		FinishedAt: started.Add(2 * time.Second),
	})

	run, err = GetRun(context.Background(), db, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "completed" || run.Anonymized != 25 || run.Skipped != 25 || run.InputBytes != 500 {
		t.Errorf("run = %+v", run)
	}
	if run.FinishedAt == nil || !run.FinishedAt.Equal(started.Add(2*time.Second)) {
		t.Errorf("FinishedAt = %v", run.FinishedAt)
	}

	items, total, err := ListResults(context.Background(), db, "run-1", "", 200, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != n || len(items) != n {
		t.Fatalf("results: total %d, items %d, want %d", total, len(items), n)
	}
	if len(items[0].Messages) != 2 || items[0].DurationMs != 3 {
		t.Errorf("item = %+v", items[0])
	}

	skipped, total, err := ListResults(context.Background(), db, "run-1", "skipped", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 25 || len(skipped) != 10 {
		t.Errorf("skipped: total %d, page %d", total, len(skipped))
	}

	// A report arriving after the summary is dropped, not a panic.
	rec.OnItemDone(pipeline.Result{InputPath: "/in/late.dcm"})
}

func TestRecorderFailedRun(t *testing.T) {
	db := mustOpenDB(t)
	rec := NewRecorder(db)
	info := testInfo("run-2", time.Now())
	rec.OnStart(info)
	rec.OnDone(batch.Summary{RunInfo: info, FinishedAt: time.Now(), Err: errors.New("disk full")})

	run, err := GetRun(context.Background(), db, "run-2")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "failed" || run.Error != "disk full" {
		t.Errorf("run = %+v", run)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	db := mustOpenDB(t)
	rec := NewRecorder(db)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 3; i++ {
		info := testInfo(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Hour))
		rec.OnStart(info)
		rec.OnDone(batch.Summary{RunInfo: info, FinishedAt: info.StartedAt.Add(time.Minute)})
	}

	runs, total, err := ListRuns(context.Background(), db, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(runs) != 2 {
		t.Fatalf("total %d, page %d", total, len(runs))
	}
	if runs[0].ID != "run-2" || runs[1].ID != "run-1" {
		t.Errorf("order = %s, %s", runs[0].ID, runs[1].ID)
	}

	last, err := LastCompleted(context.Background(), db)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || last.ID != "run-2" {
		t.Errorf("LastCompleted = %+v", last)
	}
}

func TestGetRunNotFound(t *testing.T) {
	db := mustOpenDB(t)
	if _, err := GetRun(context.Background(), db, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	last, err := LastCompleted(context.Background(), db)
	if err != nil || last != nil {
		t.Errorf("LastCompleted on empty ledger = %v, %v", last, err)
	}
}

func TestMarkStaleRunsFailed(t *testing.T) {
	db := mustOpenDB(t)
	rec := NewRecorder(db)
	rec.OnStart(testInfo("stale", time.Now()))

	if err := MarkStaleRunsFailed(db); err != nil {
		t.Fatal(err)
	}
	run, err := GetRun(context.Background(), db, "stale")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "failed" || run.FinishedAt == nil {
		t.Errorf("run = %+v", run)
	}
}

// TestRecorderWithBatchRun wires the recorder into a real batch run.
func TestRecorderWithBatchRun(t *testing.T) {
	db := mustOpenDB(t)
	in := t.TempDir()
	for i := 0; i < 12; i++ {
		writeFile(t, filepath.Join(in, fmt.Sprintf("f%02d.dcm", i)))
	}

	runner := runnerFunc(func(_ context.Context, item pipeline.WorkItem) (pipeline.Result, error) {
		return pipeline.Result{InputPath: item.InputPath, OutputPath: item.OutputPath, Outcome: pipeline.Anonymized}, nil
	})
	sum, err := batch.Run(context.Background(), batch.Options{
		Input:       in,
		Output:      filepath.Join(t.TempDir(), "out"),
		Workers:     3,
		TriggeredBy: "test",
		Runner:      runner,
		Observer:    NewRecorder(db),
	})
	if err != nil {
		t.Fatal(err)
	}

	run, err := GetRun(context.Background(), db, sum.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != "completed" || run.Anonymized != 12 || run.TriggeredBy != "test" {
		t.Errorf("run = %+v", run)
	}
	_, total, err := ListResults(context.Background(), db, sum.ID, "anonymized", 1, 0)
	if err != nil || total != 12 {
		t.Errorf("anonymized results = %d, %v", total, err)
	}
}

type runnerFunc func(ctx context.Context, item pipeline.WorkItem) (pipeline.Result, error)

func (f runnerFunc) Run(ctx context.Context, item pipeline.WorkItem) (pipeline.Result, error) {
	return f(ctx, item)
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}
