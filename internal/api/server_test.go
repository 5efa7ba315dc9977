package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eargollo/dicomanon/internal/batch"
	internaldb "github.com/eargollo/dicomanon/internal/db"
	"github.com/eargollo/dicomanon/internal/ledger"
	"github.com/eargollo/dicomanon/internal/pipeline"
)

func mustOpenDB(tb testing.TB) *sql.DB {
	tb.Helper()
	db, err := internaldb.OpenMigrated(filepath.Join(tb.TempDir(), "test.db"))
	if err != nil {
		tb.Fatalf("open test DB: %v", err)
	}
	tb.Cleanup(func() { db.Close() })
	return db
}

type runnerFunc func(ctx context.Context, item pipeline.WorkItem) (pipeline.Result, error)

func (f runnerFunc) Run(ctx context.Context, item pipeline.WorkItem) (pipeline.Result, error) {
	return f(ctx, item)
}

func newTestServer(t *testing.T, db *sql.DB, runner batch.Runner) (*httptest.Server, *batch.Manager) {
	t.Helper()
	in := t.TempDir()
	for _, name := range []string{"a.dcm", "b.dcm", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(in, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	var obs batch.Observer = batch.Observers(nil)
	if db != nil {
		obs = ledger.NewRecorder(db)
	}
	mgr := batch.NewManager(batch.Options{
		Input:    in,
		Output:   filepath.Join(t.TempDir(), "out"),
		Workers:  2,
		Runner:   runner,
		Observer: obs,
	})
	srv := New(context.Background(), ":0", db, mgr, nil, "test")
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, mgr
}

func anonymizeAll() batch.Runner {
	return runnerFunc(func(_ context.Context, item pipeline.WorkItem) (pipeline.Result, error) {
		out := pipeline.Anonymized
		if filepath.Ext(item.InputPath) != ".dcm" {
			out = pipeline.Skipped
		}
		return pipeline.Result{InputPath: item.InputPath, OutputPath: item.OutputPath, Outcome: out}, nil
	})
}

func getJSON(t *testing.T, url string, want int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, want)
	}
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func waitIdle(t *testing.T, mgr *batch.Manager) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for mgr.Active() != nil {
		if time.Now().After(deadline) {
			t.Fatal("run did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRunLifecycle(t *testing.T) {
	db := mustOpenDB(t)
	ts, mgr := newTestServer(t, db, anonymizeAll())

	resp, err := http.Post(ts.URL+"/api/runs", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || created.ID == "" {
		t.Fatalf("POST /api/runs: %d %+v", resp.StatusCode, created)
	}
	waitIdle(t, mgr)

	var list struct {
		Items []ledger.Run `json:"items"`
		Total int          `json:"total"`
	}
	getJSON(t, ts.URL+"/api/runs", http.StatusOK, &list)
	if list.Total != 1 || list.Items[0].ID != created.ID {
		t.Fatalf("runs = %+v", list)
	}
	if r := list.Items[0]; r.Status != "completed" || r.Anonymized != 2 || r.Skipped != 1 || r.TriggeredBy != "api" {
		t.Errorf("run = %+v", r)
	}

	var run ledger.Run
	getJSON(t, ts.URL+"/api/runs/"+created.ID, http.StatusOK, &run)
	if run.ID != created.ID {
		t.Errorf("GET run id = %q", run.ID)
	}

	var results struct {
		Items []ledger.ItemResult `json:"items"`
		Total int                 `json:"total"`
	}
	getJSON(t, ts.URL+"/api/runs/"+created.ID+"/results?outcome=skipped", http.StatusOK, &results)
	if results.Total != 1 || filepath.Base(results.Items[0].InputPath) != "notes.txt" {
		t.Errorf("skipped results = %+v", results)
	}

	getJSON(t, ts.URL+"/api/runs/"+created.ID+"/results?outcome=bogus", http.StatusBadRequest, nil)
	getJSON(t, ts.URL+"/api/runs/nope", http.StatusNotFound, nil)
	getJSON(t, ts.URL+"/api/runs/nope/results", http.StatusNotFound, nil)

	var status struct {
		Version          string          `json:"version"`
		ActiveRun        *batch.Snapshot `json:"active_run"`
		LastCompletedRun *ledger.Run     `json:"last_completed_run"`
	}
	getJSON(t, ts.URL+"/api/status", http.StatusOK, &status)
	if status.Version != "test" || status.ActiveRun != nil || status.LastCompletedRun == nil {
		t.Errorf("status = %+v", status)
	}
}

func TestStatusShowsActiveRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	runner := runnerFunc(func(_ context.Context, item pipeline.WorkItem) (pipeline.Result, error) {
		started <- struct{}{}
		<-release
		return pipeline.Result{InputPath: item.InputPath, Outcome: pipeline.Anonymized}, nil
	})
	ts, mgr := newTestServer(t, nil, runner)

	if _, err := mgr.Start(context.Background(), "manual"); err != nil {
		t.Fatal(err)
	}
	<-started

	var status struct {
		ActiveRun *batch.Snapshot `json:"active_run"`
	}
	getJSON(t, ts.URL+"/api/status", http.StatusOK, &status)
	if status.ActiveRun == nil || status.ActiveRun.Active == 0 {
		t.Errorf("active run = %+v", status.ActiveRun)
	}

	resp, err := http.Post(ts.URL+"/api/runs", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second POST: %d, want 409", resp.StatusCode)
	}

	close(release)
	waitIdle(t, mgr)
}

func TestCancelWithoutRun(t *testing.T) {
	ts, _ := newTestServer(t, nil, anonymizeAll())
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/runs/current", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("DELETE /api/runs/current: %d, want 404", resp.StatusCode)
	}
}

func TestHistoryNeedsLedger(t *testing.T) {
	ts, _ := newTestServer(t, nil, anonymizeAll())
	getJSON(t, ts.URL+"/api/runs", http.StatusServiceUnavailable, nil)
	getJSON(t, ts.URL+"/api/status", http.StatusOK, nil)
}
