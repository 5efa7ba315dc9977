package batch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/eargollo/dicomanon/internal/pipeline"
)

func TestManagerSingleActiveRun(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in")
	writeFile(t, filepath.Join(in, "a.dcm"), "d")

	release := make(chan struct{})
	started := make(chan struct{})
	blocking := runnerFunc(func(_ context.Context, item pipeline.WorkItem) (pipeline.Result, error) {
		close(started)
		<-release
		return pipeline.Result{InputPath: item.InputPath, Outcome: pipeline.Anonymized}, nil
	})
	mgr := NewManager(Options{Input: in, Output: filepath.Join(t.TempDir(), "out"), Runner: blocking})

	if mgr.Active() != nil {
		t.Fatal("idle manager reports an active run")
	}
	if _, err := mgr.Cancel(); !errors.Is(err, ErrNoActiveRun) {
		t.Fatalf("Cancel on idle manager: got %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := mgr.Run(context.Background(), "manual")
		errc <- err
	}()
	<-started

	snap := mgr.Active()
	if snap == nil || snap.Active != 1 {
		t.Fatalf("active snapshot: %+v", snap)
	}
	if _, err := mgr.Run(context.Background(), "schedule"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second run: got %v, want ErrAlreadyRunning", err)
	}

	close(release)
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not finish")
	}
	if mgr.Active() != nil {
		t.Error("manager still reports an active run")
	}
}

func TestManagerStartAndCancel(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in")
	writeFile(t, filepath.Join(in, "a.dcm"), "d")

	started := make(chan struct{})
	blocking := runnerFunc(func(ctx context.Context, item pipeline.WorkItem) (pipeline.Result, error) {
		close(started)
		<-ctx.Done()
		return pipeline.Result{}, ctx.Err()
	})
	mgr := NewManager(Options{Input: in, Output: filepath.Join(t.TempDir(), "out"), Runner: blocking})

	snap, err := mgr.Start(context.Background(), "api")
	if err != nil {
		t.Fatal(err)
	}
	if snap.ID == "" {
		t.Error("Start returned a snapshot without an ID")
	}
	<-started
	if _, err := mgr.Start(context.Background(), "api"); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start: got %v", err)
	}

	cancelled, err := mgr.Cancel()
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.ID != snap.ID {
		t.Errorf("cancelled %s, started %s", cancelled.ID, snap.ID)
	}

	deadline := time.After(3 * time.Second)
	for mgr.Active() != nil {
		select {
		case <-deadline:
			t.Fatal("cancelled run did not end")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
