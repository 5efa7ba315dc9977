// Package batch orchestrates a batch run: it enumerates the input tree,
// feeds a bounded worker pool running the per-item pipeline, and detects
// completion without joining on the workers.
package batch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/eargollo/dicomanon/internal/outpath"
)

// Options describes one run.
type Options struct {
	Input       string
	Output      string
	Template    *outpath.Template
	Workers     int
	TriggeredBy string
	Runner      Runner
	Observer    Observer
}

// Run executes a run with a fresh State.
func Run(ctx context.Context, opts Options) (Summary, error) {
	return Execute(ctx, opts, newRunState())
}

func newRunState() *State {
	return NewState(uuid.NewString(), time.Now())
}

// Execute runs opts against state and blocks until the completion tracker
// fires. The returned error is non-nil when the run was aborted by an
// unexpected error or by ctx.
func Execute(ctx context.Context, opts Options, state *State) (Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	info := RunInfo{
		ID:          state.ID,
		TriggeredBy: opts.TriggeredBy,
		Input:       opts.Input,
		Output:      opts.Output,
		Workers:     workers,
		StartedAt:   state.StartedAt,
	}
	if opts.Template != nil {
		info.Pattern = opts.Template.String()
	}

	obs := opts.Observer
	if obs == nil {
		obs = Observers(nil)
	}
	obs.OnStart(info)

	tracker := NewTracker(state, info, obs)
	pool := NewPool(state, tracker, opts.Runner, workers)
	pool.Start(ctx)

	enum := &Enumerator{
		Resolver: &outpath.Resolver{Root: opts.Input, Dest: opts.Output, Template: opts.Template},
		Submit:   pool.Submit,
	}
	if err := enum.Enumerate(opts.Input); err != nil {
		if !errors.Is(err, ErrAborted) {
			tracker.Fail(err)
		}
	} else {
		tracker.MarkEnumerationComplete()
	}

	select {
	case <-tracker.Done():
	case <-ctx.Done():
		tracker.Fail(ctx.Err())
		<-tracker.Done()
	}

	if tracker.Err() != nil {
		cancel()
	}
	pool.Close()
	pool.Wait()
	return tracker.Summary(), tracker.Err()
}
