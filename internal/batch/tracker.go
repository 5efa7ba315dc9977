package batch

import (
	"errors"
	"time"

	"github.com/eargollo/dicomanon/internal/pipeline"
)

// ErrAborted is returned by Submit once the run has finished or failed.
var ErrAborted = errors.New("batch run aborted")

// Tracker detects the end of a run. After every item report, and once more
// when enumeration completes, it checks under the State lock whether
// enumeration is complete, nothing is queued and no worker is active. The
// first time that holds it emits the summary and closes Done; later
// evaluations are no-ops.
type Tracker struct {
	state *State
	obs   Observer
	info  RunInfo
	doneC chan struct{}

	summary Summary
}

// NewTracker creates a tracker for state; obs receives item reports and the
// final summary.
func NewTracker(state *State, info RunInfo, obs Observer) *Tracker {
	if obs == nil {
		obs = Observers(nil)
	}
	return &Tracker{state: state, obs: obs, info: info, doneC: make(chan struct{})}
}

// Done is closed exactly once, when the run completes or fails.
func (t *Tracker) Done() <-chan struct{} { return t.doneC }

// Err returns the fatal error that ended the run, if any. Only meaningful
// after Done is closed.
func (t *Tracker) Err() error { return t.summary.Err }

// Summary returns the final summary. Only meaningful after Done is closed.
func (t *Tracker) Summary() Summary { return t.summary }

// Report records a finished item. The observers see the item before the
// worker is released, so the summary always follows every item report.
func (t *Tracker) Report(res pipeline.Result) {
	t.obs.OnItemDone(res)

	s := t.state
	s.mu.Lock()
	s.active--
	s.reported++
	s.outcomes[res.Outcome]++
	s.bytes += res.Size
	fire := t.checkLocked()
	s.mu.Unlock()

	if fire {
		t.finish()
	}
}

// MarkEnumerationComplete records that no further items will be submitted.
// It must be called after the last Submit has returned.
func (t *Tracker) MarkEnumerationComplete() {
	s := t.state
	s.mu.Lock()
	s.enumerationComplete = true
	fire := t.checkLocked()
	s.mu.Unlock()

	if fire {
		t.finish()
	}
}

// Fail ends the run with err unless it already ended.
func (t *Tracker) Fail(err error) {
	s := t.state
	s.mu.Lock()
	fire := !s.done
	if fire {
		s.done = true
		s.err = err
	}
	s.mu.Unlock()

	if fire {
		t.finish()
	}
}

// checkLocked flips done on the first true evaluation of the completion
// predicate and reports whether this call did so. Caller holds state.mu.
func (t *Tracker) checkLocked() bool {
	s := t.state
	if s.done || !s.finishedLocked() {
		return false
	}
	s.done = true
	return true
}

func (t *Tracker) finish() {
	t.state.mu.Lock()
	snap := t.state.snapshotLocked()
	err := t.state.err
	t.state.mu.Unlock()

	finished := time.Now()
	t.summary = Summary{
		RunInfo:    t.info,
		Counts:     snap,
		FinishedAt: finished,
		Elapsed:    finished.Sub(t.info.StartedAt),
		Err:        err,
	}
	t.obs.OnDone(t.summary)
	close(t.doneC)
}
