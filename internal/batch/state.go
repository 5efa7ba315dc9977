package batch

import (
	"sync"
	"time"

	"github.com/eargollo/dicomanon/internal/pipeline"
)

// State is the shared accounting of one batch run. The enumerator, the
// worker pool and the completion tracker all mutate it under mu, which is
// also the lock guarding the pool's queue, so the completion predicate is
// always evaluated against a consistent view.
type State struct {
	ID        string
	StartedAt time.Time

	mu                  sync.Mutex
	enumerationComplete bool
	queued              int
	active              int
	submitted           int
	reported            int
	outcomes            [3]int
	bytes               int64
	done                bool
	err                 error
}

// NewState creates the state for a run identified by id.
func NewState(id string, startedAt time.Time) *State {
	return &State{ID: id, StartedAt: startedAt}
}

// Snapshot is a point-in-time copy of State, safe to hand to other goroutines.
type Snapshot struct {
	ID                  string    `json:"id"`
	StartedAt           time.Time `json:"started_at"`
	EnumerationComplete bool      `json:"enumeration_complete"`
	Queued              int       `json:"queued"`
	Active              int       `json:"active"`
	Submitted           int       `json:"submitted"`
	Reported            int       `json:"reported"`
	Anonymized          int       `json:"anonymized"`
	Skipped             int       `json:"skipped"`
	Failed              int       `json:"failed"`
	Bytes               int64     `json:"bytes"`
	Done                bool      `json:"done"`
}

// Snapshot returns the current counters.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	return Snapshot{
		ID:                  s.ID,
		StartedAt:           s.StartedAt,
		EnumerationComplete: s.enumerationComplete,
		Queued:              s.queued,
		Active:              s.active,
		Submitted:           s.submitted,
		Reported:            s.reported,
		Anonymized:          s.outcomes[pipeline.Anonymized],
		Skipped:             s.outcomes[pipeline.Skipped],
		Failed:              s.outcomes[pipeline.Failed],
		Bytes:               s.bytes,
		Done:                s.done,
	}
}

// finishedLocked reports whether the batch is complete. Caller holds mu.
func (s *State) finishedLocked() bool {
	return s.enumerationComplete && s.queued == 0 && s.active == 0
}
