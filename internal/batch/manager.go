package batch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadyRunning is returned when a run is started while one is in progress.
var ErrAlreadyRunning = errors.New("a run is already in progress")

// ErrNoActiveRun is returned when cancel is called with no run active.
var ErrNoActiveRun = errors.New("no run is currently active")

// Manager enforces a single active run and exposes its live state.
// It is safe for concurrent use.
type Manager struct {
	mu   sync.Mutex
	opts Options

	active   *State
	cancelFn context.CancelFunc
}

// NewManager creates a Manager that starts runs configured by opts.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts}
}

// Run executes one run synchronously, or returns ErrAlreadyRunning.
func (m *Manager) Run(ctx context.Context, triggeredBy string) (Summary, error) {
	runCtx, opts, state, err := m.begin(ctx, triggeredBy)
	if err != nil {
		return Summary{}, err
	}
	defer m.end()
	return Execute(runCtx, opts, state)
}

// Start launches a run in the background and returns its first snapshot.
// The run outlives the caller's request; it is bounded by ctx.
func (m *Manager) Start(ctx context.Context, triggeredBy string) (Snapshot, error) {
	runCtx, opts, state, err := m.begin(ctx, triggeredBy)
	if err != nil {
		return Snapshot{}, err
	}
	go func() {
		defer m.end()
		if _, err := Execute(runCtx, opts, state); err != nil {
			slog.Warn("background run ended with error", "id", state.ID, "error", err)
		}
	}()
	return state.Snapshot(), nil
}

func (m *Manager) begin(ctx context.Context, triggeredBy string) (context.Context, Options, *State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, Options{}, nil, ErrAlreadyRunning
	}
	opts := m.opts
	opts.TriggeredBy = triggeredBy
	runCtx, cancel := context.WithCancel(ctx)
	m.active = newRunState()
	m.cancelFn = cancel
	return runCtx, opts, m.active, nil
}

func (m *Manager) end() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelFn != nil {
		m.cancelFn()
	}
	m.active = nil
	m.cancelFn = nil
}

// Cancel aborts the active run. Returns ErrNoActiveRun if idle.
func (m *Manager) Cancel() (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Snapshot{}, ErrNoActiveRun
	}
	m.cancelFn()
	return m.active.Snapshot(), nil
}

// Active returns a snapshot of the running batch, or nil when idle.
func (m *Manager) Active() *Snapshot {
	m.mu.Lock()
	state := m.active
	m.mu.Unlock()
	if state == nil {
		return nil
	}
	snap := state.Snapshot()
	return &snap
}
