// Package scheduler re-runs the batch on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eargollo/dicomanon/internal/batch"
)

// Scheduler wraps robfig/cron with a single tracked job. A tick that fires
// while the previous one is still running is skipped.
type Scheduler struct {
	mu       sync.RWMutex
	c        *cron.Cron
	entryID  cron.EntryID
	cronExpr string
}

// New creates a stopped Scheduler. Call Start to activate it.
func New() *Scheduler {
	logger := cron.VerbosePrintfLogger(slogPrintf{})
	return &Scheduler{
		c: cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
	}
}

// Validate reports whether expr is a standard five-field cron expression
// (descriptors such as @daily are accepted too).
func Validate(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// SetJob replaces the current job with fn on expr.
func (s *Scheduler) SetJob(expr string, fn func()) error {
	if err := Validate(expr); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entryID != 0 {
		s.c.Remove(s.entryID)
	}
	id, err := s.c.AddFunc(expr, fn)
	if err != nil {
		return err
	}
	s.entryID = id
	s.cronExpr = expr
	slog.Info("scheduler: job set", "cron", expr)
	return nil
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.c.Start()
}

// Stop halts the cron loop and waits for a running job to return or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// NextRunAt returns the next scheduled time, or nil if no job is set.
func (s *Scheduler) NextRunAt() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.entryID == 0 {
		return nil
	}
	entry := s.c.Entry(s.entryID)
	if entry.ID == 0 || entry.Next.IsZero() {
		return nil
	}
	t := entry.Next
	return &t
}

// CronExpr returns the current cron expression.
func (s *Scheduler) CronExpr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cronExpr
}

// BatchJob returns a job that runs mgr once per tick. A tick that finds a
// run already active (for instance one started over the API) is skipped.
func BatchJob(ctx context.Context, mgr *batch.Manager) func() {
	return func() {
		slog.Info("scheduled run triggered")
		_, err := mgr.Run(ctx, "schedule")
		switch {
		case errors.Is(err, batch.ErrAlreadyRunning):
			slog.Warn("scheduled run skipped: a run is already active")
		case err != nil:
			slog.Error("scheduled run failed", "error", err)
		}
	}
}

// slogPrintf adapts slog to cron's Printf logger.
type slogPrintf struct{}

func (slogPrintf) Printf(format string, args ...any) {
	slog.Debug("cron: " + fmt.Sprintf(format, args...))
}
