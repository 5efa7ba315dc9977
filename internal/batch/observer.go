package batch

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/eargollo/dicomanon/internal/pipeline"
)

// RunInfo describes a run as it starts.
type RunInfo struct {
	ID          string
	TriggeredBy string
	Input       string
	Output      string
	Pattern     string
	Workers     int
	StartedAt   time.Time
}

// Summary is emitted once when a run ends.
type Summary struct {
	RunInfo
	Counts     Snapshot
	FinishedAt time.Time
	Elapsed    time.Duration
	Err        error
}

// Status is "completed" or "failed".
func (s Summary) Status() string {
	if s.Err != nil {
		return "failed"
	}
	return "completed"
}

// Observer decouples reporting from the batch core. Implementations must be
// safe for concurrent use: OnItemDone is called from worker goroutines.
type Observer interface {
	OnStart(info RunInfo)
	OnItemDone(res pipeline.Result)
	OnDone(sum Summary)
}

// Observers fans every event out to each observer in order.
type Observers []Observer

func (o Observers) OnStart(info RunInfo) {
	for _, x := range o {
		x.OnStart(info)
	}
}

func (o Observers) OnItemDone(res pipeline.Result) {
	for _, x := range o {
		x.OnItemDone(res)
	}
}

func (o Observers) OnDone(sum Summary) {
	for _, x := range o {
		x.OnDone(sum)
	}
}

// Console writes item reports and the elapsed-time line to w. Writes are
// serialized so reports from different workers never interleave. Skipped
// items are only printed in verbose mode.
type Console struct {
	mu      sync.Mutex
	w       io.Writer
	verbose bool
}

// NewConsole creates a Console writing to w.
func NewConsole(w io.Writer, verbose bool) *Console {
	return &Console{w: w, verbose: verbose}
}

func (c *Console) OnStart(info RunInfo) {
	slog.Info("run started",
		"id", info.ID,
		"triggered_by", info.TriggeredBy,
		"input", info.Input,
		"output", info.Output,
		"pattern", info.Pattern,
		"workers", info.Workers)
}

func (c *Console) OnItemDone(res pipeline.Result) {
	if res.Outcome == pipeline.Skipped && !c.verbose {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.w, res.Report())
}

func (c *Console) OnDone(sum Summary) {
	c.mu.Lock()
	fmt.Fprintf(c.w, "----\nElapsed time: %.3f\n", sum.Elapsed.Seconds())
	c.mu.Unlock()

	attrs := []any{
		"id", sum.ID,
		"status", sum.Status(),
		"files", sum.Counts.Reported,
		"anonymized", sum.Counts.Anonymized,
		"skipped", sum.Counts.Skipped,
		"failed", sum.Counts.Failed,
		"input_bytes", humanize.Bytes(uint64(sum.Counts.Bytes)),
		"elapsed", sum.Elapsed.Round(time.Millisecond),
	}
	if sum.Err != nil {
		slog.Error("run aborted", append(attrs, "error", sum.Err)...)
		return
	}
	slog.Info("run finished", attrs...)
}
