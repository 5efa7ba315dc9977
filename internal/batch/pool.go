package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/eargollo/dicomanon/internal/pipeline"
)

// Runner processes one item. *pipeline.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, item pipeline.WorkItem) (pipeline.Result, error)
}

// Pool runs submitted items on a fixed number of workers. Submission and
// dequeue update the State counters under the State lock.
type Pool struct {
	state   *State
	tracker *Tracker
	runner  Runner
	workers int
	queue   *workQueue
	wg      sync.WaitGroup
}

// NewPool creates a pool of n workers (clamped to at least 1).
func NewPool(state *State, tracker *Tracker, runner Runner, n int) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{
		state:   state,
		tracker: tracker,
		runner:  runner,
		workers: n,
		queue:   newWorkQueue(&state.mu),
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	for i := 1; i <= p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.worker(ctx, id)
		}(i)
	}
}

// Submit enqueues an item. It returns ErrAborted once the run has ended.
func (p *Pool) Submit(item pipeline.WorkItem) error {
	s := p.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || p.queue.closed {
		return ErrAborted
	}
	s.queued++
	s.submitted++
	p.queue.push(item)
	return nil
}

// Close stops the workers after their current item; queued items are dropped.
func (p *Pool) Close() {
	p.state.mu.Lock()
	p.queue.close()
	p.state.mu.Unlock()
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() { p.wg.Wait() }

// next blocks for the next item and moves it from queued to active.
func (p *Pool) next() (pipeline.WorkItem, bool) {
	s := p.state
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := p.queue.pop()
	if !ok {
		return item, false
	}
	s.queued--
	s.active++
	return item, true
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		item, ok := p.next()
		if !ok {
			return
		}
		started := time.Now()
		res, err := p.runOne(ctx, item)
		if err != nil {
			p.tracker.Fail(fmt.Errorf("process %s: %w", item.InputPath, err))
			return
		}
		res.Worker = id
		res.Duration = time.Since(started)
		p.tracker.Report(res)
	}
}

// runOne converts a panic inside a stage into an error so that it aborts the
// run instead of crashing the process mid-write.
func (p *Pool) runOne(ctx context.Context, item pipeline.WorkItem) (res pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return p.runner.Run(ctx, item)
}
