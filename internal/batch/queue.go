package batch

import (
	"sync"

	"github.com/eargollo/dicomanon/internal/pipeline"
)

// workQueue is an unbounded FIFO of work items. It has no lock of its own:
// every method must be called with the owning State's mutex held, and cond
// is bound to that mutex.
type workQueue struct {
	cond   *sync.Cond
	items  []pipeline.WorkItem
	head   int // index of the next item to pop; avoids O(n) re-slicing
	closed bool
}

func newWorkQueue(mu *sync.Mutex) *workQueue {
	return &workQueue{cond: sync.NewCond(mu)}
}

func (q *workQueue) len() int { return len(q.items) - q.head }

// push appends an item and wakes one waiting worker.
func (q *workQueue) push(item pipeline.WorkItem) {
	q.items = append(q.items, item)
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed. Returns
// false once the queue is closed; pending items are dropped.
func (q *workQueue) pop() (pipeline.WorkItem, bool) {
	for q.len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return pipeline.WorkItem{}, false
	}
	item := q.items[q.head]
	q.items[q.head] = pipeline.WorkItem{} // release references so GC can collect them
	q.head++
	// Compact when we've consumed at least 1 000 items and head has passed
	// the midpoint, which keeps the backing array from growing without bound.
	if q.head >= 1000 && q.head >= len(q.items)/2 {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return item, true
}

// close wakes every waiting worker; subsequent pops return false.
func (q *workQueue) close() {
	q.closed = true
	q.cond.Broadcast()
}
