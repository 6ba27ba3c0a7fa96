package runner

import (
	"context"
	"sync"

	"github.com/fastfstests/fastfstests/model"
)

// WorkItem is the scheduler's bookkeeping wrapper around a Test.
type WorkItem struct {
	Test Test

	// Attempts is the number of attempts started so far, including
	// one in flight.
	Attempts int
	// SupervisorKills counts supervisors this item has crashed, for
	// the restart-cap policy.
	SupervisorKills int

	// frontRequeues bounds priority re-enqueueing so a hot-looping
	// retry cannot starve never-attempted items.
	frontRequeues int
}

// NewWorkItem wraps a test for dispatch.
func NewWorkItem(t Test) *WorkItem {
	return &WorkItem{Test: t}
}

func (w *WorkItem) Identity() model.TestID { return w.Test.Identity() }

// workQueue is a FIFO deque shared by all workers. Pop blocks until an
// item is available, the queue is closed, or the context is done.
// Push never blocks; the run size is known up front.
type workQueue struct {
	mu     sync.Mutex
	items  []*WorkItem
	closed bool

	// notify is closed and replaced on every push so that all blocked
	// Pops wake up and re-check.
	notify    chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newWorkQueue(items []*WorkItem) *workQueue {
	q := &workQueue{
		items:   append([]*WorkItem(nil), items...),
		notify:  make(chan struct{}),
		closeCh: make(chan struct{}),
	}
	return q
}

// Pop removes and returns the item at the front of the queue. It
// returns nil once the queue is closed and drained, or when ctx is
// cancelled.
func (q *workQueue) Pop(ctx context.Context) *WorkItem {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return it
		}
		closed := q.closed
		wait := q.notify
		q.mu.Unlock()

		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-q.closeCh:
		case <-wait:
		}
	}
}

// PushFront re-enqueues an item ahead of never-attempted work.
func (q *workQueue) PushFront(it *WorkItem) {
	q.mu.Lock()
	q.items = append([]*WorkItem{it}, q.items...)
	q.wakeLocked()
	q.mu.Unlock()
}

// PushBack re-enqueues an item behind the remaining work.
func (q *workQueue) PushBack(it *WorkItem) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.wakeLocked()
	q.mu.Unlock()
}

// Close marks the queue as draining; blocked Pops return nil once the
// remaining items are consumed.
func (q *workQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.closeOnce.Do(func() { close(q.closeCh) })
}

func (q *workQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain removes and returns all remaining items.
func (q *workQueue) drain() []*WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *workQueue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}
