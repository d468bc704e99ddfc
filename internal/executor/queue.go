package executor

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	logx "kvexec/pkg/logx"
)

// minSleepTime caps how long an idle worker sleeps before rescanning its
// queue. It also bounds how long a surplus worker takes to notice it has been
// asked to exit.
const minSleepTime = 2 * time.Second

// taskQueue orders and dispenses one category's work across all tenants.
//
// Tasks live in exactly one of two heaps: future (ordered by waketime) holds
// tasks not yet due, ready (ordered by priority, then waketime, then schedule
// order) holds tasks eligible now. fetchNextTask promotes due tasks and pops
// the best ready one in a single critical section, so the ready counters
// never drift from the heap contents.
type taskQueue struct {
	cat  Category
	log  logx.Logger
	name string

	// totReady aggregates ready tasks across the whole pool; readyCount is
	// this queue's share. Both are updated under mu, next to the heap ops
	// they account for.
	totReady   *atomic.Int64
	readyCount atomic.Int64

	mu     sync.Mutex
	future futureHeap
	ready  readyHeap

	// signal nudges one sleeping worker to rescan. Capacity 1: a nudge with
	// no sleeper is kept and consumed by the next fetch, which costs one
	// spurious rescan and nothing else.
	signal chan struct{}
}

func newTaskQueue(cat Category, totReady *atomic.Int64, log logx.Logger) *taskQueue {
	return &taskQueue{
		cat:      cat,
		log:      log,
		name:     cat.String(),
		totReady: totReady,
		signal:   make(chan struct{}, 1),
	}
}

// push inserts a task into the future queue at its current waketime. Used
// both for initial scheduling and for re-insertion after Run.
func (q *taskQueue) push(t Task) {
	q.mu.Lock()
	heap.Push(&q.future, t)
	q.mu.Unlock()
	q.nudge()
}

// wake makes a task due immediately without moving it between queues: the
// next fetch promotes it in order. Promoting in place keeps queue siblings
// schedulable; moving the woken task straight to the ready queue is how
// MB-18953 lost them.
func (q *taskQueue) wake(t Task) {
	gt := t.base()
	q.mu.Lock()
	gt.setWaketime(now())
	if gt.qpos >= 0 {
		if gt.inFuture {
			heap.Fix(&q.future, gt.qpos)
		} else {
			heap.Fix(&q.ready, gt.qpos)
		}
	}
	q.mu.Unlock()
	q.nudge()
}

// fetchNextTask blocks until a task is eligible or stop is closed.
//
// Dead tasks are dispensed like any other so the caller can discard them and
// release the pool's references.
func (q *taskQueue) fetchNextTask(stop <-chan struct{}) (Task, bool) {
	for {
		q.mu.Lock()
		q.promoteDue()
		if q.ready.Len() > 0 {
			t := heap.Pop(&q.ready).(Task)
			q.readyCount.Add(-1)
			q.totReady.Add(-1)
			q.mu.Unlock()
			return t, true
		}
		wait := minSleepTime
		if q.future.Len() > 0 {
			if d := q.future.items[0].base().Waketime().Sub(now()); d < wait {
				wait = d
			}
		}
		q.mu.Unlock()

		if wait <= 0 {
			// A future task became due between the sweep and the deadline
			// computation; rescan.
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return nil, false
		case <-q.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// promoteDue moves every due task from future to ready. Caller holds mu.
func (q *taskQueue) promoteDue() {
	t := now()
	for q.future.Len() > 0 && !q.future.items[0].base().Waketime().After(t) {
		task := heap.Pop(&q.future).(Task)
		heap.Push(&q.ready, task)
		q.readyCount.Add(1)
		q.totReady.Add(1)
	}
}

// remove takes a task out of whichever heap currently holds it. Caller must
// not hold mu. Returns false if the task was not queued (e.g. running).
func (q *taskQueue) remove(t Task) bool {
	gt := t.base()
	q.mu.Lock()
	defer q.mu.Unlock()
	if gt.qpos < 0 {
		return false
	}
	if gt.inFuture {
		heap.Remove(&q.future, gt.qpos)
	} else {
		heap.Remove(&q.ready, gt.qpos)
		q.readyCount.Add(-1)
		q.totReady.Add(-1)
	}
	return true
}

// clear empties both heaps and returns the removed tasks.
func (q *taskQueue) clear() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, q.future.Len()+q.ready.Len())
	for q.future.Len() > 0 {
		out = append(out, heap.Pop(&q.future).(Task))
	}
	for q.ready.Len() > 0 {
		out = append(out, heap.Pop(&q.ready).(Task))
		q.readyCount.Add(-1)
		q.totReady.Add(-1)
	}
	return out
}

func (q *taskQueue) futureSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.future.Len()
}

func (q *taskQueue) readySize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len()
}

func (q *taskQueue) nudge() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// ---- heaps ----

// futureHeap orders by waketime, earliest first.
type futureHeap struct{ items []Task }

func (h futureHeap) Len() int { return len(h.items) }

func (h futureHeap) Less(i, j int) bool {
	return h.items[i].base().Waketime().Before(h.items[j].base().Waketime())
}

func (h futureHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].base().qpos = i
	h.items[j].base().qpos = j
}

func (h *futureHeap) Push(x any) {
	t := x.(Task)
	gt := t.base()
	gt.qpos = len(h.items)
	gt.inFuture = true
	h.items = append(h.items, t)
}

func (h *futureHeap) Pop() any {
	n := len(h.items)
	t := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	gt := t.base()
	gt.qpos = -1
	gt.inFuture = false
	return t
}

// readyHeap orders by priority (smaller first), then waketime (older first),
// then schedule order, so equal-priority peers dispatch FIFO.
type readyHeap struct{ items []Task }

func (h readyHeap) Len() int { return len(h.items) }

func (h readyHeap) Less(i, j int) bool {
	a, b := h.items[i].base(), h.items[j].base()
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	wa, wb := a.Waketime(), b.Waketime()
	if !wa.Equal(wb) {
		return wa.Before(wb)
	}
	return a.uid < b.uid
}

func (h readyHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].base().qpos = i
	h.items[j].base().qpos = j
}

func (h *readyHeap) Push(x any) {
	t := x.(Task)
	gt := t.base()
	gt.qpos = len(h.items)
	gt.inFuture = false
	h.items = append(h.items, t)
}

func (h *readyHeap) Pop() any {
	n := len(h.items)
	t := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	t.base().qpos = -1
	return t
}
