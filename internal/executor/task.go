package executor

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is a task's lifecycle state. Dead is terminal.
type State int32

const (
	StateRunnable State = iota
	StateRunning
	StateDead
)

func (s State) String() string {
	switch s {
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Task is one schedulable unit of work.
//
// Run performs one slice of work and reports whether the task wants to be
// rescheduled. A task that wants to run again later calls Snooze from inside
// Run and returns true; returning false kills it.
//
// Concrete tasks embed *GlobalTask, which supplies everything except Run and
// Description.
type Task interface {
	Run() bool
	Description() string

	base() *GlobalTask
}

// GlobalTask carries the scheduling bookkeeping shared by every task kind.
type GlobalTask struct {
	taskable Taskable
	id       TaskID
	priority int
	cbs      bool // drain rather than cancel at shutdown

	// Assigned by the pool at schedule time; immutable afterwards.
	uid      uint64
	category Category

	state atomic.Int32

	mu       sync.Mutex
	waketime time.Time

	// Heap bookkeeping, guarded by the owning queue's lock.
	qpos     int
	inFuture bool
}

// NewGlobalTask seeds a task for the given owner. The task first becomes
// eligible sleep after creation.
func NewGlobalTask(t Taskable, id TaskID, sleep time.Duration, completeBeforeShutdown bool) *GlobalTask {
	gt := &GlobalTask{
		taskable: t,
		id:       id,
		priority: id.Priority(),
		cbs:      completeBeforeShutdown,
		waketime: now().Add(sleep),
		qpos:     -1,
	}
	gt.state.Store(int32(StateRunnable))
	return gt
}

func (t *GlobalTask) base() *GlobalTask { return t }

// TaskIDOf returns the kind of any task.
func TaskIDOf(t Task) TaskID { return t.base().id }

// ID returns the task's kind.
func (t *GlobalTask) ID() TaskID { return t.id }

// UID returns the pool-assigned task handle (0 before scheduling).
func (t *GlobalTask) UID() uint64 { return t.uid }

// Taskable returns the owning tenant.
func (t *GlobalTask) Taskable() Taskable { return t.taskable }

// Priority returns the task's priority; smaller runs first.
func (t *GlobalTask) Priority() int { return t.priority }

// CompleteBeforeShutdown reports whether shutdown drains this task instead of
// cancelling it.
func (t *GlobalTask) CompleteBeforeShutdown() bool { return t.cbs }

// State returns the current lifecycle state.
func (t *GlobalTask) State() State { return State(t.state.Load()) }

// Cancel marks the task dead. The next fetch discards it without running it;
// a task already running finishes its current slice.
func (t *GlobalTask) Cancel() { t.state.Store(int32(StateDead)) }

// IsDead reports whether the task has been cancelled or completed.
func (t *GlobalTask) IsDead() bool { return t.State() == StateDead }

// Snooze pushes the waketime to now+d on the monotonic clock. Callable from
// inside Run (the usual case for periodic tasks) or externally.
func (t *GlobalTask) Snooze(d time.Duration) {
	t.mu.Lock()
	t.waketime = now().Add(d)
	t.mu.Unlock()
}

// Waketime returns the absolute time at which the task becomes eligible.
func (t *GlobalTask) Waketime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

func (t *GlobalTask) setWaketime(at time.Time) {
	t.mu.Lock()
	t.waketime = at
	t.mu.Unlock()
}

// transition flips runnable->running (and back) around Run.
func (t *GlobalTask) transition(from, to State) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

// LambdaTask wraps a closure as a task. Used by tests and for small one-shot
// notifications where a dedicated kind would be noise.
type LambdaTask struct {
	*GlobalTask
	desc string
	fn   func(*LambdaTask) bool
}

func NewLambdaTask(t Taskable, id TaskID, sleep time.Duration, completeBeforeShutdown bool, fn func(*LambdaTask) bool) *LambdaTask {
	return &LambdaTask{
		GlobalTask: NewGlobalTask(t, id, sleep, completeBeforeShutdown),
		desc:       "Lambda Task",
		fn:         fn,
	}
}

func (t *LambdaTask) Run() bool {
	if t.fn == nil {
		return false
	}
	return t.fn(t)
}

func (t *LambdaTask) Description() string { return t.desc }
