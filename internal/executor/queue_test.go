package executor

import (
	"sync/atomic"
	"testing"
	"time"

	logx "kvexec/pkg/logx"
)

func newTestQueue(cat Category) (*taskQueue, *atomic.Int64) {
	var tot atomic.Int64
	return newTaskQueue(cat, &tot, logx.Nop()), &tot
}

func fetchNow(t *testing.T, q *taskQueue) Task {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan Task, 1)
	go func() {
		task, ok := q.fetchNextTask(stop)
		if ok {
			done <- task
		}
	}()
	select {
	case task := <-done:
		return task
	case <-time.After(2 * time.Second):
		close(stop)
		t.Fatal("fetchNextTask did not return")
		return nil
	}
}

// A scheduled-but-not-due task sits in the future queue; waking it makes it
// due without promoting it, and the ready counters never count it until the
// fetch that dispenses it.
func TestWakeKeepsTaskInFutureQueue(t *testing.T) {
	clk := newFakeClock(time.Unix(1700000000, 0))
	UseClock(clk)
	defer ResetClock()

	q, tot := newTestQueue(AuxIO)
	owner := newMockTaskable("wake", 1)

	task := NewLambdaTask(owner, StatSnap, 99999*time.Second, true, func(*LambdaTask) bool { return false })
	task.uid = 1
	q.push(task)

	if got := q.futureSize(); got != 1 {
		t.Fatalf("futureSize = %d, want 1", got)
	}
	if got := q.readySize(); got != 0 {
		t.Fatalf("readySize = %d, want 0", got)
	}
	if got := tot.Load(); got != 0 {
		t.Fatalf("totReady = %d, want 0", got)
	}

	q.wake(task)

	if got := q.futureSize(); got != 1 {
		t.Fatalf("after wake: futureSize = %d, want 1", got)
	}
	if got := q.readySize(); got != 0 {
		t.Fatalf("after wake: readySize = %d, want 0", got)
	}
	if got := tot.Load(); got != 0 {
		t.Fatalf("after wake: totReady = %d, want 0", got)
	}

	got := fetchNow(t, q)
	if got != Task(task) {
		t.Fatalf("fetched %v, want the woken task", got.Description())
	}
	if q.futureSize() != 0 || q.readySize() != 0 || tot.Load() != 0 {
		t.Fatalf("after fetch: future=%d ready=%d tot=%d, want all 0",
			q.futureSize(), q.readySize(), tot.Load())
	}
}

// Waking a high-priority task must not starve its queue siblings: with the
// high-priority task in hand, the next fetch still dispenses the low-priority
// one, and the re-inserted high-priority task runs after it.
func TestWakeDoesNotLoseSiblings(t *testing.T) {
	clk := newFakeClock(time.Unix(1700000000, 0))
	UseClock(clk)
	defer ResetClock()

	q, _ := newTestQueue(NonIO)
	owner := newMockTaskable("siblings", 1)

	hp := NewLambdaTask(owner, PendingOpsNotification, 0, false, func(*LambdaTask) bool { return true })
	hp.uid = 1
	lp := NewLambdaTask(owner, DefragmenterTask, 0, false, func(*LambdaTask) bool { return true })
	lp.uid = 2

	q.push(hp)
	q.push(lp)

	if got := fetchNow(t, q); got != Task(hp) {
		t.Fatalf("first fetch = %s, want the high-priority task", got.Description())
	}

	// hp is in hand (not queued); waking it only refreshes its waketime.
	q.wake(hp)

	if got := fetchNow(t, q); got != Task(lp) {
		t.Fatalf("second fetch = %s, want the low-priority task", got.Description())
	}

	// hp finished and was rescheduled.
	q.push(hp)
	if got := fetchNow(t, q); got != Task(hp) {
		t.Fatalf("third fetch = %s, want the high-priority task again", got.Description())
	}
}

// A Snooze from inside Run rebases the waketime on the clock at the time of
// the call, not on anything recorded at schedule time.
func TestSnoozeInsideRunUsesCompletionTime(t *testing.T) {
	base := time.Unix(1700000000, 0)
	clk := newFakeClock(base)
	UseClock(clk)
	defer ResetClock()

	q, _ := newTestQueue(NonIO)
	owner := newMockTaskable("snooze", 1)

	const dt = 100 * time.Millisecond
	task := NewLambdaTask(owner, DefragmenterTask, 0, false, func(lt *LambdaTask) bool {
		lt.Snooze(dt)
		return true
	})
	task.uid = 1
	q.push(task)

	got := fetchNow(t, q)

	// Time passes while the task waits and runs.
	clk.advance(5 * time.Second)
	if !got.Run() {
		t.Fatal("Run returned false, want true")
	}
	q.push(got)

	want := base.Add(5 * time.Second).Add(dt)
	if wt := got.base().Waketime(); !wt.Equal(want) {
		t.Fatalf("waketime = %v, want %v", wt, want)
	}
	if q.futureSize() != 1 {
		t.Fatalf("futureSize = %d, want 1", q.futureSize())
	}
}

// Among simultaneously-ready tasks, priority orders dispatch; equal priority
// dispatches oldest waketime first.
func TestReadyOrdering(t *testing.T) {
	clk := newFakeClock(time.Unix(1700000000, 0))
	UseClock(clk)
	defer ResetClock()

	q, _ := newTestQueue(NonIO)
	owner := newMockTaskable("order", 1)

	older := NewLambdaTask(owner, ConnNotifierCallback, 0, false, func(*LambdaTask) bool { return false })
	older.uid = 1

	clk.advance(time.Millisecond)
	newer := NewLambdaTask(owner, ActiveStreamCheckpointProcessorTask, 0, false, func(*LambdaTask) bool { return false })
	newer.uid = 2

	clk.advance(time.Millisecond)
	urgent := NewLambdaTask(owner, PendingOpsNotification, 0, false, func(*LambdaTask) bool { return false })
	urgent.uid = 3

	q.push(newer)
	q.push(older)
	q.push(urgent)

	want := []Task{urgent, older, newer}
	for i, w := range want {
		if got := fetchNow(t, q); got != w {
			t.Fatalf("fetch %d = %s (uid %d), want uid %d",
				i, got.Description(), got.base().uid, w.base().uid)
		}
	}
}

// A fetched task is always due: its waketime is never in the future of the
// clock at fetch time.
func TestFetchedTaskIsDue(t *testing.T) {
	clk := newFakeClock(time.Unix(1700000000, 0))
	UseClock(clk)
	defer ResetClock()

	q, _ := newTestQueue(Reader)
	owner := newMockTaskable("due", 1)

	task := NewLambdaTask(owner, MultiBGFetcherTask, 50*time.Millisecond, false, func(*LambdaTask) bool { return false })
	task.uid = 1
	q.push(task)

	clk.advance(time.Second)
	got := fetchNow(t, q)
	if wt := got.base().Waketime(); wt.After(now()) {
		t.Fatalf("fetched task waketime %v is after now %v", wt, now())
	}
}

// Blocking fetch wakes when a task is scheduled from another goroutine.
func TestFetchWakesOnSchedule(t *testing.T) {
	q, _ := newTestQueue(Writer)
	owner := newMockTaskable("blocked", 1)

	stop := make(chan struct{})
	defer close(stop)

	got := make(chan Task, 1)
	go func() {
		task, ok := q.fetchNextTask(stop)
		if ok {
			got <- task
		}
	}()

	time.Sleep(20 * time.Millisecond)
	task := NewLambdaTask(owner, FlusherTask, 0, false, func(*LambdaTask) bool { return false })
	task.uid = 1
	q.push(task)

	select {
	case fetched := <-got:
		if fetched != Task(task) {
			t.Fatalf("fetched %s, want the scheduled task", fetched.Description())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked fetch never woke")
	}
}
