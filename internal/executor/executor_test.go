package executor

import (
	"sync"
	"sync/atomic"
	"time"
)

// mockTaskable is a minimal tenant for tests.
type mockTaskable struct {
	name string
	gid  uint64

	qLogs   atomic.Int64
	runLogs atomic.Int64
}

func newMockTaskable(name string, gid uint64) *mockTaskable {
	return &mockTaskable{name: name, gid: gid}
}

func (m *mockTaskable) Name() string { return m.name }
func (m *mockTaskable) GID() uint64  { return m.gid }
func (m *mockTaskable) WorkloadPolicy() WorkloadPolicy {
	return WorkloadPolicy{Priority: HighBucketPriority, Shards: 1}
}
func (m *mockTaskable) LogQTime(TaskID, time.Duration)   { m.qLogs.Add(1) }
func (m *mockTaskable) LogRunTime(TaskID, time.Duration) { m.runLogs.Add(1) }

// fakeClock freezes time for deterministic waketime arithmetic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(at time.Time) *fakeClock { return &fakeClock{t: at} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// gateTask blocks inside Run until released, so tests can observe a task
// mid-execution.
type gateTask struct {
	*GlobalTask
	running chan struct{}
	release chan struct{}
	again   bool
}

func newGateTask(t Taskable, id TaskID, cbs bool) *gateTask {
	return &gateTask{
		GlobalTask: NewGlobalTask(t, id, 0, cbs),
		running:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (t *gateTask) Run() bool {
	close(t.running)
	<-t.release
	return t.again
}

func (t *gateTask) Description() string { return "Gate Task" }

func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
