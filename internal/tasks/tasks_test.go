package tasks

import (
	"testing"
	"time"

	"kvexec/internal/bucket"
	"kvexec/internal/config"
	"kvexec/internal/eventbus"
	"kvexec/internal/executor"
	"kvexec/internal/storage"
	logx "kvexec/pkg/logx"
)

func newTestBucket(bus eventbus.Bus) *bucket.Bucket {
	return bucket.New("beer-sample", 1,
		executor.WorkloadPolicy{Priority: executor.HighBucketPriority, Shards: 4},
		logx.Nop(), bus)
}

func TestFlusherDrainsInBatches(t *testing.T) {
	t.Parallel()
	reg := config.New(logx.Nop())
	if err := reg.SetInteger("flusher_batch_limit", 10); err != nil {
		t.Fatalf("SetInteger: %v", err)
	}

	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	b := newTestBucket(bus)
	b.AddMutations(25)

	fl := NewFlusher(b, reg)
	for i := 0; i < 3; i++ {
		if !fl.Run() {
			t.Fatalf("Run %d returned false", i)
		}
	}
	if got := b.DirtyCount(); got != 0 {
		t.Fatalf("dirty = %d after three batches, want 0", got)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.FlusherFlushed {
			t.Fatalf("event type = %s, want %s", e.Type, eventbus.FlusherFlushed)
		}
	default:
		t.Fatal("no flush event published")
	}
}

func TestPendingOpsNotificationIsOneShot(t *testing.T) {
	t.Parallel()
	b := newTestBucket(eventbus.New())
	b.AddPendingOp()
	b.AddPendingOp()

	task := NewPendingOpsNotificationTask(b)
	if task.Run() {
		t.Fatal("Run returned true, want false (one-shot)")
	}
	if got := b.TakePendingOps(); got != 0 {
		t.Fatalf("pending ops = %d after notification, want 0", got)
	}
}

func TestCheckpointProcessorHonorsBatchLimit(t *testing.T) {
	t.Parallel()
	reg := config.New(logx.Nop())
	b := newTestBucket(eventbus.New())
	b.AddStreamCheckpoints(20)

	task := NewActiveStreamCheckpointProcessorTask(b, reg)
	if !task.Run() {
		t.Fatal("Run returned false, want true")
	}
	// Default stream_checkpoint_batch is 8.
	if got := b.StreamCheckpointCount(); got != 12 {
		t.Fatalf("remaining checkpoints = %d, want 12", got)
	}
}

func TestDefragmenterRespectsEnabledFlag(t *testing.T) {
	t.Parallel()
	reg := config.New(logx.Nop())
	if err := reg.SetBool("defragmenter_enabled", false); err != nil {
		t.Fatalf("SetBool: %v", err)
	}

	b := newTestBucket(eventbus.New())
	b.SetFragmentation(40)

	task := NewDefragmenterTask(b, reg)
	if !task.Run() {
		t.Fatal("Run returned false, want true")
	}
	if got := b.Fragmentation(); got != 40 {
		t.Fatalf("fragmentation = %d with defragmenter disabled, want 40", got)
	}

	if err := reg.SetBool("defragmenter_enabled", true); err != nil {
		t.Fatalf("SetBool: %v", err)
	}
	if !task.Run() {
		t.Fatal("Run returned false, want true")
	}
	if got := b.Fragmentation(); got != 20 {
		t.Fatalf("fragmentation = %d after a visit, want 20", got)
	}
}

func TestStartBucketTasksSchedulesStandardSet(t *testing.T) {
	reg := config.New(logx.Nop())
	pool := executor.NewPool(executor.Config{
		MaxThreads: 4, MaxReaders: 1, MaxWriters: 1, MaxAuxIO: 1, MaxNonIO: 1,
	})
	defer pool.Shutdown()

	store, err := storage.Open(storage.Config{Driver: "none"}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}

	b := newTestBucket(eventbus.New())
	if err := pool.RegisterTaskable(b); err != nil {
		t.Fatalf("RegisterTaskable: %v", err)
	}

	ids, err := StartBucketTasks(Deps{Pool: pool, Reg: reg, Store: store}, b)
	if err != nil {
		t.Fatalf("StartBucketTasks: %v", err)
	}
	if len(ids) != 7 {
		t.Fatalf("scheduled %d tasks, want 7", len(ids))
	}
	for _, want := range []executor.TaskID{
		executor.FlusherTask,
		executor.StatSnap,
		executor.BackfillManagerTask,
		executor.DefragmenterTask,
		executor.ConnManagerTask,
		executor.ActiveStreamCheckpointProcessorTask,
		executor.ClosedUnrefCheckpointRemoverTask,
	} {
		if _, ok := ids[want]; !ok {
			t.Errorf("missing task %s", want)
		}
	}

	// The pool is live: the flusher should pick up mutations promptly.
	b.AddMutations(5)
	deadline := time.Now().Add(2 * time.Second)
	for b.DirtyCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := b.DirtyCount(); got != 0 {
		t.Fatalf("dirty = %d, flusher never drained", got)
	}
}

func TestBindPoolSizingResizesOnConfigChange(t *testing.T) {
	reg := config.New(logx.Nop())
	pool := executor.NewPool(executor.Config{
		MaxThreads: 4, MaxReaders: 1, MaxWriters: 1, MaxAuxIO: 1, MaxNonIO: 1,
	})
	defer pool.Shutdown()

	b := newTestBucket(eventbus.New())
	if err := pool.RegisterTaskable(b); err != nil {
		t.Fatalf("RegisterTaskable: %v", err)
	}

	BindPoolSizing(reg, pool)
	if err := reg.SetInteger("num_writer_threads", 3); err != nil {
		t.Fatalf("SetInteger: %v", err)
	}
	if got := pool.NumWriters(); got != 3 {
		t.Fatalf("NumWriters = %d after config change, want 3", got)
	}
}
