package tasks

import (
	"fmt"
	"time"

	"kvexec/internal/bucket"
	"kvexec/internal/config"
	"kvexec/internal/eventbus"
	"kvexec/internal/executor"
	logx "kvexec/pkg/logx"
)

// ActiveStreamCheckpointProcessorTask drains stream checkpoints in bounded
// batches so one busy DCP producer cannot monopolize a NonIO worker.
type ActiveStreamCheckpointProcessorTask struct {
	*executor.GlobalTask
	bucket *bucket.Bucket
	reg    *config.Registry
}

const checkpointIdleSleep = time.Second

func NewActiveStreamCheckpointProcessorTask(b *bucket.Bucket, reg *config.Registry) *ActiveStreamCheckpointProcessorTask {
	t := &ActiveStreamCheckpointProcessorTask{bucket: b, reg: reg}
	t.GlobalTask = executor.NewGlobalTask(b, executor.ActiveStreamCheckpointProcessorTask, 0, false)
	return t
}

func (t *ActiveStreamCheckpointProcessorTask) Run() bool {
	if t.bucket.ShuttingDown() {
		return false
	}

	batch, _ := t.reg.GetInteger("stream_checkpoint_batch")
	n := t.bucket.TakeStreamCheckpoints(int64(batch))
	if n > 0 {
		t.bucket.Log().Debug("processed stream checkpoints", logx.Int64("count", n))
		if bus := t.bucket.Bus(); bus != nil {
			bus.Publish(eventbus.Event{Type: eventbus.CheckpointProcessed, Data: map[string]any{
				"bucket": t.bucket.Name(),
				"count":  n,
			}})
		}
	}

	if t.bucket.StreamCheckpointCount() > 0 {
		t.Snooze(0)
	} else {
		t.Snooze(checkpointIdleSleep)
	}
	return true
}

func (t *ActiveStreamCheckpointProcessorTask) Description() string {
	return fmt.Sprintf("Process checkpoint(s) for DCP producer, bucket %s", t.bucket.Name())
}

// ClosedUnrefCheckpointRemoverTask frees checkpoints no cursor references
// anymore, on a fixed cadence.
type ClosedUnrefCheckpointRemoverTask struct {
	*executor.GlobalTask
	bucket *bucket.Bucket
	reg    *config.Registry
}

func NewClosedUnrefCheckpointRemoverTask(b *bucket.Bucket, reg *config.Registry) *ClosedUnrefCheckpointRemoverTask {
	t := &ClosedUnrefCheckpointRemoverTask{bucket: b, reg: reg}
	t.GlobalTask = executor.NewGlobalTask(b, executor.ClosedUnrefCheckpointRemoverTask,
		removerInterval(reg), false)
	return t
}

func (t *ClosedUnrefCheckpointRemoverTask) Run() bool {
	if t.bucket.ShuttingDown() {
		return false
	}

	if n := t.bucket.RemoveClosedCheckpoints(); n > 0 {
		t.bucket.Log().Debug("removed closed checkpoints", logx.Int64("count", n))
		if bus := t.bucket.Bus(); bus != nil {
			bus.Publish(eventbus.Event{Type: eventbus.CheckpointRemoved, Data: map[string]any{
				"bucket": t.bucket.Name(),
				"count":  n,
			}})
		}
	}

	t.Snooze(removerInterval(t.reg))
	return true
}

func (t *ClosedUnrefCheckpointRemoverTask) Description() string {
	return fmt.Sprintf("Removing closed unreferenced checkpoints from memory, bucket %s", t.bucket.Name())
}

func removerInterval(reg *config.Registry) time.Duration {
	if secs, err := reg.GetInteger("checkpoint_remover_interval"); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 5 * time.Second
}
