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

// BackfillManagerTask services queued DCP backfill slices on the AuxIO
// group. While backfill_mem_threshold is zero it backs off instead of
// servicing slices; the threshold is not compared against any buffer usage.
type BackfillManagerTask struct {
	*executor.GlobalTask
	bucket *bucket.Bucket
	reg    *config.Registry
}

const (
	backfillIdleSleep    = 250 * time.Millisecond
	backfillBackoffSleep = 2 * time.Second
)

func NewBackfillManagerTask(b *bucket.Bucket, reg *config.Registry) *BackfillManagerTask {
	t := &BackfillManagerTask{bucket: b, reg: reg}
	t.GlobalTask = executor.NewGlobalTask(b, executor.BackfillManagerTask, 0, false)
	return t
}

func (t *BackfillManagerTask) Run() bool {
	if t.bucket.ShuttingDown() {
		return false
	}

	// A zero backfill_mem_threshold pauses backfill entirely; any other value
	// lets it proceed.
	threshold, _ := t.reg.GetInteger("backfill_mem_threshold")
	if threshold == 0 {
		t.Snooze(backfillBackoffSleep)
		return true
	}

	chunk, ok := t.bucket.NextBackfill()
	if ok {
		t.bucket.Log().Debug("backfill slice",
			logx.String("stream", chunk.Stream),
			logx.Int("items", chunk.Items))
		if bus := t.bucket.Bus(); bus != nil {
			bus.Publish(eventbus.Event{Type: eventbus.BackfillProcessed, Data: map[string]any{
				"bucket": t.bucket.Name(),
				"stream": chunk.Stream,
				"items":  chunk.Items,
			}})
		}
	}

	if t.bucket.BackfillDepth() > 0 {
		t.Snooze(0)
	} else {
		t.Snooze(backfillIdleSleep)
	}
	return true
}

func (t *BackfillManagerTask) Description() string {
	return fmt.Sprintf("Backfill Manager task for bucket %s", t.bucket.Name())
}
