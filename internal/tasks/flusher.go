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

// Flusher drains the bucket's dirty-item queue in batches. It reschedules
// immediately while there is more to flush and idles otherwise.
type Flusher struct {
	*executor.GlobalTask
	bucket *bucket.Bucket
	reg    *config.Registry
}

const flusherIdleSleep = time.Second

func NewFlusher(b *bucket.Bucket, reg *config.Registry) *Flusher {
	t := &Flusher{bucket: b, reg: reg}
	t.GlobalTask = executor.NewGlobalTask(b, executor.FlusherTask, 0, true)
	return t
}

func (t *Flusher) Run() bool {
	limit, _ := t.reg.GetInteger("flusher_batch_limit")
	flushed := t.bucket.DrainDirty(int64(limit))
	if flushed > 0 {
		t.bucket.Log().Debug("flushed batch",
			logx.Int64("items", flushed),
			logx.Int64("dirty_remaining", t.bucket.DirtyCount()))
		if bus := t.bucket.Bus(); bus != nil {
			bus.Publish(eventbus.Event{Type: eventbus.FlusherFlushed, Data: map[string]any{
				"bucket": t.bucket.Name(),
				"items":  flushed,
			}})
		}
	}

	if t.bucket.ShuttingDown() && t.bucket.DirtyCount() == 0 {
		return false
	}
	if t.bucket.DirtyCount() > 0 {
		t.Snooze(0)
	} else {
		t.Snooze(flusherIdleSleep)
	}
	return true
}

func (t *Flusher) Description() string {
	return fmt.Sprintf("Running a flusher loop: %s", t.bucket.Name())
}
