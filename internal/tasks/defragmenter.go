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

// DefragmenterTask periodically walks the bucket's memory and compacts
// sparsely-used pages. The visit itself is chunked so the NonIO worker is
// never held for long.
type DefragmenterTask struct {
	*executor.GlobalTask
	bucket *bucket.Bucket
	reg    *config.Registry
}

const defaultDefragInterval = 10 * time.Minute

func NewDefragmenterTask(b *bucket.Bucket, reg *config.Registry) *DefragmenterTask {
	t := &DefragmenterTask{bucket: b, reg: reg}
	t.GlobalTask = executor.NewGlobalTask(b, executor.DefragmenterTask,
		cadence(reg, "defragmenter_schedule", "defragmenter_interval", defaultDefragInterval), false)
	return t
}

func (t *DefragmenterTask) Run() bool {
	if t.bucket.ShuttingDown() {
		return false
	}

	enabled, _ := t.reg.GetBool("defragmenter_enabled")
	if enabled {
		before := t.bucket.Fragmentation()
		if before > 0 {
			// One chunked visit halves the estimate; the next pass picks up
			// whatever is left.
			after := before / 2
			t.bucket.SetFragmentation(after)
			t.bucket.Log().Debug("defragmenter visit",
				logx.Int64("frag_before_pct", before),
				logx.Int64("frag_after_pct", after))
			if bus := t.bucket.Bus(); bus != nil {
				bus.Publish(eventbus.Event{Type: eventbus.DefragmenterVisited, Data: map[string]any{
					"bucket":   t.bucket.Name(),
					"frag_pct": after,
				}})
			}
		}
	}

	t.Snooze(cadence(t.reg, "defragmenter_schedule", "defragmenter_interval", defaultDefragInterval))
	return true
}

func (t *DefragmenterTask) Description() string {
	return fmt.Sprintf("Memory defragmenter for bucket %s", t.bucket.Name())
}
