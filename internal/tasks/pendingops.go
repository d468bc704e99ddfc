package tasks

import (
	"fmt"

	"kvexec/internal/bucket"
	"kvexec/internal/eventbus"
	"kvexec/internal/executor"
	logx "kvexec/pkg/logx"
)

// PendingOpsNotificationTask is a one-shot, high-priority notification:
// every connection parked on an in-flight operation is released in a single
// run, then the task dies.
type PendingOpsNotificationTask struct {
	*executor.GlobalTask
	bucket *bucket.Bucket
}

func NewPendingOpsNotificationTask(b *bucket.Bucket) *PendingOpsNotificationTask {
	t := &PendingOpsNotificationTask{bucket: b}
	t.GlobalTask = executor.NewGlobalTask(b, executor.PendingOpsNotification, 0, false)
	return t
}

func (t *PendingOpsNotificationTask) Run() bool {
	n := t.bucket.TakePendingOps()
	if n > 0 {
		t.bucket.Log().Debug("notified pending ops", logx.Int64("conns", n))
		if bus := t.bucket.Bus(); bus != nil {
			bus.Publish(eventbus.Event{Type: eventbus.PendingOpsNotify, Data: map[string]any{
				"bucket": t.bucket.Name(),
				"conns":  n,
			}})
		}
	}
	return false
}

func (t *PendingOpsNotificationTask) Description() string {
	return fmt.Sprintf("Notifying pending operations for %s", t.bucket.Name())
}
