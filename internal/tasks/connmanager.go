package tasks

import (
	"fmt"
	"time"

	"kvexec/internal/bucket"
	"kvexec/internal/config"
	"kvexec/internal/eventbus"
	"kvexec/internal/executor"
)

// ConnManagerTask is the connection housekeeping tick: on a short cadence it
// publishes a ConnManagerTick event for the bucket. It does not itself track
// or sweep connections.
type ConnManagerTask struct {
	*executor.GlobalTask
	bucket *bucket.Bucket
	reg    *config.Registry
}

func NewConnManagerTask(b *bucket.Bucket, reg *config.Registry) *ConnManagerTask {
	t := &ConnManagerTask{bucket: b, reg: reg}
	t.GlobalTask = executor.NewGlobalTask(b, executor.ConnManagerTask, connManagerInterval(reg), false)
	return t
}

func (t *ConnManagerTask) Run() bool {
	if t.bucket.ShuttingDown() {
		return false
	}

	if bus := t.bucket.Bus(); bus != nil {
		bus.Publish(eventbus.Event{Type: eventbus.ConnManagerTick, Data: map[string]any{
			"bucket": t.bucket.Name(),
		}})
	}

	t.Snooze(connManagerInterval(t.reg))
	return true
}

func (t *ConnManagerTask) Description() string {
	return fmt.Sprintf("Connection Manager, bucket %s", t.bucket.Name())
}

func connManagerInterval(reg *config.Registry) time.Duration {
	if secs, err := reg.GetInteger("conn_manager_interval"); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 2 * time.Second
}
