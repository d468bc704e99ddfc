package tasks

import (
	"context"
	"fmt"
	"time"

	"kvexec/internal/bucket"
	"kvexec/internal/config"
	"kvexec/internal/executor"
	"kvexec/internal/storage"
	logx "kvexec/pkg/logx"
)

// StatSnapTask periodically persists a snapshot of the bucket's counters so
// operators can inspect scheduling behavior after the fact.
type StatSnapTask struct {
	*executor.GlobalTask
	bucket *bucket.Bucket
	reg    *config.Registry
	store  storage.Store
}

func NewStatSnapTask(b *bucket.Bucket, reg *config.Registry, store storage.Store) *StatSnapTask {
	t := &StatSnapTask{
		bucket: b,
		reg:    reg,
		store:  store,
	}
	t.GlobalTask = executor.NewGlobalTask(b, executor.StatSnap,
		cadence(reg, "stat_snap_schedule", "stat_snap_interval", time.Minute), true)
	return t
}

func (t *StatSnapTask) Run() bool {
	if t.bucket.ShuttingDown() {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	err := t.store.AppendStatSnapshot(ctx, storage.StatSnapshot{
		Bucket: t.bucket.Name(),
		Stats:  t.bucket.StatsJSON(),
	})
	cancel()
	if err != nil {
		t.bucket.Log().Warn("stat snapshot failed", logx.Err(err))
	}

	t.Snooze(cadence(t.reg, "stat_snap_schedule", "stat_snap_interval", time.Minute))
	return true
}

func (t *StatSnapTask) Description() string {
	return fmt.Sprintf("Updating stat snapshot, bucket %s", t.bucket.Name())
}
