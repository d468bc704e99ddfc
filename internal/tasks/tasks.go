package tasks

import (
	"fmt"

	"kvexec/internal/bucket"
	"kvexec/internal/config"
	"kvexec/internal/executor"
	"kvexec/internal/storage"
)

// Deps carries the shared collaborators every task set needs.
type Deps struct {
	Pool  *executor.Pool
	Reg   *config.Registry
	Store storage.Store
}

// StartBucketTasks schedules the standard maintenance set for a bucket and
// returns the task handles, keyed for wake/cancel by the caller.
func StartBucketTasks(d Deps, b *bucket.Bucket) (map[executor.TaskID]uint64, error) {
	set := []struct {
		task executor.Task
		cat  executor.Category
	}{
		{NewFlusher(b, d.Reg), executor.Writer},
		{NewStatSnapTask(b, d.Reg, d.Store), executor.Writer},
		{NewBackfillManagerTask(b, d.Reg), executor.AuxIO},
		{NewDefragmenterTask(b, d.Reg), executor.NonIO},
		{NewConnManagerTask(b, d.Reg), executor.NonIO},
		{NewActiveStreamCheckpointProcessorTask(b, d.Reg), executor.NonIO},
		{NewClosedUnrefCheckpointRemoverTask(b, d.Reg), executor.NonIO},
	}

	ids := make(map[executor.TaskID]uint64, len(set))
	for _, s := range set {
		id, err := d.Pool.Schedule(s.task, s.cat)
		if err != nil {
			return ids, fmt.Errorf("schedule %s: %w", s.task.Description(), err)
		}
		ids[executor.TaskIDOf(s.task)] = id
	}
	return ids, nil
}

// BindPoolSizing retunes the pool when the thread-count parameters change.
// Zero restores the derived default for that category.
func BindPoolSizing(reg *config.Registry, pool *executor.Pool) {
	bind := func(key string, apply func(int)) {
		reg.AddValueChangedListener(key, func(_ string, v config.Value) {
			if v.Kind == config.KindSize {
				apply(int(v.Size))
			}
		})
	}
	bind("num_reader_threads", pool.SetMaxReaders)
	bind("num_writer_threads", pool.SetMaxWriters)
	bind("num_auxio_threads", pool.SetMaxAuxIO)
	bind("num_nonio_threads", pool.SetMaxNonIO)
}
