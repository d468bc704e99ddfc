// Package bucket implements the executor's tenant: a named bucket carrying
// workload policy, the state its maintenance tasks operate on, and the
// telemetry sinks the pool reports into.
package bucket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"kvexec/internal/eventbus"
	"kvexec/internal/executor"
	"kvexec/internal/storage"
	logx "kvexec/pkg/logx"
)

type Bucket struct {
	name   string
	gid    uint64
	policy executor.WorkloadPolicy
	log    logx.Logger
	bus    eventbus.Bus

	// Mutations accepted but not yet persisted.
	dirty atomic.Int64

	// Connections blocked on an in-flight operation, waiting for a
	// PendingOpsNotification.
	pendingOps atomic.Int64

	// Closed checkpoints eligible for removal, and stream checkpoints
	// awaiting processing.
	closedCheckpoints atomic.Int64
	streamCheckpoints atomic.Int64

	// Estimated fragmentation, percent.
	fragPct atomic.Int64

	// Set when the bucket begins teardown; long-running tasks observe it and
	// bow out.
	shuttingDown atomic.Bool

	backfillMu sync.Mutex
	backfills  []BackfillChunk

	statsMu sync.Mutex
	stats   map[executor.TaskID]*taskStats
	lastQ   map[executor.TaskID]time.Duration

	// Optional run-history sink. Records are enqueued non-blocking from the
	// telemetry callbacks and drained by one goroutine; a full queue drops,
	// with the warning rate-limited so a stalled store cannot flood the log.
	histCh   chan storage.RunRecord
	histDone chan struct{}
	histOnce sync.Once
	histWarn *rate.Limiter
}

// BackfillChunk is one slice of a DCP backfill.
type BackfillChunk struct {
	Stream string
	Items  int
}

type taskStats struct {
	Runs     uint64        `json:"runs"`
	TotalQ   time.Duration `json:"total_queued"`
	TotalRun time.Duration `json:"total_run"`
	MaxRun   time.Duration `json:"max_run"`
}

func New(name string, gid uint64, policy executor.WorkloadPolicy, log logx.Logger, bus eventbus.Bus) *Bucket {
	return &Bucket{
		name:   name,
		gid:    gid,
		policy: policy,
		log:    log.With(logx.String("bucket", name)),
		bus:    bus,
		stats:    map[executor.TaskID]*taskStats{},
		lastQ:    map[executor.TaskID]time.Duration{},
		histWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// StartHistory begins recording every dispatch into the store. Recording is
// best-effort: the telemetry callbacks never block on storage.
func (b *Bucket) StartHistory(store storage.Store) {
	b.histOnce.Do(func() {
		b.histCh = make(chan storage.RunRecord, 256)
		b.histDone = make(chan struct{})
		go func() {
			defer close(b.histDone)
			for r := range b.histCh {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := store.AppendRun(ctx, r); err != nil {
					b.log.Debug("run history append failed", logx.Err(err))
				}
				cancel()
			}
		}()
	})
}

// StopHistory drains and stops the recorder.
func (b *Bucket) StopHistory() {
	if b.histCh == nil {
		return
	}
	close(b.histCh)
	<-b.histDone
	b.histCh = nil
}

// ---- executor.Taskable ----

func (b *Bucket) Name() string                            { return b.name }
func (b *Bucket) GID() uint64                             { return b.gid }
func (b *Bucket) WorkloadPolicy() executor.WorkloadPolicy { return b.policy }

func (b *Bucket) LogQTime(id executor.TaskID, queued time.Duration) {
	b.statsMu.Lock()
	s := b.statLocked(id)
	s.TotalQ += queued
	b.lastQ[id] = queued
	b.statsMu.Unlock()
}

func (b *Bucket) LogRunTime(id executor.TaskID, ran time.Duration) {
	b.statsMu.Lock()
	s := b.statLocked(id)
	s.Runs++
	s.TotalRun += ran
	if ran > s.MaxRun {
		s.MaxRun = ran
	}
	queued := b.lastQ[id]
	b.statsMu.Unlock()

	if b.histCh != nil {
		select {
		case b.histCh <- storage.RunRecord{
			At:       time.Now(),
			Bucket:   b.name,
			Task:     id.String(),
			Category: id.DefaultCategory().String(),
			Queued:   queued,
			Ran:      ran,
		}:
		default:
			// History is advisory; drop rather than stall a worker.
			if b.histWarn.Allow() {
				b.log.Warn("run history dropped (recorder slow)",
					logx.String("task", id.String()),
					logx.Int("queue_cap", cap(b.histCh)))
			}
		}
	}
}

func (b *Bucket) statLocked(id executor.TaskID) *taskStats {
	s, ok := b.stats[id]
	if !ok {
		s = &taskStats{}
		b.stats[id] = s
	}
	return s
}

// ---- engine state the tasks operate on ----

func (b *Bucket) Log() logx.Logger  { return b.log }
func (b *Bucket) Bus() eventbus.Bus { return b.bus }

// AddMutations records freshly accepted writes awaiting flush.
func (b *Bucket) AddMutations(n int64) { b.dirty.Add(n) }

// DrainDirty takes up to limit dirty items for persistence and returns the
// count taken.
func (b *Bucket) DrainDirty(limit int64) int64 {
	for {
		cur := b.dirty.Load()
		if cur == 0 {
			return 0
		}
		take := cur
		if limit > 0 && take > limit {
			take = limit
		}
		if b.dirty.CompareAndSwap(cur, cur-take) {
			return take
		}
	}
}

func (b *Bucket) DirtyCount() int64 { return b.dirty.Load() }

// AddPendingOp records a connection waiting on an in-flight operation.
func (b *Bucket) AddPendingOp() { b.pendingOps.Add(1) }

// TakePendingOps claims every waiting connection for notification.
func (b *Bucket) TakePendingOps() int64 { return b.pendingOps.Swap(0) }

func (b *Bucket) AddClosedCheckpoints(n int64) { b.closedCheckpoints.Add(n) }

// RemoveClosedCheckpoints claims all closed checkpoints and returns the count.
func (b *Bucket) RemoveClosedCheckpoints() int64 { return b.closedCheckpoints.Swap(0) }

func (b *Bucket) AddStreamCheckpoints(n int64) { b.streamCheckpoints.Add(n) }

// TakeStreamCheckpoints claims up to limit stream checkpoints.
func (b *Bucket) TakeStreamCheckpoints(limit int64) int64 {
	for {
		cur := b.streamCheckpoints.Load()
		if cur == 0 {
			return 0
		}
		take := cur
		if limit > 0 && take > limit {
			take = limit
		}
		if b.streamCheckpoints.CompareAndSwap(cur, cur-take) {
			return take
		}
	}
}

func (b *Bucket) StreamCheckpointCount() int64 { return b.streamCheckpoints.Load() }

// SetFragmentation records the latest fragmentation estimate, percent.
func (b *Bucket) SetFragmentation(pct int64) { b.fragPct.Store(pct) }
func (b *Bucket) Fragmentation() int64       { return b.fragPct.Load() }

// QueueBackfill adds one backfill slice for the manager task.
func (b *Bucket) QueueBackfill(c BackfillChunk) {
	b.backfillMu.Lock()
	b.backfills = append(b.backfills, c)
	b.backfillMu.Unlock()
}

// NextBackfill pops the oldest queued backfill slice.
func (b *Bucket) NextBackfill() (BackfillChunk, bool) {
	b.backfillMu.Lock()
	defer b.backfillMu.Unlock()
	if len(b.backfills) == 0 {
		return BackfillChunk{}, false
	}
	c := b.backfills[0]
	b.backfills = b.backfills[1:]
	return c, true
}

func (b *Bucket) BackfillDepth() int {
	b.backfillMu.Lock()
	defer b.backfillMu.Unlock()
	return len(b.backfills)
}

// BeginShutdown flips the per-bucket forced-shutdown flag. Tasks that see it
// return false from Run rather than rescheduling; the flusher does so only
// once no dirty items remain.
func (b *Bucket) BeginShutdown() { b.shuttingDown.Store(true) }

func (b *Bucket) ShuttingDown() bool { return b.shuttingDown.Load() }

// StatsJSON serializes the per-task telemetry plus headline gauges.
func (b *Bucket) StatsJSON() string {
	b.statsMu.Lock()
	tasks := make(map[string]taskStats, len(b.stats))
	for id, s := range b.stats {
		tasks[id.String()] = *s
	}
	b.statsMu.Unlock()

	doc := map[string]any{
		"tasks":              tasks,
		"dirty":              b.dirty.Load(),
		"pending_ops":        b.pendingOps.Load(),
		"closed_checkpoints": b.closedCheckpoints.Load(),
		"backfill_depth":     b.BackfillDepth(),
		"fragmentation_pct":  b.fragPct.Load(),
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return "{}"
	}
	return string(out)
}
