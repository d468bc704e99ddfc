package executor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"kvexec/internal/eventbus"
	logx "kvexec/pkg/logx"
)

// Config sizes an executor pool. MaxThreads is the overall thread budget
// (0 = host CPU count); the per-category caps override the derived defaults
// when non-zero.
type Config struct {
	MaxThreads int
	MaxReaders int
	MaxWriters int
	MaxAuxIO   int
	MaxNonIO   int

	Logger logx.Logger
	Bus    eventbus.Bus
}

// Pool is the process-wide executor: four category queues, a worker group
// per category, and the task bookkeeping that lets tenants come and go while
// work is in flight.
//
// Tasks are shared-ownership: the pool's maps, the fetching worker and the
// tenant may all hold a task at once. A task is forgotten only after its
// final Run returns (or it is discarded dead), so a tenant tearing down can
// block on StopTaskGroup and know no task of its will touch freed state.
type Pool struct {
	log  logx.Logger
	bus  eventbus.Bus
	warn *rate.Limiter

	maxThreads int
	totReady   atomic.Int64
	queues     [NumCategories]*taskQueue

	mu        sync.Mutex
	cond      *sync.Cond
	target    [NumCategories]int
	workers   [NumCategories][]*worker
	spawned   [NumCategories]int
	taskables map[uint64]Taskable
	owned     map[uint64]map[uint64]Task
	draining  map[drainKey]bool
	tasks     map[uint64]Task
	nextUID   uint64
	down      bool
}

type drainKey struct {
	gid uint64
	cat Category
}

// NewPool derives worker counts from cfg and prepares the queues. No worker
// goroutines run until the first taskable registers.
func NewPool(cfg Config) *Pool {
	maxThreads := cfg.MaxThreads
	if maxThreads <= 0 {
		maxThreads = runtime.NumCPU()
	}

	p := &Pool{
		log:        cfg.Logger.With(logx.String("comp", "executor")),
		bus:        cfg.Bus,
		warn:       rate.NewLimiter(rate.Every(5*time.Second), 1),
		maxThreads: maxThreads,
		target:     threadCounts(maxThreads, cfg.MaxReaders, cfg.MaxWriters, cfg.MaxAuxIO, cfg.MaxNonIO),
		taskables:  map[uint64]Taskable{},
		owned:      map[uint64]map[uint64]Task{},
		draining:   map[drainKey]bool{},
		tasks:      map[uint64]Task{},
	}
	p.cond = sync.NewCond(&p.mu)
	for c := Category(0); c < NumCategories; c++ {
		p.queues[c] = newTaskQueue(c, &p.totReady, p.log)
	}
	return p
}

// ---- tenant lifecycle ----

// RegisterTaskable adds a tenant. The first registration spawns the worker
// groups; later ones only allocate tenant bookkeeping.
func (p *Pool) RegisterTaskable(t Taskable) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.down {
		return ErrPoolShutdown
	}
	gid := t.GID()
	if _, dup := p.taskables[gid]; dup {
		return fmt.Errorf("taskable %d (%s) already registered", gid, t.Name())
	}

	p.taskables[gid] = t
	p.owned[gid] = map[uint64]Task{}
	if len(p.taskables) == 1 {
		p.startWorkersLocked()
	}

	p.log.Info("taskable registered",
		logx.String("bucket", t.Name()),
		logx.Uint64("gid", gid),
		logx.Int("workers", p.numWorkersLocked()))
	return nil
}

// UnregisterTaskable drains or cancels the tenant's tasks, then forgets it.
// When the last tenant leaves, every worker is joined and the worker count
// returns to zero.
func (p *Pool) UnregisterTaskable(t Taskable, force bool) error {
	gid := t.GID()

	p.mu.Lock()
	if _, ok := p.taskables[gid]; !ok {
		p.mu.Unlock()
		return ErrUnknownTaskable
	}
	p.mu.Unlock()

	for c := Category(0); c < NumCategories; c++ {
		_ = p.StopTaskGroup(gid, c, force)
	}

	p.mu.Lock()
	delete(p.taskables, gid)
	delete(p.owned, gid)
	var halting []*worker
	if len(p.taskables) == 0 {
		halting = p.detachAllWorkersLocked()
	}
	p.mu.Unlock()

	for _, w := range halting {
		w.halt()
	}

	p.log.Info("taskable unregistered", logx.String("bucket", t.Name()), logx.Uint64("gid", gid))
	return nil
}

// StopTaskGroup shuts down one (tenant, category) slice: tasks marked
// completeBeforeShutdown are woken and drained (unless force), everything
// else is cancelled. Blocks until no task of the slice remains, including
// ones mid-Run on a worker.
func (p *Pool) StopTaskGroup(gid uint64, cat Category, force bool) error {
	if !cat.Valid() {
		return ErrBadCategory
	}

	p.mu.Lock()
	if _, ok := p.taskables[gid]; !ok {
		p.mu.Unlock()
		return ErrUnknownTaskable
	}
	key := drainKey{gid, cat}
	p.draining[key] = true
	var toWake []Task
	for _, t := range p.owned[gid] {
		gt := t.base()
		if gt.category != cat {
			continue
		}
		if force || !gt.cbs {
			gt.Cancel()
		}
		toWake = append(toWake, t)
	}
	p.mu.Unlock()

	q := p.queues[cat]
	for _, t := range toWake {
		q.wake(t)
	}

	p.mu.Lock()
	for p.sliceBusyLocked(gid, cat) {
		p.cond.Wait()
	}
	delete(p.draining, key)
	p.mu.Unlock()
	return nil
}

func (p *Pool) sliceBusyLocked(gid uint64, cat Category) bool {
	for _, t := range p.owned[gid] {
		if t.base().category == cat {
			return true
		}
	}
	return false
}

// ---- scheduling ----

// Schedule routes a task to a category queue and returns its handle. The
// task first runs no earlier than its waketime.
func (p *Pool) Schedule(t Task, cat Category) (uint64, error) {
	if !cat.Valid() {
		return 0, ErrBadCategory
	}
	gt := t.base()

	p.mu.Lock()
	if p.down {
		p.mu.Unlock()
		if p.warn.Allow() {
			p.log.Warn("schedule after shutdown", logx.String("task", gt.id.String()))
		}
		return 0, ErrPoolShutdown
	}
	gid := gt.taskable.GID()
	set, ok := p.owned[gid]
	if !ok {
		p.mu.Unlock()
		return 0, fmt.Errorf("schedule %s: %w (gid %d)", gt.id, ErrUnknownTaskable, gid)
	}
	p.nextUID++
	gt.uid = p.nextUID
	gt.category = cat
	p.tasks[gt.uid] = t
	set[gt.uid] = t
	p.mu.Unlock()

	p.queues[cat].push(t)

	p.log.Debug("task scheduled",
		logx.String("task", gt.id.String()),
		logx.Uint64("id", gt.uid),
		logx.String("category", cat.String()),
		logx.Time("waketime", gt.Waketime()))
	return gt.uid, nil
}

// Wake makes the task due now. Its queue position is untouched; promotion
// happens on the next fetch.
func (p *Pool) Wake(id uint64) error {
	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	p.queues[t.base().category].wake(t)
	return nil
}

// Snooze sets the task's waketime to now+d. A queued task is re-inserted into
// the future queue at its new position.
func (p *Pool) Snooze(id uint64, d time.Duration) error {
	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	q := p.queues[t.base().category]
	queued := q.remove(t)
	t.base().Snooze(d)
	if queued {
		q.push(t)
	}
	return nil
}

// Cancel marks the task dead without blocking. A task already fetched still
// finishes its current Run.
func (p *Pool) Cancel(id uint64) error {
	p.mu.Lock()
	t, ok := p.tasks[id]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	t.base().Cancel()
	p.queues[t.base().category].wake(t)
	return nil
}

// CancelAll marks every task dead; workers drain the corpses as they fetch.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	all := make([]Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		all = append(all, t)
	}
	p.mu.Unlock()

	for _, t := range all {
		t.base().Cancel()
		p.queues[t.base().category].wake(t)
	}
}

// CancelAndClearAll additionally empties the queues synchronously. Tasks
// currently on a worker are cancelled but only release on return.
func (p *Pool) CancelAndClearAll() {
	p.CancelAll()
	for c := Category(0); c < NumCategories; c++ {
		for _, t := range p.queues[c].clear() {
			p.forget(t)
		}
	}
}

// ---- worker callbacks ----

// doneTask decides a finished task's fate: re-insert at its (possibly
// snoozed) waketime, or forget it.
func (p *Pool) doneTask(t Task, reschedule bool) {
	gt := t.base()

	p.mu.Lock()
	draining := p.down || p.draining[drainKey{gt.taskable.GID(), gt.category}]
	if reschedule && !gt.IsDead() && !draining {
		p.mu.Unlock()
		p.queues[gt.category].push(t)
		return
	}
	gt.Cancel()
	p.removeLocked(gt)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.log.Debug("task done",
		logx.String("task", gt.id.String()),
		logx.Uint64("id", gt.uid))
}

// discard drops a task fetched dead.
func (p *Pool) discard(t Task) { p.forget(t) }

func (p *Pool) forget(t Task) {
	p.mu.Lock()
	p.removeLocked(t.base())
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) removeLocked(gt *GlobalTask) {
	delete(p.tasks, gt.uid)
	if set, ok := p.owned[gt.taskable.GID()]; ok {
		delete(set, gt.uid)
	}
}

// ---- worker-group sizing ----

func (p *Pool) SetMaxReaders(n int) { p.setWorkerTarget(Reader, n) }
func (p *Pool) SetMaxWriters(n int) { p.setWorkerTarget(Writer, n) }
func (p *Pool) SetMaxAuxIO(n int)   { p.setWorkerTarget(AuxIO, n) }
func (p *Pool) SetMaxNonIO(n int)   { p.setWorkerTarget(NonIO, n) }

// setWorkerTarget resizes one category. Growth spawns immediately; shrink
// signals the surplus workers and joins them, so the call returns only once
// the live count matches n. n <= 0 restores the derived default.
func (p *Pool) setWorkerTarget(cat Category, n int) {
	if !cat.Valid() {
		return
	}
	if n <= 0 {
		n = threadCounts(p.maxThreads, 0, 0, 0, 0)[cat]
	}

	p.mu.Lock()
	p.target[cat] = n
	if len(p.taskables) == 0 {
		// Workers spawn on first registration.
		p.mu.Unlock()
		return
	}
	for len(p.workers[cat]) < n {
		p.spawnLocked(cat)
	}
	var surplus []*worker
	for len(p.workers[cat]) > n {
		last := len(p.workers[cat]) - 1
		surplus = append(surplus, p.workers[cat][last])
		p.workers[cat] = p.workers[cat][:last]
	}
	p.mu.Unlock()

	for _, w := range surplus {
		w.halt()
	}

	p.log.Info("worker group resized",
		logx.String("category", cat.String()),
		logx.Int("workers", n))
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.PoolResized, Data: map[string]any{
			"category": cat.String(),
			"workers":  n,
		}})
	}
}

func (p *Pool) startWorkersLocked() {
	for c := Category(0); c < NumCategories; c++ {
		for len(p.workers[c]) < p.target[c] {
			p.spawnLocked(c)
		}
	}
}

func (p *Pool) spawnLocked(cat Category) {
	w := newWorker(workerName(cat, p.spawned[cat]), p.queues[cat], p, p.log)
	p.spawned[cat]++
	p.workers[cat] = append(p.workers[cat], w)
	w.start()
}

func (p *Pool) detachAllWorkersLocked() []*worker {
	var all []*worker
	for c := Category(0); c < NumCategories; c++ {
		all = append(all, p.workers[c]...)
		p.workers[c] = nil
	}
	return all
}

// ---- shutdown ----

// Shutdown drains completeBeforeShutdown tasks, cancels the rest, joins all
// workers and refuses further scheduling.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.down {
		p.mu.Unlock()
		return
	}
	p.down = true
	remaining := make([]Taskable, 0, len(p.taskables))
	for _, t := range p.taskables {
		remaining = append(remaining, t)
	}
	p.mu.Unlock()

	for _, t := range remaining {
		_ = p.UnregisterTaskable(t, false)
	}
	p.log.Info("executor pool shut down")
}

// ---- telemetry ----

func (p *Pool) NumReaders() int { return p.numWorkers(Reader) }
func (p *Pool) NumWriters() int { return p.numWorkers(Writer) }
func (p *Pool) NumAuxIO() int   { return p.numWorkers(AuxIO) }
func (p *Pool) NumNonIO() int   { return p.numWorkers(NonIO) }

func (p *Pool) numWorkers(cat Category) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers[cat])
}

// NumWorkersStat is the total number of live worker goroutines.
func (p *Pool) NumWorkersStat() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.numWorkersLocked()
}

func (p *Pool) numWorkersLocked() int {
	n := 0
	for c := Category(0); c < NumCategories; c++ {
		n += len(p.workers[c])
	}
	return n
}

// NumBuckets is the number of registered taskables.
func (p *Pool) NumBuckets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.taskables)
}

// NumReadyTasks is the number of eligible-now tasks in one category.
func (p *Pool) NumReadyTasks(cat Category) int {
	if !cat.Valid() {
		return 0
	}
	return int(p.queues[cat].readyCount.Load())
}

// TotReadyTasks equals the sum of NumReadyTasks over the four categories.
func (p *Pool) TotReadyTasks() int { return int(p.totReady.Load()) }

// FutureQueueSize is the number of not-yet-due tasks in one category.
func (p *Pool) FutureQueueSize(cat Category) int {
	if !cat.Valid() {
		return 0
	}
	return p.queues[cat].futureSize()
}

// ReadyQueueSize is the number of eligible-now tasks in one category.
func (p *Pool) ReadyQueueSize(cat Category) int {
	if !cat.Valid() {
		return 0
	}
	return p.queues[cat].readySize()
}
