package executor

import (
	"fmt"
	"runtime/debug"
	"time"

	"kvexec/internal/eventbus"
	logx "kvexec/pkg/logx"
)

// worker is a goroutine bound to one category's queue. It loops fetching and
// executing tasks until its stop channel closes. A worker asked to exit
// finishes the task in hand first; the exit happens on the next fetch.
type worker struct {
	name string
	q    *taskQueue
	pool *Pool
	log  logx.Logger

	stop chan struct{}
	done chan struct{}
}

func newWorker(name string, q *taskQueue, pool *Pool, log logx.Logger) *worker {
	return &worker{
		name: name,
		q:    q,
		pool: pool,
		log:  log.With(logx.String("worker", name)),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (w *worker) start() { go w.run() }

// halt asks the worker to exit and blocks until it has.
func (w *worker) halt() {
	close(w.stop)
	w.q.nudge()
	<-w.done
}

func (w *worker) run() {
	defer close(w.done)

	for {
		// Fast-exit check so a closed stop channel wins over queued work.
		select {
		case <-w.stop:
			return
		default:
		}

		t, ok := w.q.fetchNextTask(w.stop)
		if !ok {
			return
		}

		gt := t.base()
		if gt.IsDead() {
			w.pool.discard(t)
			continue
		}

		// Queue wait: time since the task became eligible.
		fetched := now()
		queued := fetched.Sub(gt.Waketime())
		gt.taskable.LogQTime(gt.id, queued)
		w.publish(eventbus.TaskStarted, gt, queued)

		gt.transition(StateRunnable, StateRunning)
		again, panicked := w.runTask(t)
		gt.transition(StateRunning, StateRunnable)

		ran := now().Sub(fetched)
		gt.taskable.LogRunTime(gt.id, ran)
		if panicked {
			w.publish(eventbus.TaskFailed, gt, ran)
		} else {
			w.publish(eventbus.TaskCompleted, gt, ran)
		}

		w.pool.doneTask(t, again)
	}
}

// runTask invokes Run, converting a panic into "do not reschedule" so one bad
// task cannot take its worker down.
func (w *worker) runTask(t Task) (again, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			again = false
			panicked = true
			w.log.Error("task panicked",
				logx.String("task", t.Description()),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.Run(), false
}

func (w *worker) publish(typ eventbus.EventType, gt *GlobalTask, d time.Duration) {
	if w.pool.bus == nil {
		return
	}
	w.pool.bus.Publish(eventbus.Event{Type: typ, Data: map[string]any{
		"task":     gt.id.String(),
		"bucket":   gt.taskable.Name(),
		"category": gt.category.String(),
		"duration": d,
	}})
}

func workerName(cat Category, idx int) string {
	return fmt.Sprintf("%s:%d", cat, idx)
}
