package config

import (
	"context"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"kvexec/internal/eventbus"
	logx "kvexec/pkg/logx"
)

// Watcher re-parses an engine parameter file whenever it changes on disk,
// driving the typed setters so validators and listeners fire as usual.
type Watcher struct {
	path string
	reg  *Registry
	log  logx.Logger
	bus  eventbus.Bus

	// lastHash tracks the last successfully applied file content, to skip
	// redundant reloads when the editor causes write events without changes.
	mu       sync.Mutex
	lastHash uint64
}

func NewWatcher(path string, reg *Registry, log logx.Logger, bus eventbus.Bus) *Watcher {
	return &Watcher{path: path, reg: reg, log: log.With(logx.String("comp", "config-watch")), bus: bus}
}

// Watch blocks until ctx is cancelled. When fsnotify gets into a bad state
// the watcher is recreated with a small jittered backoff.
func (w *Watcher) Watch(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
	)
	backoff := restartBackoffBase
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// Debounce to avoid applying partial writes.
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() { w.reload() })
	}

	wait := func() time.Duration {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return d
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fw, err := fsnotify.NewWatcher()
		if err == nil {
			err = fw.Add(dir)
			if err != nil {
				_ = fw.Close()
			}
		}
		if err != nil {
			w.log.Warn("watch init failed", logx.Err(err), logx.String("dir", dir))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait()):
				continue
			}
		}

		backoff = restartBackoffBase
		w.log.Debug("watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				// Compare by basename; editors rename/replace in place.
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
						debounce()
					}
				}
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means missed events; reload once and keep going.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					debounce()
					continue
				}
				w.log.Warn("watch error", logx.Err(err), logx.String("dir", dir))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
				}
			}
		}

		_ = fw.Close()
		if ctx.Err() != nil {
			return nil
		}
		d := wait()
		w.log.Warn("watcher stopped; restarting", logx.Duration("backoff", d))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(d):
		}
	}
}

func (w *Watcher) reload() {
	b, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("param file read failed", logx.String("path", w.path), logx.Err(err))
		return
	}

	h := hashBytes(b)
	w.mu.Lock()
	unchanged := h != 0 && h == w.lastHash
	w.mu.Unlock()
	if unchanged {
		w.log.Debug("params unchanged; skipping reload", logx.String("path", w.path))
		return
	}

	text := strings.NewReplacer("\r\n", ";", "\n", ";").Replace(string(b))
	if err := w.reg.ParseConfiguration(text, &DefaultParser{}); err != nil {
		w.log.Warn("param reload rejected", logx.String("path", w.path), logx.Err(err))
		return
	}

	w.mu.Lock()
	w.lastHash = h
	w.mu.Unlock()

	w.log.Info("engine parameters reloaded", logx.String("path", w.path))
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: eventbus.ConfigChanged, Data: w.path})
	}
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
