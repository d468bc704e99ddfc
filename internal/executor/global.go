package executor

import "sync"

// The process-wide pool instance. Installed explicitly at startup rather
// than constructed on first use, so tests can swap in a pool (or a fake)
// before anything registers.
var (
	instMu   sync.Mutex
	instance *Pool
)

// Install makes p the process-wide pool. Passing nil clears it.
func Install(p *Pool) {
	instMu.Lock()
	instance = p
	instMu.Unlock()
}

// Get returns the installed pool, or nil when none is installed.
func Get() *Pool {
	instMu.Lock()
	defer instMu.Unlock()
	return instance
}

// Reset clears the installed pool. Shutdown is the caller's responsibility.
func Reset() { Install(nil) }
