package manager

import (
	"context"
	"sync"
	"time"
)

type (
	// Registry tracks the live, in-process state of launched runs: the
	// producer cancel function, the timeout watchdog and the cancellation
	// grace timer. Entries exist only between Launch and the terminal
	// transition; the run store keeps the durable record.
	Registry struct {
		mu      sync.Mutex
		entries map[string]*liveRun
	}

	liveRun struct {
		cancel   context.CancelFunc
		watchdog *time.Timer
		grace    *time.Timer
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*liveRun)}
}

// Active returns the number of runs currently launched and not yet
// terminal.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) register(runID string, cancel context.CancelFunc, watchdog *time.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[runID] = &liveRun{cancel: cancel, watchdog: watchdog}
}

// requestCancel cancels the producer context and arms the grace timer
// that fires force if the producer has not reached a terminal state in
// time. It reports whether a live entry existed. Repeated requests do
// not rearm the timer.
func (r *Registry) requestCancel(runID string, grace time.Duration, force func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	lr, ok := r.entries[runID]
	if !ok {
		return false
	}
	lr.cancel()
	if lr.grace == nil {
		lr.grace = time.AfterFunc(grace, force)
	}
	return true
}

// remove evicts the entry, stopping its timers and releasing the
// producer context. Safe to call for unknown ids.
func (r *Registry) remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lr, ok := r.entries[runID]
	if !ok {
		return
	}
	delete(r.entries, runID)
	if lr.watchdog != nil {
		lr.watchdog.Stop()
	}
	if lr.grace != nil {
		lr.grace.Stop()
	}
	lr.cancel()
}
