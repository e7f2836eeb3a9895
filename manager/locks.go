package manager

import "sync"

type (
	// runLocks hands out one mutex per run id so status transitions of
	// different runs never block each other. Locks are reference counted
	// and dropped from the map once the last holder releases them.
	runLocks struct {
		mu    sync.Mutex
		locks map[string]*runLock
	}

	runLock struct {
		sync.Mutex
		refs int
	}
)

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*runLock)}
}

// lock acquires the mutex for runID, creating it on first use.
func (l *runLocks) lock(runID string) *runLock {
	l.mu.Lock()
	rl, ok := l.locks[runID]
	if !ok {
		rl = &runLock{}
		l.locks[runID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return rl
}

// unlock releases rl and removes it from the map when no other caller
// is waiting on it.
func (l *runLocks) unlock(runID string, rl *runLock) {
	rl.Unlock()

	l.mu.Lock()
	rl.refs--
	if rl.refs == 0 {
		delete(l.locks, runID)
	}
	l.mu.Unlock()
}
