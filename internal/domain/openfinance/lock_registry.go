package openfinance

import (
	"sort"
	"sync"
	"time"
)

// LockRegistry is the per-item mutual exclusion table. It is a lock, not a
// queue: a second acquire for a held item fails immediately.
type LockRegistry struct {
	mu   sync.Mutex
	runs map[string]*SyncRun
	now  func() time.Time
}

// NewLockRegistry creates an empty registry
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{
		runs: make(map[string]*SyncRun),
		now:  time.Now,
	}
}

// TryAcquire registers a new run for the item. Returns false when a run is
// already in flight.
func (l *LockRegistry) TryAcquire(itemID string, trigger Trigger) (*SyncRun, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.runs[itemID]; held {
		return nil, false
	}

	run := newSyncRun(itemID, trigger, l.now())
	l.runs[itemID] = run
	return run, true
}

// Release drops the lock held by run. A stale run cannot release a newer one.
func (l *LockRegistry) Release(run *SyncRun) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.runs[run.ItemID]; ok && current == run {
		delete(l.runs, run.ItemID)
	}
}

// InFlight reports whether the item is locked
func (l *LockRegistry) InFlight(itemID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, held := l.runs[itemID]
	return held
}

// Snapshot returns the in-flight run for the item, if any
func (l *LockRegistry) Snapshot(itemID string) (RunSnapshot, bool) {
	l.mu.Lock()
	run, ok := l.runs[itemID]
	l.mu.Unlock()

	if !ok {
		return RunSnapshot{}, false
	}
	return run.Snapshot(), true
}

// Active returns every in-flight run ordered by start time
func (l *LockRegistry) Active() []RunSnapshot {
	l.mu.Lock()
	runs := make([]*SyncRun, 0, len(l.runs))
	for _, run := range l.runs {
		runs = append(runs, run)
	}
	l.mu.Unlock()

	out := make([]RunSnapshot, len(runs))
	for i, run := range runs {
		out[i] = run.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
