package openfinance

import (
	"sync"
	"time"
)

// Trigger identifies what started a sync run
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerRefresh   Trigger = "refresh"
	TriggerWebhook   Trigger = "webhook"
	TriggerScheduled Trigger = "scheduled"
)

// coalesces reports whether a busy item should swallow the request instead of rejecting it
func (t Trigger) coalesces() bool {
	return t == TriggerWebhook || t == TriggerScheduled
}

// Phase is the position of a run in its state machine
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseSettling   Phase = "settling"
	PhasePaginating Phase = "paginating"
	PhaseUpserting  Phase = "upserting"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// SyncRun is one in-flight orchestration attempt. It lives only while the
// item's lock is held.
type SyncRun struct {
	ItemID    string
	Trigger   Trigger
	StartedAt time.Time

	mu       sync.RWMutex
	phase    Phase
	pages    int
	upserted int
}

// RunSnapshot is a point-in-time copy of a SyncRun
type RunSnapshot struct {
	ItemID               string    `json:"itemId"`
	Trigger              Trigger   `json:"trigger"`
	StartedAt            time.Time `json:"startedAt"`
	Phase                Phase     `json:"phase"`
	PagesConsumed        int       `json:"pagesConsumed"`
	TransactionsUpserted int       `json:"transactionsUpserted"`
}

func newSyncRun(itemID string, trigger Trigger, startedAt time.Time) *SyncRun {
	return &SyncRun{
		ItemID:    itemID,
		Trigger:   trigger,
		StartedAt: startedAt,
		phase:     PhasePending,
	}
}

// SetPhase moves the run to phase
func (r *SyncRun) SetPhase(phase Phase) {
	r.mu.Lock()
	r.phase = phase
	r.mu.Unlock()
}

// Phase returns the current phase
func (r *SyncRun) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

func (r *SyncRun) addPage() {
	r.mu.Lock()
	r.pages++
	r.mu.Unlock()
}

func (r *SyncRun) setUpserted(n int) {
	r.mu.Lock()
	r.upserted = n
	r.mu.Unlock()
}

// Snapshot returns a copy safe to hand to other goroutines
func (r *SyncRun) Snapshot() RunSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RunSnapshot{
		ItemID:               r.ItemID,
		Trigger:              r.Trigger,
		StartedAt:            r.StartedAt,
		Phase:                r.phase,
		PagesConsumed:        r.pages,
		TransactionsUpserted: r.upserted,
	}
}
