package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"

	"ledgersync/internal/domain/item"
	"ledgersync/internal/domain/openfinance"
)

// ItemSyncer runs the background sync flavours of the orchestrator
type ItemSyncer interface {
	SyncFromWebhook(ctx context.Context, itemID string) (*openfinance.SyncResult, error)
	SyncScheduled(ctx context.Context, itemID string) (*openfinance.SyncResult, error)
}

// ItemSyncJob syncs a single item in the background
type ItemSyncJob struct {
	itemID  string
	trigger openfinance.Trigger
	syncer  ItemSyncer
	started func()
}

// NewItemSyncJob creates a job for a webhook or scheduled trigger
func NewItemSyncJob(itemID string, trigger openfinance.Trigger, syncer ItemSyncer) *ItemSyncJob {
	return &ItemSyncJob{itemID: itemID, trigger: trigger, syncer: syncer}
}

// Discard releases the job's queue slot when the pool refused it
func (j *ItemSyncJob) Discard() {
	if j.started != nil {
		j.started()
	}
}

func (j *ItemSyncJob) ItemID() string {
	return j.itemID
}

func (j *ItemSyncJob) Description() string {
	return fmt.Sprintf("%s sync for item %s", j.trigger, j.itemID)
}

// Execute runs the sync. A run that coalesced into one already in flight
// counts as done.
func (j *ItemSyncJob) Execute(ctx context.Context) error {
	if j.started != nil {
		j.started()
	}

	var err error
	switch j.trigger {
	case openfinance.TriggerScheduled:
		_, err = j.syncer.SyncScheduled(ctx, j.itemID)
	default:
		_, err = j.syncer.SyncFromWebhook(ctx, j.itemID)
	}
	if err != nil {
		return fmt.Errorf("failed to sync item %s: %w", j.itemID, err)
	}
	return nil
}

// Dispatcher hands item syncs to the worker pool. An item already waiting
// in the queue is not queued twice.
type Dispatcher struct {
	pool   *WorkerPool
	syncer ItemSyncer

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(pool *WorkerPool, syncer ItemSyncer) *Dispatcher {
	return &Dispatcher{
		pool:    pool,
		syncer:  syncer,
		pending: make(map[string]struct{}),
	}
}

// EnqueueSync queues a webhook-triggered sync. It never waits for the sync.
func (d *Dispatcher) EnqueueSync(_ context.Context, itemID string) error {
	return d.enqueue(itemID, openfinance.TriggerWebhook)
}

// EnqueueScheduled queues a scheduled sync
func (d *Dispatcher) EnqueueScheduled(itemID string) error {
	return d.enqueue(itemID, openfinance.TriggerScheduled)
}

func (d *Dispatcher) enqueue(itemID string, trigger openfinance.Trigger) error {
	if !d.markPending(itemID) {
		log.Printf("Item %s: %s sync already queued", itemID, trigger)
		return nil
	}

	job := NewItemSyncJob(itemID, trigger, d.syncer)
	job.started = func() { d.clearPending(itemID) }

	if err := d.pool.Submit(job); err != nil {
		d.clearPending(itemID)
		return fmt.Errorf("failed to queue sync for item %s: %w", itemID, err)
	}
	return nil
}

// Pending reports whether a sync for the item is waiting in the queue
func (d *Dispatcher) Pending(itemID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[itemID]
	return ok
}

func (d *Dispatcher) markPending(itemID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[itemID]; ok {
		return false
	}
	d.pending[itemID] = struct{}{}
	return true
}

func (d *Dispatcher) clearPending(itemID string) {
	d.mu.Lock()
	delete(d.pending, itemID)
	d.mu.Unlock()
}

// ScheduledJobs returns a JobProvider that syncs every item not waiting on
// re-authentication. Items already queued are skipped.
func ScheduledJobs(items item.Repository, d *Dispatcher) JobProvider {
	return func(ctx context.Context) ([]Job, error) {
		all, err := items.ListAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list items: %w", err)
		}

		jobs := make([]Job, 0, len(all))
		for _, it := range all {
			if it.ReauthRequired {
				continue
			}
			if !d.markPending(it.ID) {
				continue
			}
			job := NewItemSyncJob(it.ID, openfinance.TriggerScheduled, d.syncer)
			id := it.ID
			job.started = func() { d.clearPending(id) }
			jobs = append(jobs, job)
		}
		return jobs, nil
	}
}
