package openfinance

import (
	"context"
	"fmt"
	"time"

	"ledgersync/internal/domain/item"
)

// ItemStatus is the read model served to clients
type ItemStatus struct {
	ItemID         string          `json:"itemId"`
	InstitutionID  string          `json:"institutionId"`
	Status         item.SyncStatus `json:"status"`
	LastSyncedAt   *time.Time      `json:"lastSyncedAt"`
	LastError      *string         `json:"lastError"`
	InProgress     bool            `json:"inProgress"`
	Phase          Phase           `json:"phase,omitempty"`
	ReauthRequired bool            `json:"reauthRequired"`
}

// StatusReporter merges persisted item state with the in-memory lock registry
type StatusReporter struct {
	items item.Repository
	locks *LockRegistry
}

// NewStatusReporter creates a new status reporter
func NewStatusReporter(items item.Repository, locks *LockRegistry) *StatusReporter {
	return &StatusReporter{items: items, locks: locks}
}

// Status returns the sync status of one item
func (r *StatusReporter) Status(ctx context.Context, itemID string) (*ItemStatus, error) {
	it, err := r.items.Get(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load item %s: %w", itemID, err)
	}
	return r.build(it), nil
}

// StatusForUser returns the status of every item owned by the user
func (r *StatusReporter) StatusForUser(ctx context.Context, userID int64) ([]*ItemStatus, error) {
	items, err := r.items.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items for user %d: %w", userID, err)
	}

	statuses := make([]*ItemStatus, len(items))
	for i, it := range items {
		statuses[i] = r.build(it)
	}
	return statuses, nil
}

func (r *StatusReporter) build(it *item.Item) *ItemStatus {
	status := &ItemStatus{
		ItemID:         it.ID,
		InstitutionID:  it.InstitutionID,
		Status:         it.LastSyncStatus,
		LastSyncedAt:   it.LastSyncedAt,
		LastError:      it.LastError,
		ReauthRequired: it.ReauthRequired,
	}
	if status.Status == "" {
		status.Status = item.StatusIdle
	}

	if snap, ok := r.locks.Snapshot(it.ID); ok {
		status.InProgress = true
		status.Status = item.StatusInProgress
		status.Phase = snap.Phase
	}

	return status
}
