package item

import (
	"context"
	"time"
)

// Repository is the credential store: one durable row per linked item.
// This interface is defined in the domain layer, but implemented in the infrastructure layer
type Repository interface {
	// Create registers a newly linked item
	Create(ctx context.Context, params CreateParams) (*Item, error)

	// Get retrieves an item by its ID. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Item, error)

	// ListByUserID retrieves all items owned by a user
	ListByUserID(ctx context.Context, userID int64) ([]*Item, error)

	// ListAll retrieves every item (used by the scheduler)
	ListAll(ctx context.Context) ([]*Item, error)

	// UpdateCursor stores next as the item's cursor only if the current cursor
	// still equals expected (nil matches a never-synced item). The same write
	// sets status=succeeded, last_synced_at and clears last_error and the
	// reauth flag. Returns ErrConflict when no row matched.
	UpdateCursor(ctx context.Context, id string, expected *string, next string, syncedAt time.Time) error

	// SetStatus overwrites the status fields (last writer wins)
	SetStatus(ctx context.Context, id string, status SyncStatus, errMsg *string) error

	// SetReauthRequired marks the item as needing re-linking and failed
	SetReauthRequired(ctx context.Context, id string, reason string) error

	// Delete removes an item; owned accounts and transactions cascade
	Delete(ctx context.Context, id string) error
}
