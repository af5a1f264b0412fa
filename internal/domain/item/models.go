package item

import (
	"errors"
	"time"
)

// SyncStatus is the persisted outcome of the last sync attempt for an item.
type SyncStatus string

const (
	StatusIdle       SyncStatus = "idle"
	StatusInProgress SyncStatus = "in_progress" // reported from the lock registry, never persisted
	StatusSucceeded  SyncStatus = "succeeded"
	StatusFailed     SyncStatus = "failed"
)

// Domain errors
var (
	ErrNotFound      = errors.New("item not found")
	ErrConflict      = errors.New("item changed concurrently")
	ErrForbidden     = errors.New("access forbidden")
	ErrInvalidStatus = errors.New("invalid sync status")
	ErrInvalidInput  = errors.New("invalid input")
)

// Item represents a connection with a financial institution via the provider.
// One Item can have multiple Accounts (e.g., checking + credit card from same bank).
type Item struct {
	ID             string     `json:"id"` // Provider's item_id
	UserID         int64      `json:"userId"`
	InstitutionID  string     `json:"institutionId"`
	AccessToken    string     `json:"-"`
	Cursor         *string    `json:"-"` // nil = never synced
	LastSyncedAt   *time.Time `json:"lastSyncedAt,omitempty"`
	LastSyncStatus SyncStatus `json:"lastSyncStatus"`
	LastError      *string    `json:"lastError,omitempty"`
	ReauthRequired bool       `json:"reauthRequired"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// CursorValue returns the stored cursor or "" when the item was never synced.
func (i *Item) CursorValue() string {
	if i.Cursor == nil {
		return ""
	}
	return *i.Cursor
}

// CreateParams contains parameters for registering a newly linked item
type CreateParams struct {
	ID            string
	UserID        int64
	InstitutionID string
	AccessToken   string
}

// Validate validates the create parameters
func (p CreateParams) Validate() error {
	if p.ID == "" {
		return errors.New("item ID is required")
	}
	if p.UserID <= 0 {
		return errors.New("valid user ID is required")
	}
	if p.AccessToken == "" {
		return errors.New("access token is required")
	}
	return nil
}

// IsPersistable reports whether the status may be written to the store.
func (s SyncStatus) IsPersistable() bool {
	switch s {
	case StatusIdle, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}
