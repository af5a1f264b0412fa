// Package ledger holds the local account and transaction ledger fed by provider sync pages.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Domain errors
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrUnknownAccount      = errors.New("transaction references an account never reported by the provider")
	ErrInvalidPatch        = errors.New("invalid patch")
)

// Account represents a financial account under an item
type Account struct {
	ID                string              `json:"id"` // Local id, stable across syncs
	ItemID            string              `json:"itemId"`
	ProviderAccountID string              `json:"providerAccountId"`
	Name              string              `json:"name"`
	OfficialName      *string             `json:"officialName,omitempty"`
	Type              string              `json:"type"`
	Subtype           *string             `json:"subtype,omitempty"`
	Currency          string              `json:"currency"`
	CurrentBalance    decimal.NullDecimal `json:"currentBalance"`
	AvailableBalance  decimal.NullDecimal `json:"availableBalance"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

// Transaction is a single ledger entry. Removed rows are tombstones, never deleted.
type Transaction struct {
	ID                    string          `json:"id"` // Local id, never changes once assigned
	ItemID                string          `json:"itemId"`
	ProviderTransactionID string          `json:"providerTransactionId"`
	AccountID             string          `json:"accountId"`
	Amount                decimal.Decimal `json:"amount"` // negative = outflow
	Currency              string          `json:"currency"`
	Date                  time.Time       `json:"date"`
	Description           string          `json:"description"`
	MerchantName          *string         `json:"merchantName,omitempty"`
	Category              *string         `json:"category,omitempty"`
	Pending               bool            `json:"pending"`
	Removed               bool            `json:"removed"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// AccountPatch is an account snapshot reported alongside a sync page
type AccountPatch struct {
	ProviderAccountID string
	Name              string
	OfficialName      *string
	Type              string
	Subtype           *string
	Currency          string
	CurrentBalance    decimal.NullDecimal
	AvailableBalance  decimal.NullDecimal
}

// Validate validates the account patch
func (p AccountPatch) Validate() error {
	if p.ProviderAccountID == "" {
		return errors.New("provider account ID is required")
	}
	return nil
}

// TransactionPatch carries every mutable field of an added or modified transaction
type TransactionPatch struct {
	ProviderTransactionID string
	ProviderAccountID     string
	Amount                decimal.Decimal
	Currency              string
	Date                  time.Time
	Description           string
	MerchantName          *string
	Category              *string
	Pending               bool
}

// Validate validates the transaction patch
func (p TransactionPatch) Validate() error {
	if p.ProviderTransactionID == "" {
		return errors.New("provider transaction ID is required")
	}
	if p.ProviderAccountID == "" {
		return errors.New("provider account ID is required")
	}
	if p.Date.IsZero() {
		return errors.New("transaction date is required")
	}
	return nil
}

// Changes is one provider page worth of ledger mutations, in provider order.
type Changes struct {
	Accounts []AccountPatch
	Added    []TransactionPatch
	Modified []TransactionPatch
	Removed  []string // provider transaction ids
}

// Size returns the number of transaction entries in the page.
func (c Changes) Size() int {
	return len(c.Added) + len(c.Modified) + len(c.Removed)
}

// ApplyResult contains the counts of an Apply call
type ApplyResult struct {
	AccountsUpserted int `json:"accountsUpserted"`
	Upserted         int `json:"upserted"`
	Tombstoned       int `json:"tombstoned"`
}
