package ledger

import "context"

// Repository defines the interface for ledger data access
type Repository interface {
	// WithinTx runs fn against a repository bound to a single store
	// transaction. Any error returned by fn rolls the whole batch back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error

	// UpsertAccount creates or updates an account keyed by (itemID, provider account id)
	UpsertAccount(ctx context.Context, itemID string, patch AccountPatch) (*Account, error)

	// GetAccountByProviderID returns ErrAccountNotFound when the account was never seen
	GetAccountByProviderID(ctx context.Context, itemID, providerAccountID string) (*Account, error)

	// UpsertTransaction inserts a new row or updates every mutable field of the
	// existing row with the same provider transaction id. The local id and
	// created_at never change. A tombstoned row is revived.
	UpsertTransaction(ctx context.Context, itemID, accountID string, patch TransactionPatch) (*Transaction, error)

	// TombstoneTransaction marks the row removed. Returns false when no row matched.
	TombstoneTransaction(ctx context.Context, itemID, providerTransactionID string) (bool, error)

	// ListAccountsByItem returns all accounts for an item
	ListAccountsByItem(ctx context.Context, itemID string) ([]*Account, error)

	// ListTransactionsByItem returns all rows for an item, tombstones included
	ListTransactionsByItem(ctx context.Context, itemID string) ([]*Transaction, error)
}
