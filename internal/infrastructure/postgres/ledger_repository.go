package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"ledgersync/internal/domain/item"
	"ledgersync/internal/domain/ledger"
)

const (
	accountColumns = `id, item_id, provider_account_id, name, official_name, type, subtype, currency,
	current_balance, available_balance, created_at, updated_at`

	transactionColumns = `id, item_id, provider_transaction_id, account_id, amount, currency, date,
	description, merchant_name, category, pending, removed, created_at, updated_at`
)

// LedgerRepository implements ledger.Repository. Inside WithinTx it is
// bound to the transaction instead of the pool.
type LedgerRepository struct {
	db   *DB
	q    querier
	inTx bool
}

func NewLedgerRepository(db *DB) *LedgerRepository {
	return &LedgerRepository{db: db, q: db}
}

func (r *LedgerRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Repository) error) error {
	if r.inTx {
		return fn(ctx, r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(ctx, &LedgerRepository{db: r.db, q: tx, inTx: true}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return nil
}

func (r *LedgerRepository) UpsertAccount(ctx context.Context, itemID string, patch ledger.AccountPatch) (*ledger.Account, error) {
	query := `
		INSERT INTO accounts (id, item_id, provider_account_id, name, official_name, type, subtype, currency,
		                      current_balance, available_balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (item_id, provider_account_id) DO UPDATE SET
			name = EXCLUDED.name,
			official_name = EXCLUDED.official_name,
			type = EXCLUDED.type,
			subtype = EXCLUDED.subtype,
			currency = EXCLUDED.currency,
			current_balance = EXCLUDED.current_balance,
			available_balance = EXCLUDED.available_balance,
			updated_at = NOW()
		RETURNING ` + accountColumns

	acc, err := scanAccount(r.q.QueryRowContext(ctx, query,
		uuid.NewString(), itemID, patch.ProviderAccountID, patch.Name, patch.OfficialName,
		patch.Type, patch.Subtype, patch.Currency, patch.CurrentBalance, patch.AvailableBalance,
	))
	if err != nil {
		if isPgError(err, pgForeignKeyViolation) {
			return nil, item.ErrNotFound
		}
		return nil, fmt.Errorf("failed to upsert account %s: %w", patch.ProviderAccountID, err)
	}

	return acc, nil
}

func (r *LedgerRepository) GetAccountByProviderID(ctx context.Context, itemID, providerAccountID string) (*ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE item_id = $1 AND provider_account_id = $2`

	acc, err := scanAccount(r.q.QueryRowContext(ctx, query, itemID, providerAccountID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ledger.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return acc, nil
}

// UpsertTransaction keeps id and created_at of an existing row and clears its tombstone.
func (r *LedgerRepository) UpsertTransaction(ctx context.Context, itemID, accountID string, patch ledger.TransactionPatch) (*ledger.Transaction, error) {
	query := `
		INSERT INTO transactions (id, item_id, provider_transaction_id, account_id, amount, currency, date,
		                          description, merchant_name, category, pending, removed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE)
		ON CONFLICT (item_id, provider_transaction_id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			date = EXCLUDED.date,
			description = EXCLUDED.description,
			merchant_name = EXCLUDED.merchant_name,
			category = EXCLUDED.category,
			pending = EXCLUDED.pending,
			removed = FALSE,
			updated_at = NOW()
		RETURNING ` + transactionColumns

	txn, err := scanTransaction(r.q.QueryRowContext(ctx, query,
		uuid.NewString(), itemID, patch.ProviderTransactionID, accountID, patch.Amount, patch.Currency,
		patch.Date, patch.Description, patch.MerchantName, patch.Category, patch.Pending,
	))
	if err != nil {
		if isPgError(err, pgForeignKeyViolation) {
			return nil, item.ErrNotFound
		}
		return nil, fmt.Errorf("failed to upsert transaction %s: %w", patch.ProviderTransactionID, err)
	}

	return txn, nil
}

func (r *LedgerRepository) TombstoneTransaction(ctx context.Context, itemID, providerTransactionID string) (bool, error) {
	query := `
		UPDATE transactions SET removed = TRUE, updated_at = NOW()
		WHERE item_id = $1 AND provider_transaction_id = $2
	`

	result, err := r.q.ExecContext(ctx, query, itemID, providerTransactionID)
	if err != nil {
		return false, fmt.Errorf("failed to tombstone transaction %s: %w", providerTransactionID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rows > 0, nil
}

func (r *LedgerRepository) ListAccountsByItem(ctx context.Context, itemID string) ([]*ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE item_id = $1 ORDER BY provider_account_id`

	rows, err := r.q.QueryContext(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*ledger.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}

	return accounts, rows.Err()
}

func (r *LedgerRepository) ListTransactionsByItem(ctx context.Context, itemID string) ([]*ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE item_id = $1 ORDER BY date DESC, provider_transaction_id`

	rows, err := r.q.QueryContext(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*ledger.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}

	return txns, rows.Err()
}

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var acc ledger.Account
	err := row.Scan(
		&acc.ID, &acc.ItemID, &acc.ProviderAccountID, &acc.Name, &acc.OfficialName, &acc.Type,
		&acc.Subtype, &acc.Currency, &acc.CurrentBalance, &acc.AvailableBalance, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var txn ledger.Transaction
	err := row.Scan(
		&txn.ID, &txn.ItemID, &txn.ProviderTransactionID, &txn.AccountID, &txn.Amount, &txn.Currency,
		&txn.Date, &txn.Description, &txn.MerchantName, &txn.Category, &txn.Pending, &txn.Removed,
		&txn.CreatedAt, &txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &txn, nil
}
