package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Upserter applies provider pages to the ledger
type Upserter struct {
	repo Repository
}

// NewUpserter creates a new ledger upserter
func NewUpserter(repo Repository) *Upserter {
	return &Upserter{repo: repo}
}

// Apply writes every page in order inside a single store transaction.
// On error nothing is written and the returned result is nil.
func (u *Upserter) Apply(ctx context.Context, itemID string, pages []Changes) (*ApplyResult, error) {
	var result *ApplyResult

	err := u.repo.WithinTx(ctx, func(ctx context.Context, tx Repository) error {
		res := &ApplyResult{}
		accounts := make(map[string]string)

		for i := range pages {
			if err := applyPage(ctx, tx, itemID, pages[i], accounts, res); err != nil {
				return fmt.Errorf("page %d: %w", i+1, err)
			}
		}

		result = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply changes for item %s: %w", itemID, err)
	}

	log.Printf("Item %s: ledger applied (%d pages, %d accounts, %d upserted, %d tombstoned)",
		itemID, len(pages), result.AccountsUpserted, result.Upserted, result.Tombstoned)

	return result, nil
}

// ApplyPage is Apply for a single page
func (u *Upserter) ApplyPage(ctx context.Context, itemID string, page Changes) (*ApplyResult, error) {
	return u.Apply(ctx, itemID, []Changes{page})
}

// applyPage handles accounts, then added, then modified, then removed.
// accounts caches provider account id -> local id for the whole run.
func applyPage(ctx context.Context, tx Repository, itemID string, page Changes, accounts map[string]string, res *ApplyResult) error {
	for _, patch := range page.Accounts {
		if err := patch.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
		}
		acc, err := tx.UpsertAccount(ctx, itemID, patch)
		if err != nil {
			return fmt.Errorf("failed to upsert account %s: %w", patch.ProviderAccountID, err)
		}
		accounts[patch.ProviderAccountID] = acc.ID
		res.AccountsUpserted++
	}

	for _, batch := range [][]TransactionPatch{page.Added, page.Modified} {
		for _, patch := range batch {
			if err := patch.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
			}

			accountID, err := resolveAccount(ctx, tx, itemID, patch.ProviderAccountID, accounts)
			if err != nil {
				return fmt.Errorf("transaction %s: %w", patch.ProviderTransactionID, err)
			}

			if _, err := tx.UpsertTransaction(ctx, itemID, accountID, patch); err != nil {
				return fmt.Errorf("failed to upsert transaction %s: %w", patch.ProviderTransactionID, err)
			}
			res.Upserted++
		}
	}

	for _, providerID := range page.Removed {
		if providerID == "" {
			return fmt.Errorf("%w: removed entry without transaction ID", ErrInvalidPatch)
		}
		found, err := tx.TombstoneTransaction(ctx, itemID, providerID)
		if err != nil {
			return fmt.Errorf("failed to tombstone transaction %s: %w", providerID, err)
		}
		if found {
			res.Tombstoned++
		}
	}

	return nil
}

func resolveAccount(ctx context.Context, tx Repository, itemID, providerAccountID string, accounts map[string]string) (string, error) {
	if id, ok := accounts[providerAccountID]; ok {
		return id, nil
	}

	acc, err := tx.GetAccountByProviderID(ctx, itemID, providerAccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUnknownAccount, providerAccountID)
		}
		return "", fmt.Errorf("failed to look up account %s: %w", providerAccountID, err)
	}

	accounts[providerAccountID] = acc.ID
	return acc.ID, nil
}
