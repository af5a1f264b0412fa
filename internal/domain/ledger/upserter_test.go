package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shopspring/decimal"

	"ledgersync/internal/domain/item"
	"ledgersync/internal/domain/ledger"
	"ledgersync/internal/infrastructure/memory"
)

const testItem = "item-1"

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	_, err := store.Create(context.Background(), item.CreateParams{
		ID:          testItem,
		UserID:      1,
		AccessToken: "access-sandbox-1",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return store
}

func checking() ledger.AccountPatch {
	return ledger.AccountPatch{
		ProviderAccountID: "acc-1",
		Name:              "Checking",
		Type:              "depository",
		Currency:          "USD",
		CurrentBalance:    decimal.NewNullDecimal(decimal.RequireFromString("100.00")),
	}
}

func txn(id, amount string) ledger.TransactionPatch {
	return ledger.TransactionPatch{
		ProviderTransactionID: id,
		ProviderAccountID:     "acc-1",
		Amount:                decimal.RequireFromString(amount),
		Currency:              "USD",
		Date:                  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Description:           "Coffee " + id,
	}
}

// ledgerState strips timestamps so two ledgers can be compared
func ledgerState(t *testing.T, store *memory.Store) []*ledger.Transaction {
	t.Helper()
	txns, err := store.ListTransactionsByItem(context.Background(), testItem)
	if err != nil {
		t.Fatalf("ListTransactionsByItem() error = %v", err)
	}
	return txns
}

var ignoreTimestamps = cmpopts.IgnoreFields(ledger.Transaction{}, "CreatedAt", "UpdatedAt")

func decimalComparer() cmp.Option {
	return cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })
}

func TestApply_AddModifyRemove(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	u := ledger.NewUpserter(store)

	res, err := u.Apply(ctx, testItem, []ledger.Changes{
		{
			Accounts: []ledger.AccountPatch{checking()},
			Added:    []ledger.TransactionPatch{txn("t1", "-4.50"), txn("t2", "-10.00")},
		},
		{
			Modified: []ledger.TransactionPatch{txn("t1", "-5.00")},
			Removed:  []string{"t2", "never-seen"},
		},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := &ledger.ApplyResult{AccountsUpserted: 1, Upserted: 3, Tombstoned: 1}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("ApplyResult mismatch (-want +got):\n%s", diff)
	}

	txns := ledgerState(t, store)
	if len(txns) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(txns))
	}
	if !txns[0].Amount.Equal(decimal.RequireFromString("-5.00")) {
		t.Errorf("t1 amount = %s, want -5.00", txns[0].Amount)
	}
	if txns[0].Removed {
		t.Error("t1 should not be removed")
	}
	if !txns[1].Removed {
		t.Error("t2 should be tombstoned")
	}
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	pages := []ledger.Changes{
		{
			Accounts: []ledger.AccountPatch{checking()},
			Added:    []ledger.TransactionPatch{txn("t1", "-4.50"), txn("t2", "12.00")},
		},
		{
			Modified: []ledger.TransactionPatch{txn("t2", "13.00")},
			Removed:  []string{"t1"},
		},
	}

	once := newStore(t)
	if _, err := ledger.NewUpserter(once).Apply(ctx, testItem, pages); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	twice := newStore(t)
	u := ledger.NewUpserter(twice)
	for i := 0; i < 2; i++ {
		if _, err := u.Apply(ctx, testItem, pages); err != nil {
			t.Fatalf("Apply() #%d error = %v", i+1, err)
		}
	}

	ignoreIDs := cmpopts.IgnoreFields(ledger.Transaction{}, "ID", "AccountID")
	if diff := cmp.Diff(ledgerState(t, once), ledgerState(t, twice), ignoreTimestamps, ignoreIDs, decimalComparer()); diff != "" {
		t.Errorf("ledger differs after re-apply (-once +twice):\n%s", diff)
	}
}

func TestApply_LocalIDStable(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	u := ledger.NewUpserter(store)

	if _, err := u.Apply(ctx, testItem, []ledger.Changes{{
		Accounts: []ledger.AccountPatch{checking()},
		Added:    []ledger.TransactionPatch{txn("t1", "-1.00")},
	}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	before := ledgerState(t, store)[0]

	if _, err := u.Apply(ctx, testItem, []ledger.Changes{{
		Modified: []ledger.TransactionPatch{txn("t1", "-2.00")},
	}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	after := ledgerState(t, store)[0]

	if before.ID != after.ID {
		t.Errorf("local id changed: %s -> %s", before.ID, after.ID)
	}
	if !before.CreatedAt.Equal(after.CreatedAt) {
		t.Errorf("created_at changed")
	}
}

func TestApply_AddThenRemoveConverges(t *testing.T) {
	ctx := context.Background()

	// both within one page and split across pages
	runs := map[string][]ledger.Changes{
		"same page": {{
			Accounts: []ledger.AccountPatch{checking()},
			Added:    []ledger.TransactionPatch{txn("t1", "-3.00")},
			Removed:  []string{"t1"},
		}},
		"separate pages": {
			{Accounts: []ledger.AccountPatch{checking()}, Added: []ledger.TransactionPatch{txn("t1", "-3.00")}},
			{Removed: []string{"t1"}},
		},
	}

	for name, pages := range runs {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			res, err := ledger.NewUpserter(store).Apply(ctx, testItem, pages)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if res.Tombstoned != 1 {
				t.Errorf("Tombstoned = %d, want 1", res.Tombstoned)
			}
			txns := ledgerState(t, store)
			if len(txns) != 1 || !txns[0].Removed {
				t.Errorf("expected a single tombstone, got %+v", txns)
			}
		})
	}
}

func TestApply_RemoveUnknownIsNoop(t *testing.T) {
	store := newStore(t)
	res, err := ledger.NewUpserter(store).Apply(context.Background(), testItem, []ledger.Changes{{
		Removed: []string{"ghost"},
	}})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.Tombstoned != 0 {
		t.Errorf("Tombstoned = %d, want 0", res.Tombstoned)
	}
	if len(ledgerState(t, store)) != 0 {
		t.Error("expected no rows")
	}
}

func TestApply_ReAddRevivesTombstone(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	u := ledger.NewUpserter(store)

	if _, err := u.Apply(ctx, testItem, []ledger.Changes{
		{Accounts: []ledger.AccountPatch{checking()}, Added: []ledger.TransactionPatch{txn("t1", "-3.00")}},
		{Removed: []string{"t1"}},
		{Added: []ledger.TransactionPatch{txn("t1", "-3.00")}},
	}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	txns := ledgerState(t, store)
	if len(txns) != 1 || txns[0].Removed {
		t.Errorf("expected revived row, got %+v", txns)
	}
}

func TestApply_UnknownAccountRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	orphan := txn("t2", "-1.00")
	orphan.ProviderAccountID = "acc-missing"

	res, err := ledger.NewUpserter(store).Apply(ctx, testItem, []ledger.Changes{
		{Accounts: []ledger.AccountPatch{checking()}, Added: []ledger.TransactionPatch{txn("t1", "-3.00")}},
		{Added: []ledger.TransactionPatch{orphan}},
	})
	if !errors.Is(err, ledger.ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}

	if n := len(ledgerState(t, store)); n != 0 {
		t.Errorf("expected rollback to leave no rows, got %d", n)
	}
	accounts, _ := store.ListAccountsByItem(ctx, testItem)
	if len(accounts) != 0 {
		t.Errorf("expected rollback to leave no accounts, got %d", len(accounts))
	}
}

func TestApply_AccountFromEarlierRun(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	u := ledger.NewUpserter(store)

	if _, err := u.Apply(ctx, testItem, []ledger.Changes{{Accounts: []ledger.AccountPatch{checking()}}}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if _, err := u.ApplyPage(ctx, testItem, ledger.Changes{Added: []ledger.TransactionPatch{txn("t1", "-3.00")}}); err != nil {
		t.Fatalf("ApplyPage() error = %v", err)
	}

	accounts, _ := store.ListAccountsByItem(ctx, testItem)
	txns := ledgerState(t, store)
	if len(accounts) != 1 || len(txns) != 1 {
		t.Fatalf("unexpected ledger: %d accounts, %d transactions", len(accounts), len(txns))
	}
	if txns[0].AccountID != accounts[0].ID {
		t.Errorf("transaction linked to %s, want %s", txns[0].AccountID, accounts[0].ID)
	}
}

func TestApply_InvalidPatch(t *testing.T) {
	store := newStore(t)
	bad := txn("", "-1.00")

	_, err := ledger.NewUpserter(store).Apply(context.Background(), testItem, []ledger.Changes{{
		Accounts: []ledger.AccountPatch{checking()},
		Added:    []ledger.TransactionPatch{bad},
	}})
	if !errors.Is(err, ledger.ErrInvalidPatch) {
		t.Errorf("expected ErrInvalidPatch, got %v", err)
	}
}
