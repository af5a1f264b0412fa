// Package memory provides an in-process store for development and tests.
// It implements the item, ledger and notification repositories.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ledgersync/internal/domain/item"
	"ledgersync/internal/domain/ledger"
	"ledgersync/internal/domain/notification"
)

type rowKey struct {
	itemID     string
	providerID string
}

// Store keeps every table in maps guarded by one mutex
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex // serializes WithinTx callers

	items        map[string]*item.Item
	accounts     map[rowKey]*ledger.Account
	transactions map[rowKey]*ledger.Transaction
	tokens       map[string]*notification.DeviceToken

	now func() time.Time
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		items:        make(map[string]*item.Item),
		accounts:     make(map[rowKey]*ledger.Account),
		transactions: make(map[rowKey]*ledger.Transaction),
		tokens:       make(map[string]*notification.DeviceToken),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// ----------------------------------------------------------------------------
// item.Repository
// ----------------------------------------------------------------------------

// Create stores a new item in the idle state
func (s *Store) Create(ctx context.Context, params item.CreateParams) (*item.Item, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", item.ErrInvalidInput, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[params.ID]; exists {
		return nil, item.ErrConflict
	}

	now := s.now()
	it := &item.Item{
		ID:             params.ID,
		UserID:         params.UserID,
		InstitutionID:  params.InstitutionID,
		AccessToken:    params.AccessToken,
		LastSyncStatus: item.StatusIdle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.items[it.ID] = it

	return copyItem(it), nil
}

// Get returns a copy of the item
func (s *Store) Get(ctx context.Context, id string) (*item.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, item.ErrNotFound
	}
	return copyItem(it), nil
}

// ListByUserID returns the user's items ordered by creation time
func (s *Store) ListByUserID(ctx context.Context, userID int64) ([]*item.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*item.Item
	for _, it := range s.items {
		if it.UserID == userID {
			out = append(out, copyItem(it))
		}
	}
	sortItems(out)
	return out, nil
}

// ListAll returns every item
func (s *Store) ListAll(ctx context.Context) ([]*item.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*item.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, copyItem(it))
	}
	sortItems(out)
	return out, nil
}

// UpdateCursor commits the cursor only when the stored one still equals expected
func (s *Store) UpdateCursor(ctx context.Context, id string, expected *string, next string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok || !sameCursor(it.Cursor, expected) {
		return item.ErrConflict
	}

	cursor := next
	synced := syncedAt
	it.Cursor = &cursor
	it.LastSyncedAt = &synced
	it.LastSyncStatus = item.StatusSucceeded
	it.LastError = nil
	it.ReauthRequired = false
	it.UpdatedAt = s.now()
	return nil
}

// SetStatus overwrites the persisted status, last writer wins
func (s *Store) SetStatus(ctx context.Context, id string, status item.SyncStatus, errMsg *string) error {
	if !status.IsPersistable() {
		return item.ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return item.ErrNotFound
	}
	it.LastSyncStatus = status
	it.LastError = copyString(errMsg)
	it.UpdatedAt = s.now()
	return nil
}

// SetReauthRequired marks the item failed and waiting for re-link
func (s *Store) SetReauthRequired(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return item.ErrNotFound
	}
	it.LastSyncStatus = item.StatusFailed
	it.LastError = &reason
	it.ReauthRequired = true
	it.UpdatedAt = s.now()
	return nil
}

// Delete removes the item together with its accounts and transactions
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return item.ErrNotFound
	}
	delete(s.items, id)
	for k := range s.accounts {
		if k.itemID == id {
			delete(s.accounts, k)
		}
	}
	for k := range s.transactions {
		if k.itemID == id {
			delete(s.transactions, k)
		}
	}
	return nil
}

// ----------------------------------------------------------------------------
// ledger.Repository
// ----------------------------------------------------------------------------

// WithinTx restores the ledger tables when fn fails. Non-transactional
// writes made by other goroutines while fn runs are lost on rollback.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Repository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	accounts := make(map[rowKey]*ledger.Account, len(s.accounts))
	for k, v := range s.accounts {
		accounts[k] = copyAccount(v)
	}
	transactions := make(map[rowKey]*ledger.Transaction, len(s.transactions))
	for k, v := range s.transactions {
		transactions[k] = copyTransaction(v)
	}
	s.mu.Unlock()

	if err := fn(ctx, s); err != nil {
		s.mu.Lock()
		s.accounts = accounts
		s.transactions = transactions
		s.mu.Unlock()
		return err
	}
	return nil
}

// UpsertAccount creates or refreshes an account
func (s *Store) UpsertAccount(ctx context.Context, itemID string, patch ledger.AccountPatch) (*ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[itemID]; !ok {
		return nil, item.ErrNotFound
	}

	now := s.now()
	key := rowKey{itemID, patch.ProviderAccountID}
	acc, ok := s.accounts[key]
	if !ok {
		acc = &ledger.Account{
			ID:                uuid.NewString(),
			ItemID:            itemID,
			ProviderAccountID: patch.ProviderAccountID,
			CreatedAt:         now,
		}
		s.accounts[key] = acc
	}

	acc.Name = patch.Name
	acc.OfficialName = copyString(patch.OfficialName)
	acc.Type = patch.Type
	acc.Subtype = copyString(patch.Subtype)
	acc.Currency = patch.Currency
	acc.CurrentBalance = patch.CurrentBalance
	acc.AvailableBalance = patch.AvailableBalance
	acc.UpdatedAt = now

	return copyAccount(acc), nil
}

// GetAccountByProviderID looks up an account by its provider id
func (s *Store) GetAccountByProviderID(ctx context.Context, itemID, providerAccountID string) (*ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[rowKey{itemID, providerAccountID}]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return copyAccount(acc), nil
}

// UpsertTransaction inserts or overwrites a transaction, reviving tombstones
func (s *Store) UpsertTransaction(ctx context.Context, itemID, accountID string, patch ledger.TransactionPatch) (*ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[itemID]; !ok {
		return nil, item.ErrNotFound
	}

	now := s.now()
	key := rowKey{itemID, patch.ProviderTransactionID}
	txn, ok := s.transactions[key]
	if !ok {
		txn = &ledger.Transaction{
			ID:                    uuid.NewString(),
			ItemID:                itemID,
			ProviderTransactionID: patch.ProviderTransactionID,
			CreatedAt:             now,
		}
		s.transactions[key] = txn
	}

	txn.AccountID = accountID
	txn.Amount = patch.Amount
	txn.Currency = patch.Currency
	txn.Date = patch.Date
	txn.Description = patch.Description
	txn.MerchantName = copyString(patch.MerchantName)
	txn.Category = copyString(patch.Category)
	txn.Pending = patch.Pending
	txn.Removed = false
	txn.UpdatedAt = now

	return copyTransaction(txn), nil
}

// TombstoneTransaction flags the row as removed
func (s *Store) TombstoneTransaction(ctx context.Context, itemID, providerTransactionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txn, ok := s.transactions[rowKey{itemID, providerTransactionID}]
	if !ok {
		return false, nil
	}
	txn.Removed = true
	txn.UpdatedAt = s.now()
	return true, nil
}

// ListAccountsByItem returns the item's accounts ordered by provider id
func (s *Store) ListAccountsByItem(ctx context.Context, itemID string) ([]*ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ledger.Account
	for k, acc := range s.accounts {
		if k.itemID == itemID {
			out = append(out, copyAccount(acc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderAccountID < out[j].ProviderAccountID })
	return out, nil
}

// ListTransactionsByItem returns the item's transactions ordered by provider id
func (s *Store) ListTransactionsByItem(ctx context.Context, itemID string) ([]*ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ledger.Transaction
	for k, txn := range s.transactions {
		if k.itemID == itemID {
			out = append(out, copyTransaction(txn))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderTransactionID < out[j].ProviderTransactionID })
	return out, nil
}

// ----------------------------------------------------------------------------
// notification.TokenRepository
// ----------------------------------------------------------------------------

// UpsertDeviceToken stores an active token for a user, taking it over from any previous owner
func (s *Store) UpsertDeviceToken(ctx context.Context, params notification.CreateDeviceTokenParams) (*notification.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	dt, ok := s.tokens[params.Token]
	if !ok {
		dt = &notification.DeviceToken{ID: uuid.NewString(), Token: params.Token, CreatedAt: now}
		s.tokens[params.Token] = dt
	}
	dt.UserID = params.UserID
	dt.DeviceType = params.DeviceType
	dt.IsActive = true
	dt.LastUsed = now

	cp := *dt
	return &cp, nil
}

// GetActiveTokensByUserID returns the user's active tokens
func (s *Store) GetActiveTokensByUserID(ctx context.Context, userID int64) ([]*notification.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*notification.DeviceToken
	for _, t := range s.tokens {
		if t.UserID == userID && t.IsActive {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

// DeactivateToken marks a token inactive
func (s *Store) DeactivateToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok {
		return notification.ErrDeviceTokenNotFound
	}
	t.IsActive = false
	return nil
}

func sameCursor(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sortItems(items []*item.Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyItem(it *item.Item) *item.Item {
	cp := *it
	cp.Cursor = copyString(it.Cursor)
	cp.LastSyncedAt = copyTime(it.LastSyncedAt)
	cp.LastError = copyString(it.LastError)
	return &cp
}

func copyAccount(a *ledger.Account) *ledger.Account {
	cp := *a
	cp.OfficialName = copyString(a.OfficialName)
	cp.Subtype = copyString(a.Subtype)
	return &cp
}

func copyTransaction(t *ledger.Transaction) *ledger.Transaction {
	cp := *t
	cp.MerchantName = copyString(t.MerchantName)
	cp.Category = copyString(t.Category)
	return &cp
}
