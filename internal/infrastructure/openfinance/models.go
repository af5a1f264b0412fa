package openfinance

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ledgersync/internal/domain/ledger"
)

const dateLayout = "2006-01-02"

// Page is one validated page of the changes feed
type Page struct {
	Changes    ledger.Changes
	NextCursor string
	HasMore    bool
	RequestID  string
}

// Exchange is the result of a public token exchange
type Exchange struct {
	AccessToken   string
	ItemID        string
	InstitutionID string
	RequestID     string
}

// credentials are sent in every request body
type credentials struct {
	ClientID string `json:"client_id"`
	Secret   string `json:"secret"`
}

type syncRequest struct {
	credentials
	AccessToken string `json:"access_token"`
	Cursor      string `json:"cursor,omitempty"`
	Count       int    `json:"count,omitempty"`
}

type accessTokenRequest struct {
	credentials
	AccessToken string `json:"access_token"`
}

type fireWebhookRequest struct {
	credentials
	AccessToken string `json:"access_token"`
	WebhookCode string `json:"webhook_code"`
}

type exchangeRequest struct {
	credentials
	PublicToken string `json:"public_token"`
}

// SyncResponse is the raw body of POST /transactions/sync
type SyncResponse struct {
	Accounts   []Account            `json:"accounts"`
	Added      []Transaction        `json:"added"`
	Modified   []Transaction        `json:"modified"`
	Removed    []RemovedTransaction `json:"removed"`
	NextCursor string               `json:"next_cursor"`
	HasMore    bool                 `json:"has_more"`
	RequestID  string               `json:"request_id"`
}

// Account represents an account from the provider
type Account struct {
	AccountID    string   `json:"account_id"`
	Name         string   `json:"name"`
	OfficialName *string  `json:"official_name"`
	Type         string   `json:"type"`
	Subtype      *string  `json:"subtype"`
	Balances     Balances `json:"balances"`
}

// Balances holds account balances. The provider sends numbers or null.
type Balances struct {
	Current         *json.Number `json:"current"`
	Available       *json.Number `json:"available"`
	ISOCurrencyCode *string      `json:"iso_currency_code"`
	UnofficialCode  *string      `json:"unofficial_currency_code"`
}

// Transaction represents a transaction from the provider
type Transaction struct {
	TransactionID   string                   `json:"transaction_id"`
	AccountID       string                   `json:"account_id"`
	Amount          json.Number              `json:"amount"` // positive = money out
	ISOCurrencyCode *string                  `json:"iso_currency_code"`
	UnofficialCode  *string                  `json:"unofficial_currency_code"`
	DateString      string                   `json:"date"` // "2024-03-01"
	Name            string                   `json:"name"`
	MerchantName    *string                  `json:"merchant_name"`
	Category        *PersonalFinanceCategory `json:"personal_finance_category"`
	Pending         bool                     `json:"pending"`
}

// PersonalFinanceCategory is the provider's category taxonomy
type PersonalFinanceCategory struct {
	Primary  string `json:"primary"`
	Detailed string `json:"detailed"`
}

// RemovedTransaction identifies a transaction that no longer exists upstream
type RemovedTransaction struct {
	TransactionID string `json:"transaction_id"`
	AccountID     string `json:"account_id"`
}

type refreshResponse struct {
	RequestID string `json:"request_id"`
}

type exchangeResponse struct {
	AccessToken   string `json:"access_token"`
	ItemID        string `json:"item_id"`
	InstitutionID string `json:"institution_id"`
	RequestID     string `json:"request_id"`
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	ErrorType      string `json:"error_type"`
	ErrorCode      string `json:"error_code"`
	ErrorMessage   string `json:"error_message"`
	DisplayMessage string `json:"display_message"`
	RequestID      string `json:"request_id"`
}

// GetAmount returns the amount in ledger sign convention (negative = outflow)
func (t *Transaction) GetAmount() (decimal.Decimal, error) {
	if t.Amount == "" {
		return decimal.Decimal{}, errors.New("amount is required")
	}
	amount, err := decimal.NewFromString(string(t.Amount))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("failed to parse amount '%s': %w", t.Amount, err)
	}
	return amount.Neg(), nil
}

// GetDate parses the posting date
func (t *Transaction) GetDate() (time.Time, error) {
	parsed, err := time.Parse(dateLayout, t.DateString)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date '%s': %w", t.DateString, err)
	}
	return parsed, nil
}

// GetCurrency returns the ISO code, falling back to the unofficial code
func (t *Transaction) GetCurrency() string {
	return currency(t.ISOCurrencyCode, t.UnofficialCode)
}

// GetCurrency returns the ISO code, falling back to the unofficial code
func (b *Balances) GetCurrency() string {
	return currency(b.ISOCurrencyCode, b.UnofficialCode)
}

func currency(iso, unofficial *string) string {
	if iso != nil && *iso != "" {
		return *iso
	}
	if unofficial != nil {
		return *unofficial
	}
	return ""
}

func parseNullable(n *json.Number) (decimal.NullDecimal, error) {
	if n == nil || *n == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(string(*n))
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("failed to parse balance '%s': %w", *n, err)
	}
	return decimal.NewNullDecimal(d), nil
}

// ToPatch converts the wire account into a ledger patch
func (a *Account) ToPatch() (ledger.AccountPatch, error) {
	if a.AccountID == "" {
		return ledger.AccountPatch{}, errors.New("account without account_id")
	}
	current, err := parseNullable(a.Balances.Current)
	if err != nil {
		return ledger.AccountPatch{}, err
	}
	available, err := parseNullable(a.Balances.Available)
	if err != nil {
		return ledger.AccountPatch{}, err
	}

	return ledger.AccountPatch{
		ProviderAccountID: a.AccountID,
		Name:              a.Name,
		OfficialName:      a.OfficialName,
		Type:              a.Type,
		Subtype:           a.Subtype,
		Currency:          a.Balances.GetCurrency(),
		CurrentBalance:    current,
		AvailableBalance:  available,
	}, nil
}

// ToPatch converts the wire transaction into a ledger patch
func (t *Transaction) ToPatch() (ledger.TransactionPatch, error) {
	if t.TransactionID == "" {
		return ledger.TransactionPatch{}, errors.New("transaction without transaction_id")
	}
	if t.AccountID == "" {
		return ledger.TransactionPatch{}, fmt.Errorf("transaction %s without account_id", t.TransactionID)
	}
	amount, err := t.GetAmount()
	if err != nil {
		return ledger.TransactionPatch{}, fmt.Errorf("transaction %s: %w", t.TransactionID, err)
	}
	date, err := t.GetDate()
	if err != nil {
		return ledger.TransactionPatch{}, fmt.Errorf("transaction %s: %w", t.TransactionID, err)
	}

	var category *string
	if t.Category != nil && t.Category.Primary != "" {
		primary := t.Category.Primary
		category = &primary
	}

	return ledger.TransactionPatch{
		ProviderTransactionID: t.TransactionID,
		ProviderAccountID:     t.AccountID,
		Amount:                amount,
		Currency:              t.GetCurrency(),
		Date:                  date,
		Description:           t.Name,
		MerchantName:          t.MerchantName,
		Category:              category,
		Pending:               t.Pending,
	}, nil
}

// ToPage validates the response and converts it into a typed page
func (r *SyncResponse) ToPage() (*Page, error) {
	if r.HasMore && r.NextCursor == "" {
		return nil, errors.New("has_more without next_cursor")
	}

	page := &Page{
		NextCursor: r.NextCursor,
		HasMore:    r.HasMore,
		RequestID:  r.RequestID,
	}

	for i := range r.Accounts {
		patch, err := r.Accounts[i].ToPatch()
		if err != nil {
			return nil, err
		}
		page.Changes.Accounts = append(page.Changes.Accounts, patch)
	}
	for i := range r.Added {
		patch, err := r.Added[i].ToPatch()
		if err != nil {
			return nil, err
		}
		page.Changes.Added = append(page.Changes.Added, patch)
	}
	for i := range r.Modified {
		patch, err := r.Modified[i].ToPatch()
		if err != nil {
			return nil, err
		}
		page.Changes.Modified = append(page.Changes.Modified, patch)
	}
	for _, removed := range r.Removed {
		if removed.TransactionID == "" {
			return nil, errors.New("removed entry without transaction_id")
		}
		page.Changes.Removed = append(page.Changes.Removed, removed.TransactionID)
	}

	return page, nil
}
