package openfinance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgersync/internal/domain/item"
	"ledgersync/internal/domain/ledger"
	"ledgersync/internal/domain/notification"
	"ledgersync/internal/infrastructure/memory"
	ofclient "ledgersync/internal/infrastructure/openfinance"
)

const (
	itemID = "item-1"
	userID = int64(42)
)

type mockProvider struct {
	FetchChangesFunc        func(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error)
	RequestRefreshFunc      func(ctx context.Context, accessToken string) (string, error)
	FireWebhookFunc         func(ctx context.Context, accessToken, code string) error
	ExchangePublicTokenFunc func(ctx context.Context, publicToken string) (*ofclient.Exchange, error)

	fetchCalls   atomic.Int32
	refreshCalls atomic.Int32
}

func (m *mockProvider) FetchChanges(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error) {
	m.fetchCalls.Add(1)
	if m.FetchChangesFunc != nil {
		return m.FetchChangesFunc(ctx, accessToken, cursor)
	}
	return &ofclient.Page{NextCursor: cursor}, nil
}

func (m *mockProvider) RequestRefresh(ctx context.Context, accessToken string) (string, error) {
	m.refreshCalls.Add(1)
	if m.RequestRefreshFunc != nil {
		return m.RequestRefreshFunc(ctx, accessToken)
	}
	return "refresh-req", nil
}

func (m *mockProvider) FireWebhook(ctx context.Context, accessToken, code string) error {
	if m.FireWebhookFunc != nil {
		return m.FireWebhookFunc(ctx, accessToken, code)
	}
	return nil
}

func (m *mockProvider) ExchangePublicToken(ctx context.Context, publicToken string) (*ofclient.Exchange, error) {
	if m.ExchangePublicTokenFunc != nil {
		return m.ExchangePublicTokenFunc(ctx, publicToken)
	}
	return nil, nil
}

type mockNotifier struct {
	mu       sync.Mutex
	requests []notification.ReauthRequest
}

func (m *mockNotifier) NotifyReauthRequired(ctx context.Context, req notification.ReauthRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return nil
}

type fixture struct {
	store    *memory.Store
	provider *mockProvider
	notifier *mockNotifier
	locks    *LockRegistry
	orch     *Orchestrator
	slept    []time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	_, err := store.Create(context.Background(), item.CreateParams{
		ID:            itemID,
		UserID:        userID,
		InstitutionID: "ins_1",
		AccessToken:   "access-sandbox-1",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	f := &fixture{
		store:    store,
		provider: &mockProvider{},
		notifier: &mockNotifier{},
		locks:    NewLockRegistry(),
	}
	f.orch = NewOrchestrator(store, f.provider, ledger.NewUpserter(store), f.locks, f.notifier, Config{
		SettleInterval: 5 * time.Second,
		RetryBase:      time.Millisecond,
		MaxAttempts:    3,
	})
	f.orch.sleep = func(ctx context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return nil
	}
	return f
}

func (f *fixture) item(t *testing.T) *item.Item {
	t.Helper()
	it, err := f.store.Get(context.Background(), itemID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return it
}

func (f *fixture) active(t *testing.T) map[string]*ledger.Transaction {
	t.Helper()
	txns, err := f.store.ListTransactionsByItem(context.Background(), itemID)
	if err != nil {
		t.Fatalf("ListTransactionsByItem() error = %v", err)
	}
	out := make(map[string]*ledger.Transaction)
	for _, txn := range txns {
		if !txn.Removed {
			out[txn.ProviderTransactionID] = txn
		}
	}
	return out
}

var checkingAccount = ledger.AccountPatch{ProviderAccountID: "acc-1", Name: "Checking", Type: "depository", Currency: "USD"}

func added(ids ...string) []ledger.TransactionPatch {
	out := make([]ledger.TransactionPatch, len(ids))
	for i, id := range ids {
		out[i] = ledger.TransactionPatch{
			ProviderTransactionID: id,
			ProviderAccountID:     "acc-1",
			Amount:                decimal.NewFromInt(int64(-10 * (i + 1))),
			Currency:              "USD",
			Date:                  time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC),
			Description:           "txn " + id,
		}
	}
	return out
}

// feed serves pages keyed by the cursor they are requested with
func feed(pages map[string]*ofclient.Page) func(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error) {
	return func(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error) {
		page, ok := pages[cursor]
		if !ok {
			return nil, &ofclient.ProviderError{Kind: ofclient.KindInvalidRequest, Code: "INVALID_CURSOR", Message: cursor}
		}
		return page, nil
	}
}

func transient() error {
	return &ofclient.ProviderError{Kind: ofclient.KindTransient, StatusCode: 503, Code: "INTERNAL_SERVER_ERROR", Message: "try later"}
}

func TestSyncNow_FirstSync(t *testing.T) {
	f := newFixture(t)
	f.provider.FetchChangesFunc = feed(map[string]*ofclient.Page{
		"": {
			Changes:    ledger.Changes{Accounts: []ledger.AccountPatch{checkingAccount}, Added: added("t1", "t2", "t3")},
			NextCursor: "c1",
		},
	})

	res, err := f.orch.SyncNow(context.Background(), itemID)
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if res.Outcome != OutcomeSucceeded || res.PagesConsumed != 1 || res.Upserted != 3 {
		t.Errorf("unexpected result: %+v", res)
	}

	if n := len(f.active(t)); n != 3 {
		t.Errorf("expected 3 active transactions, got %d", n)
	}
	it := f.item(t)
	if it.CursorValue() != "c1" {
		t.Errorf("cursor = %q, want c1", it.CursorValue())
	}
	if it.LastSyncStatus != item.StatusSucceeded || it.LastSyncedAt == nil {
		t.Errorf("unexpected status %s (synced at %v)", it.LastSyncStatus, it.LastSyncedAt)
	}
	if f.locks.InFlight(itemID) {
		t.Error("lock should be released")
	}
}

func TestSyncNow_RemoveUnseenTransaction(t *testing.T) {
	f := newFixture(t)
	f.provider.FetchChangesFunc = feed(map[string]*ofclient.Page{
		"":   {Changes: ledger.Changes{Accounts: []ledger.AccountPatch{checkingAccount}, Added: added("t1")}, NextCursor: "c1"},
		"c1": {Changes: ledger.Changes{Removed: []string{"never-seen"}}, NextCursor: "c2"},
	})
	ctx := context.Background()

	if _, err := f.orch.SyncNow(ctx, itemID); err != nil {
		t.Fatalf("first SyncNow() error = %v", err)
	}
	res, err := f.orch.SyncNow(ctx, itemID)
	if err != nil {
		t.Fatalf("second SyncNow() error = %v", err)
	}
	if res.Tombstoned != 0 {
		t.Errorf("Tombstoned = %d, want 0", res.Tombstoned)
	}
	if f.item(t).CursorValue() != "c2" {
		t.Errorf("cursor = %q, want c2", f.item(t).CursorValue())
	}
}

func TestSyncNow_TransientFailureOnLastPage(t *testing.T) {
	f := newFixture(t)
	page1Calls, page2Calls := 0, 0
	f.provider.FetchChangesFunc = func(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error) {
		switch cursor {
		case "":
			page1Calls++
			return &ofclient.Page{
				Changes:    ledger.Changes{Accounts: []ledger.AccountPatch{checkingAccount}, Added: added("t1", "t2")},
				NextCursor: "p2",
				HasMore:    true,
			}, nil
		default:
			page2Calls++
			return nil, transient()
		}
	}

	res, err := f.orch.SyncNow(context.Background(), itemID)
	if ofclient.KindOf(err) != ofclient.KindTransient {
		t.Fatalf("expected transient error, got %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("Outcome = %s, want failed", res.Outcome)
	}
	if page1Calls != 1 || page2Calls != 3 {
		t.Errorf("expected page 1 once and page 2 three times, got %d and %d", page1Calls, page2Calls)
	}

	it := f.item(t)
	if it.Cursor != nil {
		t.Errorf("cursor advanced to %q", *it.Cursor)
	}
	if it.LastSyncStatus != item.StatusFailed {
		t.Errorf("status = %s, want failed", it.LastSyncStatus)
	}
	if it.LastError == nil || *it.LastError != "transient: INTERNAL_SERVER_ERROR: try later" {
		t.Errorf("unexpected last error: %v", it.LastError)
	}
	if n := len(f.active(t)); n != 0 {
		t.Errorf("page 1 must not be upserted, found %d rows", n)
	}
}

func TestSyncNow_TransientRecovers(t *testing.T) {
	f := newFixture(t)
	var calls int
	f.provider.FetchChangesFunc = func(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error) {
		calls++
		if calls < 3 {
			return nil, transient()
		}
		return &ofclient.Page{Changes: ledger.Changes{Accounts: []ledger.AccountPatch{checkingAccount}, Added: added("t1")}, NextCursor: "c1"}, nil
	}

	res, err := f.orch.SyncNow(context.Background(), itemID)
	if err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if res.Outcome != OutcomeSucceeded || calls != 3 {
		t.Errorf("unexpected outcome %s after %d calls", res.Outcome, calls)
	}
}

func TestSyncNow_UpstreamDataRetriedOnce(t *testing.T) {
	f := newFixture(t)
	var calls int
	f.provider.FetchChangesFunc = func(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error) {
		calls++
		return nil, &ofclient.ProviderError{Kind: ofclient.KindUpstreamData, Code: "MALFORMED_RESPONSE", Message: "bad page"}
	}

	_, err := f.orch.SyncNow(context.Background(), itemID)
	if ofclient.KindOf(err) != ofclient.KindUpstreamData {
		t.Fatalf("expected upstream data error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected exactly one retry (2 calls), got %d", calls)
	}
	if f.item(t).LastSyncStatus != item.StatusFailed {
		t.Errorf("status = %s, want failed", f.item(t).LastSyncStatus)
	}
}

func TestSyncNow_CredentialErrorFlagsReauth(t *testing.T) {
	f := newFixture(t)
	f.provider.FetchChangesFunc = func(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error) {
		return nil, &ofclient.ProviderError{Kind: ofclient.KindCredential, StatusCode: 400, Code: "ITEM_LOGIN_REQUIRED", Message: "login required"}
	}

	_, err := f.orch.SyncNow(context.Background(), itemID)
	if !ofclient.IsCredentialError(err) {
		t.Fatalf("expected credential error, got %v", err)
	}
	if got := f.provider.fetchCalls.Load(); got != 1 {
		t.Errorf("credential errors must not be retried, got %d calls", got)
	}

	it := f.item(t)
	if !it.ReauthRequired || it.LastSyncStatus != item.StatusFailed {
		t.Errorf("expected reauth flag and failed status, got %+v", it)
	}
	if len(f.notifier.requests) != 1 || f.notifier.requests[0].UserID != userID {
		t.Errorf("expected one notification for user %d, got %+v", userID, f.notifier.requests)
	}
}

func TestSyncNow_UpsertFailureKeepsCursor(t *testing.T) {
	f := newFixture(t)
	orphan := added("t9")
	orphan[0].ProviderAccountID = "acc-unknown"
	f.provider.FetchChangesFunc = feed(map[string]*ofclient.Page{
		"": {Changes: ledger.Changes{Accounts: []ledger.AccountPatch{checkingAccount}, Added: added("t1")}, NextCursor: "c1"},
		"c1": {
			Changes:    ledger.Changes{Added: append(added("t2"), orphan...)},
			NextCursor: "c2",
		},
	})
	ctx := context.Background()

	if _, err := f.orch.SyncNow(ctx, itemID); err != nil {
		t.Fatalf("first SyncNow() error = %v", err)
	}
	_, err := f.orch.SyncNow(ctx, itemID)
	if !errors.Is(err, ledger.ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}

	it := f.item(t)
	if it.CursorValue() != "c1" {
		t.Errorf("cursor = %q, want c1", it.CursorValue())
	}
	if it.LastSyncStatus != item.StatusFailed {
		t.Errorf("status = %s, want failed", it.LastSyncStatus)
	}
	if _, ok := f.active(t)["t2"]; ok {
		t.Error("t2 must not be partially upserted")
	}
}

func TestSyncNow_NoLostPages(t *testing.T) {
	pages := map[string]*ofclient.Page{
		"":   {Changes: ledger.Changes{Accounts: []ledger.AccountPatch{checkingAccount}, Added: added("t1", "t2")}, NextCursor: "p2", HasMore: true},
		"p2": {Changes: ledger.Changes{Added: added("t3"), Removed: []string{"t1"}}, NextCursor: "p3", HasMore: true},
		"p3": {Changes: ledger.Changes{Added: added("t4", "t5")}, NextCursor: "done"},
	}
	ctx := context.Background()

	uninterrupted := newFixture(t)
	uninterrupted.provider.FetchChangesFunc = feed(pages)
	if _, err := uninterrupted.orch.SyncNow(ctx, itemID); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}

	interrupted := newFixture(t)
	failing := true
	serve := feed(pages)
	interrupted.provider.FetchChangesFunc = func(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error) {
		if cursor == "p3" && failing {
			return nil, transient()
		}
		return serve(ctx, accessToken, cursor)
	}
	if _, err := interrupted.orch.SyncNow(ctx, itemID); err == nil {
		t.Fatal("expected first attempt to fail")
	}
	failing = false
	if _, err := interrupted.orch.SyncNow(ctx, itemID); err != nil {
		t.Fatalf("retry SyncNow() error = %v", err)
	}

	want := uninterrupted.active(t)
	got := interrupted.active(t)
	if len(got) != len(want) {
		t.Fatalf("expected %d active transactions, got %d", len(want), len(got))
	}
	for id := range want {
		if _, ok := got[id]; !ok {
			t.Errorf("transaction %s lost", id)
		}
	}
	if _, ok := got["t1"]; ok {
		t.Error("t1 should be tombstoned")
	}
	if interrupted.item(t).CursorValue() != "done" {
		t.Errorf("cursor = %q, want done", interrupted.item(t).CursorValue())
	}
}

func TestSyncNow_SingleFlight(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	f.provider.FetchChangesFunc = func(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error) {
		close(entered)
		<-release
		return &ofclient.Page{NextCursor: "c1"}, nil
	}

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := f.orch.SyncNow(ctx, itemID)
		done <- err
	}()
	<-entered

	if _, err := f.orch.SyncNow(ctx, itemID); !errors.Is(err, ErrAlreadyInProgress) {
		t.Errorf("expected ErrAlreadyInProgress, got %v", err)
	}
	if _, err := f.orch.RefreshThenSync(ctx, itemID); !errors.Is(err, ErrAlreadyInProgress) {
		t.Errorf("expected ErrAlreadyInProgress for refresh, got %v", err)
	}

	res, err := f.orch.SyncFromWebhook(ctx, itemID)
	if err != nil || res.Outcome != OutcomeCoalesced {
		t.Errorf("expected coalesced webhook, got %+v, %v", res, err)
	}
	res, err = f.orch.SyncScheduled(ctx, itemID)
	if err != nil || res.Outcome != OutcomeCoalesced {
		t.Errorf("expected coalesced scheduled sync, got %+v, %v", res, err)
	}

	status, err := NewStatusReporter(f.store, f.locks).Status(ctx, itemID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.InProgress || status.Status != item.StatusInProgress || status.Phase != PhasePaginating {
		t.Errorf("unexpected in-flight status: %+v", status)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first SyncNow() error = %v", err)
	}
	if got := f.provider.fetchCalls.Load(); got != 1 {
		t.Errorf("expected exactly one pagination, got %d fetches", got)
	}
	if f.item(t).LastSyncStatus != item.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", f.item(t).LastSyncStatus)
	}
}

func TestSyncNow_ConcurrentCallsRunOnce(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.provider.FetchChangesFunc = func(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error) {
		<-release
		return &ofclient.Page{NextCursor: "c1"}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	var succeeded, rejected atomic.Int32
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.orch.SyncNow(context.Background(), itemID)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, ErrAlreadyInProgress):
				rejected.Add(1)
			}
		}()
	}
	close(start)

	// let the winner reach the provider before releasing it
	deadline := time.After(2 * time.Second)
	for rejected.Load() < callers-1 {
		select {
		case <-deadline:
			t.Fatalf("only %d callers rejected", rejected.Load())
		case <-time.After(time.Millisecond):
		}
	}
	close(release)
	wg.Wait()

	if succeeded.Load() != 1 {
		t.Errorf("expected exactly one run, got %d", succeeded.Load())
	}
	if got := f.provider.fetchCalls.Load(); got != 1 {
		t.Errorf("expected 1 fetch, got %d", got)
	}
}

func TestSyncNow_DetachedFromCaller(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.provider.FetchChangesFunc = func(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &ofclient.Page{NextCursor: "c1"}, nil
	}

	if _, err := f.orch.SyncNow(ctx, itemID); err != nil {
		t.Fatalf("SyncNow() error = %v", err)
	}
	if f.item(t).CursorValue() != "c1" {
		t.Errorf("cursor = %q, want c1", f.item(t).CursorValue())
	}
}

func TestSyncNow_CursorConflict(t *testing.T) {
	f := newFixture(t)
	f.provider.FetchChangesFunc = func(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error) {
		// a previous-generation run commits while this one paginates
		if err := f.store.UpdateCursor(ctx, itemID, nil, "other", time.Now()); err != nil {
			t.Errorf("UpdateCursor() error = %v", err)
		}
		return &ofclient.Page{NextCursor: "mine"}, nil
	}

	_, err := f.orch.SyncNow(context.Background(), itemID)
	if !errors.Is(err, item.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	it := f.item(t)
	if it.CursorValue() != "other" {
		t.Errorf("cursor = %q, want other", it.CursorValue())
	}
	if it.LastSyncStatus != item.StatusFailed {
		t.Errorf("status = %s, want failed", it.LastSyncStatus)
	}
}

func TestSyncNow_StalledCursor(t *testing.T) {
	f := newFixture(t)
	f.provider.FetchChangesFunc = func(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error) {
		return &ofclient.Page{NextCursor: cursor, HasMore: true}, nil
	}
	if err := f.store.UpdateCursor(context.Background(), itemID, nil, "c1", time.Now()); err != nil {
		t.Fatalf("UpdateCursor() error = %v", err)
	}

	_, err := f.orch.SyncNow(context.Background(), itemID)
	if ofclient.KindOf(err) != ofclient.KindUpstreamData {
		t.Fatalf("expected upstream data error, got %v", err)
	}
}

func TestSyncNow_CursorCycle(t *testing.T) {
	f := newFixture(t)
	f.provider.FetchChangesFunc = feed(map[string]*ofclient.Page{
		"":  {Changes: ledger.Changes{Accounts: []ledger.AccountPatch{checkingAccount}, Added: added("t1")}, NextCursor: "a", HasMore: true},
		"a": {NextCursor: "b", HasMore: true},
		"b": {NextCursor: "a", HasMore: true},
	})

	res, err := f.orch.SyncNow(context.Background(), itemID)

	var pe *ofclient.ProviderError
	if !errors.As(err, &pe) || pe.Code != "CURSOR_STALLED" {
		t.Fatalf("expected CURSOR_STALLED, got %v", err)
	}
	if res.PagesConsumed != 3 {
		t.Errorf("PagesConsumed = %d, want 3", res.PagesConsumed)
	}
	if got := f.provider.fetchCalls.Load(); got != 3 {
		t.Errorf("fetch calls = %d, want 3", got)
	}
	if it := f.item(t); it.Cursor != nil {
		t.Errorf("cursor = %q, want unset", it.CursorValue())
	}
	if len(f.active(t)) != 0 {
		t.Error("no page may be upserted from a cycling feed")
	}
}

func TestSyncNow_LastErrorHidesTransportDetails(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	f := newFixture(t)
	client := ofclient.NewClient(ofclient.Options{BaseURL: baseURL, Timeout: time.Second})
	f.orch = NewOrchestrator(f.store, client, ledger.NewUpserter(f.store), f.locks, nil, Config{
		RetryBase:   time.Millisecond,
		MaxAttempts: 2,
	})

	res, err := f.orch.SyncNow(context.Background(), itemID)
	if ofclient.KindOf(err) != ofclient.KindTransient {
		t.Fatalf("expected transient error, got %v", err)
	}

	const want = "transient: NETWORK_ERROR: provider unreachable"
	it := f.item(t)
	if it.LastError == nil || *it.LastError != want {
		t.Fatalf("last_error = %v, want %q", it.LastError, want)
	}
	if strings.Contains(*it.LastError, baseURL) || strings.Contains(res.Error, baseURL) {
		t.Errorf("provider address leaked: %q / %q", *it.LastError, res.Error)
	}
}

func TestSyncNow_StoreFailureHidesCause(t *testing.T) {
	if got := describeError(errors.New(`pq: relation "items" does not exist`)); got != "internal: STORE_ERROR: failed to store sync results" {
		t.Errorf("describeError() = %q", got)
	}
}

func TestSyncNow_ItemNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.SyncNow(context.Background(), "missing")
	if !errors.Is(err, ErrItemNotFound) {
		t.Errorf("expected ErrItemNotFound, got %v", err)
	}
	if f.locks.InFlight("missing") {
		t.Error("lock leaked")
	}
}

func TestRefreshThenSync(t *testing.T) {
	f := newFixture(t)
	f.provider.FetchChangesFunc = feed(map[string]*ofclient.Page{
		"": {Changes: ledger.Changes{Accounts: []ledger.AccountPatch{checkingAccount}, Added: added("t1")}, NextCursor: "c1"},
	})

	res, err := f.orch.RefreshThenSync(context.Background(), itemID)
	if err != nil {
		t.Fatalf("RefreshThenSync() error = %v", err)
	}
	if res.Trigger != TriggerRefresh || res.Outcome != OutcomeSucceeded {
		t.Errorf("unexpected result %+v", res)
	}
	if f.provider.refreshCalls.Load() != 1 {
		t.Errorf("expected 1 refresh call, got %d", f.provider.refreshCalls.Load())
	}
	if len(f.slept) != 1 || f.slept[0] != 5*time.Second {
		t.Errorf("expected one 5s settle, got %v", f.slept)
	}
}

func TestRefreshThenSync_PermanentErrorAborts(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantReauth bool
	}{
		{
			name: "invalid request",
			err:  &ofclient.ProviderError{Kind: ofclient.KindInvalidRequest, StatusCode: 400, Code: "PRODUCTS_NOT_SUPPORTED", Message: "no"},
		},
		{
			name:       "credential",
			err:        &ofclient.ProviderError{Kind: ofclient.KindCredential, StatusCode: 400, Code: "ITEM_LOGIN_REQUIRED", Message: "login"},
			wantReauth: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.provider.RequestRefreshFunc = func(ctx context.Context, accessToken string) (string, error) {
				return "", tt.err
			}

			_, err := f.orch.RefreshThenSync(context.Background(), itemID)
			if err == nil {
				t.Fatal("expected error")
			}
			if f.provider.fetchCalls.Load() != 0 {
				t.Error("pagination must not start after a permanent refresh error")
			}
			if f.provider.refreshCalls.Load() != 1 {
				t.Errorf("permanent errors must not be retried, got %d calls", f.provider.refreshCalls.Load())
			}
			if len(f.slept) != 0 {
				t.Error("must not settle after a failed refresh")
			}
			if got := f.item(t).ReauthRequired; got != tt.wantReauth {
				t.Errorf("ReauthRequired = %v, want %v", got, tt.wantReauth)
			}
		})
	}
}

func TestRefreshThenSync_TransientRefreshRetried(t *testing.T) {
	f := newFixture(t)
	var calls int
	f.provider.RequestRefreshFunc = func(ctx context.Context, accessToken string) (string, error) {
		calls++
		if calls == 1 {
			return "", transient()
		}
		return "req", nil
	}

	if _, err := f.orch.RefreshThenSync(context.Background(), itemID); err != nil {
		t.Fatalf("RefreshThenSync() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 refresh calls, got %d", calls)
	}
}

func TestFlagReauth(t *testing.T) {
	f := newFixture(t)

	if err := f.orch.FlagReauth(context.Background(), itemID, "credential: ITEM_LOGIN_REQUIRED: webhook"); err != nil {
		t.Fatalf("FlagReauth() error = %v", err)
	}
	if !f.item(t).ReauthRequired {
		t.Error("expected reauth flag")
	}
	if len(f.notifier.requests) != 1 {
		t.Errorf("expected 1 notification, got %d", len(f.notifier.requests))
	}

	if err := f.orch.FlagReauth(context.Background(), "missing", "x"); !errors.Is(err, item.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSuccessClearsReauth(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.FlagReauth(context.Background(), itemID, "credential: ITEM_LOGIN_REQUIRED: x"); err != nil {
		t.Fatalf("FlagReauth() error = %v", err)
	}

	if _, err := f.orch.SyncFromWebhook(context.Background(), itemID); err != nil {
		t.Fatalf("SyncFromWebhook() error = %v", err)
	}
	it := f.item(t)
	if it.ReauthRequired || it.LastError != nil {
		t.Errorf("expected reauth cleared, got %+v", it)
	}
}
