// Package openfinance orchestrates per-item synchronization against the
// aggregation provider and reports sync status.
package openfinance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"ledgersync/internal/domain/item"
	"ledgersync/internal/domain/ledger"
	"ledgersync/internal/domain/notification"
	ofclient "ledgersync/internal/infrastructure/openfinance"
)

var (
	syncTracer      = otel.Tracer("ledgersync/sync")
	syncMeter       = otel.Meter("ledgersync/sync")
	syncRunTotal, _ = syncMeter.Int64Counter("sync.run.total", metric.WithDescription("Sync runs by trigger and outcome"))
	syncPages, _    = syncMeter.Int64Counter("sync.pages.total", metric.WithDescription("Provider pages consumed"))
	syncDuration, _ = syncMeter.Float64Histogram("sync.run.duration", metric.WithDescription("Sync run duration in seconds"), metric.WithUnit("s"))
)

const (
	defaultSettleInterval = 5 * time.Second
	defaultRetryBase      = 500 * time.Millisecond
	defaultMaxAttempts    = 3
)

// LedgerWriter applies accumulated pages to the ledger atomically
type LedgerWriter interface {
	Apply(ctx context.Context, itemID string, pages []ledger.Changes) (*ledger.ApplyResult, error)
}

// ReauthNotifier tells a user that an item must be linked again
type ReauthNotifier interface {
	NotifyReauthRequired(ctx context.Context, req notification.ReauthRequest) error
}

// Config tunes the orchestrator
type Config struct {
	SettleInterval time.Duration
	RetryBase      time.Duration
	MaxAttempts    int // per page request, including the first
}

// SyncResult summarizes one orchestration request
type SyncResult struct {
	ItemID           string  `json:"itemId"`
	Trigger          Trigger `json:"trigger"`
	Outcome          Outcome `json:"outcome"`
	PagesConsumed    int     `json:"pagesConsumed"`
	AccountsUpserted int     `json:"accountsUpserted"`
	Upserted         int     `json:"upserted"`
	Tombstoned       int     `json:"tombstoned"`
	Error            string  `json:"error,omitempty"`
}

// Orchestrator runs the per-item sync state machine
type Orchestrator struct {
	items    item.Repository
	client   ofclient.ClientInterface
	ledger   LedgerWriter
	locks    *LockRegistry
	notifier ReauthNotifier
	cfg      Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator creates a new sync orchestrator. notifier may be nil.
func NewOrchestrator(items item.Repository, client ofclient.ClientInterface, writer LedgerWriter, locks *LockRegistry, notifier ReauthNotifier, cfg Config) *Orchestrator {
	if cfg.SettleInterval < 0 {
		cfg.SettleInterval = 0
	} else if cfg.SettleInterval == 0 {
		cfg.SettleInterval = defaultSettleInterval
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	return &Orchestrator{
		items:    items,
		client:   client,
		ledger:   writer,
		locks:    locks,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
	}
}

// SyncNow runs an incremental sync. Returns ErrAlreadyInProgress when the
// item is locked.
func (o *Orchestrator) SyncNow(ctx context.Context, itemID string) (*SyncResult, error) {
	return o.start(ctx, itemID, TriggerManual, false)
}

// RefreshThenSync asks the provider to refresh, waits the settle interval
// and then runs an incremental sync. The lock is held for the whole sequence.
func (o *Orchestrator) RefreshThenSync(ctx context.Context, itemID string) (*SyncResult, error) {
	return o.start(ctx, itemID, TriggerRefresh, true)
}

// SyncFromWebhook runs an incremental sync, coalescing into a run already in flight
func (o *Orchestrator) SyncFromWebhook(ctx context.Context, itemID string) (*SyncResult, error) {
	return o.start(ctx, itemID, TriggerWebhook, false)
}

// SyncScheduled is SyncFromWebhook for the periodic safety-net sync
func (o *Orchestrator) SyncScheduled(ctx context.Context, itemID string) (*SyncResult, error) {
	return o.start(ctx, itemID, TriggerScheduled, false)
}

// FlagReauth records that the item needs re-linking and notifies the owner
func (o *Orchestrator) FlagReauth(ctx context.Context, itemID, reason string) error {
	it, err := o.items.Get(ctx, itemID)
	if err != nil {
		return fmt.Errorf("failed to load item %s: %w", itemID, err)
	}
	o.markReauth(ctx, it, reason)
	return nil
}

func (o *Orchestrator) start(ctx context.Context, itemID string, trigger Trigger, refresh bool) (*SyncResult, error) {
	run, ok := o.locks.TryAcquire(itemID, trigger)
	if !ok {
		if trigger.coalesces() {
			log.Printf("Item %s: %s sync coalesced into run in flight", itemID, trigger)
			syncRunTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("trigger", string(trigger)),
				attribute.String("outcome", string(OutcomeCoalesced)),
			))
			return &SyncResult{ItemID: itemID, Trigger: trigger, Outcome: OutcomeCoalesced}, nil
		}
		return nil, ErrAlreadyInProgress
	}
	defer o.locks.Release(run)

	// The run owns its lifetime: callers going away must not leave partial state.
	return o.execute(context.WithoutCancel(ctx), run, refresh)
}

func (o *Orchestrator) execute(ctx context.Context, run *SyncRun, refresh bool) (*SyncResult, error) {
	ctx, span := syncTracer.Start(ctx, "sync.run",
		trace.WithAttributes(
			attribute.String("item.id", run.ItemID),
			attribute.String("sync.trigger", string(run.Trigger)),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := o.run(ctx, run, refresh)

	outcome := OutcomeSucceeded
	if err != nil {
		outcome = OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	attrs := metric.WithAttributes(
		attribute.String("trigger", string(run.Trigger)),
		attribute.String("outcome", string(outcome)),
	)
	syncRunTotal.Add(ctx, 1, attrs)
	syncDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	span.SetAttributes(
		attribute.Int("sync.pages", result.PagesConsumed),
		attribute.Int("sync.upserted", result.Upserted),
	)

	return result, err
}

// run is the state machine proper. The returned result is never nil.
func (o *Orchestrator) run(ctx context.Context, run *SyncRun, refresh bool) (*SyncResult, error) {
	result := &SyncResult{ItemID: run.ItemID, Trigger: run.Trigger, Outcome: OutcomeFailed}

	// Read under the lock: this cursor is the compare-and-set expectation.
	it, err := o.items.Get(ctx, run.ItemID)
	if err != nil {
		run.SetPhase(PhaseFailed)
		result.Error = describeError(err)
		return result, fmt.Errorf("failed to load item %s: %w", run.ItemID, err)
	}

	log.Printf("Item %s: starting %s sync (cursor=%q)", it.ID, run.Trigger, it.CursorValue())

	if refresh {
		run.SetPhase(PhaseSettling)
		if err := o.requestRefresh(ctx, it); err != nil {
			return o.fail(ctx, run, it, result, fmt.Errorf("refresh failed: %w", err))
		}
		if err := o.sleep(ctx, o.cfg.SettleInterval); err != nil {
			return o.fail(ctx, run, it, result, fmt.Errorf("settle interrupted: %w", err))
		}
	}

	run.SetPhase(PhasePaginating)
	pages, next, err := o.paginate(ctx, run, it)
	result.PagesConsumed = run.Snapshot().PagesConsumed
	if err != nil {
		return o.fail(ctx, run, it, result, err)
	}

	run.SetPhase(PhaseUpserting)
	applied, err := o.ledger.Apply(ctx, it.ID, pages)
	if err != nil {
		return o.fail(ctx, run, it, result, fmt.Errorf("upsert failed: %w", err))
	}
	run.setUpserted(applied.Upserted)
	result.AccountsUpserted = applied.AccountsUpserted
	result.Upserted = applied.Upserted
	result.Tombstoned = applied.Tombstoned

	if err := o.items.UpdateCursor(ctx, it.ID, it.Cursor, next, o.now()); err != nil {
		return o.fail(ctx, run, it, result, fmt.Errorf("cursor commit failed: %w", err))
	}

	run.SetPhase(PhaseDone)
	result.Outcome = OutcomeSucceeded
	log.Printf("Item %s: sync succeeded (pages=%d, upserted=%d, tombstoned=%d)",
		it.ID, result.PagesConsumed, result.Upserted, result.Tombstoned)

	return result, nil
}

// paginate consumes the feed from the item's persisted cursor until has_more
// is false. Nothing is returned unless every page was fetched. A cursor that
// comes back while has_more is set would loop forever and fails the run.
func (o *Orchestrator) paginate(ctx context.Context, run *SyncRun, it *item.Item) ([]ledger.Changes, string, error) {
	cursor := it.CursorValue()
	seen := map[string]bool{cursor: true}
	var pages []ledger.Changes

	for {
		page, err := o.fetchPage(ctx, it.AccessToken, cursor)
		if err != nil {
			return nil, "", fmt.Errorf("fetch page %d failed: %w", len(pages)+1, err)
		}

		pages = append(pages, page.Changes)
		run.addPage()
		syncPages.Add(ctx, 1)

		if page.HasMore && seen[page.NextCursor] {
			return nil, "", &ofclient.ProviderError{
				Kind:      ofclient.KindUpstreamData,
				Code:      "CURSOR_STALLED",
				Message:   "has_more with a cursor already paged in this run",
				RequestID: page.RequestID,
			}
		}
		seen[page.NextCursor] = true
		if page.NextCursor != "" {
			cursor = page.NextCursor
		}
		if !page.HasMore {
			return pages, cursor, nil
		}
	}
}

// fetchPage retries the same page request. Transient errors get the full
// attempt budget, upstream data errors exactly one retry.
func (o *Orchestrator) fetchPage(ctx context.Context, accessToken, cursor string) (*ofclient.Page, error) {
	var page *ofclient.Page
	upstreamRetried := false

	err := retry.Do(ctx, o.backoff(), func(ctx context.Context) error {
		p, err := o.client.FetchChanges(ctx, accessToken, cursor)
		if err != nil {
			switch ofclient.KindOf(err) {
			case ofclient.KindTransient:
				return retry.RetryableError(err)
			case ofclient.KindUpstreamData:
				if !upstreamRetried {
					upstreamRetried = true
					return retry.RetryableError(err)
				}
			}
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (o *Orchestrator) requestRefresh(ctx context.Context, it *item.Item) error {
	return retry.Do(ctx, o.backoff(), func(ctx context.Context) error {
		requestID, err := o.client.RequestRefresh(ctx, it.AccessToken)
		if err != nil {
			if ofclient.KindOf(err) == ofclient.KindTransient {
				return retry.RetryableError(err)
			}
			return err
		}
		log.Printf("Item %s: refresh requested (request_id=%s), settling %v", it.ID, requestID, o.cfg.SettleInterval)
		return nil
	})
}

func (o *Orchestrator) backoff() retry.Backoff {
	return retry.WithMaxRetries(uint64(o.cfg.MaxAttempts-1), retry.NewExponential(o.cfg.RetryBase))
}

// fail folds err into the item's persisted status and returns it
func (o *Orchestrator) fail(ctx context.Context, run *SyncRun, it *item.Item, result *SyncResult, err error) (*SyncResult, error) {
	run.SetPhase(PhaseFailed)
	result.Outcome = OutcomeFailed
	result.Error = describeError(err)

	log.Printf("Item %s: %s sync failed: %v", it.ID, run.Trigger, err)

	if ofclient.IsCredentialError(err) {
		o.markReauth(ctx, it, result.Error)
		return result, err
	}

	msg := result.Error
	if serr := o.items.SetStatus(ctx, it.ID, item.StatusFailed, &msg); serr != nil {
		if errors.Is(serr, item.ErrNotFound) {
			log.Printf("Item %s: unlinked during sync, status not recorded", it.ID)
		} else {
			log.Printf("Item %s: failed to record sync failure: %v", it.ID, serr)
		}
	}

	return result, err
}

func (o *Orchestrator) markReauth(ctx context.Context, it *item.Item, reason string) {
	if err := o.items.SetReauthRequired(ctx, it.ID, reason); err != nil {
		log.Printf("Item %s: failed to flag re-auth: %v", it.ID, err)
		return
	}
	log.Printf("Item %s: re-authentication required (%s)", it.ID, reason)

	if o.notifier == nil {
		return
	}
	err := o.notifier.NotifyReauthRequired(ctx, notification.ReauthRequest{
		UserID:        it.UserID,
		ItemID:        it.ID,
		InstitutionID: it.InstitutionID,
		Reason:        reason,
	})
	if err != nil {
		log.Printf("Item %s: failed to notify user %d: %v", it.ID, it.UserID, err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
