package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Archiving and re-auth flagging run after the delivery is acknowledged,
// each bounded by this timeout.
const defaultFollowUpTimeout = 30 * time.Second

// ErrDispatch means the webhook was valid but could not be queued
var ErrDispatch = errors.New("failed to dispatch sync")

// Dispatcher hands an item sync to the background workers
type Dispatcher interface {
	EnqueueSync(ctx context.Context, itemID string) error
}

// ReauthFlagger records that an item must be linked again
type ReauthFlagger interface {
	FlagReauth(ctx context.Context, itemID, reason string) error
}

// Archiver stores raw webhook bodies
type Archiver interface {
	Archive(ctx context.Context, itemID string, raw []byte, receivedAt time.Time) (string, error)
}

// Receiver validates, classifies and dispatches provider webhooks
type Receiver struct {
	verifier   *Verifier
	schema     *Schema
	dispatcher Dispatcher
	flagger    ReauthFlagger
	archiver   Archiver // optional
	now        func() time.Time

	followUpTimeout time.Duration
	followUps       sync.WaitGroup
}

// NewReceiver creates a new webhook receiver. archiver may be nil.
func NewReceiver(verifier *Verifier, schema *Schema, dispatcher Dispatcher, flagger ReauthFlagger, archiver Archiver) *Receiver {
	return &Receiver{
		verifier:   verifier,
		schema:     schema,
		dispatcher: dispatcher,
		flagger:    flagger,
		archiver:   archiver,
		now:        time.Now,

		followUpTimeout: defaultFollowUpTimeout,
	}
}

// Wait blocks until archive and re-auth work started by Handle has finished
func (r *Receiver) Wait() {
	r.followUps.Wait()
}

// goFollowUp runs fn off the request path. It outlives the request but not
// the follow-up timeout.
func (r *Receiver) goFollowUp(ctx context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.followUpTimeout)
	r.followUps.Add(1)
	go func() {
		defer r.followUps.Done()
		defer cancel()
		fn(ctx)
	}()
}

// Handle processes one delivery. It never waits for a sync to run, nor for
// archiving or re-auth flagging, which finish in the background.
// Returned errors wrap ErrRejected (bad input) or ErrDispatch (queue full).
func (r *Receiver) Handle(ctx context.Context, raw []byte, header http.Header) (Intent, error) {
	if err := r.verifier.Verify(header.Get(VerificationHeader), raw); err != nil {
		return Intent{}, err
	}

	if err := r.schema.Validate(raw); err != nil {
		return Intent{}, err
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if r.archiver != nil {
		receivedAt := r.now()
		r.goFollowUp(ctx, func(ctx context.Context) {
			key, err := r.archiver.Archive(ctx, payload.ItemID, raw, receivedAt)
			if err != nil {
				log.Printf("Webhook: failed to archive %s/%s for item %s: %v", payload.WebhookType, payload.WebhookCode, payload.ItemID, err)
				return
			}
			log.Printf("Webhook: archived as %s", key)
		})
	}

	intent := Classify(&payload)

	switch intent.Kind {
	case IntentIncrementalSync:
		if err := r.dispatcher.EnqueueSync(ctx, intent.ItemID); err != nil {
			return intent, fmt.Errorf("%w for item %s: %v", ErrDispatch, intent.ItemID, err)
		}
		log.Printf("Item %s: %s/%s webhook queued sync", intent.ItemID, intent.Type, intent.Code)

	case IntentReauth:
		r.goFollowUp(ctx, func(ctx context.Context) {
			// Unknown items are acknowledged; the provider would only redeliver.
			if err := r.flagger.FlagReauth(ctx, intent.ItemID, intent.Reason); err != nil {
				log.Printf("Item %s: failed to flag re-auth from webhook: %v", intent.ItemID, err)
			}
		})

	default:
		log.Printf("Webhook: ignoring %s/%s", intent.Type, intent.Code)
	}

	return intent, nil
}
