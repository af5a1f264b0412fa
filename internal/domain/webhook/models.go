// Package webhook validates provider webhooks and turns them into sync intents.
package webhook

import (
	"errors"
	"fmt"
)

// Domain errors. Every rejection wraps ErrRejected.
var (
	ErrRejected         = errors.New("webhook rejected")
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrRejected)
	ErrMalformed        = fmt.Errorf("%w: malformed payload", ErrRejected)
)

// IntentKind is what the engine should do in response to a webhook
type IntentKind string

const (
	IntentIncrementalSync IntentKind = "incremental_sync"
	IntentReauth          IntentKind = "reauth"
	IntentIgnore          IntentKind = "ignore"
)

// Intent is the classified result of a webhook
type Intent struct {
	Kind   IntentKind `json:"kind"`
	ItemID string     `json:"itemId,omitempty"`
	Type   string     `json:"webhookType"`
	Code   string     `json:"webhookCode"`
	Reason string     `json:"reason,omitempty"` // set for reauth intents
}

// Payload is the typed body of a provider webhook
type Payload struct {
	WebhookType              string       `json:"webhook_type"`
	WebhookCode              string       `json:"webhook_code"`
	ItemID                   string       `json:"item_id"`
	Environment              string       `json:"environment"`
	InitialUpdateComplete    *bool        `json:"initial_update_complete,omitempty"`
	HistoricalUpdateComplete *bool        `json:"historical_update_complete,omitempty"`
	NewTransactions          *int         `json:"new_transactions,omitempty"`
	RemovedTransactions      []string     `json:"removed_transactions,omitempty"`
	Error                    *ProviderErr `json:"error,omitempty"`
	ConsentExpirationTime    *string      `json:"consent_expiration_time,omitempty"`
}

// ProviderErr is the error object attached to ITEM/ERROR webhooks
type ProviderErr struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}
