package http

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"

	"ledgersync/internal/domain/webhook"
)

const maxWebhookBodySize = 1 << 20

// WebhookReceiver validates and dispatches one provider webhook delivery
type WebhookReceiver interface {
	Handle(ctx context.Context, raw []byte, header http.Header) (webhook.Intent, error)
}

// WebhookHandler serves the provider webhook endpoint
type WebhookHandler struct {
	receiver WebhookReceiver
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(receiver WebhookReceiver) *WebhookHandler {
	return &WebhookHandler{receiver: receiver}
}

// WebhookResponse acknowledges a delivery
type WebhookResponse struct {
	Received bool              `json:"received"`
	Action   webhook.IntentKind `json:"action"`
}

// HandleWebhook handles POST /webhooks/provider. It answers as soon as the
// payload is validated and any sync is queued.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	intent, err := h.receiver.Handle(r.Context(), raw, r.Header)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrInvalidSignature):
			log.Printf("Webhook: rejected delivery from %s: %v", r.RemoteAddr, err)
			writeError(w, http.StatusUnauthorized, "Invalid signature")
		case errors.Is(err, webhook.ErrRejected):
			log.Printf("Webhook: rejected delivery: %v", err)
			writeError(w, http.StatusBadRequest, "Malformed payload")
		case errors.Is(err, webhook.ErrDispatch):
			// The provider retries on 5xx; the item is synced on redelivery.
			log.Printf("Webhook: %v", err)
			writeError(w, http.StatusServiceUnavailable, "Sync queue unavailable")
		default:
			log.Printf("Webhook: failed to process delivery: %v", err)
			writeError(w, http.StatusInternalServerError, "Failed to process webhook")
		}
		return
	}

	writeJSON(w, http.StatusOK, WebhookResponse{Received: true, Action: intent.Kind})
}
