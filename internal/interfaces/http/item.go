package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"golang.org/x/sync/errgroup"

	"ledgersync/internal/domain/item"
	"ledgersync/internal/domain/openfinance"
	ofclient "ledgersync/internal/infrastructure/openfinance"
	"ledgersync/internal/shared/middleware"
)

const (
	maxItemBodySize    = 64 << 10
	defaultFanoutLimit = 4
)

// Syncer runs the user-facing sync operations
type Syncer interface {
	SyncNow(ctx context.Context, itemID string) (*openfinance.SyncResult, error)
	RefreshThenSync(ctx context.Context, itemID string) (*openfinance.SyncResult, error)
}

// StatusSource answers read-only status queries
type StatusSource interface {
	Status(ctx context.Context, itemID string) (*openfinance.ItemStatus, error)
	StatusForUser(ctx context.Context, userID int64) ([]*openfinance.ItemStatus, error)
}

// SyncQueue queues a background sync without waiting for it
type SyncQueue interface {
	EnqueueSync(ctx context.Context, itemID string) error
}

// TokenExchanger trades a link public token for an access token
type TokenExchanger interface {
	ExchangePublicToken(ctx context.Context, publicToken string) (*ofclient.Exchange, error)
}

// ItemHandler serves item linking, manual sync and status endpoints
type ItemHandler struct {
	items     item.Repository
	exchanger TokenExchanger
	syncer    Syncer
	status    StatusSource
	queue     SyncQueue
	fanout    int
}

// NewItemHandler creates a new item handler. fanout bounds concurrent
// item syncs for multi-item requests.
func NewItemHandler(items item.Repository, exchanger TokenExchanger, syncer Syncer, status StatusSource, queue SyncQueue, fanout int) *ItemHandler {
	if fanout < 1 {
		fanout = defaultFanoutLimit
	}
	return &ItemHandler{
		items:     items,
		exchanger: exchanger,
		syncer:    syncer,
		status:    status,
		queue:     queue,
		fanout:    fanout,
	}
}

// LinkItemRequest is the body of POST /api/items
type LinkItemRequest struct {
	PublicToken   string `json:"publicToken"`
	InstitutionID string `json:"institutionId"`
}

// ItemResponse describes a linked item
type ItemResponse struct {
	ItemID         string          `json:"itemId"`
	InstitutionID  string          `json:"institutionId"`
	Status         item.SyncStatus `json:"status"`
	ReauthRequired bool            `json:"reauthRequired"`
	CreatedAt      string          `json:"createdAt"`
}

// SyncItemsRequest selects items for a multi-item sync; empty means all of the user's items
type SyncItemsRequest struct {
	ItemIDs []string `json:"itemIds"`
}

// ItemSyncResult is one entry of a multi-item sync response
type ItemSyncResult struct {
	ItemID  string                  `json:"itemId"`
	Success bool                    `json:"success"`
	Result  *openfinance.SyncResult `json:"result,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// SyncItemsResponse aggregates per-item outcomes
type SyncItemsResponse struct {
	Results   []ItemSyncResult `json:"results"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
}

type syncFunc func(ctx context.Context, itemID string) (*openfinance.SyncResult, error)

// HandleLink handles POST /api/items
func (h *ItemHandler) HandleLink(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxItemBodySize)
	var req LinkItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PublicToken == "" {
		writeError(w, http.StatusBadRequest, "publicToken is required")
		return
	}

	exchange, err := h.exchanger.ExchangePublicToken(r.Context(), req.PublicToken)
	if err != nil {
		log.Printf("Error exchanging public token for user %d: %v", userID, err)
		switch ofclient.KindOf(err) {
		case ofclient.KindCredential, ofclient.KindInvalidRequest:
			writeError(w, http.StatusBadRequest, "Public token rejected by provider")
			return
		}
		writeError(w, http.StatusBadGateway, "Provider unavailable")
		return
	}

	institutionID := exchange.InstitutionID
	if institutionID == "" {
		institutionID = req.InstitutionID
	}

	it, err := h.items.Create(r.Context(), item.CreateParams{
		ID:            exchange.ItemID,
		UserID:        userID,
		InstitutionID: institutionID,
		AccessToken:   exchange.AccessToken,
	})
	if err != nil {
		switch {
		case errors.Is(err, item.ErrConflict):
			writeError(w, http.StatusConflict, "Item already linked")
		case errors.Is(err, item.ErrInvalidInput):
			writeError(w, http.StatusBadGateway, "Provider returned an incomplete item")
		default:
			log.Printf("Error creating item for user %d: %v", userID, err)
			writeError(w, http.StatusInternalServerError, "Failed to link item")
		}
		return
	}

	log.Printf("Item %s: linked for user %d", it.ID, userID)

	// The initial sync runs in the background; the client polls status.
	if err := h.queue.EnqueueSync(r.Context(), it.ID); err != nil {
		log.Printf("Item %s: failed to queue initial sync: %v", it.ID, err)
	}

	writeJSON(w, http.StatusCreated, toItemResponse(it))
}

// HandleUnlink handles DELETE /api/items/{id}
func (h *ItemHandler) HandleUnlink(w http.ResponseWriter, r *http.Request) {
	it, ok := h.ownedItem(w, r)
	if !ok {
		return
	}

	if err := h.items.Delete(r.Context(), it.ID); err != nil {
		if errors.Is(err, item.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Item not found")
			return
		}
		log.Printf("Error deleting item %s: %v", it.ID, err)
		writeError(w, http.StatusInternalServerError, "Failed to unlink item")
		return
	}

	log.Printf("Item %s: unlinked", it.ID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSyncItem handles POST /api/items/{id}/sync
func (h *ItemHandler) HandleSyncItem(w http.ResponseWriter, r *http.Request) {
	h.handleSingle(w, r, h.syncer.SyncNow)
}

// HandleRefreshItem handles POST /api/items/{id}/refresh
func (h *ItemHandler) HandleRefreshItem(w http.ResponseWriter, r *http.Request) {
	h.handleSingle(w, r, h.syncer.RefreshThenSync)
}

// HandleSyncItems handles POST /api/items/sync
func (h *ItemHandler) HandleSyncItems(w http.ResponseWriter, r *http.Request) {
	h.handleMany(w, r, h.syncer.SyncNow)
}

// HandleRefreshItems handles POST /api/items/refresh
func (h *ItemHandler) HandleRefreshItems(w http.ResponseWriter, r *http.Request) {
	h.handleMany(w, r, h.syncer.RefreshThenSync)
}

// HandleItemStatus handles GET /api/items/{id}/status
func (h *ItemHandler) HandleItemStatus(w http.ResponseWriter, r *http.Request) {
	it, ok := h.ownedItem(w, r)
	if !ok {
		return
	}

	status, err := h.status.Status(r.Context(), it.ID)
	if err != nil {
		if errors.Is(err, item.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Item not found")
			return
		}
		log.Printf("Error reading status for item %s: %v", it.ID, err)
		writeError(w, http.StatusInternalServerError, "Failed to read status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// HandleStatus handles GET /api/items/status
func (h *ItemHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	statuses, err := h.status.StatusForUser(r.Context(), userID)
	if err != nil {
		log.Printf("Error reading status for user %d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to read status")
		return
	}
	if statuses == nil {
		statuses = []*openfinance.ItemStatus{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"items": statuses})
}

func (h *ItemHandler) handleSingle(w http.ResponseWriter, r *http.Request, run syncFunc) {
	it, ok := h.ownedItem(w, r)
	if !ok {
		return
	}

	result, err := run(r.Context(), it.ID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, openfinance.ErrAlreadyInProgress):
		writeError(w, http.StatusConflict, "Sync already in progress")
	case errors.Is(err, item.ErrNotFound):
		writeError(w, http.StatusNotFound, "Item not found")
	case result != nil:
		// The run happened and failed; the cause is in the result and the item status.
		writeJSON(w, http.StatusBadGateway, result)
	default:
		log.Printf("Item %s: sync request failed: %v", it.ID, err)
		writeError(w, http.StatusInternalServerError, "Sync failed")
	}
}

func (h *ItemHandler) handleMany(w http.ResponseWriter, r *http.Request, run syncFunc) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxItemBodySize)
	var req SyncItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	results, err := h.selectItems(r.Context(), userID, req.ItemIDs)
	if err != nil {
		log.Printf("Error listing items for user %d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to list items")
		return
	}

	var g errgroup.Group
	g.SetLimit(h.fanout)

	for i := range results {
		if results[i].Error != "" {
			continue
		}
		g.Go(func() error {
			result, err := run(r.Context(), results[i].ItemID)
			results[i].Result = result
			if err != nil {
				results[i].Error = describeSyncError(result, err)
				return nil
			}
			results[i].Success = true
			return nil
		})
	}
	_ = g.Wait()

	resp := SyncItemsResponse{Results: results}
	for _, res := range results {
		if res.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// selectItems returns one result slot per requested item, or per owned item
// when none were requested. Items the user doesn't own are pre-filled as not
// found and never synced.
func (h *ItemHandler) selectItems(ctx context.Context, userID int64, requested []string) ([]ItemSyncResult, error) {
	owned, err := h.items.ListByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if len(requested) == 0 {
		results := make([]ItemSyncResult, 0, len(owned))
		for _, it := range owned {
			results = append(results, ItemSyncResult{ItemID: it.ID})
		}
		return results, nil
	}

	mine := make(map[string]bool, len(owned))
	for _, it := range owned {
		mine[it.ID] = true
	}

	seen := make(map[string]bool, len(requested))
	results := make([]ItemSyncResult, 0, len(requested))
	for _, id := range requested {
		if seen[id] {
			continue
		}
		seen[id] = true

		res := ItemSyncResult{ItemID: id}
		if !mine[id] {
			res.Error = describeSyncError(nil, item.ErrNotFound)
		}
		results = append(results, res)
	}
	return results, nil
}

// describeSyncError returns the reduced "<kind>: <code>: <message>" form a
// run recorded, never the wrapped error chain.
func describeSyncError(result *openfinance.SyncResult, err error) string {
	switch {
	case result != nil && result.Error != "":
		return result.Error
	case errors.Is(err, openfinance.ErrAlreadyInProgress):
		return "sync already in progress"
	case errors.Is(err, item.ErrNotFound):
		return "item not found"
	default:
		return "sync failed"
	}
}

// ownedItem loads the {id} path item and checks the caller owns it. Items of
// other users are reported as not found.
func (h *ItemHandler) ownedItem(w http.ResponseWriter, r *http.Request) (*item.Item, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	}

	itemID := r.PathValue("id")
	if itemID == "" {
		writeError(w, http.StatusBadRequest, "Item ID is required")
		return nil, false
	}

	it, err := h.items.Get(r.Context(), itemID)
	if err != nil {
		if errors.Is(err, item.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Item not found")
			return nil, false
		}
		log.Printf("Error loading item %s: %v", itemID, err)
		writeError(w, http.StatusInternalServerError, "Failed to load item")
		return nil, false
	}
	if it.UserID != userID {
		writeError(w, http.StatusNotFound, "Item not found")
		return nil, false
	}

	return it, true
}

func toItemResponse(it *item.Item) ItemResponse {
	return ItemResponse{
		ItemID:         it.ID,
		InstitutionID:  it.InstitutionID,
		Status:         it.LastSyncStatus,
		ReauthRequired: it.ReauthRequired,
		CreatedAt:      it.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}
