package main

import (
	"log"
	"net/http"

	httphandlers "ledgersync/internal/interfaces/http"
	"ledgersync/internal/shared/config"
	"ledgersync/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", httphandlers.HandleHealth)

	// Provider webhooks authenticate by signature, not session
	mux.HandleFunc("POST /webhooks/provider", deps.WebhookHandler.HandleWebhook)

	// Protected routes
	authMiddleware := middleware.Auth(deps.JWT)
	protect := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(h)
	}

	items := deps.ItemHandler
	mux.Handle("POST /api/items", protect(items.HandleLink))
	mux.Handle("DELETE /api/items/{id}", protect(items.HandleUnlink))
	mux.Handle("POST /api/items/sync", protect(items.HandleSyncItems))
	mux.Handle("POST /api/items/refresh", protect(items.HandleRefreshItems))
	mux.Handle("GET /api/items/status", protect(items.HandleStatus))
	mux.Handle("POST /api/items/{id}/sync", protect(items.HandleSyncItem))
	mux.Handle("POST /api/items/{id}/refresh", protect(items.HandleRefreshItem))
	mux.Handle("GET /api/items/{id}/status", protect(items.HandleItemStatus))
	mux.Handle("POST /api/devices", protect(deps.DeviceHandler.HandleRegisterDevice))

	// Apply global middleware
	handler := middleware.RequestID(middleware.Logging(middleware.Tracing(mux)))
	if len(cfg.Server.AllowedHosts) > 0 {
		handler = middleware.AllowedHosts(cfg.Server.AllowedHosts)(handler)
	}
	if cfg.Telemetry.Enabled {
		handler = middleware.Telemetry(handler)
	}

	// Apply security middleware when TLS is enabled
	if cfg.TLS.Enabled {
		handler = middleware.HSTS(handler)
		log.Println("TLS security middleware enabled (HSTS)")
	}

	return handler
}
