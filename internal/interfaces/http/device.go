package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"ledgersync/internal/domain/notification"
	"ledgersync/internal/shared/middleware"
)

const maxDeviceBodySize = 4 << 10

// DeviceRegistrar stores push tokens for re-link notifications
type DeviceRegistrar interface {
	RegisterDevice(ctx context.Context, params notification.CreateDeviceTokenParams) (*notification.DeviceToken, error)
}

// DeviceHandler serves device token registration
type DeviceHandler struct {
	registrar DeviceRegistrar
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(registrar DeviceRegistrar) *DeviceHandler {
	return &DeviceHandler{registrar: registrar}
}

// RegisterDeviceRequest is the body of POST /api/devices
type RegisterDeviceRequest struct {
	Token      string `json:"token"`
	DeviceType string `json:"deviceType"`
}

// HandleRegisterDevice handles POST /api/devices
func (h *DeviceHandler) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxDeviceBodySize)
	var req RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.registrar.RegisterDevice(r.Context(), notification.CreateDeviceTokenParams{
		UserID:     userID,
		Token:      req.Token,
		DeviceType: req.DeviceType,
	})
	if err != nil {
		if errors.Is(err, notification.ErrInvalidToken) || errors.Is(err, notification.ErrInvalidDeviceType) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("Error registering device for user %d: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "Failed to register device")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"token":   token.Token,
	})
}
