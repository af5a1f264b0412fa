package notification

import (
	"errors"
	"time"
)

// Domain errors
var (
	ErrDeviceTokenNotFound = errors.New("device token not found")
	ErrInvalidUser         = errors.New("valid user ID is required")
	ErrInvalidToken        = errors.New("token is required")
	ErrInvalidDeviceType   = errors.New("deviceType must be ios, android or web")
)

// DeviceToken represents a registered FCM device token
type DeviceToken struct {
	ID         string    `json:"id"`
	UserID     int64     `json:"userId"`
	Token      string    `json:"token"`
	DeviceType string    `json:"deviceType"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsed   time.Time `json:"lastUsed"`
}

// Supported device types
var validDeviceTypes = map[string]bool{"ios": true, "android": true, "web": true}

// CreateDeviceTokenParams contains parameters for registering a device
type CreateDeviceTokenParams struct {
	UserID     int64  `json:"-"`
	Token      string `json:"token"`
	DeviceType string `json:"deviceType"`
}

// Validate validates the registration parameters
func (p CreateDeviceTokenParams) Validate() error {
	if p.UserID <= 0 {
		return ErrInvalidUser
	}
	if p.Token == "" {
		return ErrInvalidToken
	}
	if !validDeviceTypes[p.DeviceType] {
		return ErrInvalidDeviceType
	}
	return nil
}

// ReauthRequest describes an item the user has to link again
type ReauthRequest struct {
	UserID        int64
	ItemID        string
	InstitutionID string
	Reason        string
}

// Route data sent with every re-link push
const (
	RouteRelink       = "relink"
	dataRoute         = "route"
	dataItemID        = "itemId"
	dataInstitutionID = "institutionId"
)
