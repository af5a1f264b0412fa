package notification

import "context"

// TokenRepository stores device tokens registered by the mobile apps.
// Implemented in the infrastructure layer.
type TokenRepository interface {
	// UpsertDeviceToken registers a token, reassigning it if another user held it
	UpsertDeviceToken(ctx context.Context, params CreateDeviceTokenParams) (*DeviceToken, error)
	GetActiveTokensByUserID(ctx context.Context, userID int64) ([]*DeviceToken, error)
	DeactivateToken(ctx context.Context, token string) error
}
