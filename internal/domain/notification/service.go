package notification

import (
	"context"
	"fmt"
	"log"

	"ledgersync/internal/shared/messages"
)

// Service sends re-link pushes to the owner of an item
type Service struct {
	repo      TokenRepository
	messenger Messenger
	relink    messages.MessageText
}

// NewService creates a new notification service. messenger may be nil,
// in which case notifications are only logged.
func NewService(repo TokenRepository, messenger Messenger) *Service {
	return &Service{
		repo:      repo,
		messenger: messenger,
		relink:    messages.Default().ReauthRequired,
	}
}

// WithMessages replaces the push copy, e.g. with a localized file.
func (s *Service) WithMessages(m *messages.Messages) *Service {
	if m != nil {
		s.relink = m.ReauthRequired
	}
	return s
}

// NotifyReauthRequired pushes a re-link prompt to every active device of the user
func (s *Service) NotifyReauthRequired(ctx context.Context, req ReauthRequest) error {
	if req.UserID <= 0 {
		return ErrInvalidUser
	}

	if s.messenger == nil {
		log.Printf("Item %s: re-link required for user %d (push disabled)", req.ItemID, req.UserID)
		return nil
	}

	tokens, err := s.repo.GetActiveTokensByUserID(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("failed to load device tokens: %w", err)
	}
	if len(tokens) == 0 {
		log.Printf("Item %s: user %d has no active device tokens", req.ItemID, req.UserID)
		return nil
	}

	tokenStrings := make([]string, len(tokens))
	for i, t := range tokens {
		tokenStrings[i] = t.Token
	}

	data := map[string]string{
		dataRoute:         RouteRelink,
		dataItemID:        req.ItemID,
		dataInstitutionID: req.InstitutionID,
	}

	if err := s.messenger.SendMulticast(ctx, tokenStrings, s.relink.Title, s.relink.Body, data); err != nil {
		return fmt.Errorf("failed to send re-link notification: %w", err)
	}

	return nil
}

// RegisterDevice stores a device token for re-link pushes
func (s *Service) RegisterDevice(ctx context.Context, params CreateDeviceTokenParams) (*DeviceToken, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return s.repo.UpsertDeviceToken(ctx, params)
}

// DeactivateToken is handed to the FCM client for unregistered tokens
func (s *Service) DeactivateToken(ctx context.Context, token string) error {
	return s.repo.DeactivateToken(ctx, token)
}
