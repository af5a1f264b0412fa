package openfinance

import (
	"context"
)

// ClientInterface defines the methods required from the aggregation provider client
type ClientInterface interface {
	// FetchChanges returns one page of changes after cursor ("" = from the beginning)
	FetchChanges(ctx context.Context, accessToken, cursor string) (*Page, error)
	// RequestRefresh asks the provider to pull fresh data from the institution
	RequestRefresh(ctx context.Context, accessToken string) (string, error)
	// FireWebhook triggers a sandbox webhook for the item
	FireWebhook(ctx context.Context, accessToken, code string) error
	// ExchangePublicToken trades a link public token for a durable access token
	ExchangePublicToken(ctx context.Context, publicToken string) (*Exchange, error)
}
