package openfinance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL   = "https://sandbox.plaid.com"
	defaultTimeout   = 30 * time.Second
	defaultPageSize  = 500
	maxResponseBytes = 32 << 20

	syncPath        = "/transactions/sync"
	refreshPath     = "/transactions/refresh"
	fireWebhookPath = "/sandbox/item/fire_webhook"
	exchangePath    = "/item/public_token/exchange"
)

var providerTracer = otel.Tracer("ledgersync/provider")

// Options configures the provider client
type Options struct {
	BaseURL   string
	ClientID  string
	Secret    string
	Timeout   time.Duration // per call
	RateLimit float64       // requests per second, 0 = unlimited
	Burst     int
	PageSize  int
	// HTTPClient overrides the default instrumented client (tests)
	HTTPClient *http.Client
}

// Client handles communication with the aggregation provider API
type Client struct {
	httpClient *http.Client
	baseURL    string
	creds      credentials
	timeout    time.Duration
	pageSize   int
	limiter    *rate.Limiter
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new provider API client
func NewClient(opts Options) *Client {
	c := &Client{
		httpClient: opts.HTTPClient,
		baseURL:    opts.BaseURL,
		creds:      credentials{ClientID: opts.ClientID, Secret: opts.Secret},
		timeout:    opts.Timeout,
		pageSize:   opts.PageSize,
		limiter:    rate.NewLimiter(rate.Inf, 0),
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return c
}

// FetchChanges returns one page of the transactions changes feed
func (c *Client) FetchChanges(ctx context.Context, accessToken, cursor string) (*Page, error) {
	req := syncRequest{
		credentials: c.creds,
		AccessToken: accessToken,
		Cursor:      cursor,
		Count:       c.pageSize,
	}

	var resp SyncResponse
	if err := c.post(ctx, syncPath, req, &resp); err != nil {
		return nil, err
	}

	page, err := resp.ToPage()
	if err != nil {
		return nil, upstreamDataError(resp.RequestID, "provider returned an invalid sync page", err)
	}

	return page, nil
}

// RequestRefresh asks the provider to fetch new data from the institution.
// Returns the provider request id.
func (c *Client) RequestRefresh(ctx context.Context, accessToken string) (string, error) {
	var resp refreshResponse
	if err := c.post(ctx, refreshPath, accessTokenRequest{credentials: c.creds, AccessToken: accessToken}, &resp); err != nil {
		return "", err
	}
	return resp.RequestID, nil
}

// FireWebhook fires a sandbox webhook (sandbox environment only)
func (c *Client) FireWebhook(ctx context.Context, accessToken, code string) error {
	req := fireWebhookRequest{credentials: c.creds, AccessToken: accessToken, WebhookCode: code}
	return c.post(ctx, fireWebhookPath, req, nil)
}

// ExchangePublicToken trades a link public token for an access token
func (c *Client) ExchangePublicToken(ctx context.Context, publicToken string) (*Exchange, error) {
	var resp exchangeResponse
	if err := c.post(ctx, exchangePath, exchangeRequest{credentials: c.creds, PublicToken: publicToken}, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" || resp.ItemID == "" {
		return nil, upstreamDataError(resp.RequestID, "provider returned an incomplete token exchange", nil)
	}

	return &Exchange{
		AccessToken:   resp.AccessToken,
		ItemID:        resp.ItemID,
		InstitutionID: resp.InstitutionID,
		RequestID:     resp.RequestID,
	}, nil
}

// post sends a JSON request and decodes a 200 response into out (may be nil).
// Every failure is returned as *ProviderError.
func (c *Client) post(ctx context.Context, path string, in, out any) (err error) {
	ctx, span := providerTracer.Start(ctx, "provider "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("provider.path", path)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if kind := KindOf(err); kind != "" {
				span.SetAttributes(attribute.String("provider.error_kind", string(kind)))
			}
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return transientError(codeRateLimited, "provider request budget exhausted", err)
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return &ProviderError{Kind: KindInvalidRequest, Code: codeRequestError, Message: "failed to build provider request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &ProviderError{Kind: KindInvalidRequest, Code: codeRequestError, Message: "failed to build provider request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return upstreamDataError("", "provider response is not valid JSON", err)
	}

	return nil
}

func decodeError(status int, body []byte) *ProviderError {
	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.ErrorCode == "" {
		return &ProviderError{
			Kind:       classifyStatus(status, ""),
			StatusCode: status,
			Code:       fmt.Sprintf("HTTP_%d", status),
			Message:    statusMessage(status),
		}
	}

	return &ProviderError{
		Kind:       classifyStatus(status, errResp.ErrorCode),
		StatusCode: status,
		Code:       errResp.ErrorCode,
		Message:    errResp.ErrorMessage,
		RequestID:  errResp.RequestID,
	}
}

func statusMessage(status int) string {
	if text := http.StatusText(status); text != "" {
		return "provider answered " + strings.ToLower(text)
	}
	return "provider answered an unexpected status"
}
