package openfinance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a provider failure by how the caller should react to it
type Kind string

const (
	KindTransient      Kind = "transient"       // retry with backoff
	KindCredential     Kind = "credential"      // user must re-link the item
	KindUpstreamData   Kind = "upstream_data"   // malformed or inconsistent response
	KindInvalidRequest Kind = "invalid_request" // our request was rejected, never retried
)

// Codes for failures detected on our side of the connection
const (
	codeNetworkError = "NETWORK_ERROR"
	codeTimeout      = "TIMEOUT"
	codeRateLimited  = "CLIENT_RATE_LIMITED"
	codeRequestError = "REQUEST_ERROR"
	codeMalformed    = "MALFORMED_RESPONSE"
)

// Provider error codes that mean the stored access token is no longer usable
var credentialCodes = map[string]struct{}{
	"ITEM_LOGIN_REQUIRED":     {},
	"INVALID_ACCESS_TOKEN":    {},
	"ACCESS_NOT_GRANTED":      {},
	"USER_PERMISSION_REVOKED": {},
	"ITEM_NOT_FOUND":          {},
	"ITEM_LOCKED":             {},
	"INVALID_CREDENTIALS":     {},
}

// Codes the provider returns with a 4xx status that still clear up on their own
var transientCodes = map[string]struct{}{
	"TRANSACTIONS_SYNC_MUTATION_DURING_PAGINATION": {},
	"PRODUCT_NOT_READY":                            {},
	"RATE_LIMIT_EXCEEDED":                          {},
}

// ProviderError is returned by every client method on failure
// Message is either provider-supplied or one of the fixed client messages;
// transport details stay in Err.
type ProviderError struct {
	Kind       Kind
	StatusCode int // 0 when no response was received
	Code       string
	Message    string
	RequestID  string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s error: %s - %s", e.Kind, e.Code, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("provider %s error (status %d): %s - %s", e.Kind, e.StatusCode, e.Code, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Summary renders the error as "<kind>: <code>: <message>" for last_error.
// Unlike Error it never includes the underlying cause.
func (e *ProviderError) Summary() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
}

// Retryable reports whether the same request may succeed later
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindUpstreamData
}

// KindOf extracts the kind of a provider error, or "" for other errors
func KindOf(err error) Kind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsCredentialError reports whether err means the item must be re-linked
func IsCredentialError(err error) bool {
	return KindOf(err) == KindCredential
}

func classifyStatus(status int, code string) Kind {
	if _, ok := credentialCodes[code]; ok {
		return KindCredential
	}
	if _, ok := transientCodes[code]; ok {
		return KindTransient
	}

	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return KindTransient
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindCredential
	default:
		return KindInvalidRequest
	}
}

func transientError(code, msg string, err error) *ProviderError {
	return &ProviderError{Kind: KindTransient, Code: code, Message: msg, Err: err}
}

// transportError wraps a failure to reach the provider or read its answer
func transportError(err error) *ProviderError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return transientError(codeTimeout, "provider request timed out", err)
	}
	return transientError(codeNetworkError, "provider unreachable", err)
}

func upstreamDataError(requestID, msg string, err error) *ProviderError {
	return &ProviderError{Kind: KindUpstreamData, Code: codeMalformed, Message: msg, RequestID: requestID, Err: err}
}
