package openfinance

import (
	"errors"
	"fmt"

	"ledgersync/internal/domain/item"
	"ledgersync/internal/domain/ledger"
	ofclient "ledgersync/internal/infrastructure/openfinance"
)

// Domain errors
var (
	ErrAlreadyInProgress = errors.New("sync already in progress for item")
	ErrItemNotFound      = item.ErrNotFound
)

// Outcome is the result of one orchestration request
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCoalesced Outcome = "coalesced" // another run for the item was already in flight
)

// Error classes recorded in last_error when the cause is not a provider error
const (
	classConflict     = "conflict"
	classUpstreamData = "upstream_data"
	classInternal     = "internal"
)

// describeError reduces any run failure to "<kind>: <code>: <message>".
// Only provider-supplied messages pass through; the cause is logged, not stored.
func describeError(err error) string {
	var pe *ofclient.ProviderError
	switch {
	case errors.As(err, &pe):
		return pe.Summary()
	case errors.Is(err, item.ErrConflict):
		return fmt.Sprintf("%s: CURSOR_CONFLICT: %s", classConflict, "item changed by another sync, retry later")
	case errors.Is(err, ledger.ErrUnknownAccount):
		return fmt.Sprintf("%s: INCONSISTENT_PAGE: %s", classUpstreamData, "transaction references an unknown account")
	case errors.Is(err, ledger.ErrInvalidPatch):
		return fmt.Sprintf("%s: INCONSISTENT_PAGE: %s", classUpstreamData, "page contains an invalid entry")
	default:
		return fmt.Sprintf("%s: STORE_ERROR: %s", classInternal, "failed to store sync results")
	}
}
