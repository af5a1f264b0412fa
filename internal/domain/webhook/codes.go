package webhook

import "fmt"

// Webhook types
const (
	TypeTransactions = "TRANSACTIONS"
	TypeItem         = "ITEM"
)

// Codes that mean new data is waiting behind the item's cursor
var syncCodes = map[string]map[string]struct{}{
	TypeTransactions: {
		"SYNC_UPDATES_AVAILABLE": {},
		"DEFAULT_UPDATE":         {},
		"INITIAL_UPDATE":         {},
		"HISTORICAL_UPDATE":      {},
		"TRANSACTIONS_REMOVED":   {},
	},
	TypeItem: {
		"LOGIN_REPAIRED": {},
	},
}

// Codes that mean the access token stopped working
var reauthCodes = map[string]struct{}{
	"ERROR":                   {},
	"PENDING_EXPIRATION":      {},
	"USER_PERMISSION_REVOKED": {},
}

// Classify maps a validated payload to an intent
func Classify(p *Payload) Intent {
	intent := Intent{Kind: IntentIgnore, ItemID: p.ItemID, Type: p.WebhookType, Code: p.WebhookCode}

	if codes, ok := syncCodes[p.WebhookType]; ok {
		if _, ok := codes[p.WebhookCode]; ok {
			intent.Kind = IntentIncrementalSync
			return intent
		}
	}

	if p.WebhookType == TypeItem {
		if _, ok := reauthCodes[p.WebhookCode]; ok {
			intent.Kind = IntentReauth
			intent.Reason = reauthReason(p)
		}
	}

	return intent
}

// reauthReason renders the "<kind>: <code>: <message>" last_error form
func reauthReason(p *Payload) string {
	if p.Error != nil && p.Error.ErrorCode != "" {
		return fmt.Sprintf("credential: %s: %s", p.Error.ErrorCode, p.Error.ErrorMessage)
	}
	return fmt.Sprintf("credential: %s: reported by provider webhook", p.WebhookCode)
}
