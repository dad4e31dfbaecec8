package domain

import "time"

// Bus channels published after each committed mutation.
const (
	ChannelBalances       = "balances"
	ChannelOrders         = "orders"
	ChannelMarkets        = "markets"
	ChannelSettlements    = "settlements"
	ChannelConversions    = "conversions"
	ChannelReconciliation = "reconciliation"
)

// Durable stream mirroring every committed ledger transaction.
const StreamLedger = "stream:ledger"

// Event is the envelope published on the signal bus.
type Event struct {
	Type    string    `json:"type"`
	UserID  string    `json:"user_id,omitempty"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}
