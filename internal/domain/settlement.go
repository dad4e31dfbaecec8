package domain

import "github.com/alanyoungcy/poolbet/internal/money"

// TieMode selects how a tie between options is settled.
type TieMode string

const (
	TieRefund TieMode = "refund"
	TieSplit  TieMode = "split"
)

// SettlementSummary describes a completed settlement.
type SettlementSummary struct {
	MarketID    string       `json:"market_id"`
	Outcome     Outcome      `json:"outcome"`
	Winners     int          `json:"winners"`
	Losers      int          `json:"losers"`
	Refunded    int          `json:"refunded"`
	TotalPayout money.Amount `json:"total_payout"`
	PlatformFee money.Amount `json:"platform_fee"`
}
