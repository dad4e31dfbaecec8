package domain

import (
	"time"

	"github.com/alanyoungcy/poolbet/internal/money"
)

// ReportStatus is the completeness of a reconciliation run.
type ReportStatus string

const (
	ReportCompleted ReportStatus = "completed"
	ReportPartial   ReportStatus = "partial"
	ReportFailed    ReportStatus = "failed"
)

// CurrencyTotals aggregates one currency across every scanned user.
type CurrencyTotals struct {
	Currency money.Currency `json:"currency"`
	Expected money.Amount   `json:"expected"`
	Actual   money.Amount   `json:"actual"`
	Delta    money.Amount   `json:"delta"`
}

// Discrepancy is a user whose materialized balance differs from the ledger
// sum by more than epsilon. Delta is actual minus expected.
type Discrepancy struct {
	UserID   string         `json:"user_id"`
	Currency money.Currency `json:"currency"`
	Expected money.Amount   `json:"expected"`
	Actual   money.Amount   `json:"actual"`
	Delta    money.Amount   `json:"delta"`
}

// ReconciliationReport is the persisted result of a run. Reports are never
// acted on automatically.
type ReconciliationReport struct {
	ID            string           `json:"id"`
	ReportDate    time.Time        `json:"report_date"`
	Trigger       string           `json:"trigger"`
	Status        ReportStatus     `json:"status"`
	UsersScanned  int              `json:"users_scanned"`
	BatchesFailed int              `json:"batches_failed"`
	Totals        []CurrencyTotals `json:"totals"`
	Discrepancies []Discrepancy    `json:"discrepancies"`
	Error         string           `json:"error,omitempty"`
	Duration      time.Duration    `json:"duration"`
	CreatedAt     time.Time        `json:"created_at"`
}
