// Package service implements the ledger operations on top of the pure rules
// in internal/engine. Every mutation runs inside one Ledger.InTx; events,
// audit entries and operator notifications are emitted only after commit and
// never fail the operation.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/engine"
	"github.com/alanyoungcy/poolbet/internal/money"
)

// EntryMultipleMode selects when a new order's multiple is read.
type EntryMultipleMode string

const (
	// EntryPost reads the multiple after the stake is added to the pool.
	EntryPost EntryMultipleMode = "post"
	// EntryPre reads the multiple the user saw before staking.
	EntryPre EntryMultipleMode = "pre"
)

// Params carries the fee and threshold settings shared by the services.
type Params struct {
	PlatformUserID string

	Pool          engine.PoolParams
	EntryMultiple EntryMultipleMode

	CancellationFeePct decimal.Decimal
	CashoutFeePct      decimal.Decimal
	MaxDriftPct        decimal.Decimal

	Settlement        engine.SettlementParams
	SettlementLockTTL time.Duration

	ConversionFeePct decimal.Decimal
	MaxRateAge       time.Duration
	MaxLimitTTL      time.Duration

	ReconcileBatchSize int
	ReconcileEpsilon   money.Amount
	ReconcileLockTTL   time.Duration
}

// DefaultParams mirrors config.Defaults.
func DefaultParams() Params {
	return Params{
		PlatformUserID: domain.DefaultPlatformUserID,
		Pool: engine.PoolParams{
			DefaultMultiple: decimal.RequireFromString("1.5"),
			MinMultiple:     decimal.NewFromInt(1),
			MaxMultiple:     decimal.NewFromInt(50),
		},
		EntryMultiple:      EntryPost,
		CancellationFeePct: decimal.RequireFromString("0.05"),
		CashoutFeePct:      decimal.RequireFromString("0.05"),
		MaxDriftPct:        decimal.RequireFromString("0.02"),
		Settlement: engine.SettlementParams{
			FeePct:  decimal.RequireFromString("0.2"),
			TieMode: domain.TieRefund,
		},
		SettlementLockTTL:  5 * time.Minute,
		ConversionFeePct:   decimal.RequireFromString("0.01"),
		MaxRateAge:         5 * time.Minute,
		MaxLimitTTL:        7 * 24 * time.Hour,
		ReconcileBatchSize: 500,
		ReconcileEpsilon:   1,
		ReconcileLockTTL:   30 * time.Minute,
	}
}

// Notifier alerts operators. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Effects runs post-commit side effects. Any dependency may be nil.
type Effects struct {
	bus      domain.SignalBus
	audit    domain.AuditStore
	notifier Notifier
	logger   *slog.Logger
}

// NewEffects creates the post-commit publisher shared by every service.
func NewEffects(bus domain.SignalBus, audit domain.AuditStore, notifier Notifier, logger *slog.Logger) *Effects {
	return &Effects{bus: bus, audit: audit, notifier: notifier, logger: defaultLogger(logger)}
}

func (e *Effects) publish(ctx context.Context, channel, typ, userID string, payload any) {
	if e == nil || e.bus == nil {
		return
	}
	data, err := json.Marshal(domain.Event{Type: typ, UserID: userID, At: time.Now().UTC(), Payload: payload})
	if err != nil {
		e.logger.WarnContext(ctx, "service: marshal event failed",
			slog.String("type", typ), slog.String("error", err.Error()))
		return
	}
	if err := e.bus.Publish(ctx, channel, data); err != nil {
		e.logger.WarnContext(ctx, "service: publish event failed",
			slog.String("channel", channel),
			slog.String("type", typ),
			slog.String("error", err.Error()),
		)
	}
}

// committed mirrors every transaction onto the ledger stream and tells each
// affected user their balance changed.
func (e *Effects) committed(ctx context.Context, txs []domain.Transaction) {
	if e == nil || e.bus == nil || len(txs) == 0 {
		return
	}
	users := make(map[string]bool)
	for _, t := range txs {
		data, err := json.Marshal(t)
		if err == nil {
			err = e.bus.StreamAppend(ctx, domain.StreamLedger, data)
		}
		if err != nil {
			e.logger.WarnContext(ctx, "service: ledger stream append failed",
				slog.String("tx_id", t.ID), slog.String("error", err.Error()))
		}
		users[t.UserID] = true
	}
	for u := range users {
		e.publish(ctx, domain.ChannelBalances, "balance_changed", u, map[string]string{"user_id": u})
	}
}

func (e *Effects) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e == nil || e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.WarnContext(ctx, "service: audit log failed",
			slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (e *Effects) notify(ctx context.Context, event, title, message string) {
	if e == nil || e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "service: notify failed",
			slog.String("event", event), slog.String("error", err.Error()))
	}
}

// posting collects the transactions appended inside one InTx attempt.
type posting struct {
	txs []domain.Transaction
}

// add appends t to the ledger. Zero amounts, such as a zero fee, are skipped.
func (p *posting) add(ctx context.Context, tx domain.LedgerTx, t domain.Transaction) error {
	if t.Amount == 0 {
		return nil
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := tx.AppendTransaction(ctx, t); err != nil {
		return err
	}
	p.txs = append(p.txs, t)
	return nil
}

func entry(userID string, amount money.Amount, cur money.Currency, cat domain.TxCategory, at time.Time) domain.Transaction {
	return domain.Transaction{
		UserID:    userID,
		Amount:    amount,
		Currency:  cur,
		Category:  cat,
		CreatedAt: at,
	}
}

func defaultLogger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func utcNow() time.Time { return time.Now().UTC() }
