package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
	"github.com/alanyoungcy/poolbet/internal/notify"
)

// ResyncResult records a balance correction.
type ResyncResult struct {
	UserID   string         `json:"user_id"`
	Currency money.Currency `json:"currency"`
	Before   money.Amount   `json:"before"`
	After    money.Amount   `json:"after"`
}

// BalanceService reads balances and moves money across the platform boundary.
type BalanceService struct {
	ledger domain.Ledger
	fx     *Effects
	now    func() time.Time
	logger *slog.Logger
}

// NewBalanceService creates a BalanceService.
func NewBalanceService(ledger domain.Ledger, fx *Effects, logger *slog.Logger) *BalanceService {
	return &BalanceService{
		ledger: ledger,
		fx:     fx,
		now:    utcNow,
		logger: defaultLogger(logger),
	}
}

// WithClock overrides the time source.
func (s *BalanceService) WithClock(now func() time.Time) *BalanceService {
	s.now = now
	return s
}

// GetBalance returns the user's balance. Unknown users have a zero balance.
func (s *BalanceService) GetBalance(ctx context.Context, userID string) (domain.Balance, error) {
	var b domain.Balance
	err := s.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		b, err = tx.GetBalance(ctx, userID)
		return err
	})
	if err != nil {
		return domain.Balance{}, fmt.Errorf("balance_service: get balance %q: %w", userID, err)
	}
	return b, nil
}

// ListTransactions pages the user's ledger, newest first.
func (s *BalanceService) ListTransactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := s.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		out, err = tx.ListTransactions(ctx, userID, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("balance_service: list transactions %q: %w", userID, err)
	}
	return out, nil
}

// Deposit credits funds confirmed by the payment gateway.
func (s *BalanceService) Deposit(ctx context.Context, userID string, cur money.Currency, amount money.Amount, reference, operator string) (domain.Transaction, error) {
	return s.transfer(ctx, "deposit", userID, cur, amount, reference, operator)
}

// Withdraw debits funds paid out by the payment gateway. It fails with
// ErrInsufficientBalance rather than overdraw.
func (s *BalanceService) Withdraw(ctx context.Context, userID string, cur money.Currency, amount money.Amount, reference, operator string) (domain.Transaction, error) {
	return s.transfer(ctx, "withdraw", userID, cur, amount, reference, operator)
}

func (s *BalanceService) transfer(ctx context.Context, op, userID string, cur money.Currency, amount money.Amount, reference, operator string) (domain.Transaction, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Transaction{}, fmt.Errorf("balance_service: %s: %w: empty user", op, domain.ErrInvalidAmount)
	}
	if !cur.Valid() {
		return domain.Transaction{}, fmt.Errorf("balance_service: %s: %w: currency %q", op, domain.ErrInvalidAmount, cur)
	}
	if amount <= 0 {
		return domain.Transaction{}, fmt.Errorf("balance_service: %s: %w: %s", op, domain.ErrInvalidAmount, amount)
	}

	var (
		t    domain.Transaction
		post posting
	)
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		post = posting{}
		bal, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		t = entry(userID, amount, cur, domain.TxDeposit, s.now())
		if op == "withdraw" {
			if bal.Of(cur) < amount {
				return fmt.Errorf("%w: have %s %s, need %s", domain.ErrInsufficientBalance, bal.Of(cur), cur, amount)
			}
			t.Amount = -amount
			t.Category = domain.TxWithdrawal
		}
		t.Description = reference
		if err := post.add(ctx, tx, t); err != nil {
			return err
		}
		t = post.txs[0]
		return nil
	})
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("balance_service: %s %s: %w", op, userID, err)
	}

	s.fx.committed(ctx, post.txs)
	s.fx.auditLog(ctx, "balance."+op, map[string]any{
		"user_id":   userID,
		"currency":  string(cur),
		"amount":    amount.String(),
		"reference": reference,
		"operator":  operator,
		"tx_id":     t.ID,
	})
	s.logger.InfoContext(ctx, "balance_service: "+op,
		slog.String("user_id", userID),
		slog.String("currency", string(cur)),
		slog.String("amount", amount.String()),
		slog.String("reference", reference),
	)
	return t, nil
}

// Resync sets one balance component to the sum of the user's ledger. It is
// the only path that writes a balance without a transaction, so it is always
// audited with the value it replaced.
func (s *BalanceService) Resync(ctx context.Context, userID string, cur money.Currency, reason, operator string) (ResyncResult, error) {
	if !cur.Valid() {
		return ResyncResult{}, fmt.Errorf("balance_service: resync: %w: currency %q", domain.ErrInvalidAmount, cur)
	}
	if strings.TrimSpace(reason) == "" {
		return ResyncResult{}, fmt.Errorf("balance_service: resync: %w: a reason is required", domain.ErrInvalidAmount)
	}

	res := ResyncResult{UserID: userID, Currency: cur}
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		bal, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		sums, err := tx.SumUserTransactions(ctx, userID)
		if err != nil {
			return err
		}
		res.Before = bal.Of(cur)
		res.After = 0
		for _, sum := range sums {
			if sum.Currency == cur {
				res.After += sum.Total
			}
		}
		if res.Before == res.After {
			return nil
		}
		return tx.OverwriteBalance(ctx, userID, cur, res.After)
	})
	if err != nil {
		return ResyncResult{}, fmt.Errorf("balance_service: resync %s: %w", userID, err)
	}

	s.fx.auditLog(ctx, "balance.resync", map[string]any{
		"user_id":  userID,
		"currency": string(cur),
		"before":   res.Before.String(),
		"after":    res.After.String(),
		"reason":   reason,
		"operator": operator,
	})
	if res.Before != res.After {
		s.fx.publish(ctx, domain.ChannelBalances, "balance_changed", userID, map[string]string{"user_id": userID})
		s.fx.notify(ctx, notify.EventBalanceResync, "Balance resynced",
			fmt.Sprintf("user %s %s: %s -> %s by %s (%s)", userID, cur, res.Before, res.After, operator, reason))
	}
	s.logger.WarnContext(ctx, "balance_service: balance resynced",
		slog.String("user_id", userID),
		slog.String("currency", string(cur)),
		slog.String("before", res.Before.String()),
		slog.String("after", res.After.String()),
		slog.String("operator", operator),
	)
	return res, nil
}
