package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/engine"
	"github.com/alanyoungcy/poolbet/internal/money"
)

// CashoutService quotes and executes early exits at the current multiple.
type CashoutService struct {
	ledger domain.Ledger
	fx     *Effects
	params Params
	now    func() time.Time
	logger *slog.Logger
}

// NewCashoutService creates a CashoutService.
func NewCashoutService(ledger domain.Ledger, fx *Effects, params Params, logger *slog.Logger) *CashoutService {
	return &CashoutService{
		ledger: ledger,
		fx:     fx,
		params: params,
		now:    utcNow,
		logger: defaultLogger(logger),
	}
}

// WithClock overrides the time source.
func (s *CashoutService) WithClock(now func() time.Time) *CashoutService {
	s.now = now
	return s
}

// GetQuote prices cashing out orderID now. It writes nothing.
func (s *CashoutService) GetQuote(ctx context.Context, userID, orderID string) (domain.CashoutQuote, error) {
	var q domain.CashoutQuote
	err := s.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		m, err := tx.GetMarket(ctx, o.MarketID)
		if err != nil {
			return err
		}
		q, err = s.quote(ctx, tx, userID, o, m)
		return err
	})
	if err != nil {
		return domain.CashoutQuote{}, fmt.Errorf("cashout_service: quote %s: %w", orderID, err)
	}
	return q, nil
}

func (s *CashoutService) quote(ctx context.Context, tx domain.LedgerTx, userID string, o domain.Order, m domain.Market) (domain.CashoutQuote, error) {
	if o.UserID != userID {
		return domain.CashoutQuote{}, fmt.Errorf("%w: order %s", domain.ErrNotOwner, o.ID)
	}
	if o.Status != domain.OrderStatusActive {
		return domain.CashoutQuote{}, fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotActive, o.ID, o.Status)
	}
	now := s.now()
	if !m.AcceptsOrders(now) {
		return domain.CashoutQuote{}, fmt.Errorf("%w: market %s", domain.ErrMarketNotOpen, m.ID)
	}
	pools, err := tx.Pools(ctx, m.ID)
	if err != nil {
		return domain.CashoutQuote{}, err
	}
	state, err := engine.ComputePoolState(m, pools, s.params.Pool)
	if err != nil {
		return domain.CashoutQuote{}, err
	}
	return engine.QuoteCashout(o, state, s.params.CashoutFeePct, now)
}

// ConfirmCashout executes a cashout the user was quoted quotedNet for. A
// fresh quote is taken with the market locked; if it drifted more than the
// configured tolerance the call fails with a *domain.QuoteDriftError carrying
// the fresh quote and nothing is written.
func (s *CashoutService) ConfirmCashout(ctx context.Context, userID, orderID string, quotedNet money.Amount) (domain.CashoutQuote, error) {
	if quotedNet <= 0 {
		return domain.CashoutQuote{}, fmt.Errorf("cashout_service: %w: quoted net %s", domain.ErrInvalidAmount, quotedNet)
	}

	var (
		fresh domain.CashoutQuote
		order domain.Order
		post  posting
	)
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		post = posting{}

		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		m, err := tx.LockMarket(ctx, o.MarketID)
		if err != nil {
			return err
		}
		if o, err = tx.LockOrder(ctx, orderID); err != nil {
			return err
		}
		if fresh, err = s.quote(ctx, tx, userID, o, m); err != nil {
			return err
		}

		if drift := engine.Drift(quotedNet, fresh.Net); drift.GreaterThan(s.params.MaxDriftPct) {
			return &domain.QuoteDriftError{Quoted: quotedNet, Fresh: fresh, Drift: drift}
		}
		if fresh.Net <= 0 {
			return fmt.Errorf("%w: fresh net %s", domain.ErrNonPositiveCashout, fresh.Net)
		}

		now := fresh.QuotedAt
		if _, err := tx.LockBalance(ctx, userID); err != nil {
			return err
		}
		if err := tx.AdjustPool(ctx, o.MarketID, o.Option, -o.Quantity); err != nil {
			return err
		}
		credit := entry(userID, fresh.Net, money.Coin, domain.TxCashoutCredit, now)
		credit.MarketID, credit.OrderID = o.MarketID, o.ID
		if err := post.add(ctx, tx, credit); err != nil {
			return err
		}
		feeTx := entry(s.params.PlatformUserID, fresh.Fee, money.Coin, domain.TxFeeCashout, now)
		feeTx.MarketID, feeTx.OrderID = o.MarketID, o.ID
		if err := post.add(ctx, tx, feeTx); err != nil {
			return err
		}

		net := fresh.Net
		if err := tx.FinalizeOrder(ctx, o.ID, domain.OrderTransition{
			Status: domain.OrderStatusCashout, Amount: &net, At: now,
		}); err != nil {
			return err
		}
		o.Status = domain.OrderStatusCashout
		o.CashoutAmount = &net
		o.ClosedAt = &now
		order = o
		return nil
	})
	if err != nil {
		return domain.CashoutQuote{}, fmt.Errorf("cashout_service: confirm %s: %w", orderID, err)
	}

	s.fx.committed(ctx, post.txs)
	s.fx.publish(ctx, domain.ChannelOrders, "order_cashed_out", userID, order)
	s.fx.publish(ctx, domain.ChannelMarkets, "pool_changed", "", map[string]string{"market_id": order.MarketID})
	s.logger.InfoContext(ctx, "cashout_service: cashout confirmed",
		slog.String("order_id", orderID),
		slog.String("user_id", userID),
		slog.String("net", fresh.Net.String()),
		slog.String("fee", fresh.Fee.String()),
	)
	return fresh, nil
}
