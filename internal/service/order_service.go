package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/engine"
	"github.com/alanyoungcy/poolbet/internal/money"
)

// OrderService handles the stake lifecycle: placement and cancellation.
// Cashout is in CashoutService and settlement in SettlementService.
type OrderService struct {
	ledger  domain.Ledger
	limiter domain.RateLimiter
	fx      *Effects
	params  Params
	now     func() time.Time
	logger  *slog.Logger

	placeLimit  int
	placeWindow time.Duration
}

// NewOrderService creates an OrderService with all required dependencies.
func NewOrderService(ledger domain.Ledger, fx *Effects, params Params, logger *slog.Logger) *OrderService {
	return &OrderService{
		ledger: ledger,
		fx:     fx,
		params: params,
		now:    utcNow,
		logger: defaultLogger(logger),
	}
}

// WithRateLimit caps placements per user to limit per window.
func (s *OrderService) WithRateLimit(limiter domain.RateLimiter, limit int, window time.Duration) *OrderService {
	s.limiter = limiter
	s.placeLimit = limit
	s.placeWindow = window
	return s
}

// WithClock overrides the time source.
func (s *OrderService) WithClock(now func() time.Time) *OrderService {
	s.now = now
	return s
}

// PlaceOrder stakes quantity coin on option. The market row is locked for the
// whole transaction so the entry multiple cannot move underneath the stake.
func (s *OrderService) PlaceOrder(ctx context.Context, userID, marketID string, option int, quantity money.Amount) (domain.Order, error) {
	if quantity <= 0 {
		return domain.Order{}, fmt.Errorf("order_service: %w: %s", domain.ErrInvalidQuantity, quantity)
	}
	if s.limiter != nil && s.placeLimit > 0 {
		allowed, err := s.limiter.Allow(ctx, "orders:"+userID, s.placeLimit, s.placeWindow)
		if err != nil {
			return domain.Order{}, fmt.Errorf("order_service: rate limiter: %w", err)
		}
		if !allowed {
			return domain.Order{}, fmt.Errorf("order_service: place order: %w", domain.ErrRateLimited)
		}
	}

	var (
		order domain.Order
		post  posting
	)
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		post = posting{}
		now := s.now()

		m, err := tx.LockMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if !m.ValidOption(option) {
			return fmt.Errorf("%w: %d (market has %d options)", domain.ErrInvalidOption, option, len(m.Options))
		}
		if !m.AcceptsOrders(now) {
			return fmt.Errorf("%w: market %s", domain.ErrMarketNotOpen, marketID)
		}

		bal, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if bal.Coin < quantity {
			return fmt.Errorf("%w: have %s, need %s", domain.ErrInsufficientBalance, bal.Coin, quantity)
		}

		pools, err := tx.Pools(ctx, marketID)
		if err != nil {
			return err
		}
		mult, err := s.entryMultiple(m, pools, option, quantity)
		if err != nil {
			return err
		}

		order = domain.Order{
			ID:            uuid.NewString(),
			MarketID:      marketID,
			UserID:        userID,
			Option:        option,
			Quantity:      quantity,
			EntryMultiple: mult,
			Status:        domain.OrderStatusActive,
			CreatedAt:     now,
		}

		stake := entry(userID, -quantity, money.Coin, domain.TxOrderStake, now)
		stake.MarketID = marketID
		stake.OrderID = order.ID
		stake.Description = fmt.Sprintf("stake on %q", m.Options[option])
		if err := post.add(ctx, tx, stake); err != nil {
			return err
		}
		if err := tx.AdjustPool(ctx, marketID, option, quantity); err != nil {
			return err
		}
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: place order: %w", err)
	}

	s.fx.committed(ctx, post.txs)
	s.fx.publish(ctx, domain.ChannelOrders, "order_placed", userID, order)
	s.fx.publish(ctx, domain.ChannelMarkets, "pool_changed", "", map[string]string{"market_id": marketID})
	s.logger.InfoContext(ctx, "order_service: order placed",
		slog.String("order_id", order.ID),
		slog.String("market_id", marketID),
		slog.String("user_id", userID),
		slog.Int("option", option),
		slog.String("quantity", quantity.String()),
		slog.String("entry_multiple", order.EntryMultiple.String()),
	)
	return order, nil
}

// entryMultiple reads the multiple locked into a new order.
func (s *OrderService) entryMultiple(m domain.Market, pools []domain.Pool, option int, quantity money.Amount) (decimal.Decimal, error) {
	if s.params.EntryMultiple != EntryPre {
		pools = engine.WithStake(pools, m.ID, option, quantity)
	}
	state, err := engine.ComputePoolState(m, pools, s.params.Pool)
	if err != nil {
		return decimal.Zero, err
	}
	return state.Multiple(option), nil
}

// CancelOrder withdraws an active stake while its market is open. The user
// gets the quantity back less the cancellation fee, which goes to the
// platform account.
func (s *OrderService) CancelOrder(ctx context.Context, userID, orderID string) (domain.Order, error) {
	var (
		order domain.Order
		post  posting
	)
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		post = posting{}
		now := s.now()

		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return fmt.Errorf("%w: order %s", domain.ErrNotOwner, orderID)
		}
		m, err := tx.LockMarket(ctx, o.MarketID)
		if err != nil {
			return err
		}
		if o, err = tx.LockOrder(ctx, orderID); err != nil {
			return err
		}
		if o.Status != domain.OrderStatusActive {
			return fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotActive, orderID, o.Status)
		}
		if !m.AcceptsOrders(now) {
			return fmt.Errorf("%w: market %s", domain.ErrMarketNotOpen, m.ID)
		}

		fee, err := o.Quantity.MulRound(s.params.CancellationFeePct)
		if err != nil {
			return err
		}
		refund := o.Quantity - fee

		if _, err := tx.LockBalance(ctx, userID); err != nil {
			return err
		}
		if err := tx.AdjustPool(ctx, o.MarketID, o.Option, -o.Quantity); err != nil {
			return err
		}

		credit := entry(userID, refund, money.Coin, domain.TxOrderCancelRefund, now)
		credit.MarketID, credit.OrderID = o.MarketID, o.ID
		if err := post.add(ctx, tx, credit); err != nil {
			return err
		}
		feeTx := entry(s.params.PlatformUserID, fee, money.Coin, domain.TxFeeCancellation, now)
		feeTx.MarketID, feeTx.OrderID = o.MarketID, o.ID
		if err := post.add(ctx, tx, feeTx); err != nil {
			return err
		}

		if err := tx.FinalizeOrder(ctx, o.ID, domain.OrderTransition{Status: domain.OrderStatusCancelled, At: now}); err != nil {
			return err
		}
		o.Status = domain.OrderStatusCancelled
		o.ClosedAt = &now
		order = o
		return nil
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: cancel order %s: %w", orderID, err)
	}

	s.fx.committed(ctx, post.txs)
	s.fx.publish(ctx, domain.ChannelOrders, "order_cancelled", userID, order)
	s.fx.publish(ctx, domain.ChannelMarkets, "pool_changed", "", map[string]string{"market_id": order.MarketID})
	s.logger.InfoContext(ctx, "order_service: order cancelled",
		slog.String("order_id", orderID),
		slog.String("user_id", userID),
	)
	return order, nil
}

// GetOrder reads one order. A non-empty userID restricts it to its owner.
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID string) (domain.Order, error) {
	var o domain.Order
	err := s.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("order_service: get order %q: %w", orderID, err)
	}
	if userID != "" && o.UserID != userID {
		return domain.Order{}, fmt.Errorf("order_service: get order %q: %w", orderID, domain.ErrNotOwner)
	}
	return o, nil
}

// ListOrdersByUser pages a user's orders, newest first.
func (s *OrderService) ListOrdersByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	var out []domain.Order
	err := s.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		out, err = tx.ListOrdersByUser(ctx, userID, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("order_service: list orders for %q: %w", userID, err)
	}
	return out, nil
}

// ListOrdersByMarket pages a market's orders, newest first.
func (s *OrderService) ListOrdersByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Order, error) {
	var out []domain.Order
	err := s.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		out, err = tx.ListOrdersByMarket(ctx, marketID, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("order_service: list orders for market %q: %w", marketID, err)
	}
	return out, nil
}
