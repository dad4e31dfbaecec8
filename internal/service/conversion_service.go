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

// ConversionService converts between coin and fiat balances at the published
// reference rate, instantly or through resting limit orders.
type ConversionService struct {
	ledger domain.Ledger
	rates  domain.RateStore
	fx     *Effects
	params Params
	now    func() time.Time
	logger *slog.Logger
}

// NewConversionService creates a ConversionService.
func NewConversionService(ledger domain.Ledger, rates domain.RateStore, fx *Effects, params Params, logger *slog.Logger) *ConversionService {
	return &ConversionService{
		ledger: ledger,
		rates:  rates,
		fx:     fx,
		params: params,
		now:    utcNow,
		logger: defaultLogger(logger),
	}
}

// WithClock overrides the time source.
func (s *ConversionService) WithClock(now func() time.Time) *ConversionService {
	s.now = now
	return s
}

// CurrentRate returns the reference rate, rejecting a feed rate older than
// the configured maximum age. A pegged rate is always current.
func (s *ConversionService) CurrentRate(ctx context.Context) (domain.Rate, error) {
	r, err := s.rates.CurrentRate(ctx)
	if err != nil {
		return domain.Rate{}, fmt.Errorf("conversion_service: read rate: %w", err)
	}
	if age := s.now().Sub(r.UpdatedAt); !r.Pegged && s.params.MaxRateAge > 0 && age > s.params.MaxRateAge {
		return domain.Rate{}, fmt.Errorf("conversion_service: %w: rate is %s old", domain.ErrStaleRate, age.Truncate(time.Second))
	}
	return r, nil
}

// SetRate publishes a new reference rate from the price feed.
func (s *ConversionService) SetRate(ctx context.Context, price decimal.Decimal, operator string) (domain.Rate, error) {
	if !price.IsPositive() {
		return domain.Rate{}, fmt.Errorf("conversion_service: %w: price %s", domain.ErrInvalidLimitPrice, price)
	}
	r := domain.Rate{Price: price, UpdatedAt: s.now()}
	if err := s.rates.SetRate(ctx, r); err != nil {
		return domain.Rate{}, fmt.Errorf("conversion_service: set rate: %w", err)
	}
	s.fx.publish(ctx, domain.ChannelConversions, "rate_updated", "", r)
	s.fx.auditLog(ctx, "rate.update", map[string]any{
		"price":    price.String(),
		"operator": operator,
	})
	return r, nil
}

// QuoteInstant previews an instant conversion. It writes nothing.
func (s *ConversionService) QuoteInstant(ctx context.Context, side domain.Side, amount money.Amount) (domain.ConversionQuote, error) {
	r, err := s.CurrentRate(ctx)
	if err != nil {
		return domain.ConversionQuote{}, err
	}
	q, err := engine.QuoteConversion(side, amount, r.Price, s.params.ConversionFeePct)
	if err != nil {
		return domain.ConversionQuote{}, fmt.Errorf("conversion_service: quote: %w", err)
	}
	return q, nil
}

// InstantConvert debits amount of side's source currency and credits the net
// counter amount at the current rate.
func (s *ConversionService) InstantConvert(ctx context.Context, userID string, side domain.Side, amount money.Amount) (domain.ExchangeOrder, error) {
	q, err := s.QuoteInstant(ctx, side, amount)
	if err != nil {
		return domain.ExchangeOrder{}, err
	}

	var (
		order domain.ExchangeOrder
		post  posting
	)
	err = s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		post = posting{}
		now := s.now()

		bal, err := tx.LockBalance(ctx, userID)
		if err != nil {
			return err
		}
		if have := bal.Of(q.SourceCurrency); have < amount {
			return fmt.Errorf("%w: have %s %s, need %s", domain.ErrInsufficientBalance, have, q.SourceCurrency, amount)
		}

		order = domain.ExchangeOrder{
			ID:              uuid.NewString(),
			UserID:          userID,
			Side:            side,
			SourceAmount:    amount,
			SourceCurrency:  q.SourceCurrency,
			CounterAmount:   q.Net,
			CounterCurrency: q.CounterCurrency,
			Price:           q.Price,
			Fee:             q.Fee,
			Status:          domain.ExchangeStatusFilled,
			CreatedAt:       now,
		}
		if err := s.postConversion(ctx, tx, &post, order, domain.TxConvertDebit, domain.TxConvertCredit, now); err != nil {
			return err
		}
		return tx.InsertExchangeOrder(ctx, order)
	})
	if err != nil {
		return domain.ExchangeOrder{}, fmt.Errorf("conversion_service: convert: %w", err)
	}

	s.fx.committed(ctx, post.txs)
	s.fx.publish(ctx, domain.ChannelConversions, "conversion_filled", userID, order)
	s.logger.InfoContext(ctx, "conversion_service: instant conversion filled",
		slog.String("exchange_order_id", order.ID),
		slog.String("user_id", userID),
		slog.String("side", string(side)),
		slog.String("amount", amount.String()),
		slog.String("price", q.Price.String()),
	)
	return order, nil
}

// postConversion writes the debit (when debitCat is set), the net credit and
// the platform fee of one executed conversion.
func (s *ConversionService) postConversion(ctx context.Context, tx domain.LedgerTx, post *posting, o domain.ExchangeOrder, debitCat, creditCat domain.TxCategory, now time.Time) error {
	if debitCat != "" {
		debit := entry(o.UserID, -o.SourceAmount, o.SourceCurrency, debitCat, now)
		debit.Description = string(o.Side)
		if err := post.add(ctx, tx, debit); err != nil {
			return err
		}
	}
	credit := entry(o.UserID, o.CounterAmount, o.CounterCurrency, creditCat, now)
	credit.Description = fmt.Sprintf("%s @ %s", o.Side, o.Price)
	if err := post.add(ctx, tx, credit); err != nil {
		return err
	}
	return post.add(ctx, tx, entry(s.params.PlatformUserID, o.Fee, o.CounterCurrency, domain.TxFeeConversion, now))
}

// PreviewLimitOrder describes the limit order req would create.
func (s *ConversionService) PreviewLimitOrder(ctx context.Context, req domain.LimitOrderRequest) (domain.LimitPreview, error) {
	r, err := s.CurrentRate(ctx)
	if err != nil {
		return domain.LimitPreview{}, err
	}
	p, err := engine.PreviewLimit(req, r.Price, s.params.ConversionFeePct, s.params.MaxLimitTTL, s.now())
	if err != nil {
		return domain.LimitPreview{}, fmt.Errorf("conversion_service: preview limit: %w", err)
	}
	return p, nil
}

// CreateLimitOrder re-validates req against the current rate and reserves
// its source amount.
func (s *ConversionService) CreateLimitOrder(ctx context.Context, req domain.LimitOrderRequest) (domain.LimitOrder, error) {
	p, err := s.PreviewLimitOrder(ctx, req)
	if err != nil {
		return domain.LimitOrder{}, err
	}

	var (
		lo   domain.LimitOrder
		post posting
	)
	err = s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		post = posting{}
		now := s.now()

		bal, err := tx.LockBalance(ctx, req.UserID)
		if err != nil {
			return err
		}
		if have := bal.Of(p.ReserveCurrency); have < p.Reserve {
			return fmt.Errorf("%w: have %s %s, need %s", domain.ErrInsufficientBalance, have, p.ReserveCurrency, p.Reserve)
		}

		lo = domain.LimitOrder{
			ID:            uuid.NewString(),
			UserID:        req.UserID,
			Side:          req.Side,
			InputAmount:   req.Amount,
			InputCurrency: req.InputCurrency,
			Reserved:      p.Reserve,
			LimitPrice:    req.LimitPrice,
			FeePct:        s.params.ConversionFeePct,
			ExpiresAt:     p.ExpiresAt,
			Status:        domain.LimitStatusActive,
			CreatedAt:     now,
		}
		reserve := entry(req.UserID, -p.Reserve, p.ReserveCurrency, domain.TxLimitReserve, now)
		reserve.Description = "limit order " + lo.ID
		if err := post.add(ctx, tx, reserve); err != nil {
			return err
		}
		return tx.InsertLimitOrder(ctx, lo)
	})
	if err != nil {
		return domain.LimitOrder{}, fmt.Errorf("conversion_service: create limit order: %w", err)
	}

	s.fx.committed(ctx, post.txs)
	s.fx.publish(ctx, domain.ChannelConversions, "limit_order_created", lo.UserID, lo)
	s.logger.InfoContext(ctx, "conversion_service: limit order created",
		slog.String("limit_order_id", lo.ID),
		slog.String("user_id", lo.UserID),
		slog.String("side", string(lo.Side)),
		slog.String("reserved", lo.Reserved.String()),
		slog.String("limit_price", lo.LimitPrice.String()),
	)
	return lo, nil
}

// CancelLimitOrder releases the reservation of an active limit order.
func (s *ConversionService) CancelLimitOrder(ctx context.Context, userID, id string) (domain.LimitOrder, error) {
	var (
		lo   domain.LimitOrder
		post posting
	)
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		post = posting{}
		now := s.now()

		var err error
		if lo, err = tx.LockLimitOrder(ctx, id); err != nil {
			return err
		}
		if lo.UserID != userID {
			return fmt.Errorf("%w: limit order %s", domain.ErrNotOwner, id)
		}
		if lo.Status != domain.LimitStatusActive {
			return fmt.Errorf("%w: limit order %s is %s", domain.ErrOrderNotActive, id, lo.Status)
		}
		if err := s.release(ctx, tx, &post, lo, domain.LimitStatusCancelled, now); err != nil {
			return err
		}
		lo.Status = domain.LimitStatusCancelled
		lo.ClosedAt = &now
		return nil
	})
	if err != nil {
		return domain.LimitOrder{}, fmt.Errorf("conversion_service: cancel limit order %s: %w", id, err)
	}

	s.fx.committed(ctx, post.txs)
	s.fx.publish(ctx, domain.ChannelConversions, "limit_order_cancelled", userID, lo)
	return lo, nil
}

func (s *ConversionService) release(ctx context.Context, tx domain.LedgerTx, post *posting, lo domain.LimitOrder, status domain.LimitOrderStatus, now time.Time) error {
	if _, err := tx.LockBalance(ctx, lo.UserID); err != nil {
		return err
	}
	rel := entry(lo.UserID, lo.Reserved, lo.Side.Source(), domain.TxLimitRelease, now)
	rel.Description = fmt.Sprintf("limit order %s %s", lo.ID, status)
	if err := post.add(ctx, tx, rel); err != nil {
		return err
	}
	return tx.FinalizeLimitOrder(ctx, lo.ID, status, nil, now)
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Filled  int `json:"filled"`
	Expired int `json:"expired"`
	Scanned int `json:"scanned"`
}

// SweepLimitOrders walks every active limit order in pages of batch: expired
// orders release their reservation, crossed orders fill at their limit price.
// With a stale rate only expiries are processed.
func (s *ConversionService) SweepLimitOrders(ctx context.Context, batch int) (SweepResult, error) {
	if batch <= 0 {
		batch = 100
	}
	var res SweepResult

	market := decimal.Zero
	if r, err := s.CurrentRate(ctx); err == nil {
		market = r.Price
	} else {
		s.logger.WarnContext(ctx, "conversion_service: sweep without a usable rate, expiring only",
			slog.String("error", err.Error()))
	}

	after := ""
	for {
		var (
			page   []domain.LimitOrder
			post   posting
			events []domain.LimitOrder
			fills  []domain.ExchangeOrder
			filled int
			exp    int
		)
		err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
			post, events, fills, filled, exp = posting{}, nil, nil, 0, 0
			now := s.now()

			var err error
			if page, err = tx.LockActiveLimitOrders(ctx, after, batch); err != nil {
				return err
			}
			for _, lo := range page {
				switch {
				case !now.Before(lo.ExpiresAt):
					if err := s.release(ctx, tx, &post, lo, domain.LimitStatusExpired, now); err != nil {
						return err
					}
					lo.Status, lo.ClosedAt = domain.LimitStatusExpired, &now
					events = append(events, lo)
					exp++
				case market.IsPositive() && engine.LimitCrossed(lo.Side, lo.LimitPrice, market):
					eo, err := s.fill(ctx, tx, &post, lo, now)
					if err != nil {
						return err
					}
					price := lo.LimitPrice
					lo.Status, lo.ClosedAt, lo.ExecutionPrice = domain.LimitStatusFilled, &now, &price
					events = append(events, lo)
					fills = append(fills, eo)
					filled++
				}
			}
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("conversion_service: sweep limit orders: %w", err)
		}

		res.Scanned += len(page)
		res.Filled += filled
		res.Expired += exp
		s.fx.committed(ctx, post.txs)
		for _, lo := range events {
			s.fx.publish(ctx, domain.ChannelConversions, "limit_order_"+string(lo.Status), lo.UserID, lo)
		}
		for _, eo := range fills {
			s.fx.publish(ctx, domain.ChannelConversions, "conversion_filled", eo.UserID, eo)
		}

		if len(page) < batch {
			break
		}
		after = page[len(page)-1].ID
	}

	if res.Filled > 0 || res.Expired > 0 {
		s.logger.InfoContext(ctx, "conversion_service: limit orders swept",
			slog.Int("scanned", res.Scanned),
			slog.Int("filled", res.Filled),
			slog.Int("expired", res.Expired),
		)
	}
	return res, nil
}

// fill executes lo at its limit price. The source was debited when the order
// was reserved, so only the credit and fee are written here.
func (s *ConversionService) fill(ctx context.Context, tx domain.LedgerTx, post *posting, lo domain.LimitOrder, now time.Time) (domain.ExchangeOrder, error) {
	q, err := engine.QuoteConversion(lo.Side, lo.Reserved, lo.LimitPrice, lo.FeePct)
	if err != nil {
		return domain.ExchangeOrder{}, err
	}
	if _, err := tx.LockBalance(ctx, lo.UserID); err != nil {
		return domain.ExchangeOrder{}, err
	}
	eo := domain.ExchangeOrder{
		ID:              uuid.NewString(),
		UserID:          lo.UserID,
		Side:            lo.Side,
		SourceAmount:    lo.Reserved,
		SourceCurrency:  q.SourceCurrency,
		CounterAmount:   q.Net,
		CounterCurrency: q.CounterCurrency,
		Price:           lo.LimitPrice,
		Fee:             q.Fee,
		Status:          domain.ExchangeStatusFilled,
		LimitOrderID:    lo.ID,
		CreatedAt:       now,
	}
	if err := s.postConversion(ctx, tx, post, eo, "", domain.TxLimitFill, now); err != nil {
		return domain.ExchangeOrder{}, err
	}
	if err := tx.InsertExchangeOrder(ctx, eo); err != nil {
		return domain.ExchangeOrder{}, err
	}
	price := lo.LimitPrice
	if err := tx.FinalizeLimitOrder(ctx, lo.ID, domain.LimitStatusFilled, &price, now); err != nil {
		return domain.ExchangeOrder{}, err
	}
	return eo, nil
}

// ListExchangeOrders pages a user's executed conversions, newest first.
func (s *ConversionService) ListExchangeOrders(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.ExchangeOrder, error) {
	var out []domain.ExchangeOrder
	err := s.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		out, err = tx.ListExchangeOrders(ctx, userID, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("conversion_service: list exchange orders: %w", err)
	}
	return out, nil
}

// ListLimitOrders pages a user's limit orders, newest first.
func (s *ConversionService) ListLimitOrders(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LimitOrder, error) {
	var out []domain.LimitOrder
	err := s.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		out, err = tx.ListLimitOrders(ctx, userID, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("conversion_service: list limit orders: %w", err)
	}
	return out, nil
}
