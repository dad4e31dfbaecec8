package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/poolbet/internal/domain"
)

// MarketInput is what the content boundary supplies to create a market.
type MarketInput struct {
	Title       string    `json:"title"`
	Category    string    `json:"category"`
	Periodicity string    `json:"periodicity"`
	Options     []string  `json:"options"`
	EndTime     time.Time `json:"end_time"`
}

// MarketService owns the market lifecycle: create, close and the scheduled
// close of expired markets. Settlement lives in SettlementService.
type MarketService struct {
	ledger domain.Ledger
	fx     *Effects
	now    func() time.Time
	logger *slog.Logger
}

// NewMarketService creates a MarketService with all required dependencies.
func NewMarketService(ledger domain.Ledger, fx *Effects, logger *slog.Logger) *MarketService {
	return &MarketService{
		ledger: ledger,
		fx:     fx,
		now:    utcNow,
		logger: defaultLogger(logger),
	}
}

// WithClock overrides the time source.
func (s *MarketService) WithClock(now func() time.Time) *MarketService {
	s.now = now
	return s
}

// CreateMarket validates in and stores an open market with one empty pool per
// option.
func (s *MarketService) CreateMarket(ctx context.Context, in MarketInput) (domain.Market, error) {
	now := s.now()
	if strings.TrimSpace(in.Title) == "" {
		return domain.Market{}, fmt.Errorf("market_service: %w: empty title", domain.ErrInvalidMarket)
	}
	if len(in.Options) < 2 {
		return domain.Market{}, fmt.Errorf("market_service: %w: need at least two options", domain.ErrInvalidMarket)
	}
	seen := make(map[string]bool, len(in.Options))
	options := make([]string, len(in.Options))
	for i, o := range in.Options {
		o = strings.TrimSpace(o)
		if o == "" || seen[strings.ToLower(o)] {
			return domain.Market{}, fmt.Errorf("market_service: %w: option %d is empty or duplicated", domain.ErrInvalidMarket, i)
		}
		seen[strings.ToLower(o)] = true
		options[i] = o
	}
	if !in.EndTime.After(now) {
		return domain.Market{}, fmt.Errorf("market_service: %w: end time is in the past", domain.ErrInvalidMarket)
	}

	m := domain.Market{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(in.Title),
		Category:    in.Category,
		Periodicity: in.Periodicity,
		Options:     options,
		Status:      domain.MarketStatusOpen,
		EndTime:     in.EndTime.UTC(),
		CreatedAt:   now,
	}
	if err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		return tx.CreateMarket(ctx, m)
	}); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create market: %w", err)
	}

	s.fx.publish(ctx, domain.ChannelMarkets, "market_created", "", m)
	s.logger.InfoContext(ctx, "market_service: market created",
		slog.String("market_id", m.ID),
		slog.Int("options", len(m.Options)),
	)
	return m, nil
}

// CloseMarket stops betting on an open market.
func (s *MarketService) CloseMarket(ctx context.Context, id string) (domain.Market, error) {
	var m domain.Market
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		m, err = tx.LockMarket(ctx, id)
		if err != nil {
			return err
		}
		if m.Status != domain.MarketStatusOpen {
			return fmt.Errorf("%w: market %s is %s", domain.ErrMarketNotOpen, id, m.Status)
		}
		now := s.now()
		if err := tx.SetMarketStatus(ctx, id, domain.MarketStatusClosed, "", now); err != nil {
			return err
		}
		m.Status = domain.MarketStatusClosed
		m.ClosedAt = &now
		return nil
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: close market %s: %w", id, err)
	}

	s.fx.publish(ctx, domain.ChannelMarkets, "market_closed", "", m)
	s.logger.InfoContext(ctx, "market_service: market closed", slog.String("market_id", id))
	return m, nil
}

// CloseExpired closes every open market whose end time has passed and returns
// how many it closed. A market that fails to close is logged and skipped.
func (s *MarketService) CloseExpired(ctx context.Context) (int, error) {
	now := s.now()
	const page = 200

	var expired []string
	for offset := 0; ; offset += page {
		var batch []domain.Market
		err := s.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
			var err error
			batch, err = tx.ListMarkets(ctx, domain.MarketStatusOpen, domain.ListOpts{Limit: page, Offset: offset})
			return err
		})
		if err != nil {
			return 0, fmt.Errorf("market_service: list open markets: %w", err)
		}
		for _, m := range batch {
			if !now.Before(m.EndTime) {
				expired = append(expired, m.ID)
			}
		}
		if len(batch) < page {
			break
		}
	}

	closed := 0
	for _, id := range expired {
		if _, err := s.CloseMarket(ctx, id); err != nil {
			s.logger.WarnContext(ctx, "market_service: close expired market failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		closed++
	}
	return closed, nil
}

// GetMarket reads one market.
func (s *MarketService) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	var m domain.Market
	err := s.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		m, err = tx.GetMarket(ctx, id)
		return err
	})
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get market %q: %w", id, err)
	}
	return m, nil
}

// ListMarkets pages markets, optionally filtered by status.
func (s *MarketService) ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	err := s.ledger.ReadTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		out, err = tx.ListMarkets(ctx, status, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("market_service: list markets: %w", err)
	}
	return out, nil
}
