package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/service"
)

// MarketService defines the methods that the market handler requires from the
// service layer. It is declared locally so the handler package does not depend
// on the concrete service implementation.
type MarketService interface {
	CreateMarket(ctx context.Context, in service.MarketInput) (domain.Market, error)
	CloseMarket(ctx context.Context, id string) (domain.Market, error)
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	ListMarkets(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error)
}

// PoolService reads derived pool state.
type PoolService interface {
	GetPoolState(ctx context.Context, marketID string) (domain.PoolState, error)
}

// SettlementService resolves closed markets.
type SettlementService interface {
	Settle(ctx context.Context, marketID string, outcome domain.Outcome, operator string) (domain.SettlementSummary, error)
}

// MarketHandler serves market, pool and settlement endpoints.
type MarketHandler struct {
	markets MarketService
	pools   PoolService
	settle  SettlementService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, pools PoolService, settle SettlementService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		pools:   pools,
		settle:  settle,
		logger:  logger,
	}
}

// ListMarkets pages markets, optionally filtered by status.
// GET /api/markets?status=open&limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	status := domain.MarketStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.MarketStatusOpen, domain.MarketStatusClosed, domain.MarketStatusSettled:
	default:
		badRequest(w, "status must be open, closed or settled")
		return
	}

	opts := parseListOpts(r)
	markets, err := h.markets.ListMarkets(r.Context(), status, opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}
	writeJSON(w, http.StatusOK, page(markets, opts))
}

// GetMarket returns one market.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.GetMarket(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetPool returns per-option totals, percentages and multiples.
// GET /api/markets/{id}/pool
func (h *MarketHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	st, err := h.pools.GetPoolState(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get pool", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type createMarketRequest struct {
	Title       string    `json:"title"`
	Category    string    `json:"category"`
	Periodicity string    `json:"periodicity"`
	Options     []string  `json:"options"`
	EndTime     time.Time `json:"end_time"`
}

// CreateMarket opens a new market.
// POST /api/admin/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	m, err := h.markets.CreateMarket(r.Context(), service.MarketInput(req))
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// CloseMarket stops betting on a market.
// POST /api/admin/markets/{id}/close
func (h *MarketHandler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.markets.CloseMarket(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "close market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// settleRequest carries exactly one of the three resolutions.
type settleRequest struct {
	WinningOption *int  `json:"winning_option"`
	Void          bool  `json:"void"`
	TiedOptions   []int `json:"tied_options"`
}

func (req settleRequest) outcome() (domain.Outcome, bool) {
	set := 0
	var out domain.Outcome
	if req.WinningOption != nil {
		set++
		out = domain.Outcome{Kind: domain.OutcomeWinner, WinningOption: *req.WinningOption}
	}
	if req.Void {
		set++
		out = domain.Outcome{Kind: domain.OutcomeVoid}
	}
	if len(req.TiedOptions) > 0 {
		set++
		out = domain.Outcome{Kind: domain.OutcomeTie, TiedOptions: req.TiedOptions}
	}
	return out, set == 1
}

// SettleMarket pays out a closed market.
// POST /api/admin/markets/{id}/settle
func (h *MarketHandler) SettleMarket(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	outcome, ok := req.outcome()
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_outcome",
			"exactly one of winning_option, void or tied_options is required")
		return
	}

	sum, err := h.settle.Settle(r.Context(), pathParam(r, "id"), outcome, operator(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "settle market", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
