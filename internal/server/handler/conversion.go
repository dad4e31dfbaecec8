package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
	"github.com/alanyoungcy/poolbet/internal/server/middleware"
)

// ConversionService prices and executes coin/fiat conversions.
type ConversionService interface {
	SetRate(ctx context.Context, price decimal.Decimal, operator string) (domain.Rate, error)
	QuoteInstant(ctx context.Context, side domain.Side, amount money.Amount) (domain.ConversionQuote, error)
	InstantConvert(ctx context.Context, userID string, side domain.Side, amount money.Amount) (domain.ExchangeOrder, error)
	PreviewLimitOrder(ctx context.Context, req domain.LimitOrderRequest) (domain.LimitPreview, error)
	CreateLimitOrder(ctx context.Context, req domain.LimitOrderRequest) (domain.LimitOrder, error)
	CancelLimitOrder(ctx context.Context, userID, id string) (domain.LimitOrder, error)
	ListExchangeOrders(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.ExchangeOrder, error)
	ListLimitOrders(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.LimitOrder, error)
}

// ConversionHandler serves instant and limit conversions.
type ConversionHandler struct {
	conv   ConversionService
	logger *slog.Logger
}

// NewConversionHandler creates a ConversionHandler.
func NewConversionHandler(conv ConversionService, logger *slog.Logger) *ConversionHandler {
	return &ConversionHandler{conv: conv, logger: logger}
}

// Quote previews an instant conversion.
// GET /api/convert/quote?side=buy_coin&amount=10
func (h *ConversionHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := money.Parse(q.Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a decimal number")
		return
	}
	quote, err := h.conv.QuoteInstant(r.Context(), domain.Side(q.Get("side")), amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "convert quote", err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

type convertRequest struct {
	Side   domain.Side  `json:"side"`
	Amount money.Amount `json:"amount"`
}

// Convert executes an instant conversion at the current rate.
// POST /api/convert
func (h *ConversionHandler) Convert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	eo, err := h.conv.InstantConvert(r.Context(), middleware.UserID(r.Context()), req.Side, req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "convert", err)
		return
	}
	writeJSON(w, http.StatusCreated, eo)
}

// ListExchangeOrders pages the caller's executed conversions.
// GET /api/exchange-orders
func (h *ConversionHandler) ListExchangeOrders(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	out, err := h.conv.ListExchangeOrders(r.Context(), middleware.UserID(r.Context()), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list exchange orders", err)
		return
	}
	writeJSON(w, http.StatusOK, page(out, opts))
}

type limitOrderRequest struct {
	Side       domain.Side     `json:"side"`
	Amount     money.Amount    `json:"amount"`
	Currency   string          `json:"currency"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	// ExpiresIn is a Go duration string such as "24h".
	ExpiresIn string `json:"expires_in"`
}

func (req limitOrderRequest) toDomain(userID string) (domain.LimitOrderRequest, error) {
	cur, err := money.ParseCurrency(req.Currency)
	if err != nil {
		return domain.LimitOrderRequest{}, fmt.Errorf("%w: %v", domain.ErrInvalidAmount, err)
	}
	ttl, err := time.ParseDuration(req.ExpiresIn)
	if err != nil {
		return domain.LimitOrderRequest{}, fmt.Errorf("%w: expires_in %q", domain.ErrInvalidExpiry, req.ExpiresIn)
	}
	return domain.LimitOrderRequest{
		UserID:        userID,
		Side:          req.Side,
		Amount:        req.Amount,
		InputCurrency: cur,
		LimitPrice:    req.LimitPrice,
		ExpiresIn:     ttl,
	}, nil
}

func (h *ConversionHandler) decodeLimit(w http.ResponseWriter, r *http.Request) (domain.LimitOrderRequest, bool) {
	var req limitOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return domain.LimitOrderRequest{}, false
	}
	out, err := req.toDomain(middleware.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, "limit order", err)
		return domain.LimitOrderRequest{}, false
	}
	return out, true
}

// PreviewLimitOrder describes a limit order without creating it.
// POST /api/limit-orders/preview
func (h *ConversionHandler) PreviewLimitOrder(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeLimit(w, r)
	if !ok {
		return
	}
	p, err := h.conv.PreviewLimitOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "preview limit order", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreateLimitOrder reserves funds and rests a limit order.
// POST /api/limit-orders
func (h *ConversionHandler) CreateLimitOrder(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeLimit(w, r)
	if !ok {
		return
	}
	lo, err := h.conv.CreateLimitOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "create limit order", err)
		return
	}
	writeJSON(w, http.StatusCreated, lo)
}

// ListLimitOrders pages the caller's limit orders.
// GET /api/limit-orders
func (h *ConversionHandler) ListLimitOrders(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	out, err := h.conv.ListLimitOrders(r.Context(), middleware.UserID(r.Context()), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list limit orders", err)
		return
	}
	writeJSON(w, http.StatusOK, page(out, opts))
}

// CancelLimitOrder releases an active limit order.
// DELETE /api/limit-orders/{id}
func (h *ConversionHandler) CancelLimitOrder(w http.ResponseWriter, r *http.Request) {
	lo, err := h.conv.CancelLimitOrder(r.Context(), middleware.UserID(r.Context()), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel limit order", err)
		return
	}
	writeJSON(w, http.StatusOK, lo)
}

type setRateRequest struct {
	Price decimal.Decimal `json:"price"`
}

// SetRate publishes a new reference price from the price feed.
// PUT /api/admin/rate
func (h *ConversionHandler) SetRate(w http.ResponseWriter, r *http.Request) {
	var req setRateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	rate, err := h.conv.SetRate(r.Context(), req.Price, operator(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "set rate", err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}
