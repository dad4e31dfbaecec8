package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
	"github.com/alanyoungcy/poolbet/internal/server/middleware"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	PlaceOrder(ctx context.Context, userID, marketID string, option int, quantity money.Amount) (domain.Order, error)
	CancelOrder(ctx context.Context, userID, orderID string) (domain.Order, error)
	GetOrder(ctx context.Context, userID, orderID string) (domain.Order, error)
	ListOrdersByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error)
}

// CashoutService quotes and executes early exits.
type CashoutService interface {
	GetQuote(ctx context.Context, userID, orderID string) (domain.CashoutQuote, error)
	ConfirmCashout(ctx context.Context, userID, orderID string, quotedNet money.Amount) (domain.CashoutQuote, error)
}

// OrderHandler serves the stake and cashout endpoints. Every route runs
// behind middleware.RequireUser.
type OrderHandler struct {
	orders  OrderService
	cashout CashoutService
	logger  *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders OrderService, cashout CashoutService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders:  orders,
		cashout: cashout,
		logger:  logger,
	}
}

type placeOrderRequest struct {
	MarketID string       `json:"market_id"`
	Option   *int         `json:"option"`
	Quantity money.Amount `json:"quantity"`
}

// PlaceOrder stakes coin on a market option.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.MarketID == "" || req.Option == nil {
		badRequest(w, "market_id and option are required")
		return
	}

	o, err := h.orders.PlaceOrder(r.Context(), middleware.UserID(r.Context()), req.MarketID, *req.Option, req.Quantity)
	if err != nil {
		writeServiceError(w, r, h.logger, "place order", err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListOrders pages the caller's orders, optionally for one market.
// GET /api/orders?market_id=...&limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	orders, err := h.orders.ListOrdersByUser(r.Context(), middleware.UserID(r.Context()), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list orders", err)
		return
	}
	if marketID := r.URL.Query().Get("market_id"); marketID != "" {
		kept := orders[:0]
		for _, o := range orders {
			if o.MarketID == marketID {
				kept = append(kept, o)
			}
		}
		orders = kept
	}
	writeJSON(w, http.StatusOK, page(orders, opts))
}

// GetOrder returns one of the caller's orders.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetOrder(r.Context(), middleware.UserID(r.Context()), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder withdraws an active stake less the cancellation fee.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.CancelOrder(r.Context(), middleware.UserID(r.Context()), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel order", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetCashoutQuote prices cashing out an order now.
// GET /api/orders/{id}/cashout
func (h *OrderHandler) GetCashoutQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.cashout.GetQuote(r.Context(), middleware.UserID(r.Context()), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "cashout quote", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type confirmCashoutRequest struct {
	QuotedNet money.Amount `json:"quoted_net"`
}

// ConfirmCashout executes a quoted cashout. A drifted quote is rejected with
// 409 and the fresh quote in the body.
// POST /api/orders/{id}/cashout
func (h *OrderHandler) ConfirmCashout(w http.ResponseWriter, r *http.Request) {
	var req confirmCashoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	q, err := h.cashout.ConfirmCashout(r.Context(), middleware.UserID(r.Context()), pathParam(r, "id"), req.QuotedNet)
	if err != nil {
		writeServiceError(w, r, h.logger, "confirm cashout", err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}
