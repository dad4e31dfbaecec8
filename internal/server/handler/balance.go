package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/money"
	"github.com/alanyoungcy/poolbet/internal/server/middleware"
	"github.com/alanyoungcy/poolbet/internal/service"
)

// BalanceService reads and moves user balances.
type BalanceService interface {
	GetBalance(ctx context.Context, userID string) (domain.Balance, error)
	ListTransactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error)
	Deposit(ctx context.Context, userID string, cur money.Currency, amount money.Amount, reference, operator string) (domain.Transaction, error)
	Withdraw(ctx context.Context, userID string, cur money.Currency, amount money.Amount, reference, operator string) (domain.Transaction, error)
	Resync(ctx context.Context, userID string, cur money.Currency, reason, operator string) (service.ResyncResult, error)
}

// BalanceHandler serves balance reads for users and money movements for
// operators.
type BalanceHandler struct {
	balances BalanceService
	logger   *slog.Logger
}

// NewBalanceHandler creates a BalanceHandler.
func NewBalanceHandler(balances BalanceService, logger *slog.Logger) *BalanceHandler {
	return &BalanceHandler{balances: balances, logger: logger}
}

// GetBalance returns the caller's balance.
// GET /api/balance
func (h *BalanceHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.balances.GetBalance(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, h.logger, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ListTransactions pages the caller's ledger, newest first.
// GET /api/transactions
func (h *BalanceHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	txs, err := h.balances.ListTransactions(r.Context(), middleware.UserID(r.Context()), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, page(txs, opts))
}

type transferRequest struct {
	Currency  string       `json:"currency"`
	Amount    money.Amount `json:"amount"`
	Reference string       `json:"reference"`
}

// Deposit credits a user from the payment gateway.
// POST /api/admin/balances/{user}/deposit
func (h *BalanceHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, "deposit", h.balances.Deposit)
}

// Withdraw debits a user for a gateway payout.
// POST /api/admin/balances/{user}/withdraw
func (h *BalanceHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.transfer(w, r, "withdraw", h.balances.Withdraw)
}

type transferFunc func(ctx context.Context, userID string, cur money.Currency, amount money.Amount, reference, operator string) (domain.Transaction, error)

func (h *BalanceHandler) transfer(w http.ResponseWriter, r *http.Request, op string, fn transferFunc) {
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	cur, err := money.ParseCurrency(req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		badRequest(w, "reference is required")
		return
	}

	t, err := fn(r.Context(), pathParam(r, "user"), cur, req.Amount, req.Reference, operator(r))
	if err != nil {
		writeServiceError(w, r, h.logger, op, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type resyncRequest struct {
	Currency string `json:"currency"`
	Reason   string `json:"reason"`
}

// Resync sets a balance to its ledger sum.
// POST /api/admin/balances/{user}/resync
func (h *BalanceHandler) Resync(w http.ResponseWriter, r *http.Request) {
	var req resyncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	cur, err := money.ParseCurrency(req.Currency)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", err.Error())
		return
	}
	res, err := h.balances.Resync(r.Context(), pathParam(r, "user"), cur, req.Reason, operator(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "resync", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
