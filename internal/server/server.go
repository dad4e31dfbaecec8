package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/server/handler"
	"github.com/alanyoungcy/poolbet/internal/server/middleware"
	"github.com/alanyoungcy/poolbet/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// AdminAPIKey guards /api/admin; empty disables the admin API.
	AdminAPIKey string
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health         *handler.HealthHandler
	Status         *handler.StatusHandler
	Markets        *handler.MarketHandler
	Orders         *handler.OrderHandler
	Balances       *handler.BalanceHandler
	Conversions    *handler.ConversionHandler
	Reconciliation *handler.ReconciliationHandler
	Audit          *handler.AuditHandler
}

// Server is the HTTP + WebSocket API of the ledger.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps them in the middleware chain.
// limiter may be nil to disable request rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, wsHub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed handler without a listener.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	user := func(fn http.HandlerFunc) http.Handler { return middleware.RequireUser(fn) }
	admin := middleware.Auth(cfg.AdminAPIKey)
	adm := func(fn http.HandlerFunc) http.Handler { return admin(fn) }

	// Public.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/pool", handlers.Markets.GetPool)

	// Users.
	mux.Handle("POST /api/orders", user(handlers.Orders.PlaceOrder))
	mux.Handle("GET /api/orders", user(handlers.Orders.ListOrders))
	mux.Handle("GET /api/orders/{id}", user(handlers.Orders.GetOrder))
	mux.Handle("DELETE /api/orders/{id}", user(handlers.Orders.CancelOrder))
	mux.Handle("GET /api/orders/{id}/cashout", user(handlers.Orders.GetCashoutQuote))
	mux.Handle("POST /api/orders/{id}/cashout", user(handlers.Orders.ConfirmCashout))
	mux.Handle("GET /api/balance", user(handlers.Balances.GetBalance))
	mux.Handle("GET /api/transactions", user(handlers.Balances.ListTransactions))
	mux.Handle("GET /api/convert/quote", user(handlers.Conversions.Quote))
	mux.Handle("POST /api/convert", user(handlers.Conversions.Convert))
	mux.Handle("GET /api/exchange-orders", user(handlers.Conversions.ListExchangeOrders))
	mux.Handle("POST /api/limit-orders/preview", user(handlers.Conversions.PreviewLimitOrder))
	mux.Handle("POST /api/limit-orders", user(handlers.Conversions.CreateLimitOrder))
	mux.Handle("GET /api/limit-orders", user(handlers.Conversions.ListLimitOrders))
	mux.Handle("DELETE /api/limit-orders/{id}", user(handlers.Conversions.CancelLimitOrder))

	// Operators.
	mux.Handle("POST /api/admin/markets", adm(handlers.Markets.CreateMarket))
	mux.Handle("POST /api/admin/markets/{id}/close", adm(handlers.Markets.CloseMarket))
	mux.Handle("POST /api/admin/markets/{id}/settle", adm(handlers.Markets.SettleMarket))
	mux.Handle("POST /api/admin/reconciliation/run", adm(handlers.Reconciliation.Run))
	mux.Handle("GET /api/admin/reconciliation/reports", adm(handlers.Reconciliation.ListReports))
	mux.Handle("GET /api/admin/reconciliation/reports/{id}", adm(handlers.Reconciliation.GetReport))
	mux.Handle("POST /api/admin/balances/{user}/deposit", adm(handlers.Balances.Deposit))
	mux.Handle("POST /api/admin/balances/{user}/withdraw", adm(handlers.Balances.Withdraw))
	mux.Handle("POST /api/admin/balances/{user}/resync", adm(handlers.Balances.Resync))
	mux.Handle("PUT /api/admin/rate", adm(handlers.Conversions.SetRate))
	mux.Handle("GET /api/admin/audit", adm(handlers.Audit.List))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
