package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/poolbet/internal/domain"
	"github.com/alanyoungcy/poolbet/internal/server/middleware"
)

const maxBodyBytes = 1 << 20

// errorBody is every error response. Code is a stable reason code.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	// Quote is the fresh cashout quote on a quote_drift rejection.
	Quote *domain.CashoutQuote `json:"quote,omitempty"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal error","code":"internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusBadRequest, "bad_request", msg)
}

// StatusFor maps a service error to its HTTP status.
func StatusFor(err error) int {
	switch domain.ReasonCode(err) {
	case "not_found":
		return http.StatusNotFound
	case "not_owner":
		return http.StatusForbidden
	case "invalid_quantity", "invalid_amount", "invalid_option", "invalid_market",
		"invalid_outcome", "invalid_side", "invalid_limit_price", "invalid_expiry":
		return http.StatusBadRequest
	case "insufficient_balance", "market_not_open", "order_not_active", "limit_would_execute":
		return http.StatusUnprocessableEntity
	case "quote_drift", "non_positive_cashout", "market_already_settled", "market_not_closed", "lock_held":
		return http.StatusConflict
	case "stale_rate", "conflict":
		return http.StatusServiceUnavailable
	case "rate_limited":
		return http.StatusTooManyRequests
	case "unauthorized":
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError renders err with its reason code. Internal errors are
// logged and replaced by a generic message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	code := domain.ReasonCode(err)
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
			slog.String("user_id", middleware.UserID(r.Context())),
		)
		writeError(w, status, code, "internal error")
		return
	}

	body := errorBody{Error: publicMessage(err), Code: code}
	var drift *domain.QuoteDriftError
	if errors.As(err, &drift) {
		q := drift.Fresh
		body.Quote = &q
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, body)
}

// publicMessage strips the layer prefixes from a wrapped error, leaving the
// innermost description.
func publicMessage(err error) string {
	msg := err.Error()
	for _, layer := range []string{"_service: ", "sqlite: ", "postgres: ", "engine: "} {
		for {
			i := strings.Index(msg, layer)
			if i < 0 {
				break
			}
			msg = msg[i+len(layer):]
		}
	}
	return msg
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty request body")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter using Go 1.22+ routing.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// operator names who performed an admin call, for the audit log.
func operator(r *http.Request) string {
	if op := strings.TrimSpace(r.Header.Get("X-Operator")); op != "" {
		return op
	}
	return "admin"
}

// listResponse wraps a page of items.
type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func page[T any](items []T, opts domain.ListOpts) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Limit: opts.Limit, Offset: opts.Offset}
}
