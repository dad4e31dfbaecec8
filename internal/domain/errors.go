package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrContextDone   = errors.New("context cancelled")

	// Validation: rejected before any mutation.
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidOption       = errors.New("option out of range")
	ErrInvalidMarket       = errors.New("invalid market definition")
	ErrInvalidOutcome      = errors.New("invalid settlement outcome")
	ErrInvalidSide         = errors.New("invalid conversion side")
	ErrInvalidLimitPrice   = errors.New("invalid limit price")
	ErrInvalidExpiry       = errors.New("invalid expiry")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrMarketNotOpen       = errors.New("market is not open")
	ErrOrderNotActive      = errors.New("order is not active")
	ErrNotOwner            = errors.New("order belongs to another user")
	ErrLimitWouldExecute   = errors.New("limit price would execute immediately")

	// Staleness: the caller must re-quote.
	ErrQuoteDrift         = errors.New("quote drifted beyond tolerance")
	ErrNonPositiveCashout = errors.New("cashout net amount is not positive")
	ErrStaleRate          = errors.New("reference rate is stale")

	// Consistency: reported to operators.
	ErrMarketNotClosed      = errors.New("market is not closed")
	ErrMarketAlreadySettled = errors.New("market already settled")
	ErrLedgerInvariant      = errors.New("ledger invariant violated")

	// Concurrency: retried by the ledger, surfaced when retries run out.
	ErrConflict = errors.New("concurrent update conflict")
)

// ReasonCode maps an error to the stable code returned to API clients.
// Unknown errors map to "internal".
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidOption):
		return "invalid_option"
	case errors.Is(err, ErrInvalidMarket):
		return "invalid_market"
	case errors.Is(err, ErrInvalidOutcome):
		return "invalid_outcome"
	case errors.Is(err, ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, ErrInvalidLimitPrice):
		return "invalid_limit_price"
	case errors.Is(err, ErrInvalidExpiry):
		return "invalid_expiry"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrMarketNotOpen):
		return "market_not_open"
	case errors.Is(err, ErrOrderNotActive):
		return "order_not_active"
	case errors.Is(err, ErrNotOwner):
		return "not_owner"
	case errors.Is(err, ErrLimitWouldExecute):
		return "limit_would_execute"
	case errors.Is(err, ErrQuoteDrift):
		return "quote_drift"
	case errors.Is(err, ErrNonPositiveCashout):
		return "non_positive_cashout"
	case errors.Is(err, ErrStaleRate):
		return "stale_rate"
	case errors.Is(err, ErrMarketNotClosed):
		return "market_not_closed"
	case errors.Is(err, ErrMarketAlreadySettled):
		return "market_already_settled"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrLockHeld):
		return "lock_held"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal"
	}
}

// IsValidation reports whether err is a caller mistake that was rejected
// before anything was written.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrInvalidQuantity, ErrInvalidAmount, ErrInvalidOption, ErrInvalidMarket,
		ErrInvalidOutcome, ErrInvalidSide, ErrInvalidLimitPrice, ErrInvalidExpiry,
		ErrInsufficientBalance, ErrMarketNotOpen, ErrOrderNotActive, ErrNotOwner,
		ErrLimitWouldExecute,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
