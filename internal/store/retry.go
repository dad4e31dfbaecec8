// Package store holds helpers shared by the ledger backends.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/alanyoungcy/poolbet/internal/domain"
)

// RetryPolicy bounds how often a conflicting unit of work is re-run.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy is used when the configuration leaves fields zero.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 5,
	BaseBackoff: 10 * time.Millisecond,
	MaxBackoff:  500 * time.Millisecond,
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = DefaultRetryPolicy.BaseBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = DefaultRetryPolicy.MaxBackoff
		if p.MaxBackoff < p.BaseBackoff {
			p.MaxBackoff = p.BaseBackoff
		}
	}
	return p
}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// policy's attempts are used up. Exhaustion is reported as domain.ErrConflict
// wrapping the last error's text.
func Retry(ctx context.Context, p RetryPolicy, logger *slog.Logger, retryable func(error) bool, fn func() error) error {
	p = p.normalized()
	backoff := p.BaseBackoff

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !retryable(err) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return fmt.Errorf("%w: gave up after %d attempts: %v", domain.ErrConflict, attempt, err)
		}

		if logger != nil {
			logger.Debug("store: retrying transaction",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}

		sleep := backoff/2 + rand.N(backoff/2+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
}
