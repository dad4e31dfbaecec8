package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolbet/internal/domain"
)

var errTransient = errors.New("transient")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func fastPolicy(n int) RetryPolicy {
	return RetryPolicy{MaxAttempts: n, BaseBackoff: time.Microsecond, MaxBackoff: time.Millisecond}
}

func TestRetry_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), nil, isTransient, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustionIsConflict(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(4), nil, isTransient, func() error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 4, calls)
}

func TestRetry_NonRetryablePassesThrough(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), nil, isTransient, func() error {
		calls++
		return domain.ErrInsufficientBalance
	})
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Second}, nil, isTransient, func() error {
		return errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
}
