package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolbet/internal/domain"
)

// newTestClient connects to POOLBET_TEST_REDIS_ADDR under a random key
// prefix, or skips.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("POOLBET_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POOLBET_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), ClientConfig{Addr: addr, KeyPrefix: "test:" + uuid.NewString() + ":"})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestLockManager(t *testing.T) {
	c := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "settle:m1", 5*time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "settle:m1", 5*time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock2, err := lm.Acquire(ctx, "settle:m1", 5*time.Second)
	require.NoError(t, err)
	unlock2()
}

func TestRateLimiter(t *testing.T) {
	c := newTestClient(t)
	rl := NewRateLimiter(c, 1, time.Second)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "alice", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "alice", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRateCache(t *testing.T) {
	c := newTestClient(t)
	rc := NewRateCache(c)
	ctx := context.Background()

	_, err := rc.CurrentRate(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	now := time.Now().UTC()
	require.NoError(t, rc.SetRate(ctx, domain.Rate{Price: decimal.RequireFromString("1.2345"), UpdatedAt: now}))
	r, err := rc.CurrentRate(ctx)
	require.NoError(t, err)
	assert.True(t, r.Price.Equal(decimal.RequireFromString("1.2345")))
	assert.True(t, r.UpdatedAt.Equal(now))
	assert.False(t, r.Pegged)

	require.NoError(t, rc.SetRate(ctx, domain.Rate{Price: decimal.NewFromInt(1), UpdatedAt: now, Pegged: true}))
	r, err = rc.CurrentRate(ctx)
	require.NoError(t, err)
	assert.True(t, r.Pegged)
}

func TestSignalBusStream(t *testing.T) {
	c := newTestClient(t)
	sb := NewSignalBus(c)
	ctx := context.Background()

	require.NoError(t, sb.StreamAppend(ctx, domain.StreamLedger, []byte(`{"id":"t1"}`)))
	msgs, err := sb.StreamRead(ctx, domain.StreamLedger, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"id":"t1"}`, string(msgs[0].Payload))
}
