// Package memory provides in-process implementations of the cache
// interfaces for single-node deployments and tests, used when Redis is
// disabled.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/poolbet/internal/domain"
)

// LockManager implements domain.LockManager with TTL-bounded in-process locks.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]heldLock
	now   func() time.Time
}

type heldLock struct {
	token   string
	expires time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]heldLock), now: time.Now}
}

// Acquire takes the lock for key. An expired lock is treated as free.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	if held, ok := lm.locks[key]; ok && now.Before(held.expires) {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}

	token := uuid.NewString()
	lm.locks[key] = heldLock{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if held, ok := lm.locks[key]; ok && held.token == token {
				delete(lm.locks, key)
			}
		})
	}, nil
}

// RateLimiter implements domain.RateLimiter with one token bucket per key.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*keyLimiter
	waitRate  rate.Limit
	waitBurst int
}

type keyLimiter struct {
	limit  int
	window time.Duration
	l      *rate.Limiter
}

// NewRateLimiter creates a RateLimiter. Wait applies waitLimit requests per
// waitWindow.
func NewRateLimiter(waitLimit int, waitWindow time.Duration) *RateLimiter {
	if waitLimit <= 0 {
		waitLimit = 1
	}
	if waitWindow <= 0 {
		waitWindow = time.Second
	}
	return &RateLimiter{
		limiters:  make(map[string]*keyLimiter),
		waitRate:  rate.Every(waitWindow / time.Duration(waitLimit)),
		waitBurst: waitLimit,
	}
}

func (rl *RateLimiter) limiter(key string, limit int, window time.Duration) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	kl, ok := rl.limiters[key]
	if !ok || kl.limit != limit || kl.window != window {
		kl = &keyLimiter{
			limit:  limit,
			window: window,
			l:      rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
		}
		rl.limiters[key] = kl
	}
	return kl.l
}

// Allow reports whether one more request for key fits limit per window.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 || window <= 0 {
		return false, fmt.Errorf("memory: rate limit %s: non-positive limit or window", key)
	}
	return rl.limiter(key, limit, window).Allow(), nil
}

// Wait blocks until key is allowed under the default limit.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	rl.mu.Lock()
	kl, ok := rl.limiters["wait:"+key]
	if !ok {
		kl = &keyLimiter{l: rate.NewLimiter(rl.waitRate, rl.waitBurst)}
		rl.limiters["wait:"+key] = kl
	}
	rl.mu.Unlock()

	if err := kl.l.Wait(ctx); err != nil {
		return fmt.Errorf("memory: rate limit wait %s: %w", key, err)
	}
	return nil
}

// RateStore implements domain.RateStore in memory.
type RateStore struct {
	mu   sync.RWMutex
	rate *domain.Rate
}

// NewRateStore creates a RateStore, optionally seeded with a pegged price
// that holds until a feed publishes one. A zero seed leaves the store empty.
func NewRateStore(seed decimal.Decimal, at time.Time) *RateStore {
	rs := &RateStore{}
	if seed.IsPositive() {
		rs.rate = &domain.Rate{Price: seed, UpdatedAt: at, Pegged: true}
	}
	return rs
}

// SetRate replaces the current rate.
func (rs *RateStore) SetRate(_ context.Context, r domain.Rate) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rate = &r
	return nil
}

// CurrentRate returns the current rate or domain.ErrNotFound.
func (rs *RateStore) CurrentRate(context.Context) (domain.Rate, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if rs.rate == nil {
		return domain.Rate{}, domain.ErrNotFound
	}
	return *rs.rate, nil
}

// matchChannel reports whether channel matches a subscription pattern. Only a
// trailing "*" is treated as a wildcard.
func matchChannel(pattern, channel string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(channel, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == channel
}

var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
	_ domain.RateStore   = (*RateStore)(nil)
)
