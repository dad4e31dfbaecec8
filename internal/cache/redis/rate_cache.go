package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolbet/internal/domain"
)

// rateKey holds the COIN/FIAT reference rate as a hash with fields "price"
// (decimal string), "ts" (unix nanoseconds) and "pegged" ("true" or "false").
const rateKey = "rate:COIN/FIAT"

// RateCache implements domain.RateStore on a Redis hash, so every replica
// converts at the same published price.
type RateCache struct {
	c *Client
}

// NewRateCache creates a RateCache backed by the given Client.
func NewRateCache(c *Client) *RateCache {
	return &RateCache{c: c}
}

// SetRate publishes a new reference rate.
func (rc *RateCache) SetRate(ctx context.Context, r domain.Rate) error {
	fields := map[string]any{
		"price":  r.Price.String(),
		"ts":     strconv.FormatInt(r.UpdatedAt.UnixNano(), 10),
		"pegged": strconv.FormatBool(r.Pegged),
	}
	if err := rc.c.rdb.HSet(ctx, rc.c.Key(rateKey), fields).Err(); err != nil {
		return fmt.Errorf("redis: set rate: %w", err)
	}
	return nil
}

// CurrentRate returns the published rate, or domain.ErrNotFound when none
// has been set.
func (rc *RateCache) CurrentRate(ctx context.Context) (domain.Rate, error) {
	vals, err := rc.c.rdb.HGetAll(ctx, rc.c.Key(rateKey)).Result()
	if err != nil {
		return domain.Rate{}, fmt.Errorf("redis: get rate: %w", err)
	}

	priceStr, ok := vals["price"]
	if !ok {
		return domain.Rate{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return domain.Rate{}, fmt.Errorf("redis: parse rate price %q: %w", priceStr, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return domain.Rate{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.Rate{}, fmt.Errorf("redis: parse rate ts %q: %w", tsStr, err)
	}

	pegged, _ := strconv.ParseBool(vals["pegged"])

	return domain.Rate{Price: price, UpdatedAt: time.Unix(0, tsNano).UTC(), Pegged: pegged}, nil
}

var _ domain.RateStore = (*RateCache)(nil)
