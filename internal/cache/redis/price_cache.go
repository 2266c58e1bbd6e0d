// Package redis implements the price cache on go-redis/v9. Cached quotes
// are the only hot shared state; everything durable lives in Postgres.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avolkov/exitpilot/internal/domain"
)

// Config holds connection parameters for the cache.
type Config struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool
}

// priceTTL bounds how stale a cached price may get. A price that outlives
// the TTL is gone, which forces consumers back to the gateway rather than
// trading on an old quote.
const priceTTL = 2 * time.Minute

// PriceCache implements domain.PriceCache using Redis hashes. Each symbol's
// last price is stored at key "price:{symbol}" with fields "price" and "ts"
// (Unix millisecond timestamp). The cache owns its connection pool; Close
// releases it.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache dials Redis, verifies connectivity with a ping, and
// returns the cache.
func NewPriceCache(ctx context.Context, cfg Config) (*PriceCache, error) {
	opts := &redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return &PriceCache{rdb: rdb}, nil
}

// Close releases the connection pool.
func (pc *PriceCache) Close() error {
	return pc.rdb.Close()
}

func priceKey(symbol string) string {
	return "price:" + symbol
}

// SetPrice stores the latest observed price for a symbol.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	key := priceKey(symbol)
	fields := map[string]any{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixMilli(), 10),
	}

	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, priceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice retrieves the last cached price for a symbol. It returns
// domain.ErrNotFound when nothing is cached or the entry has expired.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(symbol)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	price, err := strconv.ParseFloat(vals["price"], 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}
	tsMilli, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price ts %s: %w", symbol, err)
	}

	return price, time.UnixMilli(tsMilli), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
