// Package ratelimit throttles chat sends with Redis-backed counters.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Strategy decides whether one more hit under key fits in limit per window.
type Strategy interface {
	Allow(ctx context.Context, rdb redis.Scripter, key string, limit int, window time.Duration) (bool, error)
}

// fixedWindowScript increments the counter and starts the window on the first hit.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`)

// FixedWindowStrategy counts hits per key in windows aligned to the first hit.
type FixedWindowStrategy struct{}

func (FixedWindowStrategy) Allow(ctx context.Context, rdb redis.Scripter, key string, limit int, window time.Duration) (bool, error) {
	seconds := int(window.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	result, err := fixedWindowScript.Run(ctx, rdb, []string{key}, limit, seconds).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// Limiter applies a strategy to a fixed budget. It fails open: when Redis
// cannot answer, the hit is allowed and a warning is logged.
type Limiter struct {
	rdb      redis.Scripter
	strategy Strategy
	prefix   string
	limit    int
	window   time.Duration
	logger   *zap.Logger
}

// Options configures a Limiter.
type Options struct {
	Prefix string
	Limit  int
	Window time.Duration
}

// New builds a limiter. A nil client or non-positive limit yields a limiter
// that allows everything.
func New(rdb redis.Scripter, strategy Strategy, opts Options, logger *zap.Logger) *Limiter {
	if strategy == nil {
		strategy = FixedWindowStrategy{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Prefix == "" {
		opts.Prefix = "ratelimit"
	}
	return &Limiter{
		rdb:      rdb,
		strategy: strategy,
		prefix:   opts.Prefix,
		limit:    opts.Limit,
		window:   opts.Window,
		logger:   logger,
	}
}

// Allow records a hit for subject and reports whether it is within budget.
func (l *Limiter) Allow(ctx context.Context, subject string) bool {
	if l == nil || l.rdb == nil || l.limit <= 0 {
		return true
	}
	key := fmt.Sprintf("%s:%s", l.prefix, subject)
	ok, err := l.strategy.Allow(ctx, l.rdb, key, l.limit, l.window)
	if err != nil {
		l.logger.Warn("rate limiter unavailable; allowing request", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}
