package session

import (
	"context"
	"fmt"
	"time"

	"runbox/internal/common/cache"
	appErr "runbox/pkg/errors"

	"golang.org/x/time/rate"
)

// RunLimiter decides whether a client may start another run.
type RunLimiter interface {
	Allow(ctx context.Context, key string) error
}

// RateLimitConfig configures the shared per-client limit.
type RateLimitConfig struct {
	Enabled      bool          `yaml:"enabled"`
	KeyPrefix    string        `yaml:"keyPrefix"`
	MaxRuns      int           `yaml:"maxRuns"`
	Window       time.Duration `yaml:"window"`
	RedisTimeout time.Duration `yaml:"redisTimeout"`
}

// RedisLimiter enforces a fixed-window run count per client in Redis, so the
// limit holds across sessions and server instances.
type RedisLimiter struct {
	cache        cache.BasicOps
	prefix       string
	max          int
	window       time.Duration
	redisTimeout time.Duration
}

func NewRedisLimiter(c cache.BasicOps, cfg RateLimitConfig) *RedisLimiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "runbox:rl:"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.RedisTimeout <= 0 {
		cfg.RedisTimeout = 200 * time.Millisecond
	}
	return &RedisLimiter{
		cache:        c,
		prefix:       cfg.KeyPrefix,
		max:          cfg.MaxRuns,
		window:       cfg.Window,
		redisTimeout: cfg.RedisTimeout,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) error {
	if l.cache == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("rate limit cache is unavailable")
	}
	if l.max <= 0 {
		return nil
	}
	ctxCache, cancel := context.WithTimeout(ctx, l.redisTimeout)
	defer cancel()

	k := l.prefix + key
	acquired, err := l.cache.SetNX(ctxCache, k, 1, l.window)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	var count int64
	if acquired {
		count = 1
	} else {
		count, err = l.cache.Incr(ctxCache, k)
		if err != nil {
			return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
		}
		ttl, ttlErr := l.cache.TTL(ctxCache, k)
		if ttlErr == nil && ttl <= 0 {
			_ = l.cache.Expire(ctxCache, k, l.window)
		}
	}
	if int(count) > l.max {
		return appErr.New(appErr.TooManyRequests).WithMessage(fmt.Sprintf("Run limit of %d per %s exceeded", l.max, l.window))
	}
	return nil
}

// newSessionLimiter returns a token bucket allowing perMinute runs with a
// burst of the same size, or nil when perMinute is not positive.
func newSessionLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
}
