package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/krisnaDGC/postmangovsg/internal/common/config"
	"github.com/krisnaDGC/postmangovsg/internal/common/errors"
	"github.com/krisnaDGC/postmangovsg/internal/common/logger"
	"github.com/krisnaDGC/postmangovsg/internal/models"
)

const minRateWait = 10 * time.Millisecond

// RateLimiter caps provider sends per second per channel. With the redis
// store the cap is shared by every worker process.
type RateLimiter struct {
	limiters map[models.ChannelType]*limiter.Limiter
}

// NewRateLimiter builds per-channel limiters. A redis store that cannot be
// created falls back to an in-process store.
func NewRateLimiter(cfg config.RateLimitConfig, rdb redis.UniversalClient, log logger.Logger) *RateLimiter {
	opts := limiter.StoreOptions{Prefix: "pipeline:ratelimit"}

	var store limiter.Store
	switch cfg.Storage {
	case "redis":
		s, err := sredis.NewStoreWithOptions(rdb, opts)
		if err != nil {
			log.Warn("failed to create redis store for rate limiting, falling back to memory", map[string]interface{}{"error": err})
			store = memory.NewStoreWithOptions(opts)
		} else {
			store = s
		}
	default:
		store = memory.NewStoreWithOptions(opts)
	}

	return NewRateLimiterWithStore(store, map[models.ChannelType]int64{
		models.ChannelEmail: cfg.EmailRate,
		models.ChannelSMS:   cfg.SMSRate,
	})
}

// NewRateLimiterWithStore skips channels whose rate is not positive.
func NewRateLimiterWithStore(store limiter.Store, perSecond map[models.ChannelType]int64) *RateLimiter {
	rl := &RateLimiter{limiters: make(map[models.ChannelType]*limiter.Limiter)}
	for channel, rate := range perSecond {
		if rate <= 0 {
			continue
		}
		rl.limiters[channel] = limiter.New(store, limiter.Rate{Period: time.Second, Limit: rate})
	}
	return rl
}

// Wait blocks until channel has capacity. A context that ends first yields a
// retryable RATE_LIMITED error.
func (r *RateLimiter) Wait(ctx context.Context, channel models.ChannelType) error {
	l, ok := r.limiters[channel]
	if !ok {
		return nil
	}
	key := string(channel)

	for {
		lctx, err := l.Get(ctx, key)
		if err != nil {
			return errors.NewRetryableProviderError("ratelimit", string(errors.ErrCodeRateLimited), fmt.Errorf("rate limit store: %w", err))
		}
		if !lctx.Reached {
			return nil
		}

		wait := time.Until(time.Unix(lctx.Reset, 0))
		if wait < minRateWait {
			wait = minRateWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.NewRetryableProviderError("ratelimit", string(errors.ErrCodeRateLimited), ctx.Err())
		case <-timer.C:
		}
	}
}
