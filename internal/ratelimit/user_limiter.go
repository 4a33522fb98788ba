package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/subreconcile/internal/config"
)

const keyUserAPI = "subreconcile:ratelimit:user:%s"

// UserLimiter applies a token bucket per user to the subscription API.
type UserLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

// NewUserLimiter returns nil when rate limiting is disabled.
func NewUserLimiter(cfg config.Config, client *redis.Client) (*UserLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("rate limit requires redis")
	}
	if limitCfg.UserRate <= 0 || limitCfg.UserBurst <= 0 {
		return nil, errors.New("user rate limit must be positive")
	}
	return &UserLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.UserRate,
		burst:  limitCfg.UserBurst,
	}, nil
}

func (l *UserLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UserLimiter) AllowUser(ctx context.Context, userID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUserAPI, strings.TrimSpace(userID)), l.rate, l.burst)
}
