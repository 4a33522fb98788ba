package server

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/subreconcile/internal/observability/logger"
	"go.uber.org/zap"
)

const rateLimitReasonUserRate = "user-rate"

func (s *Server) UserRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.userLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		userID := userIDFromContext(c)
		endpoint := normalizeRateLimitEndpoint(c)

		result, err := s.userLimiter.AllowUser(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("user rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			denyUserRateLimit(ctx, c, endpoint, retryAfterSeconds(result.RetryAfter.Seconds()))
			return
		}
		c.Next()
	}
}

func denyUserRateLimit(ctx context.Context, c *gin.Context, endpoint string, retryAfter int) {
	logger.FromContext(ctx).Warn("user rate limit exceeded",
		zap.String("reason", rateLimitReasonUserRate),
		zap.String("endpoint", endpoint),
	)
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header("X-Rate-Limited-Reason", rateLimitReasonUserRate)
	AbortWithError(c, ErrRateLimited)
}

func retryAfterSeconds(seconds float64) int {
	if seconds < 1 {
		return 1
	}
	return int(seconds + 0.5)
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
