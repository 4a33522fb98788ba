package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/subreconcile/internal/observability/context"
	"github.com/smallbiznis/subreconcile/pkg/telemetry/correlation"
)

const (
	HeaderUserID        = "X-User-Id"
	HeaderCorrelationID = "X-Correlation-Id"
	contextUserIDKey    = "user_id"
)

// CorrelationID carries an inbound correlation id, or mints one, through the request context.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := strings.TrimSpace(c.GetHeader(HeaderCorrelationID))
		if id != "" {
			ctx = correlation.ContextWithCorrelationID(ctx, id)
		} else {
			ctx, id = correlation.EnsureCorrelationID(ctx)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderCorrelationID, id)
		c.Next()
	}
}

// UserRequired trusts the user id set by the upstream gateway.
func (s *Server) UserRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextUserIDKey, userID)
		c.Request = c.Request.WithContext(obscontext.WithUserID(c.Request.Context(), userID))
		c.Next()
	}
}

func userIDFromContext(c *gin.Context) string {
	return c.GetString(contextUserIDKey)
}
