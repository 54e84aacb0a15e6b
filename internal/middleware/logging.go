package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger logs one line per request. Server errors log at warn level.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		}
		if uid, ok := UserIDFromContext(c); ok {
			fields = append(fields, zap.String("user_id", uid))
		}
		if status >= 500 {
			logger.Warn("http_request", fields...)
			return
		}
		logger.Debug("http_request", fields...)
	}
}
