// Package httpmw provides shared Gin middleware.
package httpmw

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/common/logger"
)

// RequestLogger logs HTTP request details after the handler completes.
// The message is "METHOD path status" so the event-stream log hook can
// filter the high-frequency list endpoints by prefix.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		msg := fmt.Sprintf("%s %s %d", c.Request.Method, path, status)
		fields := []zap.Field{
			zap.Int64("duration_ms", latency.Milliseconds()),
			zap.String("client_ip", c.ClientIP()),
		}

		switch {
		case status >= 500:
			log.Error(msg, fields...)
		case status >= 400:
			log.Warn(msg, fields...)
		default:
			log.Info(msg, fields...)
		}
	}
}
