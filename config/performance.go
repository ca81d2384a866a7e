package config

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const slowRequest = 200 * time.Millisecond

func PerformanceLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		var ev *zerolog.Event
		if latency > slowRequest {
			ev = log.Warn().Bool("slow", true)
		} else {
			ev = log.Info()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", latency).
			Msg("request")
	}
}
