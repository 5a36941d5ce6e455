package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

// HTTPMetrics records request counts and latency.
type HTTPMetrics interface {
	RecordHTTPRequest(method, path string, status int, duration time.Duration)
	IncInFlight()
	DecInFlight()
}

// Metrics returns a middleware that records HTTP metrics by route template.
func Metrics(m HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		m.IncInFlight()
		defer m.DecInFlight()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
