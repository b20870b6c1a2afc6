package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conpanion/conpanion/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds.
//
// The path label is the matched route template (c.FullPath()), e.g.
// /api/v1/projects/:id/tasks, so IDs never become label values. Unmatched requests
// are recorded under "<no-route>".
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
