// Package metrics - Prometheus middleware for Gin
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMiddleware returns a Gin middleware that records HTTP metrics
func PrometheusMiddleware() gin.HandlerFunc {
	m := Get()

	return func(c *gin.Context) {
		// Skip metrics endpoint itself
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}

		m.HTTPRequestsTotal.WithLabelValues(
			endpoint,
			c.Request.Method,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		m.HTTPRequestDuration.WithLabelValues(endpoint, c.Request.Method).
			Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
