package router

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/remiges-tech/batchgate/metrics"
)

// MetricHTTPDuration is the histogram recording request latency per route.
const MetricHTTPDuration = "batchgate_http_request_duration_seconds"

// DurationBuckets covers both instant responses and callers parked for a
// full batch window. The default Prometheus buckets top out at 10s, which
// would fold every waiting caller into the overflow bucket.
var DurationBuckets = []float64{
	0.005, 0.05, 0.5, 1, 5, 30, 60, 300, 900, 1800, 3600, 14400, 43200, 86400,
}

// RegisterRequestMetrics registers the request duration histogram. Call it
// once at startup, after installing the custom buckets:
//
//	pm.SetCustomBuckets(router.MetricHTTPDuration, router.DurationBuckets)
//	router.RegisterRequestMetrics(pm)
func RegisterRequestMetrics(m metrics.Metrics) {
	m.RegisterWithLabels(MetricHTTPDuration, "Histogram",
		"HTTP request duration in seconds", []string{"method", "path", "status"})
}

// RecordRequestMetrics returns a middleware that observes the duration of
// each request, labelled by method, route template and response status.
func RecordRequestMetrics(m metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		// FullPath gives the route template, keeping label cardinality
		// bounded regardless of what callers put in the URL.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordWithLabels(MetricHTTPDuration, time.Since(startTime).Seconds(),
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()))
	}
}
