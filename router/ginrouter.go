// Package router assembles the gin engine and the middlewares shared by
// every route: panic recovery, structured request logging through
// LogHarbour, and per-request latency metrics. Bearer token extraction
// for the API surface also lives here.
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchgate/metrics"
)

// NewEngine builds the gin engine with the standard middleware chain.
// Handlers are registered on it by the caller, normally through a
// service.Service.
func NewEngine(logger *logharbour.Logger, m metrics.Metrics) *gin.Engine {
	r := gin.New()

	// Attach the recovery middleware provided by Gin.
	r.Use(gin.Recovery())

	// Log every request through LogHarbour.
	r.Use(LogRequest(NewLogHarbourAdapter(logger)))

	// Record request latency per route.
	r.Use(RecordRequestMetrics(m))

	return r
}
