// This file implements the request logging middleware. It captures the
// details of each HTTP request and response pair and writes a single
// structured entry at the end of the request lifecycle using the Remiges
// LogHarbour library.
//
// The middleware is decoupled from the logging backend through the
// RequestLogger interface; LogHarbourAdapter is the provided
// implementation. To use it:
//
//	logger := logharbour.NewLogger(...)
//	engine.Use(router.LogRequest(router.NewLogHarbourAdapter(logger)))
//
// Requests on this gateway can stay open for many minutes while a batch
// is in flight, so the entry also records whether the client disconnected
// before the response was written, and carries the caller's idempotency
// key so an entry can be tied back to a queued request.
package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/remiges-tech/logharbour/logharbour"
)

// RequestInfo contains all the information about a request to be logged
type RequestInfo struct {
	Method             string        `json:"method"`                        // HTTP method (e.g., "GET", "POST")
	Path               string        `json:"path"`                          // Request path (e.g., "/v1/chat/completions")
	ClientIP           string        `json:"client_ip"`                     // Client's IP address
	StatusCode         int           `json:"status_code"`                   // HTTP status code of the response
	StartTime          time.Time     `json:"start_time"`                    // Time when request processing started (UTC)
	Duration           time.Duration `json:"duration"`                      // Total duration of request processing
	RequestSize        int64         `json:"request_size"`                  // Size of the request body in bytes
	ResponseSize       int64         `json:"response_size"`                 // Size of the response body in bytes
	Query              string        `json:"query,omitempty"`               // Raw query string
	UserAgent          string        `json:"user_agent,omitempty"`          // User-Agent header from the request
	TraceID            string        `json:"trace_id,omitempty"`            // Trace ID for distributed tracing
	SpanID             string        `json:"span_id,omitempty"`             // Span ID for distributed tracing
	IdempotencyKey     string        `json:"idempotency_key,omitempty"`     // Caller-supplied request identity
	ClientDisconnected bool          `json:"client_disconnected,omitempty"` // True if client closed connection
}

// RequestLogger defines the interface that a logger must implement to be used with LogRequest middleware
type RequestLogger interface {
	Log(info RequestInfo)
}

// LogRequest returns a Gin middleware that logs details about a request at
// the end of the request lifecycle.
func LogRequest(logger RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Record start time
		startTime := time.Now()

		// Store the content length before processing
		requestSize := c.Request.ContentLength

		// Get trace and span IDs if available
		traceID := c.GetHeader("X-Trace-ID")
		spanID := c.GetHeader("X-Span-ID")
		idempotencyKey := c.GetHeader("idempotency-key")

		// Process request
		c.Next()

		// Calculate duration
		duration := time.Since(startTime)

		info := RequestInfo{
			Method:         c.Request.Method,
			Path:           c.Request.URL.Path,
			ClientIP:       c.ClientIP(),
			StatusCode:     c.Writer.Status(),
			StartTime:      startTime.UTC(), // Convert to UTC
			Duration:       duration,
			RequestSize:    requestSize,
			ResponseSize:   int64(c.Writer.Size()),
			Query:          c.Request.URL.RawQuery,
			UserAgent:      c.Request.UserAgent(),
			TraceID:        traceID,
			SpanID:         spanID,
			IdempotencyKey: idempotencyKey,
			// A context error after Next means the client left before the
			// response was written.
			ClientDisconnected: c.Request.Context().Err() != nil,
		}

		// Log request details using the provided logger
		logger.Log(info)
	}
}

// LogHarbourAdapter adapts a LogHarbour logger to implement the RequestLogger interface
type LogHarbourAdapter struct {
	logger *logharbour.Logger
}

// NewLogHarbourAdapter creates a new adapter for a LogHarbour logger
func NewLogHarbourAdapter(logger *logharbour.Logger) *LogHarbourAdapter {
	return &LogHarbourAdapter{
		logger: logger,
	}
}

// Log implements the RequestLogger interface by using LogHarbour's structured logging
func (a *LogHarbourAdapter) Log(info RequestInfo) {
	logger := a.logger.WithModule("http").
		WithOp("request").
		WithRemoteIP(info.ClientIP).
		WithClass(info.Method).
		WithInstanceId(info.Path).
		WithStatus(getStatus(info.StatusCode))

	activityData := map[string]interface{}{
		"method":        info.Method,
		"path":          info.Path,
		"status":        info.StatusCode,
		"start_time":    info.StartTime.Format(time.RFC3339),
		"duration_ms":   info.Duration.Milliseconds(),
		"duration":      info.Duration.String(),
		"request_size":  info.RequestSize,
		"response_size": info.ResponseSize,
		"query":         info.Query,
		"user_agent":    info.UserAgent,
	}

	if info.TraceID != "" {
		activityData["trace_id"] = info.TraceID
	}
	if info.SpanID != "" {
		activityData["span_id"] = info.SpanID
	}
	if info.IdempotencyKey != "" {
		activityData["idempotency_key"] = info.IdempotencyKey
	}
	if info.ClientDisconnected {
		activityData["client_disconnected"] = true
	}

	logger.Info().LogActivity("HTTP request completed", activityData)
}

// getStatus converts an HTTP status code to a logharbour Status
func getStatus(statusCode int) logharbour.Status {
	if statusCode >= 200 && statusCode < 400 {
		return logharbour.Success
	}
	return logharbour.Failure
}
