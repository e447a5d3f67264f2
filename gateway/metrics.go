package gateway

import "github.com/remiges-tech/batchgate/metrics"

// Metric names exposed at /metrics.
const (
	MetricRequestsReceived  = "batchgate_requests_received_total"
	MetricBatchesDispatched = "batchgate_batches_dispatched_total"
	MetricDispatchErrors    = "batchgate_dispatch_errors_total"
	MetricPollTicks         = "batchgate_poll_ticks_total"
	MetricRequestsCompleted = "batchgate_requests_completed_total"
	MetricRequestsFailed    = "batchgate_requests_failed_total"
	MetricProcessingBatches = "batchgate_processing_batches"
)

// Outcome label values for MetricRequestsReceived.
const (
	OutcomeCreated  = "created"
	OutcomeWaiting  = "waiting"
	OutcomeCached   = "cached"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// RegisterMetrics registers the gateway's metrics on m. Call once at
// startup before any worker or handler runs.
func RegisterMetrics(m metrics.Metrics) {
	m.RegisterWithLabels(MetricRequestsReceived, "Counter",
		"Chat completion submissions received, by outcome", []string{"outcome"})
	m.Register(MetricBatchesDispatched, "Counter", "Batches submitted upstream")
	m.Register(MetricDispatchErrors, "Counter", "Failed dispatch passes and submissions")
	m.Register(MetricPollTicks, "Counter", "Upstream batch status polls")
	m.Register(MetricRequestsCompleted, "Counter", "Requests finished with a result")
	m.Register(MetricRequestsFailed, "Counter", "Requests finished with an error")
	m.Register(MetricProcessingBatches, "Gauge", "Batches currently being polled")
}

// nopMetrics keeps worker and handler code free of nil checks when no
// metrics backend is wired, as in some tests.
type nopMetrics struct{}

func (nopMetrics) Register(name, metricType, help string)                          {}
func (nopMetrics) Record(name string, value float64)                               {}
func (nopMetrics) RegisterWithLabels(name, metricType, help string, labels []string) {}
func (nopMetrics) RecordWithLabels(name string, value float64, labelValues ...string) {}

// orNopMetrics returns m, or a no-op recorder when m is nil.
func orNopMetrics(m metrics.Metrics) metrics.Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
