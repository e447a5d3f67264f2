package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchgate/metrics"
	"github.com/remiges-tech/batchgate/upstream"
)

// Poller tracks one upstream batch to a terminal status and fans the
// outcome into the member request states. Transient failures never kill
// the loop; the tick cadence is the only backoff.
type Poller struct {
	states   *StateManager
	client   *upstream.Client
	metrics  metrics.Metrics
	logger   *logharbour.Logger
	batchID  string
	interval time.Duration
}

// NewPoller returns a poller for batchID ticking every interval.
func NewPoller(states *StateManager, client *upstream.Client, m metrics.Metrics, logger *logharbour.Logger, batchID string, interval time.Duration) *Poller {
	return &Poller{
		states:   states,
		client:   client,
		metrics:  orNopMetrics(m),
		logger:   logger.WithModule("poller").WithInstanceId(batchID),
		batchID:  batchID,
		interval: interval,
	}
}

// Run polls until the batch settles or ctx is cancelled. The credential is
// resolved once up front: if it has expired there will never be a way to
// poll this batch, so the poller exits immediately.
func (p *Poller) Run(ctx context.Context) {
	apiKey, err := p.states.BatchAPIKey(ctx, p.batchID)
	if err != nil {
		p.logger.Error(err).LogActivity("No credential for batch, abandoning poll", map[string]any{
			"batchId": p.batchID,
		})
		return
	}

	p.logger.Info().LogActivity("Polling batch", map[string]any{
		"batchId":      p.batchID,
		"intervalSecs": p.interval.Seconds(),
	})
	if p.poll(ctx, apiKey) {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.poll(ctx, apiKey) {
				return
			}
		}
	}
}

// poll runs one status check. It returns true when the batch has settled
// and the poller should exit, false to try again next tick.
func (p *Poller) poll(ctx context.Context, apiKey string) bool {
	p.metrics.Record(MetricPollTicks, 1)

	batch, err := p.client.GetBatchStatus(ctx, apiKey, p.batchID)
	if err != nil {
		p.logger.Warn().LogActivity("Batch status check failed, will retry", map[string]any{
			"batchId": p.batchID,
			"error":   err.Error(),
		})
		return false
	}
	p.logger.Info().LogActivity("Batch status", map[string]any{
		"batchId": p.batchID,
		"status":  batch.Status,
	})

	switch {
	case batch.IsCompleted():
		return p.settleCompleted(ctx, apiKey, batch)
	case batch.IsTerminalFailure():
		return p.settleFailed(ctx, batch.Status)
	default:
		p.advanceToProcessing(ctx)
		return false
	}
}

// advanceToProcessing restamps members still in batching once the batch is
// confirmed in flight. The batch id is preserved.
func (p *Poller) advanceToProcessing(ctx context.Context) {
	members, err := p.states.BatchMembers(ctx, p.batchID)
	if err != nil {
		p.logger.Warn().LogActivity("Cannot load batch members", map[string]any{
			"batchId": p.batchID,
			"error":   err.Error(),
		})
		return
	}
	for _, id := range members {
		state, err := p.states.Get(ctx, id)
		if err != nil {
			continue
		}
		if state.Status != StatusBatching {
			continue
		}
		if err := p.states.UpdateStatus(ctx, id, StatusProcessing, p.batchID); err != nil {
			p.logger.Warn().LogActivity("Failed to advance request to processing", map[string]any{
				"requestId": id,
				"error":     err.Error(),
			})
		}
	}
}

// settleCompleted fetches the output file and completes every request it
// names. Returns false to retry the whole step next tick when any write
// fails; completions are idempotent overwrites, so redoing them is safe. A
// completed batch without an output file has nothing to deliver: the batch
// is dropped from the processing set and its members are left to expire.
func (p *Poller) settleCompleted(ctx context.Context, apiKey string, batch *upstream.BatchResponse) bool {
	if batch.OutputFileID == "" {
		p.logger.Warn().LogActivity("Batch completed without output file", map[string]any{
			"batchId": p.batchID,
		})
		return p.untrack(ctx)
	}

	results, err := p.client.RetrieveBatchResults(ctx, apiKey, batch.OutputFileID)
	if err != nil {
		p.logger.Warn().LogActivity("Failed to retrieve batch results, will retry", map[string]any{
			"batchId": p.batchID,
			"error":   err.Error(),
		})
		return false
	}
	p.logger.Info().LogActivity("Retrieved batch results", map[string]any{
		"batchId": p.batchID,
		"results": len(results),
	})

	settled := true
	for id, result := range results {
		if err := p.states.Complete(ctx, id, &result); err != nil {
			p.logger.Warn().LogActivity("Failed to complete request, will retry", map[string]any{
				"requestId": id,
				"error":     err.Error(),
			})
			settled = false
		}
	}
	if !settled {
		return false
	}

	p.metrics.Record(MetricRequestsCompleted, float64(len(results)))
	if !p.untrack(ctx) {
		return false
	}
	p.logger.Info().LogActivity("Batch completed", map[string]any{
		"batchId": p.batchID,
		"results": len(results),
	})
	return true
}

// settleFailed fails every member with the batch's terminal status. A
// missing batch record means there is nothing left to fail; transient
// failures retry next tick.
func (p *Poller) settleFailed(ctx context.Context, status string) bool {
	p.logger.Error(errors.New("batch "+status)).LogActivity("Batch failed", map[string]any{
		"batchId": p.batchID,
		"status":  status,
	})

	members, err := p.states.BatchMembers(ctx, p.batchID)
	if errors.Is(err, ErrBatchNotFound) {
		p.logger.Warn().LogActivity("Batch record expired before failure fan-out", map[string]any{
			"batchId": p.batchID,
		})
		return p.untrack(ctx)
	}
	if err != nil {
		p.logger.Warn().LogActivity("Cannot load batch members, will retry", map[string]any{
			"batchId": p.batchID,
			"error":   err.Error(),
		})
		return false
	}

	settled := true
	for _, id := range members {
		if err := p.states.Fail(ctx, id, "Batch "+status); err != nil {
			p.logger.Warn().LogActivity("Failed to fail request, will retry", map[string]any{
				"requestId": id,
				"error":     err.Error(),
			})
			settled = false
		}
	}
	if !settled {
		return false
	}

	p.metrics.Record(MetricRequestsFailed, float64(len(members)))
	return p.untrack(ctx)
}

// untrack removes the batch from the processing set. Returns false to
// retry next tick on failure; the settle steps leading here are
// idempotent.
func (p *Poller) untrack(ctx context.Context) bool {
	if err := p.states.RemoveProcessingBatch(ctx, p.batchID); err != nil {
		p.logger.Warn().LogActivity("Failed to untrack batch, will retry", map[string]any{
			"batchId": p.batchID,
			"error":   err.Error(),
		})
		return false
	}
	return true
}
