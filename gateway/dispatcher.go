package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchgate/metrics"
	"github.com/remiges-tech/batchgate/upstream"
)

// Dispatcher drains the queued set on a fixed window and submits one
// upstream batch per credential. A single dispatcher per process is
// enough; concurrent dispatchers are tolerated because moved requests are
// skipped by the status check.
type Dispatcher struct {
	states       *StateManager
	client       *upstream.Client
	metrics      metrics.Metrics
	logger       *logharbour.Logger
	window       time.Duration
	pollInterval time.Duration
}

// NewDispatcher returns a dispatcher ticking every window. Pollers spawned
// for dispatched batches poll at pollInterval.
func NewDispatcher(states *StateManager, client *upstream.Client, m metrics.Metrics, logger *logharbour.Logger, window, pollInterval time.Duration) *Dispatcher {
	return &Dispatcher{
		states:       states,
		client:       client,
		metrics:      orNopMetrics(m),
		logger:       logger.WithModule("dispatcher"),
		window:       window,
		pollInterval: pollInterval,
	}
}

// Run dispatches until ctx is cancelled. The first pass runs immediately so
// a restart drains the backlog without waiting a full window.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().LogActivity("Dispatcher started", map[string]any{
		"windowSecs": d.window.Seconds(),
	})
	d.runPass(ctx)

	ticker := time.NewTicker(d.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().LogActivity("Dispatcher stopped", nil)
			return
		case <-ticker.C:
			d.runPass(ctx)
		}
	}
}

func (d *Dispatcher) runPass(ctx context.Context) {
	if err := d.DispatchOnce(ctx); err != nil {
		d.metrics.Record(MetricDispatchErrors, 1)
		d.logger.Error(err).LogActivity("Dispatch pass failed", nil)
	}
}

// DispatchOnce runs one dispatch pass: read the queued set, group members
// by credential and submit one batch per group, handing each new batch to
// a poller. Upload and create failures leave their group queued for the
// next window; a store failure aborts the pass.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	ids, err := d.states.ListQueued(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		d.logger.Debug0().LogActivity("No requests queued for batching", nil)
		return nil
	}
	d.logger.Info().LogActivity("Dispatching queued requests", map[string]any{
		"queued": len(ids),
	})

	groups := make(map[string][]upstream.BatchEntry)
	for _, id := range ids {
		state, err := d.states.Get(ctx, id)
		if errors.Is(err, ErrRequestNotFound) {
			// Expired while queued; nothing left to submit.
			continue
		}
		if err != nil {
			return err
		}
		if state.Status != StatusQueued {
			// Another dispatcher already moved it.
			continue
		}
		groups[state.APIKey] = append(groups[state.APIKey], upstream.BatchEntry{
			RequestID: id,
			Request:   state.Request,
		})
	}
	if len(groups) == 0 {
		d.logger.Warn().LogActivity("No dispatchable requests in queue", nil)
		return nil
	}

	for apiKey, entries := range groups {
		if err := d.dispatchGroup(ctx, apiKey, entries); err != nil {
			return err
		}
	}

	if batches, err := d.states.ListProcessingBatches(ctx); err == nil {
		d.metrics.Record(MetricProcessingBatches, float64(len(batches)))
	}
	return nil
}

// dispatchGroup submits one credential's requests as a batch. Upstream
// failures are logged and swallowed so the group stays queued and retries
// next window; only the MoveToBatching store write returns an error, which
// aborts the pass.
func (d *Dispatcher) dispatchGroup(ctx context.Context, apiKey string, entries []upstream.BatchEntry) error {
	d.logger.Info().LogActivity("Submitting batch", map[string]any{
		"requests": len(entries),
	})

	fileID, err := d.client.UploadBatchFile(ctx, apiKey, entries)
	if err != nil {
		d.metrics.Record(MetricDispatchErrors, 1)
		d.logger.Error(err).LogActivity("Batch file upload failed (will retry next window)", map[string]any{
			"requests": len(entries),
		})
		return nil
	}

	batch, err := d.client.CreateBatch(ctx, apiKey, fileID)
	if err != nil {
		d.metrics.Record(MetricDispatchErrors, 1)
		d.logger.Error(err).LogActivity("Batch creation failed (will retry next window)", map[string]any{
			"fileId":   fileID,
			"requests": len(entries),
		})
		return nil
	}

	requestIDs := make([]string, len(entries))
	for i, e := range entries {
		requestIDs[i] = e.RequestID
	}
	if err := d.states.MoveToBatching(ctx, requestIDs, batch.ID, apiKey); err != nil {
		return fmt.Errorf("move batch %s to batching: %w", batch.ID, err)
	}

	d.metrics.Record(MetricBatchesDispatched, 1)
	d.logger.Info().LogActivity("Batch created", map[string]any{
		"batchId":  batch.ID,
		"fileId":   fileID,
		"requests": len(entries),
	})

	go NewPoller(d.states, d.client, d.metrics, d.logger, batch.ID, d.pollInterval).Run(ctx)
	return nil
}
