package gateway

import (
	"context"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchgate/metrics"
	"github.com/remiges-tech/batchgate/upstream"
)

// RecoverProcessingBatches spawns a poller for every batch a previous
// process left in flight. Call once at startup after the store is
// reachable; together with the durable state this is what makes a restart
// invisible to parked callers. Returns the number of pollers spawned.
func RecoverProcessingBatches(ctx context.Context, states *StateManager, client *upstream.Client, m metrics.Metrics, logger *logharbour.Logger, interval time.Duration) int {
	lh := logger.WithModule("recovery")

	batchIDs, err := states.ListProcessingBatches(ctx)
	if err != nil {
		lh.Error(err).LogActivity("Failed to list in-flight batches", nil)
		return 0
	}
	for _, batchID := range batchIDs {
		go NewPoller(states, client, m, logger, batchID, interval).Run(ctx)
	}
	if len(batchIDs) > 0 {
		lh.Info().LogActivity("Resumed polling for in-flight batches", map[string]any{
			"batches": len(batchIDs),
		})
	}
	return len(batchIDs)
}
