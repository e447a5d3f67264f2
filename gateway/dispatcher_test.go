package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/batchgate/metrics"
)

// newDispatchHarness wires a dispatcher over miniredis and the fake batch
// API. Status reads are failed so pollers spawned during dispatch cannot
// advance member states underneath the assertions.
func newDispatchHarness(t *testing.T, m metrics.Metrics) (*Dispatcher, *StateManager, *fakeBatchAPI) {
	t.Helper()
	states, _ := newTestStates(t)
	fake, client := newFakeBatchAPI(t)
	fake.statusErrs = 1000

	d := NewDispatcher(states, client, m, testLogger(), time.Hour, time.Hour)
	return d, states, fake
}

func dispatchCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func TestDispatchOnceGroupsByCredential(t *testing.T) {
	pm := metrics.NewPrometheusMetrics()
	RegisterMetrics(pm)
	d, states, fake := newDispatchHarness(t, pm)
	ctx := dispatchCtx(t)

	for _, id := range []string{"a1", "a2"} {
		_, err := states.Create(ctx, id, testRequest("gpt-4o"), "sk-a")
		require.NoError(t, err)
	}
	_, err := states.Create(ctx, "b1", testRequest("gpt-4o-mini"), "sk-b")
	require.NoError(t, err)

	require.NoError(t, d.DispatchOnce(ctx))

	// One upload per credential, carrying exactly that credential's
	// requests.
	require.Equal(t, 2, fake.uploadCount())
	byAuth := make(map[string][]string)
	for _, up := range fake.uploads {
		for _, line := range up.lines {
			assert.Equal(t, http.MethodPost, line.Method)
			assert.Equal(t, "/v1/chat/completions", line.URL)
			byAuth[up.auth] = append(byAuth[up.auth], line.CustomID)
		}
	}
	assert.ElementsMatch(t, []string{"a1", "a2"}, byAuth["Bearer sk-a"])
	assert.ElementsMatch(t, []string{"b1"}, byAuth["Bearer sk-b"])

	queued, err := states.ListQueued(ctx)
	require.NoError(t, err)
	assert.Empty(t, queued)

	processing, err := states.ListProcessingBatches(ctx)
	require.NoError(t, err)
	assert.Len(t, processing, 2)

	// Members of one credential share a batch; credentials never mix.
	stateA1, err := states.Get(ctx, "a1")
	require.NoError(t, err)
	stateA2, err := states.Get(ctx, "a2")
	require.NoError(t, err)
	stateB1, err := states.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, StatusBatching, stateA1.Status)
	assert.Equal(t, stateA1.BatchID, stateA2.BatchID)
	assert.NotEqual(t, stateA1.BatchID, stateB1.BatchID)

	apiKey, err := states.BatchAPIKey(ctx, stateA1.BatchID)
	require.NoError(t, err)
	assert.Equal(t, "sk-a", apiKey)

	rec := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "batchgate_batches_dispatched_total 2")
	assert.Contains(t, rec.Body.String(), "batchgate_processing_batches 2")
}

func TestDispatchOnceEmptyQueue(t *testing.T) {
	d, _, fake := newDispatchHarness(t, nil)

	require.NoError(t, d.DispatchOnce(dispatchCtx(t)))
	assert.Zero(t, fake.uploadCount())
}

func TestDispatchOnceUploadFailureLeavesGroupQueued(t *testing.T) {
	d, states, fake := newDispatchHarness(t, nil)
	ctx := dispatchCtx(t)
	fake.failUploads = 1

	_, err := states.Create(ctx, "req-1", testRequest("gpt-4o"), "sk-a")
	require.NoError(t, err)

	// Upload fails: no error escapes, the request stays queued.
	require.NoError(t, d.DispatchOnce(ctx))
	queued, err := states.ListQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"req-1"}, queued)
	state, err := states.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, state.Status)

	// Next window retries the same group and succeeds.
	require.NoError(t, d.DispatchOnce(ctx))
	queued, err = states.ListQueued(ctx)
	require.NoError(t, err)
	assert.Empty(t, queued)
	assert.Equal(t, 1, fake.uploadCount())
}

func TestDispatchOnceCreateFailureLeavesGroupQueued(t *testing.T) {
	d, states, fake := newDispatchHarness(t, nil)
	ctx := dispatchCtx(t)
	fake.failCreates = 1

	_, err := states.Create(ctx, "req-1", testRequest("gpt-4o"), "sk-a")
	require.NoError(t, err)

	require.NoError(t, d.DispatchOnce(ctx))

	queued, err := states.ListQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"req-1"}, queued)

	processing, err := states.ListProcessingBatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, processing)
}

func TestDispatchOnceSkipsNonQueuedLeftovers(t *testing.T) {
	d, states, fake := newDispatchHarness(t, nil)
	ctx := dispatchCtx(t)

	// A member whose state moved on, and one whose state expired.
	_, err := states.Create(ctx, "req-1", testRequest("gpt-4o"), "sk-a")
	require.NoError(t, err)
	require.NoError(t, states.UpdateStatus(ctx, "req-1", StatusProcessing, "batch_9"))
	require.NoError(t, states.store.SAdd(ctx, QueuedSetKey, "req-gone"))

	require.NoError(t, d.DispatchOnce(ctx))

	assert.Zero(t, fake.uploadCount())
	state, err := states.Get(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, state.Status)
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	d, _, _ := newDispatchHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on cancel")
	}
}

func TestBatchLineBodiesCarryOriginalRequest(t *testing.T) {
	d, states, fake := newDispatchHarness(t, nil)
	ctx := dispatchCtx(t)

	req := testRequest("gpt-4o")
	temp := 0.2
	req.Temperature = &temp
	_, err := states.Create(ctx, "req-1", req, "sk-a")
	require.NoError(t, err)

	require.NoError(t, d.DispatchOnce(ctx))

	require.Equal(t, 1, fake.uploadCount())
	require.Len(t, fake.uploads[0].lines, 1)
	line := fake.uploads[0].lines[0]
	assert.Equal(t, "gpt-4o", line.Body.Model)
	require.NotNil(t, line.Body.Temperature)
	assert.InDelta(t, 0.2, *line.Body.Temperature, 1e-9)
	require.Len(t, line.Body.Messages, 1)
	assert.Equal(t, "hello", line.Body.Messages[0].Content)
	assert.Equal(t, "req-1", line.CustomID)
}
