package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/batchgate/store"
	"github.com/remiges-tech/batchgate/upstream"
)

// StateTTL is how long request and batch records live after their last
// write. Batches settle within 24 h, so 48 h covers a full window plus a
// generous replay margin.
const StateTTL = 48 * time.Hour

// completionPayload is published when a request completes successfully.
// Failure events carry the error message instead. Subscribers treat any
// payload as a wake signal and re-read state.
const completionPayload = "complete"

// StateManager owns every request and batch record in the store. Handlers
// create queued states, the dispatcher moves them to batching, pollers move
// them to processing and terminal states; nothing else writes.
type StateManager struct {
	store  store.Store
	logger *logharbour.Logger
}

// NewStateManager returns a StateManager over st.
func NewStateManager(st store.Store, logger *logharbour.Logger) *StateManager {
	return &StateManager{
		store:  st,
		logger: logger.WithModule("state"),
	}
}

// Get returns the state for a request id, or ErrRequestNotFound.
func (m *StateManager) Get(ctx context.Context, requestID string) (*RequestState, error) {
	raw, err := m.store.Get(ctx, RequestKey(requestID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", requestID, err)
	}
	var state RequestState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", requestID, err)
	}
	return &state, nil
}

// Create persists a fresh queued state if none exists yet and enqueues it
// for dispatch. Returns false when a concurrent submission won the create
// race; the existing record is left untouched, so the first writer's body
// and credential stay authoritative.
func (m *StateManager) Create(ctx context.Context, requestID string, req upstream.CompletionRequest, apiKey string) (bool, error) {
	state := NewRequestState(requestID, req, apiKey)
	raw, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("encode request %s: %w", requestID, err)
	}
	created, err := m.store.SetNX(ctx, RequestKey(requestID), string(raw), StateTTL)
	if err != nil {
		return false, fmt.Errorf("create request %s: %w", requestID, err)
	}
	if !created {
		return false, nil
	}
	if err := m.store.SAdd(ctx, QueuedSetKey, requestID); err != nil {
		return false, fmt.Errorf("enqueue request %s: %w", requestID, err)
	}
	m.logger.Debug0().LogActivity("Created request state", map[string]any{
		"requestId": requestID,
	})
	return true, nil
}

// UpdateStatus moves a request to status and overwrites its batch id (an
// empty batchID clears it). Missing state is a no-op: the record may have
// expired while its batch was still in flight.
func (m *StateManager) UpdateStatus(ctx context.Context, requestID string, status Status, batchID string) error {
	state, err := m.Get(ctx, requestID)
	if errors.Is(err, ErrRequestNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	old := state.Status
	state.Status = status
	state.BatchID = batchID
	if err := m.save(ctx, state); err != nil {
		return err
	}
	m.logChange(requestID, "StatusUpdate", old, status)
	return nil
}

// Complete records a successful result and wakes every parked caller.
// Missing state is a no-op and publishes nothing. Repeat completions are
// benign overwrites; the error field is cleared so result and status never
// disagree.
func (m *StateManager) Complete(ctx context.Context, requestID string, result *upstream.CompletionResponse) error {
	state, err := m.Get(ctx, requestID)
	if errors.Is(err, ErrRequestNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	old := state.Status
	state.Status = StatusComplete
	state.Result = result
	state.Error = ""
	if err := m.save(ctx, state); err != nil {
		return err
	}
	m.logChange(requestID, "Complete", old, StatusComplete)
	if err := m.store.Publish(ctx, CompletionChannel(requestID), completionPayload); err != nil {
		return fmt.Errorf("publish completion for %s: %w", requestID, err)
	}
	return nil
}

// Fail records a terminal error and wakes every parked caller. Missing
// state is a no-op and publishes nothing. The result field is cleared so
// error and status never disagree.
func (m *StateManager) Fail(ctx context.Context, requestID, errMsg string) error {
	state, err := m.Get(ctx, requestID)
	if errors.Is(err, ErrRequestNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	old := state.Status
	state.Status = StatusFailed
	state.Error = errMsg
	state.Result = nil
	if err := m.save(ctx, state); err != nil {
		return err
	}
	m.logChange(requestID, "Fail", old, StatusFailed)
	if err := m.store.Publish(ctx, CompletionChannel(requestID), errMsg); err != nil {
		return fmt.Errorf("publish failure for %s: %w", requestID, err)
	}
	return nil
}

// ListQueued returns the ids currently awaiting dispatch.
func (m *StateManager) ListQueued(ctx context.Context) ([]string, error) {
	ids, err := m.store.SMembers(ctx, QueuedSetKey)
	if err != nil {
		return nil, fmt.Errorf("list queued requests: %w", err)
	}
	return ids, nil
}

// MoveToBatching binds the requests to a freshly created upstream batch.
// The write order is chosen for crash recovery, not atomicity: the batch
// record and credential land first, then each member is restamped and
// dequeued, and the batch joins processing_batches last. A crash mid-way
// leaves members either still queued (retried next window, the dispatcher
// skips non-queued leftovers) or stamped batching with the batch record in
// place for the startup sweep.
func (m *StateManager) MoveToBatching(ctx context.Context, requestIDs []string, batchID, apiKey string) error {
	members, err := json.Marshal(requestIDs)
	if err != nil {
		return fmt.Errorf("encode batch %s members: %w", batchID, err)
	}
	if err := m.store.Set(ctx, BatchKey(batchID), string(members), StateTTL); err != nil {
		return fmt.Errorf("record batch %s: %w", batchID, err)
	}
	if err := m.store.Set(ctx, BatchAPIKeyKey(batchID), apiKey, StateTTL); err != nil {
		return fmt.Errorf("record batch %s credential: %w", batchID, err)
	}
	for _, id := range requestIDs {
		if err := m.UpdateStatus(ctx, id, StatusBatching, batchID); err != nil {
			return err
		}
		if err := m.store.SRem(ctx, QueuedSetKey, id); err != nil {
			return fmt.Errorf("dequeue request %s: %w", id, err)
		}
	}
	if err := m.store.SAdd(ctx, ProcessingBatchesKey, batchID); err != nil {
		return fmt.Errorf("track batch %s: %w", batchID, err)
	}
	m.logger.Info().LogActivity("Requests moved to batching", map[string]any{
		"batchId":  batchID,
		"requests": len(requestIDs),
	})
	return nil
}

// BatchMembers returns the ordered request ids of a batch, or
// ErrBatchNotFound when the record has expired.
func (m *StateManager) BatchMembers(ctx context.Context, batchID string) ([]string, error) {
	raw, err := m.store.Get(ctx, BatchKey(batchID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", batchID, err)
	}
	return ids, nil
}

// BatchAPIKey returns the credential the batch was submitted with, or
// ErrBatchNotFound when it has expired.
func (m *StateManager) BatchAPIKey(ctx context.Context, batchID string) (string, error) {
	key, err := m.store.Get(ctx, BatchAPIKeyKey(batchID))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrBatchNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get batch %s credential: %w", batchID, err)
	}
	return key, nil
}

// ListProcessingBatches returns the ids of batches not yet terminal.
func (m *StateManager) ListProcessingBatches(ctx context.Context) ([]string, error) {
	ids, err := m.store.SMembers(ctx, ProcessingBatchesKey)
	if err != nil {
		return nil, fmt.Errorf("list processing batches: %w", err)
	}
	return ids, nil
}

// RemoveProcessingBatch drops a settled batch from the processing set.
func (m *StateManager) RemoveProcessingBatch(ctx context.Context, batchID string) error {
	if err := m.store.SRem(ctx, ProcessingBatchesKey, batchID); err != nil {
		return fmt.Errorf("untrack batch %s: %w", batchID, err)
	}
	return nil
}

// SubscribeCompletion opens the wake-up channel for a request. Callers
// subscribe before checking state so no event can slip between the check
// and the wait.
func (m *StateManager) SubscribeCompletion(ctx context.Context, requestID string) (store.Subscription, error) {
	return m.store.Subscribe(ctx, CompletionChannel(requestID))
}

// save stamps updated_at and writes the state back with a fresh TTL.
func (m *StateManager) save(ctx context.Context, state *RequestState) error {
	state.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", state.RequestID, err)
	}
	if err := m.store.Set(ctx, RequestKey(state.RequestID), string(raw), StateTTL); err != nil {
		return fmt.Errorf("save request %s: %w", state.RequestID, err)
	}
	return nil
}

func (m *StateManager) logChange(requestID, op string, from, to Status) {
	m.logger.WithClass("request").WithInstanceId(requestID).LogDataChange("Request status changed", logharbour.ChangeInfo{
		Entity: "RequestState",
		Op:     op,
		Changes: []logharbour.ChangeDetail{
			{Field: "status", OldVal: from, NewVal: to},
		},
	})
}
