// Package gateway implements the synchronous-to-batch pipeline: request
// state machine, windowed dispatcher, per-batch pollers and the HTTP
// handlers that park callers until their batch lands.
package gateway

import (
	"time"

	"github.com/remiges-tech/batchgate/upstream"
)

// Status is the lifecycle position of a gateway request. Transitions only
// move forward along queued, batching, processing, complete/failed.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusBatching   Status = "batching"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// RequestState is the durable record of one gateway request, keyed by its
// idempotency token. Result is set iff the status is complete, Error iff
// failed; BatchID is set for every status except queued.
type RequestState struct {
	RequestID string                       `json:"request_id"`
	Status    Status                       `json:"status"`
	BatchID   string                       `json:"batch_id,omitempty"`
	Request   upstream.CompletionRequest   `json:"request"`
	APIKey    string                       `json:"api_key"`
	Result    *upstream.CompletionResponse `json:"result,omitempty"`
	Error     string                       `json:"error,omitempty"`
	CreatedAt time.Time                    `json:"created_at"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

// NewRequestState returns a fresh queued state for a submission.
func NewRequestState(requestID string, req upstream.CompletionRequest, apiKey string) *RequestState {
	now := time.Now().UTC()
	return &RequestState{
		RequestID: requestID,
		Status:    StatusQueued,
		Request:   req,
		APIKey:    apiKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
