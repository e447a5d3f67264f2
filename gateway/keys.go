package gateway

import "fmt"

// Redis set names shared by the handler, dispatcher and pollers.
const (
	// QueuedSetKey holds the ids of requests awaiting dispatch. A request
	// is a member iff its status is queued.
	QueuedSetKey = "queued_requests"

	// ProcessingBatchesKey holds the ids of batches that still have a
	// poller's work outstanding. The startup sweep respawns a poller for
	// every member.
	ProcessingBatchesKey = "processing_batches"
)

// RequestKey returns the Redis key holding a request's serialized state.
func RequestKey(requestID string) string {
	return fmt.Sprintf("request:%s", requestID)
}

// BatchKey returns the Redis key holding a batch's member request ids.
func BatchKey(batchID string) string {
	return fmt.Sprintf("batch:%s", batchID)
}

// BatchAPIKeyKey returns the Redis key holding the credential a batch was
// submitted with.
func BatchAPIKeyKey(batchID string) string {
	return fmt.Sprintf("batch_api_key:%s", batchID)
}

// CompletionChannel returns the pub/sub channel carrying a request's
// completion event.
func CompletionChannel(requestID string) string {
	return fmt.Sprintf("completion:%s", requestID)
}
