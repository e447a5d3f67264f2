package gateway

import "errors"

// Sentinel errors surfaced by the state engine.
var (
	// ErrRequestNotFound is returned when no state exists for a request id.
	ErrRequestNotFound = errors.New("request state not found")

	// ErrBatchNotFound is returned when a batch's member list or credential
	// has expired from the store.
	ErrBatchNotFound = errors.New("batch record not found")
)

// Messages returned verbatim to callers.
const (
	ErrMsgMissingBearer = "Authorization header with Bearer token is required"
	ErrMsgNoResult      = "No result found for completed request"
)

const errTypeAPI = "api_error"

// APIError is the envelope returned on every non-2xx response.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail carries the message inside an APIError.
type APIErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NewAPIError builds the standard error envelope for a message.
func NewAPIError(message string) APIError {
	return APIError{Error: APIErrorDetail{Message: message, Type: errTypeAPI}}
}
