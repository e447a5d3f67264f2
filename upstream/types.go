package upstream

import "encoding/json"

// CompletionRequest is the chat-completion payload accepted at the gateway
// and forwarded to the batch API. Unknown fields survive round trips via
// Extra so callers can use upstream parameters the gateway does not model.
type CompletionRequest struct {
	Model            string                     `json:"model" validate:"required"`
	Messages         []Message                  `json:"messages" validate:"required,min=1,dive"`
	Temperature      *float64                   `json:"temperature,omitempty"`
	MaxTokens        *int                       `json:"max_tokens,omitempty"`
	TopP             *float64                   `json:"top_p,omitempty"`
	FrequencyPenalty *float64                   `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64                   `json:"presence_penalty,omitempty"`
	Stop             []string                   `json:"stop,omitempty"`
	N                *int                       `json:"n,omitempty"`
	Extra            map[string]json.RawMessage `json:"-"`
}

// Message is one chat turn.
type Message struct {
	Role    string                     `json:"role" validate:"required"`
	Content string                     `json:"content" validate:"required"`
	Extra   map[string]json.RawMessage `json:"-"`
}

// CompletionResponse is the upstream completion result returned to callers.
type CompletionResponse struct {
	ID      string                     `json:"id"`
	Object  string                     `json:"object"`
	Created int64                      `json:"created"`
	Model   string                     `json:"model"`
	Choices []Choice                   `json:"choices"`
	Usage   Usage                      `json:"usage"`
	Extra   map[string]json.RawMessage `json:"-"`
}

// Choice is one generated completion within a response.
type Choice struct {
	Index        int                        `json:"index"`
	Message      Message                    `json:"message"`
	FinishReason *string                    `json:"finish_reason"`
	Extra        map[string]json.RawMessage `json:"-"`
}

// Usage reports token consumption for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// BatchRequest creates a batch job from an uploaded input file.
type BatchRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Batch statuses with gateway-visible consequences. The remaining upstream
// statuses (validating, in_progress, finalizing, cancelling) are all
// non-terminal and need no special handling.
const (
	BatchStatusCompleted = "completed"
	BatchStatusFailed    = "failed"
	BatchStatusExpired   = "expired"
	BatchStatusCancelled = "cancelled"
)

// BatchResponse is the upstream batch descriptor.
type BatchResponse struct {
	ID           string            `json:"id"`
	Object       string            `json:"object"`
	Endpoint     string            `json:"endpoint"`
	InputFileID  string            `json:"input_file_id"`
	OutputFileID string            `json:"output_file_id,omitempty"`
	ErrorFileID  string            `json:"error_file_id,omitempty"`
	Status       string            `json:"status"`
	CreatedAt    int64             `json:"created_at"`
	CompletedAt  *int64            `json:"completed_at,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IsCompleted reports whether the batch finished with results available.
func (b *BatchResponse) IsCompleted() bool {
	return b.Status == BatchStatusCompleted
}

// IsTerminalFailure reports whether the batch ended without results.
func (b *BatchResponse) IsTerminalFailure() bool {
	switch b.Status {
	case BatchStatusFailed, BatchStatusExpired, BatchStatusCancelled:
		return true
	}
	return false
}

// BatchLine is one JSONL line of a batch input file. CustomID joins the
// line to its result when the output file comes back.
type BatchLine struct {
	CustomID string            `json:"custom_id"`
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Body     CompletionRequest `json:"body"`
}

// BatchResultLine is one JSONL line of a batch output file.
type BatchResultLine struct {
	ID       string              `json:"id"`
	CustomID string              `json:"custom_id"`
	Response BatchResultResponse `json:"response"`
}

// BatchResultResponse wraps the per-request completion inside a result line.
type BatchResultResponse struct {
	StatusCode int                `json:"status_code"`
	Body       CompletionResponse `json:"body"`
}

// FileUploadResponse describes an uploaded batch input file.
type FileUploadResponse struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
}

// extraFields returns the members of a JSON object not covered by the typed
// fields, or nil when there are none.
func extraFields(data []byte, known ...string) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(raw, k)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

// mergeExtra re-marshals v's typed JSON with the extra fields folded back
// in. Typed fields win on key collisions.
func mergeExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return data, nil
	}
	merged := make(map[string]json.RawMessage, len(extra)+8)
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = val
		}
	}
	return json.Marshal(merged)
}

type completionRequestAlias CompletionRequest

func (r *CompletionRequest) UnmarshalJSON(data []byte) error {
	var alias completionRequestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := extraFields(data,
		"model", "messages", "temperature", "max_tokens", "top_p",
		"frequency_penalty", "presence_penalty", "stop", "n")
	if err != nil {
		return err
	}
	alias.Extra = extra
	*r = CompletionRequest(alias)
	return nil
}

func (r CompletionRequest) MarshalJSON() ([]byte, error) {
	return mergeExtra(completionRequestAlias(r), r.Extra)
}

type messageAlias Message

func (m *Message) UnmarshalJSON(data []byte) error {
	var alias messageAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := extraFields(data, "role", "content")
	if err != nil {
		return err
	}
	alias.Extra = extra
	*m = Message(alias)
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	return mergeExtra(messageAlias(m), m.Extra)
}

type completionResponseAlias CompletionResponse

func (c *CompletionResponse) UnmarshalJSON(data []byte) error {
	var alias completionResponseAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := extraFields(data, "id", "object", "created", "model", "choices", "usage")
	if err != nil {
		return err
	}
	alias.Extra = extra
	*c = CompletionResponse(alias)
	return nil
}

func (c CompletionResponse) MarshalJSON() ([]byte, error) {
	return mergeExtra(completionResponseAlias(c), c.Extra)
}

type choiceAlias Choice

func (c *Choice) UnmarshalJSON(data []byte) error {
	var alias choiceAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	extra, err := extraFields(data, "index", "message", "finish_reason")
	if err != nil {
		return err
	}
	alias.Extra = extra
	*c = Choice(alias)
	return nil
}

func (c Choice) MarshalJSON() ([]byte, error) {
	return mergeExtra(choiceAlias(c), c.Extra)
}
