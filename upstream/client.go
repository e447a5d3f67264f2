// Package upstream is the adapter for the OpenAI-compatible batch API: file
// upload, batch creation, status polling and result retrieval.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultBaseURL is the production batch API endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

const (
	completionsEndpoint = "/v1/chat/completions"
	completionWindow    = "24h"
)

// Client talks to the upstream batch API. The credential is supplied per
// call, so one Client serves every tenant. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Client for the given base URL. An empty baseURL means
// DefaultBaseURL. Requests time out after 120 s overall with a 30 s dial
// timeout; batch uploads can be large.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
			},
		},
	}
}

// BatchEntry pairs a request id with its completion payload. The id becomes
// the batch line's custom_id, which joins results back to requests.
type BatchEntry struct {
	RequestID string
	Request   CompletionRequest
}

// UploadBatchFile encodes the entries as JSONL, uploads them as a batch
// input file and returns the uploaded file id.
func (c *Client) UploadBatchFile(ctx context.Context, apiKey string, entries []BatchEntry) (string, error) {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		line, err := json.Marshal(BatchLine{
			CustomID: e.RequestID,
			Method:   http.MethodPost,
			URL:      completionsEndpoint,
			Body:     e.Request,
		})
		if err != nil {
			return "", fmt.Errorf("encode batch line %s: %w", e.RequestID, err)
		}
		lines = append(lines, string(line))
	}
	content := strings.Join(lines, "\n")

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("purpose", "batch"); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	part, err := newJSONLPart(form, fmt.Sprintf("batch_%s.jsonl", uuid.NewString()))
	if err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", form.FormDataContentType())

	var uploaded FileUploadResponse
	if err := c.do(req, "upload batch file", &uploaded); err != nil {
		return "", err
	}
	return uploaded.ID, nil
}

// newJSONLPart builds the file part by hand so it carries the
// application/jsonl content type instead of multipart's default.
func newJSONLPart(form *multipart.Writer, filename string) (io.Writer, error) {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	h.Set("Content-Type", "application/jsonl")
	return form.CreatePart(h)
}

// CreateBatch submits an uploaded input file as a new batch with the
// standard 24 h completion window.
func (c *Client) CreateBatch(ctx context.Context, apiKey, inputFileID string) (*BatchResponse, error) {
	payload, err := json.Marshal(BatchRequest{
		InputFileID:      inputFileID,
		Endpoint:         completionsEndpoint,
		CompletionWindow: completionWindow,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batches", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	var batch BatchResponse
	if err := c.do(req, "create batch", &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// GetBatchStatus fetches the current descriptor of a batch.
func (c *Client) GetBatchStatus(ctx context.Context, apiKey, batchID string) (*BatchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/batches/"+batchID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	var batch BatchResponse
	if err := c.do(req, "get batch status", &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// RetrieveBatchResults downloads a batch output file and returns its
// completions keyed by custom_id. Blank lines are skipped.
func (c *Client) RetrieveBatchResults(ctx context.Context, apiKey, outputFileID string) (map[string]CompletionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+outputFileID+"/content", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieve batch results: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "retrieve batch results"); err != nil {
		return nil, err
	}

	results := make(map[string]CompletionResponse)
	scanner := bufio.NewScanner(resp.Body)
	// Single completions can exceed the default 64 KiB line limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var result BatchResultLine
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			return nil, fmt.Errorf("retrieve batch results: parse line: %w", err)
		}
		results[result.CustomID] = result.Response.Body
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("retrieve batch results: read body: %w", err)
	}
	return results, nil
}

// do executes req and decodes a 2xx JSON response into out.
func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, op); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// checkStatus turns a non-2xx response into an error carrying the upstream
// status and body text.
func checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%s: upstream returned %s: %s", op, resp.Status, strings.TrimSpace(string(body)))
}
