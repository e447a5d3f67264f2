package upstream_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/batchgate/upstream"
)

func TestUploadBatchFile(t *testing.T) {
	var (
		gotPath     string
		gotAuth     string
		gotPurpose  string
		gotFilename string
		gotMIME     string
		gotContent  []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotPurpose = r.FormValue("purpose")
		if files := r.MultipartForm.File["file"]; len(files) == 1 {
			gotFilename = files[0].Filename
			gotMIME = files[0].Header.Get("Content-Type")
			if f, err := files[0].Open(); err == nil {
				gotContent, _ = io.ReadAll(f)
				f.Close()
			}
		}
		_ = json.NewEncoder(w).Encode(upstream.FileUploadResponse{ID: "file-abc", Purpose: "batch"})
	}))
	defer srv.Close()

	client := upstream.NewClient(srv.URL)
	temp := 0.5
	fileID, err := client.UploadBatchFile(context.Background(), "sk-test", []upstream.BatchEntry{
		{RequestID: "req-1", Request: upstream.CompletionRequest{
			Model:       "gpt-4o",
			Messages:    []upstream.Message{{Role: "user", Content: "first"}},
			Temperature: &temp,
		}},
		{RequestID: "req-2", Request: upstream.CompletionRequest{
			Model:    "gpt-4o",
			Messages: []upstream.Message{{Role: "user", Content: "second"}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "file-abc", fileID)

	assert.Equal(t, "/files", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "batch", gotPurpose)
	assert.True(t, strings.HasPrefix(gotFilename, "batch_"))
	assert.True(t, strings.HasSuffix(gotFilename, ".jsonl"))
	assert.Equal(t, "application/jsonl", gotMIME)

	content := string(gotContent)
	assert.False(t, strings.HasSuffix(content, "\n"))
	lines := strings.Split(content, "\n")
	require.Len(t, lines, 2)

	var first upstream.BatchLine
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "req-1", first.CustomID)
	assert.Equal(t, http.MethodPost, first.Method)
	assert.Equal(t, "/v1/chat/completions", first.URL)
	assert.Equal(t, "gpt-4o", first.Body.Model)

	var second upstream.BatchLine
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "req-2", second.CustomID)
}

func TestCreateBatch(t *testing.T) {
	var (
		gotBody        upstream.BatchRequest
		gotPath        string
		gotAuth        string
		gotContentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(upstream.BatchResponse{
			ID:          "batch-1",
			Object:      "batch",
			Status:      "validating",
			InputFileID: "file-abc",
		})
	}))
	defer srv.Close()

	client := upstream.NewClient(srv.URL)
	batch, err := client.CreateBatch(context.Background(), "sk-test", "file-abc")
	require.NoError(t, err)

	assert.Equal(t, "batch-1", batch.ID)
	assert.Equal(t, "validating", batch.Status)
	assert.Equal(t, "/batches", gotPath)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "file-abc", gotBody.InputFileID)
	assert.Equal(t, "/v1/chat/completions", gotBody.Endpoint)
	assert.Equal(t, "24h", gotBody.CompletionWindow)
}

func TestGetBatchStatus(t *testing.T) {
	var gotPath, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		_ = json.NewEncoder(w).Encode(upstream.BatchResponse{
			ID:           "batch-1",
			Status:       upstream.BatchStatusCompleted,
			OutputFileID: "file-out",
		})
	}))
	defer srv.Close()

	client := upstream.NewClient(srv.URL)
	batch, err := client.GetBatchStatus(context.Background(), "sk-test", "batch-1")
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "/batches/batch-1", gotPath)
	assert.True(t, batch.IsCompleted())
	assert.Equal(t, "file-out", batch.OutputFileID)
}

func TestRetrieveBatchResults(t *testing.T) {
	lines := []string{
		`{"id":"r1","custom_id":"req-1","response":{"status_code":200,"body":{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"one"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}}}`,
		``,
		`{"id":"r2","custom_id":"req-2","response":{"status_code":200,"body":{"id":"c2","object":"chat.completion","created":2,"model":"gpt-4o","choices":[{"index":0,"message":{"role":"assistant","content":"two"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}}}`,
	}
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, strings.Join(lines, "\n"))
	}))
	defer srv.Close()

	client := upstream.NewClient(srv.URL)
	results, err := client.RetrieveBatchResults(context.Background(), "sk-test", "file-out")
	require.NoError(t, err)

	assert.Equal(t, "/files/file-out/content", gotPath)
	require.Len(t, results, 2)
	assert.Equal(t, "one", results["req-1"].Choices[0].Message.Content)
	assert.Equal(t, "two", results["req-2"].Choices[0].Message.Content)
}

func TestUpstreamErrorIncludesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	client := upstream.NewClient(srv.URL)
	_, err := client.GetBatchStatus(context.Background(), "sk-test", "batch-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}
