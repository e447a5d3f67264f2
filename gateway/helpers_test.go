package gateway

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/batchgate/logger"
	"github.com/remiges-tech/batchgate/store"
	"github.com/remiges-tech/batchgate/upstream"
)

func testLogger() *logharbour.Logger {
	return logger.New("batchgate-test", io.Discard)
}

// newTestStates returns a StateManager backed by a throwaway miniredis.
func newTestStates(t *testing.T) (*StateManager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStore(client)
	t.Cleanup(func() { _ = st.Close() })
	return NewStateManager(st, testLogger()), mr
}

func testRequest(model string) upstream.CompletionRequest {
	return upstream.CompletionRequest{
		Model: model,
		Messages: []upstream.Message{
			{Role: "user", Content: "hello"},
		},
	}
}

func sampleResult(requestID string) upstream.CompletionResponse {
	finish := "stop"
	return upstream.CompletionResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   "gpt-4o",
		Choices: []upstream.Choice{
			{Index: 0, Message: upstream.Message{Role: "assistant", Content: "answer for " + requestID}, FinishReason: &finish},
		},
		Usage: upstream.Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}
}

type uploadRecord struct {
	auth  string
	lines []upstream.BatchLine
}

// fakeBatchAPI implements enough of the upstream batch surface for the
// dispatcher and poller tests: file upload, batch create, status reads and
// output file content.
type fakeBatchAPI struct {
	t  *testing.T
	mu sync.Mutex

	uploads       []uploadRecord
	failUploads   int
	failCreates   int
	statusErrs    int
	resultsErrs   int
	createCount   int
	statuses      map[string]upstream.BatchResponse
	resultsByFile map[string]string

	srv *httptest.Server
}

func newFakeBatchAPI(t *testing.T) (*fakeBatchAPI, *upstream.Client) {
	t.Helper()
	f := &fakeBatchAPI{
		t:             t,
		statuses:      make(map[string]upstream.BatchResponse),
		resultsByFile: make(map[string]string),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f, upstream.NewClient(f.srv.URL)
}

func (f *fakeBatchAPI) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/files":
		if f.failUploads > 0 {
			f.failUploads--
			http.Error(w, `{"error":"upload unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			f.t.Errorf("upload without file part: %v", err)
			http.Error(w, "bad upload", http.StatusBadRequest)
			return
		}
		defer file.Close()
		rec := uploadRecord{auth: r.Header.Get("Authorization")}
		sc := bufio.NewScanner(file)
		for sc.Scan() {
			if strings.TrimSpace(sc.Text()) == "" {
				continue
			}
			var line upstream.BatchLine
			if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
				f.t.Errorf("bad batch line %q: %v", sc.Text(), err)
				continue
			}
			rec.lines = append(rec.lines, line)
		}
		f.uploads = append(f.uploads, rec)
		fileID := fmt.Sprintf("file-%d", len(f.uploads))
		writeJSON(w, upstream.FileUploadResponse{ID: fileID, Object: "file", Purpose: "batch"})

	case r.Method == http.MethodPost && r.URL.Path == "/batches":
		if f.failCreates > 0 {
			f.failCreates--
			http.Error(w, `{"error":"create unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		var req upstream.BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			f.t.Errorf("bad batch create body: %v", err)
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		f.createCount++
		batch := upstream.BatchResponse{
			ID:          fmt.Sprintf("batch_%d", f.createCount),
			Object:      "batch",
			Endpoint:    req.Endpoint,
			InputFileID: req.InputFileID,
			Status:      "validating",
			CreatedAt:   time.Now().Unix(),
		}
		f.statuses[batch.ID] = batch
		writeJSON(w, batch)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/batches/"):
		if f.statusErrs > 0 {
			f.statusErrs--
			http.Error(w, `{"error":"status unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		batch, ok := f.statuses[strings.TrimPrefix(r.URL.Path, "/batches/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, batch)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/files/") && strings.HasSuffix(r.URL.Path, "/content"):
		if f.resultsErrs > 0 {
			f.resultsErrs--
			http.Error(w, `{"error":"content unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		fileID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/files/"), "/content")
		body, ok := f.resultsByFile[fileID]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)

	default:
		http.NotFound(w, r)
	}
}

// setStatus rewrites the status a subsequent poll will observe.
func (f *fakeBatchAPI) setStatus(batchID, status, outputFileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := f.statuses[batchID]
	batch.ID = batchID
	batch.Status = status
	batch.OutputFileID = outputFileID
	f.statuses[batchID] = batch
}

// setResults serves the given completions as the output file's JSONL body.
func (f *fakeBatchAPI) setResults(fileID string, results map[string]upstream.CompletionResponse) {
	var lines []string
	for customID, body := range results {
		line, err := json.Marshal(upstream.BatchResultLine{
			ID:       "batch_req_" + customID,
			CustomID: customID,
			Response: upstream.BatchResultResponse{StatusCode: 200, Body: body},
		})
		if err != nil {
			f.t.Fatalf("encode result line: %v", err)
		}
		lines = append(lines, string(line))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultsByFile[fileID] = strings.Join(lines, "\n") + "\n"
}

func (f *fakeBatchAPI) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
