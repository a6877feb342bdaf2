package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newTestClient starts a stub Elasticsearch server around handler and
// returns a Client pointed at it. The product header is set on every
// response so the client's product check passes.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(&Config{Endpoint: srv.URL, APIKey: "dGVzdA=="}, slog.Default())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// ack writes a minimal acknowledged JSON response.
func ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"acknowledged":true}`)
}

// TestEnsureIndex_DeletesThenCreates verifies the destructive reset order:
// delete (with missing-index tolerated) before create.
func TestEnsureIndex_DeletesThenCreates(t *testing.T) {
	t.Parallel()

	var requests []string
	var createBody map[string]any

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.Method+" "+r.URL.Path)
		switch r.Method {
		case http.MethodDelete:
			if got := r.URL.Query().Get("ignore_unavailable"); got != "true" {
				t.Errorf("delete ignore_unavailable = %q, want %q", got, "true")
			}
		case http.MethodPut:
			if err := json.NewDecoder(r.Body).Decode(&createBody); err != nil {
				t.Errorf("decode create body: %v", err)
			}
		}
		ack(w)
	})

	mapping := Mapping{
		"id":        KeywordField(),
		"text":      TextField(),
		"embedding": DenseVectorField(1536),
	}
	if err := c.EnsureIndex(t.Context(), "docs", mapping); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}

	want := []string{"DELETE /docs", "PUT /docs"}
	if len(requests) != 2 || requests[0] != want[0] || requests[1] != want[1] {
		t.Fatalf("requests = %v, want %v", requests, want)
	}

	props, ok := createBody["mappings"].(map[string]any)["properties"].(map[string]any)
	if !ok {
		t.Fatalf("create body missing mappings.properties: %v", createBody)
	}
	emb, ok := props["embedding"].(map[string]any)
	if !ok {
		t.Fatalf("embedding property missing: %v", props)
	}
	if emb["type"] != "dense_vector" || emb["dims"] != float64(1536) || emb["similarity"] != "cosine" {
		t.Errorf("embedding property = %v, want dense_vector/1536/cosine", emb)
	}
}

// TestEnsureIndex_RepeatCallsAlwaysReset verifies caller-visible idempotence:
// a second call issues its own delete+create pair, never an upsert.
func TestEnsureIndex_RepeatCallsAlwaysReset(t *testing.T) {
	t.Parallel()

	var methods []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		ack(w)
	})

	mapping := Mapping{"text": TextField()}
	for range 2 {
		if err := c.EnsureIndex(t.Context(), "docs", mapping); err != nil {
			t.Fatalf("EnsureIndex: %v", err)
		}
	}

	want := []string{"DELETE", "PUT", "DELETE", "PUT"}
	if fmt.Sprint(methods) != fmt.Sprint(want) {
		t.Errorf("methods = %v, want %v", methods, want)
	}
}

// makeDocs builds n minimal bulk documents.
func makeDocs(n int) []Document {
	docs := make([]Document, n)
	for i := range docs {
		id := fmt.Sprintf("doc-%d", i)
		docs[i] = Document{ID: id, Body: map[string]any{"id": id, "text": "t"}}
	}
	return docs
}

// bulkOK responds to a _bulk request with no item errors.
func bulkOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"errors":false,"items":[]}`)
}

// TestBulkLoad_ChunksAtTenThousand verifies that 25000 documents produce
// exactly three bulk requests of 10000, 10000, and 5000 documents.
func TestBulkLoad_ChunksAtTenThousand(t *testing.T) {
	t.Parallel()

	var chunkSizes []int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/_bulk") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("refresh"); got != "true" {
			t.Errorf("refresh = %q, want %q", got, "true")
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read bulk body: %v", err)
		}
		// Two NDJSON lines per document: action + source.
		lines := strings.Count(string(body), "\n")
		chunkSizes = append(chunkSizes, lines/2)
		bulkOK(w)
	})

	if err := c.BulkLoad(t.Context(), "docs", makeDocs(25000)); err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}

	want := []int{10000, 10000, 5000}
	if fmt.Sprint(chunkSizes) != fmt.Sprint(want) {
		t.Errorf("chunk sizes = %v, want %v", chunkSizes, want)
	}
}

// TestBulkLoad_ItemErrorAborts verifies that a chunk whose response reports
// item errors fails the load with no retry.
func TestBulkLoad_ItemErrorAborts(t *testing.T) {
	t.Parallel()

	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"errors":true,"items":[{"index":{"status":400,"error":{"type":"mapper_parsing_exception"}}}]}`)
	})

	err := c.BulkLoad(t.Context(), "docs", makeDocs(3))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "mapper_parsing_exception") {
		t.Errorf("error should carry the item failure: %v", err)
	}
	if calls != 1 {
		t.Errorf("failed chunk must not be retried: got %d requests", calls)
	}
}

// TestPutInferencePipeline_Body verifies the pipeline id, the inference
// processor wiring, and the rename of the model output into the target field.
func TestPutInferencePipeline_Body(t *testing.T) {
	t.Parallel()

	var path string
	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode pipeline body: %v", err)
		}
		ack(w)
	})

	err := c.PutInferencePipeline(t.Context(), "embed-pipe", ".multilingual-e5-small", "text", "text_embedding")
	if err != nil {
		t.Fatalf("PutInferencePipeline: %v", err)
	}

	if path != "/_ingest/pipeline/embed-pipe" {
		t.Errorf("path = %q, want /_ingest/pipeline/embed-pipe", path)
	}

	procs, ok := body["processors"].([]any)
	if !ok || len(procs) != 3 {
		t.Fatalf("want 3 processors, got %v", body["processors"])
	}
	inference := procs[0].(map[string]any)["inference"].(map[string]any)
	if inference["model_id"] != ".multilingual-e5-small" {
		t.Errorf("model_id = %v", inference["model_id"])
	}
	rename := procs[1].(map[string]any)["rename"].(map[string]any)
	if rename["target_field"] != "text_embedding" {
		t.Errorf("rename target_field = %v", rename["target_field"])
	}
}

// TestReindex_StartsBackgroundTask verifies the reindex body, the
// wait_for_completion=false flag, and the returned task id.
func TestReindex_StartsBackgroundTask(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("wait_for_completion"); got != "false" {
			t.Errorf("wait_for_completion = %q, want %q", got, "false")
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode reindex body: %v", err)
		}
		dest := body["dest"].(map[string]any)
		if dest["pipeline"] != "embed-pipe" {
			t.Errorf("dest pipeline = %v, want embed-pipe", dest["pipeline"])
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"task":"node-1:42"}`)
	})

	taskID, err := c.Reindex(t.Context(), "docs-raw", "docs", "embed-pipe")
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if taskID != "node-1:42" {
		t.Errorf("task id = %q, want node-1:42", taskID)
	}
}

// TestWaitForTask_ReturnsOnCompletion verifies the happy path where the
// first poll already reports completion.
func TestWaitForTask_ReturnsOnCompletion(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"completed":true}`)
	})

	if err := c.WaitForTask(t.Context(), "node-1:42"); err != nil {
		t.Fatalf("WaitForTask: %v", err)
	}
}

// TestWaitForTask_HonoursCancellation verifies that the otherwise unbounded
// poll loop stops when the context is cancelled.
func TestWaitForTask_HonoursCancellation(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"completed":false}`)
	})

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.WaitForTask(ctx, "node-1:42")
	if err == nil {
		t.Fatal("expected cancellation error, got nil")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("want DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("cancellation took %v", elapsed)
	}
}
