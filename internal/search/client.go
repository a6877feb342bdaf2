package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// BulkChunkSize is the maximum number of documents submitted per _bulk
// request, the write endpoint's practical limit for this pipeline.
const BulkChunkSize = 10000

// taskPollInterval is the delay between reindex task status polls.
const taskPollInterval = time.Second

// Config holds connection parameters for an Elasticsearch deployment.
type Config struct {
	// Endpoint is the HTTPS endpoint, including scheme.
	Endpoint string

	// APIKey is the base64-encoded API key ("ApiKey" authorization).
	APIKey string

	// Transport overrides the HTTP transport. Nil uses the default;
	// tests use it to point the client at a local server.
	Transport http.RoundTripper
}

// Client wraps the Elasticsearch API client with the pipeline's operations.
type Client struct {
	// es is the underlying Elasticsearch API client.
	es *elasticsearch.Client

	// log receives progress events.
	log *slog.Logger
}

// NewClient constructs a Client from the given config.
func NewClient(cfg *Config, log *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("search: endpoint must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.Endpoint},
		APIKey:    cfg.APIKey,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("search: failed to create client: %w", err)
	}

	return &Client{es: es, log: log}, nil
}

// EnsureIndex deletes any existing index with the given name (a missing
// index is a no-op, not an error) and creates it fresh with the supplied
// mapping. This is a destructive reset: prior contents are discarded, never
// merged.
func (c *Client) EnsureIndex(ctx context.Context, name string, mapping Mapping) error {
	res, err := c.es.Indices.Delete(
		[]string{name},
		c.es.Indices.Delete.WithContext(ctx),
		c.es.Indices.Delete.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return fmt.Errorf("search: delete index %q: %w", name, err)
	}
	if err := drain(res, "delete index "+name); err != nil {
		return err
	}

	body, err := mapping.indexBody()
	if err != nil {
		return fmt.Errorf("search: marshal mapping for %q: %w", name, err)
	}

	res, err = c.es.Indices.Create(
		name,
		c.es.Indices.Create.WithContext(ctx),
		c.es.Indices.Create.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return fmt.Errorf("search: create index %q: %w", name, err)
	}
	if err := drain(res, "create index "+name); err != nil {
		return err
	}

	c.log.Info("index created", slog.String("index", name), slog.Int("fields", len(mapping)))
	return nil
}

// Document is one row-operation submitted to the bulk endpoint.
type Document struct {
	// ID is the document identifier.
	ID string

	// Body is the document source; it is marshalled as-is.
	Body any
}

// BulkLoad writes all documents into the index in chunks of at most
// BulkChunkSize, pairing each document with an explicit index action and
// requesting an immediate refresh so written documents are searchable when
// the call returns. Chunk writes are not retried: the first failed chunk
// aborts the load.
func (c *Client) BulkLoad(ctx context.Context, index string, docs []Document) error {
	chunks := 0
	for lo := 0; lo < len(docs); lo += BulkChunkSize {
		hi := min(lo+BulkChunkSize, len(docs))
		if err := c.bulkChunk(ctx, index, docs[lo:hi]); err != nil {
			return err
		}
		chunks++
		c.log.Debug("bulk chunk written",
			slog.String("index", index),
			slog.Int("chunk", chunks),
			slog.Int("docs", hi-lo),
		)
	}

	c.log.Info("bulk load complete",
		slog.String("index", index),
		slog.Int("docs", len(docs)),
		slog.Int("chunks", chunks),
	)
	return nil
}

// bulkChunk issues one _bulk request for a single chunk.
func (c *Client) bulkChunk(ctx context.Context, index string, docs []Document) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	for _, doc := range docs {
		action := map[string]any{
			"index": map[string]any{"_index": index, "_id": doc.ID},
		}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("search: encode bulk action: %w", err)
		}
		if err := enc.Encode(doc.Body); err != nil {
			return fmt.Errorf("search: encode document %q: %w", doc.ID, err)
		}
	}

	res, err := c.es.Bulk(
		bytes.NewReader(buf.Bytes()),
		c.es.Bulk.WithContext(ctx),
		c.es.Bulk.WithIndex(index),
		c.es.Bulk.WithRefresh("true"),
	)
	if err != nil {
		return fmt.Errorf("search: bulk write to %q: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("search: bulk write to %q: %s", index, res.String())
	}

	var result struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return fmt.Errorf("search: decode bulk response: %w", err)
	}
	if result.Errors {
		for _, item := range result.Items {
			for op, detail := range item {
				if len(detail.Error) > 0 {
					return fmt.Errorf("search: bulk %s failed with status %d: %s", op, detail.Status, detail.Error)
				}
			}
		}
		return fmt.Errorf("search: bulk write to %q reported item errors", index)
	}

	return nil
}

// PutInferencePipeline creates (or replaces) an ingest pipeline that runs
// the given in-engine embedding model over sourceField and stores the
// resulting vector in targetField.
func (c *Client) PutInferencePipeline(ctx context.Context, id, modelID, sourceField, targetField string) error {
	body, err := json.Marshal(map[string]any{
		"description": "embed " + sourceField + " with " + modelID,
		"processors": []map[string]any{
			{
				"inference": map[string]any{
					"model_id":     modelID,
					"target_field": "_ml",
					"field_map":    map[string]any{sourceField: "text_field"},
				},
			},
			{
				"rename": map[string]any{
					"field":        "_ml.predicted_value",
					"target_field": targetField,
				},
			},
			{
				"remove": map[string]any{
					"field":          "_ml",
					"ignore_missing": true,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: marshal pipeline %q: %w", id, err)
	}

	res, err := c.es.Ingest.PutPipeline(
		id,
		bytes.NewReader(body),
		c.es.Ingest.PutPipeline.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("search: put pipeline %q: %w", id, err)
	}
	return drain(res, "put pipeline "+id)
}

// Reindex starts a background reindex from source into dest through the
// given ingest pipeline and returns the engine's task id for polling.
func (c *Client) Reindex(ctx context.Context, source, dest, pipeline string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"source": map[string]any{"index": source},
		"dest":   map[string]any{"index": dest, "pipeline": pipeline},
	})
	if err != nil {
		return "", fmt.Errorf("search: marshal reindex body: %w", err)
	}

	res, err := c.es.Reindex(
		bytes.NewReader(body),
		c.es.Reindex.WithContext(ctx),
		c.es.Reindex.WithWaitForCompletion(false),
	)
	if err != nil {
		return "", fmt.Errorf("search: reindex %s -> %s: %w", source, dest, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return "", fmt.Errorf("search: reindex %s -> %s: %s", source, dest, res.String())
	}

	var result struct {
		Task string `json:"task"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("search: decode reindex response: %w", err)
	}
	if result.Task == "" {
		return "", fmt.Errorf("search: reindex %s -> %s returned no task id", source, dest)
	}

	c.log.Info("reindex started",
		slog.String("source", source),
		slog.String("dest", dest),
		slog.String("task", result.Task),
	)
	return result.Task, nil
}

// WaitForTask polls the task API every second until the task reports
// completion. The wait is unbounded by design but honours ctx cancellation,
// so callers control the overall deadline.
func (c *Client) WaitForTask(ctx context.Context, taskID string) error {
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()

	for {
		completed, err := c.taskCompleted(ctx, taskID)
		if err != nil {
			return err
		}
		if completed {
			c.log.Info("task completed", slog.String("task", taskID))
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("search: waiting for task %q: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// taskCompleted fetches the task status once.
func (c *Client) taskCompleted(ctx context.Context, taskID string) (bool, error) {
	res, err := c.es.Tasks.Get(
		taskID,
		c.es.Tasks.Get.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("search: get task %q: %w", taskID, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return false, fmt.Errorf("search: get task %q: %s", taskID, res.String())
	}

	var result struct {
		Completed bool `json:"completed"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("search: decode task response: %w", err)
	}
	return result.Completed, nil
}

// drain checks res for an error status and closes its body.
func drain(res *esapi.Response, op string) error {
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("search: %s: %s", op, res.String())
	}
	return nil
}
