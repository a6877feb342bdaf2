// Package embed converts dataset text into dense vector embeddings using an
// Azure OpenAI embedding deployment, and provides the batching layer that
// drives those calls with retry and throttling. The embedder talks to the
// REST API via plain HTTP — no additional SDK dependencies are required.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// APIError is returned when the embedding endpoint answers with a non-2xx
// status. It carries the HTTP status so callers can separate transient
// failures (rate limits, server errors) from permanent ones (bad key,
// malformed request).
type APIError struct {
	// StatusCode is the HTTP status returned by the endpoint.
	StatusCode int
	// Message is the provider's error message, if one was returned.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("embedding API HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("embedding API HTTP %d", e.StatusCode)
}

// Retryable reports whether the error is worth retrying: rate limits and
// server-side failures are, everything else (authorization, malformed
// request) is not.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// AzureConfig holds the settings for constructing an AzureEmbedder.
type AzureConfig struct {
	// Endpoint is the full embeddings request URL, including the deployment
	// path and api-version query parameter.
	Endpoint string
	// APIKey is the api-key header value.
	APIKey string
}

// AzureEmbedder implements Embedder using the Azure OpenAI embeddings REST
// API, keyed by a deployment identifier baked into the endpoint URL.
// It is safe for concurrent use.
type AzureEmbedder struct {
	// endpoint is the full embeddings request URL.
	endpoint string
	// apiKey is the api-key header value.
	apiKey string
	// client is the shared HTTP client with a sensible timeout.
	client *http.Client
}

// NewAzureEmbedder constructs an AzureEmbedder from the given config.
func NewAzureEmbedder(cfg *AzureConfig) *AzureEmbedder {
	return &AzureEmbedder{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// embedRequest is the JSON body sent to the embeddings endpoint.
type embedRequest struct {
	Input []string `json:"input"`
}

// embedResponse is the JSON body returned from the embeddings endpoint.
type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed converts a batch of texts into their corresponding embeddings.
// The returned slice is parallel to the input slice. Non-2xx responses are
// surfaced as *APIError so the batcher can classify them.
func (e *AzureEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(embedRequest{Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("embed: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		// Error bodies are not always JSON; report the status alone.
		return nil, &APIError{StatusCode: resp.StatusCode}
	} else if err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if result.Error != nil {
			apiErr.Message = result.Error.Message
		}
		return nil, apiErr
	}

	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embed: expected %d embeddings, got %d", len(texts), len(result.Data))
	}

	// The API may return data out of order; restore input order by index.
	embeddings := make([][]float32, len(texts))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embed: index %d out of range [0, %d)", d.Index, len(texts))
		}
		embeddings[d.Index] = d.Embedding
	}

	return embeddings, nil
}
