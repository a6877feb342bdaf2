package chat

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"
)

// Config holds everything the dispatcher needs: the chat model connection
// and the retrieval settings forwarded as the data source attachment.
type Config struct {
	// Endpoint is the Azure OpenAI resource endpoint.
	Endpoint string

	// APIKey is the Azure OpenAI resource key.
	APIKey string

	// APIVersion is the Azure OpenAI REST API version.
	APIVersion string

	// Deployment is the chat model deployment name.
	Deployment string

	// SystemPrompt is prepended as a system message when non-empty.
	SystemPrompt string

	// SearchEndpoint is the Elasticsearch endpoint for grounding retrieval.
	SearchEndpoint string

	// SearchKey is the encoded Elasticsearch API key.
	SearchKey string

	// Index is the index queried for grounding documents.
	Index string

	// EmbeddingModelID enables vector retrieval via an in-engine model.
	EmbeddingModelID string

	// EmbeddingEndpoint and EmbeddingKey enable vector retrieval via
	// externally computed query embeddings.
	EmbeddingEndpoint string
	EmbeddingKey      string

	// Options are extra client request options, applied after the Azure
	// ones. Tests use this to point the client at a local server.
	Options []option.RequestOption
}

// Dispatcher issues single-turn grounded chat requests. No retry, no
// streaming, no conversation state.
type Dispatcher struct {
	// client is the Azure OpenAI chat client.
	client openai.Client

	// cfg holds the resolved dispatcher configuration.
	cfg *Config
}

// NewDispatcher constructs a Dispatcher from the given config. The Azure
// endpoint and api-version are set as explicit client configuration, so no
// request-path rewriting is ever needed.
func NewDispatcher(cfg *Config) (*Dispatcher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("chat: config must not be nil")
	}
	if cfg.Deployment == "" {
		return nil, fmt.Errorf("chat: deployment must not be empty")
	}

	var opts []option.RequestOption
	if cfg.Endpoint != "" {
		opts = append(opts,
			azure.WithEndpoint(cfg.Endpoint, cfg.APIVersion),
			azure.WithAPIKey(cfg.APIKey),
		)
	}
	opts = append(opts, cfg.Options...)

	return &Dispatcher{
		client: openai.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

// DataSource builds the attachment describing the grounding retrieval for
// this dispatcher's configuration. The query type follows SelectQueryType.
func (d *Dispatcher) DataSource() DataSource {
	return DataSource{
		Type: "elasticsearch",
		Parameters: Parameters{
			Endpoint:  d.cfg.SearchEndpoint,
			IndexName: d.cfg.Index,
			Authentication: Authentication{
				Type:          "encoded_api_key",
				EncodedAPIKey: d.cfg.SearchKey,
			},
			QueryType:         SelectQueryType(d.cfg.EmbeddingModelID, d.cfg.EmbeddingEndpoint, d.cfg.EmbeddingKey),
			EmbeddingModelID:  d.cfg.EmbeddingModelID,
			EmbeddingEndpoint: d.cfg.EmbeddingEndpoint,
			EmbeddingKey:      d.cfg.EmbeddingKey,
		},
	}
}

// Ask sends one chat-completion request carrying the data source attachment
// and returns the first returned answer's text content.
func (d *Dispatcher) Ask(ctx context.Context, question string) (string, error) {
	if question == "" {
		return "", fmt.Errorf("chat: question must not be empty")
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if d.cfg.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(d.cfg.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(question))

	resp, err := d.client.Chat.Completions.New(ctx,
		openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(d.cfg.Deployment),
			Messages: messages,
		},
		option.WithJSONSet("data_sources", []DataSource{d.DataSource()}),
	)
	if err != nil {
		return "", fmt.Errorf("chat: completion request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat: response contained no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
