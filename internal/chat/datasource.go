// Package chat sends grounded chat requests to Azure OpenAI. Each request
// carries a data-source attachment telling the service where and how to
// retrieve grounding documents from Elasticsearch before generating the
// answer.
package chat

// QueryType is the retrieval mode carried in the data source attachment.
type QueryType string

const (
	// QueryTypeSimple retrieves by lexical term matching.
	QueryTypeSimple QueryType = "simple"

	// QueryTypeVector retrieves by nearest-neighbour search over embeddings.
	QueryTypeVector QueryType = "vector"
)

// SelectQueryType picks the retrieval mode from the configured embedding
// parameters: vector when an in-engine embedding model id is set, or when an
// external embedding endpoint and key pair is set; lexical otherwise.
func SelectQueryType(modelID, embeddingEndpoint, embeddingKey string) QueryType {
	if modelID != "" {
		return QueryTypeVector
	}
	if embeddingEndpoint != "" && embeddingKey != "" {
		return QueryTypeVector
	}
	return QueryTypeSimple
}

// Authentication carries the engine credential inside the data source block.
type Authentication struct {
	// Type is the credential kind; always "encoded_api_key" here.
	Type string `json:"type"`

	// EncodedAPIKey is the base64-encoded Elasticsearch API key.
	EncodedAPIKey string `json:"encoded_api_key"`
}

// Parameters tells the chat service where and how to retrieve grounding
// documents.
type Parameters struct {
	// Endpoint is the Elasticsearch endpoint.
	Endpoint string `json:"endpoint"`

	// IndexName is the index queried for grounding documents.
	IndexName string `json:"index_name"`

	// Authentication is the engine credential.
	Authentication Authentication `json:"authentication"`

	// QueryType selects lexical or vector retrieval.
	QueryType QueryType `json:"query_type"`

	// EmbeddingModelID names the in-engine embedding model used to embed the
	// query. Vector mode with in-engine embeddings only.
	EmbeddingModelID string `json:"embedding_model_id,omitempty"`

	// EmbeddingEndpoint is the external embedding request URL used to embed
	// the query. Vector mode with external embeddings only.
	EmbeddingEndpoint string `json:"embedding_endpoint,omitempty"`

	// EmbeddingKey is the key for EmbeddingEndpoint.
	EmbeddingKey string `json:"embedding_key,omitempty"`
}

// DataSource is the structured block passed with a chat request describing
// where and how to retrieve grounding documents.
type DataSource struct {
	// Type names the retrieval backend; always "elasticsearch" here.
	Type string `json:"type"`

	// Parameters holds the engine connection and retrieval settings.
	Parameters Parameters `json:"parameters"`
}
