// Package config provides YAML-based configuration for esground.
// Configuration is resolved with a layered precedence: defaults → YAML file →
// env vars. Environment variables always win. The result is a single
// validated Config struct that is passed explicitly to every component —
// nothing reads configuration from global state mid-flow.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. ESGROUND_CONFIG environment variable
//  3. ~/.esground/config.yaml
//  4. ./esground.yaml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default values applied before the YAML file and env vars are read.
const (
	// DefaultIndex is the Elasticsearch index name used when none is configured.
	DefaultIndex = "esground-docs"

	// DefaultAPIVersion is the Azure OpenAI REST API version. It must support
	// the data_sources chat extension.
	DefaultAPIVersion = "2024-02-01"

	// DefaultEngineModelID is the in-engine embedding model deployed to the
	// Elasticsearch ML node. Its output dimensionality is 384.
	DefaultEngineModelID = ".multilingual-e5-small"

	// DefaultEnginePipeline is the ingest pipeline name used for the
	// in-engine embedding reindex path.
	DefaultEnginePipeline = "esground-embed"

	// DefaultEngineDims is the vector size produced by DefaultEngineModelID.
	DefaultEngineDims = 384

	// DefaultEmbedDims is the vector size produced by the external Azure
	// OpenAI embedding deployment (text-embedding-ada-002).
	DefaultEmbedDims = 1536
)

// Config is the top-level configuration structure.
// YAML tags mirror the env var naming (lowercase, underscored).
type Config struct {
	// Elasticsearch configures the search engine connection.
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`

	// AzureOpenAI configures the hosted chat model.
	AzureOpenAI AzureOpenAIConfig `yaml:"azure_openai"`

	// Embedding configures the external embedding deployment.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Engine configures the in-engine embedding model and pipeline.
	Engine EngineConfig `yaml:"engine"`

	// Dataset configures the remote dataset to load.
	Dataset DatasetConfig `yaml:"dataset"`
}

// ElasticsearchConfig holds search engine connection settings.
type ElasticsearchConfig struct {
	// Endpoint is the Elasticsearch HTTPS endpoint (including scheme).
	Endpoint string `yaml:"endpoint"`
	// APIKey is the base64-encoded Elasticsearch API key.
	// Prefer env var ELASTICSEARCH_API_KEY.
	APIKey string `yaml:"api_key"`
	// Index is the index name used by load and ask.
	Index string `yaml:"index"`
}

// AzureOpenAIConfig holds chat model settings.
type AzureOpenAIConfig struct {
	// Endpoint is the Azure OpenAI resource endpoint
	// (https://<resource>.openai.azure.com).
	Endpoint string `yaml:"endpoint"`
	// APIKey is the Azure OpenAI resource key. Prefer env var AZURE_OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	// APIVersion is the Azure OpenAI REST API version.
	APIVersion string `yaml:"api_version"`
	// Deployment is the chat model deployment name (e.g. "gpt-4o").
	Deployment string `yaml:"deployment"`
}

// EmbeddingConfig holds settings for the externally computed embedding path.
type EmbeddingConfig struct {
	// Deployment is the embedding model deployment name
	// (e.g. "text-embedding-ada-002").
	Deployment string `yaml:"deployment"`
	// Endpoint overrides the derived embedding endpoint. When empty the
	// endpoint is derived from the Azure OpenAI resource endpoint.
	Endpoint string `yaml:"endpoint"`
	// APIKey overrides the Azure OpenAI key for embedding calls.
	// Prefer env var AZURE_OPENAI_EMBED_KEY.
	APIKey string `yaml:"api_key"`
	// Dimensions is the embedding vector size (default 1536).
	Dimensions int `yaml:"dimensions"`
}

// EngineConfig holds settings for the in-engine embedding path.
type EngineConfig struct {
	// ModelID is the Elasticsearch-deployed embedding model identifier.
	ModelID string `yaml:"model_id"`
	// Pipeline is the ingest pipeline name used for reindexing.
	Pipeline string `yaml:"pipeline"`
	// Dimensions is the vector size produced by ModelID (default 384).
	Dimensions int `yaml:"dimensions"`
}

// DatasetConfig holds settings for the remote tabular dataset.
type DatasetConfig struct {
	// URL is the HTTP(S) location of the CSV dataset.
	URL string `yaml:"url"`
	// IDColumn is the CSV column holding the row identifier (default "id").
	IDColumn string `yaml:"id_column"`
	// TextColumn is the CSV column holding the row text (default "text").
	TextColumn string `yaml:"text_column"`
	// Limit caps the number of rows loaded (0 = all).
	Limit int `yaml:"limit"`
}

// envOverrides maps env var names to Config fields. Env vars are applied
// after the YAML file, so they always take precedence.
var envOverrides = []struct {
	key string
	set func(*Config, string)
}{
	{"ELASTICSEARCH_ENDPOINT", func(c *Config, v string) { c.Elasticsearch.Endpoint = v }},
	{"ELASTICSEARCH_API_KEY", func(c *Config, v string) { c.Elasticsearch.APIKey = v }},
	{"SEARCH_INDEX", func(c *Config, v string) { c.Elasticsearch.Index = v }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config, v string) { c.AzureOpenAI.Endpoint = v }},
	{"AZURE_OPENAI_API_KEY", func(c *Config, v string) { c.AzureOpenAI.APIKey = v }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config, v string) { c.AzureOpenAI.APIVersion = v }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config, v string) { c.AzureOpenAI.Deployment = v }},
	{"AZURE_OPENAI_EMBED_DEPLOYMENT", func(c *Config, v string) { c.Embedding.Deployment = v }},
	{"AZURE_OPENAI_EMBED_ENDPOINT", func(c *Config, v string) { c.Embedding.Endpoint = v }},
	{"AZURE_OPENAI_EMBED_KEY", func(c *Config, v string) { c.Embedding.APIKey = v }},
	{"EMBEDDING_DIMENSIONS", func(c *Config, v string) { c.Embedding.Dimensions = atoiOrKeep(v, c.Embedding.Dimensions) }},
	{"ELASTIC_MODEL_ID", func(c *Config, v string) { c.Engine.ModelID = v }},
	{"ELASTIC_PIPELINE", func(c *Config, v string) { c.Engine.Pipeline = v }},
	{"DATASET_URL", func(c *Config, v string) { c.Dataset.URL = v }},
	{"DATASET_ID_COLUMN", func(c *Config, v string) { c.Dataset.IDColumn = v }},
	{"DATASET_TEXT_COLUMN", func(c *Config, v string) { c.Dataset.TextColumn = v }},
	{"DATASET_LIMIT", func(c *Config, v string) { c.Dataset.Limit = atoiOrKeep(v, c.Dataset.Limit) }},
}

// Load resolves the full configuration: defaults, then the YAML file (if one
// is found), then env var overrides. It returns the resolved Config and the
// path of the file that was loaded ("" if none).
func Load(explicitPath string, log *slog.Logger) (*Config, string, error) {
	cfg := defaults()

	path := resolveConfigPath(explicitPath)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, "", fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
		log.Info("config: loaded YAML config", slog.String("path", path))
	} else {
		log.Debug("config: no YAML config file found, using env vars only")
	}

	for _, o := range envOverrides {
		if v := os.Getenv(o.key); v != "" {
			o.set(cfg, v)
		}
	}

	cfg.applyFallbacks()

	return cfg, path, nil
}

// defaults returns a Config pre-populated with all default values.
func defaults() *Config {
	return &Config{
		Elasticsearch: ElasticsearchConfig{Index: DefaultIndex},
		AzureOpenAI:   AzureOpenAIConfig{APIVersion: DefaultAPIVersion},
		Embedding:     EmbeddingConfig{Dimensions: DefaultEmbedDims},
		Engine: EngineConfig{
			ModelID:    DefaultEngineModelID,
			Pipeline:   DefaultEnginePipeline,
			Dimensions: DefaultEngineDims,
		},
		Dataset: DatasetConfig{IDColumn: "id", TextColumn: "text"},
	}
}

// applyFallbacks restores defaults clobbered by empty YAML sections and fills
// zero values that have a sane fallback.
func (c *Config) applyFallbacks() {
	if c.Elasticsearch.Index == "" {
		c.Elasticsearch.Index = DefaultIndex
	}
	if c.AzureOpenAI.APIVersion == "" {
		c.AzureOpenAI.APIVersion = DefaultAPIVersion
	}
	if c.Embedding.Dimensions == 0 {
		c.Embedding.Dimensions = DefaultEmbedDims
	}
	if c.Engine.ModelID == "" {
		c.Engine.ModelID = DefaultEngineModelID
	}
	if c.Engine.Pipeline == "" {
		c.Engine.Pipeline = DefaultEnginePipeline
	}
	if c.Engine.Dimensions == 0 {
		c.Engine.Dimensions = DefaultEngineDims
	}
	if c.Dataset.IDColumn == "" {
		c.Dataset.IDColumn = "id"
	}
	if c.Dataset.TextColumn == "" {
		c.Dataset.TextColumn = "text"
	}
}

// ValidateElasticsearch checks the fields every Elasticsearch call needs.
func (c *Config) ValidateElasticsearch() error {
	if c.Elasticsearch.Endpoint == "" {
		return fmt.Errorf("config: elasticsearch endpoint is required (ELASTICSEARCH_ENDPOINT)")
	}
	if !strings.HasPrefix(c.Elasticsearch.Endpoint, "http://") && !strings.HasPrefix(c.Elasticsearch.Endpoint, "https://") {
		return fmt.Errorf("config: elasticsearch endpoint %q must include a scheme", c.Elasticsearch.Endpoint)
	}
	if c.Elasticsearch.APIKey == "" {
		return fmt.Errorf("config: elasticsearch api key is required (ELASTICSEARCH_API_KEY)")
	}
	if c.Elasticsearch.Index == "" {
		return fmt.Errorf("config: search index name is required (SEARCH_INDEX)")
	}
	return nil
}

// ValidateChat checks the fields the query dispatcher needs.
func (c *Config) ValidateChat() error {
	if c.AzureOpenAI.Endpoint == "" {
		return fmt.Errorf("config: azure openai endpoint is required (AZURE_OPENAI_ENDPOINT)")
	}
	if c.AzureOpenAI.APIKey == "" {
		return fmt.Errorf("config: azure openai api key is required (AZURE_OPENAI_API_KEY)")
	}
	if c.AzureOpenAI.Deployment == "" {
		return fmt.Errorf("config: azure openai chat deployment is required (AZURE_OPENAI_DEPLOYMENT)")
	}
	return nil
}

// ValidateEmbedding checks the fields the external embedding path needs.
func (c *Config) ValidateEmbedding() error {
	if c.Embedding.Deployment == "" {
		return fmt.Errorf("config: embedding deployment is required (AZURE_OPENAI_EMBED_DEPLOYMENT)")
	}
	if c.EmbeddingKey() == "" {
		return fmt.Errorf("config: embedding api key is required (AZURE_OPENAI_EMBED_KEY or AZURE_OPENAI_API_KEY)")
	}
	if c.Embedding.Endpoint == "" && c.AzureOpenAI.Endpoint == "" {
		return fmt.Errorf("config: embedding endpoint is required (AZURE_OPENAI_EMBED_ENDPOINT or AZURE_OPENAI_ENDPOINT)")
	}
	return nil
}

// ValidateDataset checks the fields the dataset loader needs.
func (c *Config) ValidateDataset() error {
	if c.Dataset.URL == "" {
		return fmt.Errorf("config: dataset url is required (DATASET_URL or --dataset-url)")
	}
	return nil
}

// EmbeddingEndpoint returns the full embedding request URL: the configured
// override, or one derived from the Azure OpenAI resource endpoint,
// deployment, and API version.
func (c *Config) EmbeddingEndpoint() string {
	if c.Embedding.Endpoint != "" {
		return c.Embedding.Endpoint
	}
	if c.AzureOpenAI.Endpoint == "" || c.Embedding.Deployment == "" {
		return ""
	}
	return fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
		strings.TrimRight(c.AzureOpenAI.Endpoint, "/"), c.Embedding.Deployment, c.AzureOpenAI.APIVersion)
}

// EmbeddingKey returns the key for embedding calls, falling back to the
// Azure OpenAI resource key.
func (c *Config) EmbeddingKey() string {
	if c.Embedding.APIKey != "" {
		return c.Embedding.APIKey
	}
	return c.AzureOpenAI.APIKey
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("ESGROUND_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".esground", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("esground.yaml"); err == nil {
		return "esground.yaml"
	}

	return ""
}

// atoiOrKeep parses v as an int, returning keep when v is not parseable.
func atoiOrKeep(v string, keep int) int {
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return keep
}
