package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/himashjayasinghe/Azure-AI-studio-demo/internal/config"
	"github.com/himashjayasinghe/Azure-AI-studio-demo/internal/dataset"
	"github.com/himashjayasinghe/Azure-AI-studio-demo/internal/embed"
	"github.com/himashjayasinghe/Azure-AI-studio-demo/internal/logging"
	"github.com/himashjayasinghe/Azure-AI-studio-demo/internal/search"
)

// Index field names written by the load pipeline.
const (
	// fieldID is the keyword identifier field.
	fieldID = "id"
	// fieldText is the full-text content field.
	fieldText = "text"
	// fieldEmbedding holds externally computed vectors.
	fieldEmbedding = "embedding"
	// fieldEngineEmbedding holds vectors computed by the in-engine model.
	fieldEngineEmbedding = "text_embedding"
)

// NewLoadCmd constructs the `esground load` command, which fetches the
// remote dataset and (re)builds the search index for the chosen mode.
func NewLoadCmd() *cobra.Command {
	var mode string
	var datasetURL string
	var index string
	var limit int

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Fetch the dataset and (re)build the search index",
		Long: `Fetch the remote CSV dataset and load it into Elasticsearch.

The target index is deleted and recreated on every run — load is a reset,
not an upsert.

Per mode:
  lexical   index id + text fields only
  engine    bulk load raw rows into a staging index, then reindex through an
            inference ingest pipeline so the engine computes the embeddings
  external  embed every row via the Azure OpenAI embedding deployment
            (batched, throttled, retried), then index rows with vectors

Examples:
  esground load --mode lexical --dataset-url https://example.com/articles.csv
  esground load --mode external --index wiki-vectors --limit 1000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			if err := validateMode(mode); err != nil {
				return fmt.Errorf("load: %w", err)
			}
			if datasetURL != "" {
				cfg.Dataset.URL = datasetURL
			}
			if index != "" {
				cfg.Elasticsearch.Index = index
			}
			if limit > 0 {
				cfg.Dataset.Limit = limit
			}

			if err := cfg.ValidateElasticsearch(); err != nil {
				return fmt.Errorf("load: %w", err)
			}
			if err := cfg.ValidateDataset(); err != nil {
				return fmt.Errorf("load: %w", err)
			}

			loader := dataset.NewLoader(cfg.Dataset.IDColumn, cfg.Dataset.TextColumn, cfg.Dataset.Limit)
			rows, err := loader.Fetch(ctx, cfg.Dataset.URL)
			if err != nil {
				return fmt.Errorf("load: %w", err)
			}
			log.Info("dataset fetched", slog.String("url", cfg.Dataset.URL), slog.Int("rows", len(rows)))

			client, err := search.NewClient(&search.Config{
				Endpoint: cfg.Elasticsearch.Endpoint,
				APIKey:   cfg.Elasticsearch.APIKey,
			}, log)
			if err != nil {
				return fmt.Errorf("load: %w", err)
			}

			switch mode {
			case modeLexical:
				return loadLexical(ctx, client, cfg.Elasticsearch.Index, rows)
			case modeExternal:
				return loadExternal(ctx, client, cfg, rows, log)
			case modeEngine:
				return loadEngine(ctx, client, cfg, rows)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", modeLexical, "Retrieval mode to build for (lexical, engine, external)")
	cmd.Flags().StringVarP(&datasetURL, "dataset-url", "u", "", "CSV dataset URL (overrides config)")
	cmd.Flags().StringVarP(&index, "index", "i", "", "Target index name (overrides config)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of rows to load (0 = all)")

	return cmd
}

// loadLexical builds a plain full-text index: id + text, no vectors.
func loadLexical(ctx context.Context, client *search.Client, index string, rows []dataset.Row) error {
	mapping := search.Mapping{
		fieldID:   search.KeywordField(),
		fieldText: search.TextField(),
	}
	if err := client.EnsureIndex(ctx, index, mapping); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := client.BulkLoad(ctx, index, bulkDocs(rows, "")); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	return nil
}

// loadExternal embeds every row through the Azure OpenAI deployment before
// indexing rows together with their vectors.
func loadExternal(ctx context.Context, client *search.Client, cfg *config.Config, rows []dataset.Row, log *slog.Logger) error {
	if err := cfg.ValidateEmbedding(); err != nil {
		return fmt.Errorf("load: %w", err)
	}

	embedder := embed.NewAzureEmbedder(&embed.AzureConfig{
		Endpoint: cfg.EmbeddingEndpoint(),
		APIKey:   cfg.EmbeddingKey(),
	})
	batcher, err := embed.NewBatcher(embedder, &embed.BatcherConfig{Logger: log})
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	vectors, err := batcher.EmbedAll(ctx, dataset.Texts(rows))
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := dataset.AttachEmbeddings(rows, vectors); err != nil {
		return fmt.Errorf("load: %w", err)
	}

	mapping := search.Mapping{
		fieldID:        search.KeywordField(),
		fieldText:      search.TextField(),
		fieldEmbedding: search.DenseVectorField(cfg.Embedding.Dimensions),
	}
	if err := client.EnsureIndex(ctx, cfg.Elasticsearch.Index, mapping); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := client.BulkLoad(ctx, cfg.Elasticsearch.Index, bulkDocs(rows, fieldEmbedding)); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	return nil
}

// loadEngine bulk loads raw rows into a staging index, then reindexes them
// through an inference pipeline so the in-engine model computes the vectors.
func loadEngine(ctx context.Context, client *search.Client, cfg *config.Config, rows []dataset.Row) error {
	staging := cfg.Elasticsearch.Index + "-raw"

	rawMapping := search.Mapping{
		fieldID:   search.KeywordField(),
		fieldText: search.TextField(),
	}
	if err := client.EnsureIndex(ctx, staging, rawMapping); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := client.BulkLoad(ctx, staging, bulkDocs(rows, "")); err != nil {
		return fmt.Errorf("load: %w", err)
	}

	if err := client.PutInferencePipeline(ctx, cfg.Engine.Pipeline, cfg.Engine.ModelID, fieldText, fieldEngineEmbedding); err != nil {
		return fmt.Errorf("load: %w", err)
	}

	mapping := search.Mapping{
		fieldID:              search.KeywordField(),
		fieldText:            search.TextField(),
		fieldEngineEmbedding: search.DenseVectorField(cfg.Engine.Dimensions),
	}
	if err := client.EnsureIndex(ctx, cfg.Elasticsearch.Index, mapping); err != nil {
		return fmt.Errorf("load: %w", err)
	}

	taskID, err := client.Reindex(ctx, staging, cfg.Elasticsearch.Index, cfg.Engine.Pipeline)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	if err := client.WaitForTask(ctx, taskID); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	return nil
}

// bulkDocs converts dataset rows into bulk documents. When vectorField is
// non-empty each row's embedding is written under that field name.
func bulkDocs(rows []dataset.Row, vectorField string) []search.Document {
	docs := make([]search.Document, 0, len(rows))
	for _, r := range rows {
		body := map[string]any{
			fieldID:   r.ID,
			fieldText: r.Text,
		}
		if vectorField != "" && r.Embedding != nil {
			body[vectorField] = r.Embedding
		}
		docs = append(docs, search.Document{ID: r.ID, Body: body})
	}
	return docs
}
