package commands

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/himashjayasinghe/Azure-AI-studio-demo/internal/chat"
)

// defaultSystemPrompt instructs the model to stay within the retrieved
// documents instead of answering from parametric knowledge.
const defaultSystemPrompt = "You are a helpful assistant. Answer using only the retrieved documents; say so when they do not contain the answer."

// NewAskCmd constructs the `esground ask` command, which sends one grounded
// question to the chat model and prints the answer.
func NewAskCmd() *cobra.Command {
	var mode string
	var index string
	var system string

	cmd := &cobra.Command{
		Use:   "ask [question...]",
		Short: "Ask a question grounded in the search index",
		Long: `Send a single chat question to Azure OpenAI with the Elasticsearch index
attached as a data source, and print the first answer's text.

The retrieval mode determines how grounding documents are found:
  lexical   term matching over the text field
  engine    vector search, query embedded by the in-engine model
  external  vector search, query embedded by the Azure OpenAI deployment

The index must have been built with a matching 'esground load' run.

Examples:
  esground ask "what did the review say about the blender?"
  esground ask --mode external "which articles discuss solar power?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if err := validateMode(mode); err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			if index != "" {
				cfg.Elasticsearch.Index = index
			}

			if err := cfg.ValidateChat(); err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			if err := cfg.ValidateElasticsearch(); err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			chatCfg := &chat.Config{
				Endpoint:       cfg.AzureOpenAI.Endpoint,
				APIKey:         cfg.AzureOpenAI.APIKey,
				APIVersion:     cfg.AzureOpenAI.APIVersion,
				Deployment:     cfg.AzureOpenAI.Deployment,
				SystemPrompt:   system,
				SearchEndpoint: cfg.Elasticsearch.Endpoint,
				SearchKey:      cfg.Elasticsearch.APIKey,
				Index:          cfg.Elasticsearch.Index,
			}

			switch mode {
			case modeEngine:
				chatCfg.EmbeddingModelID = cfg.Engine.ModelID
			case modeExternal:
				if err := cfg.ValidateEmbedding(); err != nil {
					return fmt.Errorf("ask: %w", err)
				}
				chatCfg.EmbeddingEndpoint = cfg.EmbeddingEndpoint()
				chatCfg.EmbeddingKey = cfg.EmbeddingKey()
			}

			dispatcher, err := chat.NewDispatcher(chatCfg)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			question := strings.Join(args, " ")
			answer, err := dispatcher.Ask(ctx, question)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			boldCyan := color.New(color.FgCyan, color.Bold).SprintFunc()
			fmt.Printf("%s %s\n\n%s\n", boldCyan("Q:"), question, answer)
			return nil
		},
	}

	cmd.Flags().StringVarP(&mode, "mode", "m", modeLexical, "Retrieval mode (lexical, engine, external)")
	cmd.Flags().StringVarP(&index, "index", "i", "", "Index to ground against (overrides config)")
	cmd.Flags().StringVarP(&system, "system", "s", defaultSystemPrompt, "System prompt sent with the question")

	return cmd
}
