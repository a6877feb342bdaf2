// Package commands defines all Cobra CLI commands for the esground binary.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/himashjayasinghe/Azure-AI-studio-demo/internal/audit"
	"github.com/himashjayasinghe/Azure-AI-studio-demo/internal/config"
	"github.com/himashjayasinghe/Azure-AI-studio-demo/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// cfg is the configuration resolved once by the root command and passed
// explicitly into every component the subcommands construct.
var cfg *config.Config

// Retrieval modes accepted by the --mode flag.
const (
	// modeLexical retrieves by full-text term matching; no embeddings anywhere.
	modeLexical = "lexical"
	// modeEngine retrieves by vector search over embeddings computed inside
	// the engine by a deployed ML model.
	modeEngine = "engine"
	// modeExternal retrieves by vector search over embeddings computed by an
	// Azure OpenAI embedding deployment.
	modeExternal = "external"
)

// validateMode rejects --mode values outside the three retrieval modes.
func validateMode(mode string) error {
	switch mode {
	case modeLexical, modeEngine, modeExternal:
		return nil
	default:
		return fmt.Errorf("invalid --mode %q — valid values: %s, %s, %s", mode, modeLexical, modeEngine, modeExternal)
	}
}

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "esground",
		Short: "Ground Azure OpenAI chat answers in an Elasticsearch index",
		Long: `esground demonstrates retrieval-grounded chat: it loads a remote dataset
into an Elasticsearch index and sends chat questions to Azure OpenAI with a
data source attachment, so answers are grounded in the indexed documents.

Three retrieval modes are supported:
  lexical   full-text term matching, no embeddings
  engine    vector search, embeddings computed by a model deployed in the engine
  external  vector search, embeddings computed by an Azure OpenAI deployment

Connection settings come from a YAML config file (~/.esground/config.yaml)
and/or environment variables; env vars always win.
See 'esground --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			loaded, path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			cfg = loaded

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), path)

			cmd.SetContext(logging.WithLogger(cmd.Context(), log))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.esground/config.yaml)")

	root.AddCommand(
		NewLoadCmd(),
		NewAskCmd(),
		NewVersionCmd(),
	)

	return root
}
