// Command esground grounds Azure OpenAI chat answers in an Elasticsearch
// index. It loads a remote dataset into the engine (optionally embedding it
// first) and sends chat questions with a retrieval data source attached.
package main

import (
	"fmt"
	"os"

	"github.com/himashjayasinghe/Azure-AI-studio-demo/cmd/esground/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
