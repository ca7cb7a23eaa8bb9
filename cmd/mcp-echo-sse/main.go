package main

import (
	"os"

	"github.com/ggoodman/mcp-echo-sse/cmd/mcp-echo-sse/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
