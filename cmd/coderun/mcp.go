package main

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderun/internal/mcptool"
)

var mcpCallerFlag string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the code_run tool over MCP stdio",
	Long: `Run an MCP server on stdin/stdout exposing a single code_run tool.
Logs go to stderr so they never mix with protocol traffic.

Example client configuration:
  {"command": "coderun", "args": ["mcp"]}`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpCallerFlag, "caller", "mcp", "Caller id recorded for tool calls")
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(context.Background(), cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	s := mcptool.NewServer(a.coord, a.resolver.Languages(), mcpCallerFlag, version)
	return server.ServeStdio(s)
}
