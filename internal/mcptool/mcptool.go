// Package mcptool exposes code execution as an MCP tool.
package mcptool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/michaelbrown/coderun/internal/execution"
	"github.com/michaelbrown/coderun/internal/language"
)

const (
	ToolName = "code_run"
	// maxText caps the tool output handed back to the model.
	maxText = 4000
)

// Executor runs one request. *execution.Coordinator satisfies it.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (*execution.Response, error)
}

// NewServer builds an MCP server with the code_run tool. Every call runs as
// caller.
func NewServer(exec Executor, langs []language.Language, caller, version string) *server.MCPServer {
	s := server.NewMCPServer("coderun", version)
	s.AddTool(Tool(langs), Handler(exec, caller))
	return s
}

// Tool describes code_run for the given languages.
func Tool(langs []language.Language) mcp.Tool {
	ids := make([]string, len(langs))
	for i, l := range langs {
		ids[i] = l.ID
	}
	return mcp.Tool{
		Name:        ToolName,
		Description: fmt.Sprintf("Execute code in an isolated process sandbox. Supported languages: %s.", strings.Join(ids, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": fmt.Sprintf("Programming language (%s)", strings.Join(ids, ", ")),
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
				"stdin": map[string]any{
					"type":        "string",
					"description": "Standard input to provide to the program (optional)",
				},
				"timeout_ms": map[string]any{
					"type":        "number",
					"description": "Wall-clock limit in milliseconds (optional)",
				},
			},
			Required: []string{"language", "code"},
		},
	}
}

// Handler returns the code_run tool handler.
func Handler(exec Executor, caller string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := request.Params.Arguments.(map[string]any)
		if args == nil {
			return errResult("error: invalid arguments"), nil
		}

		lang, _ := args["language"].(string)
		code, _ := args["code"].(string)
		stdin, _ := args["stdin"].(string)
		timeoutMs, _ := args["timeout_ms"].(float64)

		if lang == "" || code == "" {
			return errResult("error: 'language' and 'code' are required"), nil
		}

		resp, err := exec.Execute(ctx, execution.Request{
			Language: lang,
			Code:     code,
			Caller:   caller,
			Stdin:    stdin,
			Timeout:  time.Duration(timeoutMs) * time.Millisecond,
		})
		if err != nil {
			if errors.Is(err, execution.ErrUnsupportedLanguage) {
				return errResult(fmt.Sprintf("error: unsupported language %q", lang)), nil
			}
			return errResult(fmt.Sprintf("error: %v", err)), nil
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: render(resp)}},
			IsError: !resp.Status.Success(),
		}, nil
	}
}

func render(resp *execution.Response) string {
	var output strings.Builder
	output.WriteString(resp.Stdout)
	if resp.Stderr != "" {
		if output.Len() > 0 {
			output.WriteString("\n")
		}
		output.WriteString("STDERR:\n" + resp.Stderr)
	}
	if resp.StdoutTruncated || resp.StderrTruncated {
		output.WriteString("\n(output limit reached)")
	}
	if !resp.Status.Success() {
		fmt.Fprintf(&output, "\n%s", resp.Status)
		if resp.Message != "" {
			fmt.Fprintf(&output, " (%s)", resp.Message)
		}
	}

	text := output.String()
	if len(text) > maxText {
		text = text[:maxText] + "\n... (output truncated)"
	}
	return text
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
