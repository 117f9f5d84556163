package mcptool

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/michaelbrown/coderun/internal/execution"
	"github.com/michaelbrown/coderun/internal/language"
	"github.com/michaelbrown/coderun/internal/sandbox"
)

type fakeExecutor struct {
	got  execution.Request
	resp *execution.Response
	err  error
}

func (f *fakeExecutor) Execute(ctx context.Context, req execution.Request) (*execution.Response, error) {
	f.got = req
	return f.resp, f.err
}

func call(t *testing.T, exec Executor, args any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Name = ToolName
	req.Params.Arguments = args
	res, err := Handler(exec, "mcp")(context.Background(), req)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content = %+v", res.Content)
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content type %T", res.Content[0])
	}
	return tc.Text
}

func TestHandlerSuccess(t *testing.T) {
	exec := &fakeExecutor{resp: &execution.Response{Result: sandbox.Result{Stdout: "42\n", Status: sandbox.Exited(0)}}}

	res := call(t, exec, map[string]any{"language": "python", "code": "print(42)", "stdin": "x", "timeout_ms": float64(1500)})
	if res.IsError {
		t.Error("successful run flagged as error")
	}
	if got := text(t, res); got != "42\n" {
		t.Errorf("text = %q", got)
	}
	if exec.got.Caller != "mcp" || exec.got.Stdin != "x" || exec.got.Timeout != 1500*time.Millisecond {
		t.Errorf("request = %+v", exec.got)
	}
}

func TestHandlerFailedRun(t *testing.T) {
	exec := &fakeExecutor{resp: &execution.Response{Result: sandbox.Result{
		Stderr:  "Traceback",
		Status:  sandbox.TimedOut(),
		Message: "exceeded 5s",
	}}}

	res := call(t, exec, map[string]any{"language": "python", "code": "while True: pass"})
	if !res.IsError {
		t.Error("timeout should be flagged as error")
	}
	got := text(t, res)
	for _, want := range []string{"STDERR:\nTraceback", "killed by timeout", "exceeded 5s"} {
		if !strings.Contains(got, want) {
			t.Errorf("text %q missing %q", got, want)
		}
	}
}

func TestHandlerArgumentErrors(t *testing.T) {
	exec := &fakeExecutor{err: execution.ErrUnsupportedLanguage}

	if res := call(t, exec, nil); !res.IsError || !strings.Contains(text(t, res), "invalid arguments") {
		t.Error("nil arguments should be rejected")
	}
	if res := call(t, exec, map[string]any{"language": "python"}); !res.IsError || !strings.Contains(text(t, res), "required") {
		t.Error("missing code should be rejected")
	}
	if res := call(t, exec, map[string]any{"language": "cobol", "code": "x"}); !strings.Contains(text(t, res), `unsupported language "cobol"`) {
		t.Errorf("text = %q", text(t, res))
	}
}

func TestHandlerTruncatesLongOutput(t *testing.T) {
	exec := &fakeExecutor{resp: &execution.Response{Result: sandbox.Result{
		Stdout: strings.Repeat("a", maxText*2),
		Status: sandbox.Exited(0),
	}}}

	got := text(t, call(t, exec, map[string]any{"language": "sh", "code": "yes"}))
	if len(got) > maxText+50 || !strings.HasSuffix(got, "(output truncated)") {
		t.Errorf("output length %d", len(got))
	}
}

func TestToolListsLanguages(t *testing.T) {
	tool := Tool(language.Default().Languages())
	if tool.Name != ToolName || !strings.Contains(tool.Description, "javascript") {
		t.Errorf("tool = %+v", tool)
	}
}

func TestServerRoundTrip(t *testing.T) {
	exec := &fakeExecutor{resp: &execution.Response{Result: sandbox.Result{Stdout: "hello\n", Status: sandbox.Exited(0)}}}
	s := NewServer(exec, language.Default().Languages(), "agent", "test")

	c, err := client.NewInProcessClient(s)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "coderun-test", Version: "0.1.0"},
		},
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != ToolName {
		t.Fatalf("tools = %+v", tools.Tools)
	}

	res, err := c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      ToolName,
			Arguments: map[string]any{"language": "sh", "code": "echo hello"},
		},
	})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.IsError || text(t, res) != "hello\n" {
		t.Errorf("result = %+v", res)
	}
	if exec.got.Caller != "agent" || exec.got.Language != "sh" {
		t.Errorf("request = %+v", exec.got)
	}
}
