package scenario

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/michaelbrown/coderun/internal/execution"
	"github.com/michaelbrown/coderun/internal/sandbox"
)

func TestBuiltinScenariosParse(t *testing.T) {
	scenarios := Builtin()
	if len(scenarios) < 5 {
		t.Fatalf("got %d builtin scenarios", len(scenarios))
	}
	for _, s := range scenarios {
		if s.Description == "" || s.Language == "" || s.Code == "" {
			t.Errorf("incomplete scenario %+v", s)
		}
	}
	if scenarios[3].Timeout().Milliseconds() != 500 {
		t.Errorf("timeout scenario = %s", scenarios[3].Timeout())
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
		want string
	}{
		{"empty", ``, "no [[scenarios]]"},
		{"missing code", "[[scenarios]]\nlanguage = \"sh\"\n", "language and code are required"},
		{"bad status", "[[scenarios]]\nlanguage = \"sh\"\ncode = \"true\"\n[scenarios.expect]\nstatus = \"crashed\"\n", "unknown status"},
		{"bad toml", "[[scenarios]\n", "parsing TOML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.toml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestExpectCheck(t *testing.T) {
	res := sandbox.Result{Stdout: "hello\n", Stderr: "warn: x", Status: sandbox.Exited(0), StdoutTruncated: true}

	tests := []struct {
		name     string
		expect   Expect
		failures int
	}{
		{"empty expectation", Expect{}, 0},
		{"all match", Expect{Status: "exited", ExitCode: ptr(0), Stdout: ptr("hello\n"), StderrContains: "warn", Truncated: ptr(true)}, 0},
		{"wrong status", Expect{Status: "timeout"}, 1},
		{"wrong code", Expect{ExitCode: ptr(1)}, 1},
		{"wrong stdout", Expect{Stdout: ptr("bye\n"), StdoutContains: "bye"}, 2},
		{"not truncated", Expect{Truncated: ptr(false)}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.expect.Check(res); len(got) != tt.failures {
				t.Errorf("failures = %q, want %d", got, tt.failures)
			}
		})
	}

	timedOut := sandbox.Result{Status: sandbox.TimedOut()}
	if got := (Expect{ExitCode: ptr(0)}).Check(timedOut); len(got) != 1 {
		t.Errorf("exit code on a timeout should fail, got %q", got)
	}
}

type stubExecutor struct{}

func (stubExecutor) Execute(ctx context.Context, req execution.Request) (*execution.Response, error) {
	if req.Language == "cobol" {
		return nil, execution.ErrUnsupportedLanguage
	}
	return &execution.Response{
		RequestID: "r",
		Language:  req.Language,
		Result:    sandbox.Result{Stdout: req.Code, Status: sandbox.Exited(0)},
	}, nil
}

func TestRunAndReport(t *testing.T) {
	color.NoColor = true
	scenarios := []Scenario{
		{Description: "passes", Language: "sh", Code: "hi", Expect: Expect{Stdout: ptr("hi")}},
		{Description: "mismatch", Language: "sh", Code: "hi", Expect: Expect{Stdout: ptr("bye")}},
		{Description: "rejected", Language: "cobol", Code: "x"},
	}

	outcomes := Run(context.Background(), stubExecutor{}, "selftest", scenarios, 2)
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	if !outcomes[0].Passed() || outcomes[1].Passed() || outcomes[2].Passed() {
		t.Errorf("pass flags = %v %v %v", outcomes[0].Passed(), outcomes[1].Passed(), outcomes[2].Passed())
	}
	if !errors.Is(outcomes[2].Err, execution.ErrUnsupportedLanguage) {
		t.Errorf("outcome err = %v", outcomes[2].Err)
	}

	var buf bytes.Buffer
	if passed := Report(&buf, outcomes); passed != 1 {
		t.Errorf("passed = %d, want 1", passed)
	}
	out := buf.String()
	for _, want := range []string{"OKAY  passes", "FAIL  mismatch", "error: unsupported language", "1/3 scenarios passed"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	if s := Summary(outcomes); !strings.Contains(s, "2 of 3 failed") {
		t.Errorf("summary = %q", s)
	}
}
