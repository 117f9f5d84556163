// Package scenario loads end-to-end execution scenarios from TOML and checks
// results against their expectations.
package scenario

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/michaelbrown/coderun/internal/sandbox"
)

//go:embed selftest.toml
var builtinScenarios []byte

// Expect describes the result a scenario should produce. Unset fields are
// not checked.
type Expect struct {
	Status         string  `toml:"status"`
	ExitCode       *int    `toml:"exit_code"`
	Stdout         *string `toml:"stdout"`
	StdoutContains string  `toml:"stdout_contains"`
	StderrContains string  `toml:"stderr_contains"`
	Truncated      *bool   `toml:"truncated"`
}

// Scenario is one execution and its expected outcome.
type Scenario struct {
	Description string `toml:"description"`
	Language    string `toml:"language"`
	Code        string `toml:"code"`
	Stdin       string `toml:"stdin"`
	TimeoutMs   int    `toml:"timeout_ms"`
	Expect      Expect `toml:"expect"`
}

// Timeout returns the scenario's per-request timeout, zero if unset.
func (s Scenario) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

type file struct {
	Scenarios []Scenario `toml:"scenarios"`
}

// Parse reads scenarios from a TOML file.
func Parse(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario file: %w", err)
	}
	return Decode(data)
}

// Builtin returns the scenarios compiled into the binary.
func Builtin() []Scenario {
	s, err := Decode(builtinScenarios)
	if err != nil {
		panic(fmt.Sprintf("builtin scenarios: %v", err))
	}
	return s
}

// Decode parses scenarios from TOML.
func Decode(data []byte) ([]Scenario, error) {
	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing TOML: %w", err)
	}
	if len(f.Scenarios) == 0 {
		return nil, fmt.Errorf("no [[scenarios]] entries")
	}
	for i, s := range f.Scenarios {
		if s.Language == "" || s.Code == "" {
			return nil, fmt.Errorf("scenario %d (%q): language and code are required", i+1, s.Description)
		}
		switch sandbox.StatusKind(s.Expect.Status) {
		case "", sandbox.StatusExited, sandbox.StatusTimeout, sandbox.StatusSignal, sandbox.StatusSpawnError:
		default:
			return nil, fmt.Errorf("scenario %d (%q): unknown status %q", i+1, s.Description, s.Expect.Status)
		}
		if f.Scenarios[i].Description == "" {
			f.Scenarios[i].Description = fmt.Sprintf("scenario %d", i+1)
		}
	}
	return f.Scenarios, nil
}

// Check compares res to the expectation and returns one line per mismatch.
func (e Expect) Check(res sandbox.Result) []string {
	var failures []string
	if e.Status != "" && string(res.Status.Kind) != e.Status {
		failures = append(failures, fmt.Sprintf("status: got %s, want %s", res.Status.Kind, e.Status))
	}
	if e.ExitCode != nil && (res.Status.Kind != sandbox.StatusExited || res.Status.Code != *e.ExitCode) {
		failures = append(failures, fmt.Sprintf("exit code: got %s, want %d", res.Status, *e.ExitCode))
	}
	if e.Stdout != nil && res.Stdout != *e.Stdout {
		failures = append(failures, fmt.Sprintf("stdout: got %q, want %q", clip(res.Stdout), *e.Stdout))
	}
	if e.StdoutContains != "" && !strings.Contains(res.Stdout, e.StdoutContains) {
		failures = append(failures, fmt.Sprintf("stdout does not contain %q", e.StdoutContains))
	}
	if e.StderrContains != "" && !strings.Contains(res.Stderr, e.StderrContains) {
		failures = append(failures, fmt.Sprintf("stderr does not contain %q", e.StderrContains))
	}
	if e.Truncated != nil {
		got := res.StdoutTruncated || res.StderrTruncated
		if got != *e.Truncated {
			failures = append(failures, fmt.Sprintf("truncated: got %v, want %v", got, *e.Truncated))
		}
	}
	return failures
}

func clip(s string) string {
	const limit = 80
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
