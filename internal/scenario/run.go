package scenario

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/coderun/internal/execution"
)

// Executor runs one request. *execution.Coordinator satisfies it.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (*execution.Response, error)
}

// Outcome is the result of running one scenario.
type Outcome struct {
	Scenario Scenario
	Response *execution.Response
	Err      error
	Failures []string
}

// Passed reports whether the scenario ran and met every expectation.
func (o Outcome) Passed() bool {
	return o.Err == nil && len(o.Failures) == 0
}

// Run executes scenarios with at most parallel in flight and returns their
// outcomes in input order.
func Run(ctx context.Context, exec Executor, caller string, scenarios []Scenario, parallel int) []Outcome {
	if parallel <= 0 {
		parallel = 1
	}
	outcomes := make([]Outcome, len(scenarios))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, s := range scenarios {
		g.Go(func() error {
			resp, err := exec.Execute(ctx, execution.Request{
				Language: s.Language,
				Code:     s.Code,
				Caller:   caller,
				Stdin:    s.Stdin,
				Timeout:  s.Timeout(),
			})
			o := Outcome{Scenario: s, Response: resp, Err: err}
			if err == nil {
				o.Failures = s.Expect.Check(resp.Result)
			}
			outcomes[i] = o
			return nil
		})
	}
	g.Wait()
	return outcomes
}

// Report writes one coloured line per outcome, followed by failure details,
// and returns the number that passed.
func Report(w io.Writer, outcomes []Outcome) int {
	okay := color.New(color.FgHiGreen, color.Bold).SprintFunc()
	fail := color.New(color.FgHiRed, color.Bold).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	width := 0
	for _, o := range outcomes {
		width = max(width, len(o.Scenario.Description))
	}

	passed := 0
	for _, o := range outcomes {
		verdict := fail("FAIL")
		if o.Passed() {
			verdict = okay("OKAY")
			passed++
		}
		detail := ""
		if o.Response != nil {
			detail = fmt.Sprintf("%-11s %s  %s", o.Scenario.Language, o.Response.Status, o.Response.Duration.Round(time.Millisecond))
		}
		fmt.Fprintf(w, "%s  %-*s  %s\n", verdict, width, o.Scenario.Description, dim(detail))

		if o.Err != nil {
			fmt.Fprintf(w, "      error: %v\n", o.Err)
		}
		for _, f := range o.Failures {
			fmt.Fprintf(w, "      %s\n", f)
		}
	}

	summary := fmt.Sprintf("%d/%d scenarios passed", passed, len(outcomes))
	if passed == len(outcomes) {
		fmt.Fprintln(w, okay(summary))
	} else {
		fmt.Fprintln(w, fail(summary))
	}
	return passed
}

// Summary is a plain-text line suitable for logs.
func Summary(outcomes []Outcome) string {
	var failed []string
	for _, o := range outcomes {
		if !o.Passed() {
			failed = append(failed, o.Scenario.Description)
		}
	}
	if len(failed) == 0 {
		return fmt.Sprintf("all %d scenarios passed", len(outcomes))
	}
	return fmt.Sprintf("%d of %d failed: %s", len(failed), len(outcomes), strings.Join(failed, ", "))
}
