package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/michaelbrown/coderun/internal/execution"
)

var (
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed)
	dimColor  = color.New(color.Faint)
)

// printStreams copies the program's output to the terminal streams.
func printStreams(stdout, stderr io.Writer, resp *execution.Response) {
	io.WriteString(stdout, resp.Stdout)
	if resp.StdoutTruncated {
		dimColor.Fprintln(stderr, "[stdout truncated]")
	}
	io.WriteString(stderr, resp.Stderr)
	if resp.StderrTruncated {
		dimColor.Fprintln(stderr, "[stderr truncated]")
	}
}

// printStatus writes a one-line summary of how the run ended.
func printStatus(w io.Writer, resp *execution.Response) {
	line := fmt.Sprintf("%s in %s", resp.Status, resp.Duration.Round(time.Millisecond))
	if resp.Message != "" {
		line += " (" + resp.Message + ")"
	}
	if resp.Status.Success() {
		dimColor.Fprintln(w, line)
		return
	}
	failColor.Fprintln(w, line)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clipLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-2] + ".."
	}
	return s
}
