package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders a submission as a markdown document.
func ExportMarkdown(r *Record) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Submission %s\n\n", r.ID)
	fmt.Fprintf(&b, "- **Request:** %s\n", r.RequestID)
	fmt.Fprintf(&b, "- **Caller:** %s\n", r.Caller)
	fmt.Fprintf(&b, "- **Language:** %s\n", r.Language)
	fmt.Fprintf(&b, "- **Created:** %s\n", r.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **Status:** %s\n", r.Result.Status)
	fmt.Fprintf(&b, "- **Duration:** %s\n", r.Result.Duration)
	if r.Result.Message != "" {
		fmt.Fprintf(&b, "- **Message:** %s\n", r.Result.Message)
	}
	b.WriteString("\n---\n\n")

	fmt.Fprintf(&b, "## Code\n\n```%s\n%s\n```\n\n", r.Language, strings.TrimRight(r.Code, "\n"))
	writeStream(&b, "Stdout", r.Result.Stdout, r.Result.StdoutTruncated)
	writeStream(&b, "Stderr", r.Result.Stderr, r.Result.StderrTruncated)

	return b.String()
}

func writeStream(b *strings.Builder, title, data string, truncated bool) {
	if data == "" {
		return
	}
	fmt.Fprintf(b, "## %s\n\n```\n%s\n```\n", title, strings.TrimRight(data, "\n"))
	if truncated {
		b.WriteString("\n*(truncated)*\n")
	}
	b.WriteString("\n")
}

// ExportJSON renders a submission as formatted JSON.
func ExportJSON(r *Record) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
