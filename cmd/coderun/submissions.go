package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderun/internal/storage"
)

var (
	callerFlag   string
	ownerFlag    string
	limitFlag    int
	offsetFlag   int
	exportFormat string
	exportOutput string
)

var submissionsCmd = &cobra.Command{
	Use:     "submissions",
	Aliases: []string{"submission", "subs"},
	Short:   "Inspect recorded executions",
}

var submissionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a caller's submissions, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSubmissionsList,
}

var submissionsShowCmd = &cobra.Command{
	Use:   "show <submission-id>",
	Short: "Show a submission's code and output",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmissionsShow,
}

var submissionsExportCmd = &cobra.Command{
	Use:   "export <submission-id>",
	Short: "Export a submission as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmissionsExport,
}

func init() {
	rootCmd.AddCommand(submissionsCmd)
	submissionsCmd.AddCommand(submissionsListCmd, submissionsShowCmd, submissionsExportCmd)

	submissionsListCmd.Flags().StringVar(&callerFlag, "caller", cliCaller, "Caller whose submissions to list")
	submissionsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max submissions to show")
	submissionsListCmd.Flags().IntVar(&offsetFlag, "offset", 0, "Submissions to skip")

	for _, c := range []*cobra.Command{submissionsShowCmd, submissionsExportCmd} {
		c.Flags().StringVar(&ownerFlag, "caller", "", "Only match this caller's submissions (default: any caller)")
	}
	submissionsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	submissionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")
}

func openConfiguredStore(ctx context.Context) (storage.Store, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	if store == nil {
		return nil, errors.New("storage is disabled (storage.driver is none)")
	}
	return store, nil
}

func runSubmissionsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openConfiguredStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.FindByCaller(ctx, callerFlag, storage.ListOptions{Limit: limitFlag, Offset: offsetFlag})
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No submissions found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-11s %-18s %-9s %-36s %s\n", "ID", "LANGUAGE", "STATUS", "DURATION", "CODE", "CREATED")
	fmt.Println(strings.Repeat("─", 100))

	for _, r := range records {
		fmt.Printf("%-10s %-11s %-18s %-9s %-36s %s\n",
			shortID(r.ID),
			r.Language,
			r.Result.Status,
			r.Result.Duration.Round(time.Millisecond),
			clipLine(r.Code, 36),
			timeAgo(r.CreatedAt))
	}

	return nil
}

func runSubmissionsShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openConfiguredStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.Get(ctx, ownerFlag, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Submission: %s\n", r.ID)
	fmt.Printf("Request:    %s\n", r.RequestID)
	fmt.Printf("Caller:     %s\n", r.Caller)
	fmt.Printf("Language:   %s\n", r.Language)
	fmt.Printf("Created:    %s\n", r.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Status:     %s in %s\n", r.Result.Status, r.Result.Duration.Round(time.Millisecond))
	if r.Result.Message != "" {
		fmt.Printf("Message:    %s\n", r.Result.Message)
	}
	fmt.Println(strings.Repeat("─", 60))
	fmt.Println(strings.TrimRight(r.Code, "\n"))
	fmt.Println(strings.Repeat("─", 60))

	if r.Result.Stdout != "" {
		dimColor.Println("stdout:")
		fmt.Println(strings.TrimRight(r.Result.Stdout, "\n"))
	}
	if r.Result.Stderr != "" {
		dimColor.Println("stderr:")
		fmt.Println(strings.TrimRight(r.Result.Stderr, "\n"))
	}
	return nil
}

func runSubmissionsExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, err := openConfiguredStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.Get(ctx, ownerFlag, args[0])
	if err != nil {
		return err
	}

	var data []byte
	switch exportFormat {
	case "md", "markdown":
		data = []byte(storage.ExportMarkdown(r))
	case "json":
		data, err = storage.ExportJSON(r)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported format %q (use md or json)", exportFormat)
	}

	if exportOutput == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(exportOutput, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Exported to %s\n", exportOutput)
	return nil
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
