package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderun/internal/logging"
	"github.com/michaelbrown/coderun/internal/sandbox"
	"github.com/michaelbrown/coderun/internal/worker"
)

var (
	killGraceFlag  time.Duration
	scratchDirFlag string
)

// workerCmd is started by the supervisor, never by users. It speaks the
// worker protocol on stdin/stdout and logs JSON lines to stderr.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a worker process (started by the supervisor)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().DurationVar(&killGraceFlag, "kill-grace", 200*time.Millisecond, "Delay between SIGTERM and SIGKILL")
	workerCmd.Flags().StringVar(&scratchDirFlag, "scratch-dir", "", "Parent directory for per-run working directories")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	level := logLevelFlag
	if level == "" {
		level = "info"
	}
	logger, err := logging.New(os.Stderr, level, "json")
	if err != nil {
		return err
	}

	// Ctrl+C in a terminal reaches the whole process group; the supervisor
	// ends workers by closing stdin instead.
	signal.Ignore(syscall.SIGINT)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	policy := sandbox.DefaultPolicy()
	policy.KillGrace = killGraceFlag
	policy.ScratchRoot = scratchDirFlag

	sb := sandbox.NewProcessSandbox(policy, logger)
	return worker.Serve(ctx, os.Stdin, os.Stdout, sb, logger)
}
