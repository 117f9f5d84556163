package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderun/internal/scenario"
)

var (
	parallelFlag int
	skipMissing  bool
)

var selftestCmd = &cobra.Command{
	Use:   "selftest [scenarios.toml]",
	Short: "Run execution scenarios and report OKAY/FAIL",
	Long: `Run a set of scenarios through the full execution path and compare
each result with its expectations. Without a file, the built-in scenarios
are used.

Examples:
  coderun selftest
  coderun selftest --parallel 8 scenarios.toml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSelftest,
}

func init() {
	selftestCmd.Flags().IntVar(&parallelFlag, "parallel", 0, "Scenarios in flight (default pool size)")
	selftestCmd.Flags().BoolVar(&skipMissing, "skip-missing", true, "Skip scenarios whose runtime is not installed")
	rootCmd.AddCommand(selftestCmd)
}

func runSelftest(cmd *cobra.Command, args []string) error {
	scenarios := scenario.Builtin()
	if len(args) == 1 {
		var err error
		scenarios, err = scenario.Parse(args[0])
		if err != nil {
			return err
		}
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if skipMissing {
		runnable := scenarios[:0]
		for _, s := range scenarios {
			lang, err := a.resolver.Resolve(s.Language)
			if err == nil {
				if _, err := exec.LookPath(lang.Executable()); err != nil {
					dimColor.Printf("skip  %s (%s not installed)\n", s.Description, lang.Executable())
					continue
				}
			}
			runnable = append(runnable, s)
		}
		scenarios = runnable
	}

	parallel := parallelFlag
	if parallel <= 0 {
		parallel = a.sup.Stats().Size
	}

	outcomes := scenario.Run(ctx, a.coord, "selftest", scenarios, parallel)
	passed := scenario.Report(os.Stdout, outcomes)
	logger.Info("selftest finished", "summary", scenario.Summary(outcomes))

	if passed != len(outcomes) {
		return fmt.Errorf("%d of %d scenarios failed", len(outcomes)-passed, len(outcomes))
	}
	return nil
}
