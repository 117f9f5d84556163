package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderun/internal/execution"
	"github.com/michaelbrown/coderun/internal/sandbox"
)

const cliCaller = "cli"

var (
	languageFlag  string
	stdinFileFlag string
	timeoutFlag   time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run [file|-]",
	Short: "Execute a source file once and print its output",
	Long: `Execute source code through a local worker pool and print what it
wrote. The process exits with the program's exit code.

The language is taken from --language or guessed from the file extension.
Source is read from stdin when the file is "-" or omitted.

Examples:
  coderun run hello.py
  echo 'console.log(1+1)' | coderun run --language javascript
  coderun run --stdin-file input.txt --timeout 2s solution.py`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&languageFlag, "language", "l", "", "Language id or alias")
	runCmd.Flags().StringVar(&stdinFileFlag, "stdin-file", "", "File to feed to the program's stdin")
	runCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Wall-clock limit (default from config)")
	rootCmd.AddCommand(runCmd)
}

var extensionLanguages = map[string]string{
	".js":   "javascript",
	".mjs":  "javascript",
	".py":   "python",
	".sh":   "sh",
	".bash": "bash",
	".rb":   "ruby",
	".pl":   "perl",
}

func runRun(cmd *cobra.Command, args []string) error {
	path := "-"
	if len(args) == 1 {
		path = args[0]
	}

	lang := languageFlag
	if lang == "" {
		lang = extensionLanguages[strings.ToLower(filepath.Ext(path))]
	}
	if lang == "" {
		return errors.New("cannot tell the language; pass --language")
	}

	code, err := readSource(path)
	if err != nil {
		return err
	}
	var stdin string
	if stdinFileFlag != "" {
		data, err := os.ReadFile(stdinFileFlag)
		if err != nil {
			return fmt.Errorf("reading stdin file: %w", err)
		}
		stdin = string(data)
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, appOptions{poolSize: 1})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	resp, err := a.coord.Execute(ctx, execution.Request{
		Language: lang,
		Code:     code,
		Caller:   cliCaller,
		Stdin:    stdin,
		Timeout:  timeoutFlag,
	})
	if resp != nil {
		printStreams(os.Stdout, os.Stderr, resp)
		printStatus(os.Stderr, resp)
	}
	if err != nil {
		return err
	}

	switch resp.Status.Kind {
	case sandbox.StatusExited:
		if resp.Status.Code != 0 {
			return exitCodeError{code: resp.Status.Code}
		}
		return nil
	case sandbox.StatusSignal:
		return exitCodeError{code: 128 + resp.Status.Signal}
	default:
		return exitCodeError{code: 1}
	}
}

func readSource(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return string(data), nil
}
