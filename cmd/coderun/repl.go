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
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderun/internal/execution"
)

// snippetTerminator on a line of its own submits the buffered snippet.
const snippetTerminator = ";;"

var replLanguageFlag string

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactively execute snippets",
	Long: `Start an interactive session. Type code over as many lines as you
like and finish it with a line containing only ";;" to run it.

Ctrl+C while a snippet runs cancels that run, not the session.

Examples:
  coderun repl
  coderun repl --language javascript`,
	Args: cobra.NoArgs,
	RunE: runREPL,
}

func init() {
	replCmd.Flags().StringVarP(&replLanguageFlag, "language", "l", "python", "Language id or alias")
	rootCmd.AddCommand(replCmd)
}

func runREPL(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(context.Background(), cfg, logger, appOptions{poolSize: 1})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	lang, err := a.resolver.Resolve(replLanguageFlag)
	if err != nil {
		return err
	}

	okColor.Printf("coderun %s - interactive execution\n", version)
	fmt.Printf("Language: %s | finish a snippet with %q | :help for commands\n\n", lang.Name, snippetTerminator)

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt(lang.ID),
		HistoryFile:     filepath.Join(home, ".coderun", "repl_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Per-run cancellation: Ctrl+C cancels the active execution only.
	var (
		mu        sync.Mutex
		runCancel context.CancelFunc
	)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			mu.Lock()
			if runCancel != nil {
				runCancel()
			}
			mu.Unlock()
		}
	}()

	var buf []string
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) && len(buf) > 0 {
				buf = buf[:0]
				rl.SetPrompt(prompt(lang.ID))
				continue
			}
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		if len(buf) == 0 && strings.HasPrefix(strings.TrimSpace(line), ":") {
			next, quit := replCommand(a, strings.TrimSpace(line))
			if quit {
				return nil
			}
			if next != "" {
				lang, _ = a.resolver.Resolve(next)
				rl.SetPrompt(prompt(lang.ID))
			}
			continue
		}

		if strings.TrimSpace(line) != snippetTerminator {
			buf = append(buf, line)
			rl.SetPrompt(dimColor.Sprint("...> "))
			continue
		}

		code := strings.Join(buf, "\n")
		buf = buf[:0]
		rl.SetPrompt(prompt(lang.ID))
		if strings.TrimSpace(code) == "" {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		mu.Lock()
		runCancel = cancel
		mu.Unlock()

		resp, err := a.coord.Execute(ctx, execution.Request{
			Language: lang.ID,
			Code:     code,
			Caller:   cliCaller,
		})

		mu.Lock()
		runCancel = nil
		mu.Unlock()
		cancel()

		if resp != nil {
			printStreams(os.Stdout, os.Stdout, resp)
			printStatus(os.Stdout, resp)
		}
		if err != nil {
			if errors.Is(err, execution.ErrCancelled) {
				fmt.Println("(interrupted)")
				continue
			}
			failColor.Printf("error: %s\n", err)
		}
		fmt.Println()
	}
}

func prompt(lang string) string {
	return okColor.Sprintf("%s> ", lang)
}

// replCommand handles a colon command. It returns a language to switch to,
// or quit when the session should end.
func replCommand(a *app, input string) (next string, quit bool) {
	fields := strings.Fields(input)
	switch strings.ToLower(fields[0]) {
	case ":quit", ":exit", ":q":
		fmt.Println("Goodbye!")
		return "", true
	case ":lang", ":language":
		if len(fields) < 2 {
			fmt.Println("usage: :lang <id>")
			return "", false
		}
		l, err := a.resolver.Resolve(fields[1])
		if err != nil {
			failColor.Printf("%s\n\n", err)
			return "", false
		}
		fmt.Printf("Language: %s\n\n", l.Name)
		return l.ID, false
	case ":languages":
		for _, l := range a.resolver.Languages() {
			fmt.Printf("  %-12s %s\n", l.ID, l.Name)
		}
		fmt.Println()
	case ":help":
		fmt.Println("Commands:")
		fmt.Println("  :help          - Show this help")
		fmt.Println("  :lang <id>     - Switch language")
		fmt.Println("  :languages     - List available languages")
		fmt.Println("  :quit          - Exit")
		fmt.Printf("Finish a snippet with a line containing only %s\n\n", snippetTerminator)
	default:
		fmt.Printf("Unknown command: %s (try :help)\n\n", input)
	}
	return "", false
}
