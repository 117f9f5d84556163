package main

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderun/internal/language"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "List the languages this configuration accepts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		resolver, err := language.Load(cfg.Languages.File, cfg.Languages.Enabled)
		if err != nil {
			return err
		}

		fmt.Printf("%-12s %-22s %-16s %s\n", "ID", "NAME", "ALIASES", "RUNTIME")
		fmt.Println(strings.Repeat("─", 70))
		for _, l := range resolver.Languages() {
			runtime := okColor.Sprint(l.Executable())
			if _, err := exec.LookPath(l.Executable()); err != nil {
				runtime = failColor.Sprintf("%s (missing)", l.Executable())
			}
			fmt.Printf("%-12s %-22s %-16s %s\n", l.ID, l.Name, strings.Join(l.Aliases, ","), runtime)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(languagesCmd)
}
