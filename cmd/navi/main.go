// navi runs a single GUI automation instruction from the terminal with the
// task engine embedded in-process: no server, memory-backed state, colored
// stage lines on stdout.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"navi/internal/shared/errors"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	blue    = color.New(color.FgBlue).SprintFunc()
	cyan    = color.New(color.FgCyan).SprintFunc()
	green   = color.New(color.FgGreen).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	magenta = color.New(color.FgMagenta).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	gray    = color.New(color.FgHiBlack).SprintFunc()
	bold    = color.New(color.Bold).SprintFunc()
)

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("✗"), err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a run error to the process exit code: 2 for
// misconfiguration or bad usage, 130 when an interrupt cancelled the task,
// 1 for everything else including a failed task.
func exitCode(err error) int {
	switch {
	case errors.IsCancelled(err):
		return 130
	case errors.IsValidation(err):
		return 2
	default:
		return 1
	}
}

type runOptions struct {
	query          string
	backend        string
	maxSteps       int
	mode           string
	enableTakeover bool
	disableSearch  bool
	configFile     string
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "navi",
		Short: "Run a GUI automation instruction against a sandbox",
		Long: `navi plans, executes, and reflects on a natural-language instruction
against a GUI sandbox, streaming each stage to the terminal.

Examples:
  navi -q "open the settings app and enable dark mode"
  navi -q "install the update" --backend local_gui --max-steps 30
  navi -q "clear all notifications" --mode fast --disable-search

Flags fall back to NAVI_* environment variables (NAVI_QUERY,
NAVI_BACKEND, NAVI_MAX_STEPS, ...) and then to the config file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := runOptions{
				query:          v.GetString("query"),
				backend:        v.GetString("backend"),
				maxSteps:       v.GetInt("max-steps"),
				mode:           v.GetString("mode"),
				enableTakeover: v.GetBool("enable-takeover"),
				disableSearch:  v.GetBool("disable-search"),
				configFile:     v.GetString("config"),
			}
			return run(cmd.OutOrStdout(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringP("query", "q", "", "Instruction to execute")
	flags.String("backend", "", "Sandbox backend (lybic, lybic_mobile, local_gui, adb)")
	flags.Int("max-steps", 0, "Step budget for the run (0 uses the configured default)")
	flags.String("mode", "", "Reasoning mode: normal or fast")
	flags.Bool("enable-takeover", false, "Allow the agent to hand control to the user")
	flags.Bool("disable-search", false, "Disable web search during planning")
	flags.StringP("config", "c", "", "YAML config file")

	v.SetEnvPrefix("NAVI")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range []string{
		"query", "backend", "max-steps", "mode",
		"enable-takeover", "disable-search", "config",
	} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errors.Validationf("%v", err)
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "navi %s\n", version)
		},
	})

	return cmd
}
