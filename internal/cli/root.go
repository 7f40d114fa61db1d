// Package cli implements the goalrun command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/goalrun/internal/cli.version=1.2.3"
	version = "0.3.0"
	logo    = "\n" +
		"   __ _  ___   __ _| |_ __ _   _ _ __\n" +
		"  / _` |/ _ \\ / _` | | '__| | | | '_ \\\n" +
		" | (_| | (_) | (_| | | |  | |_| | | | |\n" +
		"  \\__, |\\___/ \\__,_|_|_|   \\__,_|_| |_|\n" +
		"  |___/\n"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "goalrun",
	Short:         "goalrun - goal-driven workspace agent",
	Long:          color.CyanString(logo) + "\nPlans with a language model and works toward a goal through file and command actions.",
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(historyCmd)
}

// setupLogging installs the process-wide slog text handler.
func setupLogging(w io.Writer, level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
}

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}
