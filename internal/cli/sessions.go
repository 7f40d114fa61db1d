package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/goalrun/internal/config"
	"github.com/KafClaw/goalrun/internal/history"
)

var errHistoryDisabled = errors.New("history is disabled (history.enabled=false)")

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions with persisted history",
	RunE:  runSessions,
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear <session>",
	Short: "Delete the persisted history of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsClear,
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Output as JSON")
	sessionsCmd.AddCommand(sessionsClearCmd)
}

// openHistory loads the config and opens the history store it names.
func openHistory(cmd *cobra.Command) (*config.Config, *history.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cmd.ErrOrStderr(), cfg.Log.Level)
	if !cfg.History.Enabled {
		return cfg, nil, errHistoryDisabled
	}
	store, err := history.Open(cfg.History.DBPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("open history: %w", err)
	}
	return cfg, store, nil
}

// runSessionsClear truncates a session through the router, which drops the
// in-memory log and queues deletion of the persisted one.
func runSessionsClear(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cmd.ErrOrStderr(), cfg.Log.Level)
	if !cfg.History.Enabled {
		return errHistoryDisabled
	}

	rt, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	id := args[0]
	if _, ok := rt.router.Session(id); !ok {
		return fmt.Errorf("unknown session %q", id)
	}
	rt.router.ClearHistory(id)
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s\n", id)
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, store, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	sums, err := store.Sessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	out := cmd.OutOrStdout()
	if sessionsJSON {
		if sums == nil {
			sums = []history.SessionSummary{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sums)
	}
	if len(sums) == 0 {
		fmt.Fprintln(out, "No sessions yet.")
		return nil
	}
	printHeader(out, "Sessions")
	current := defaultSession(cfg)
	for _, s := range sums {
		marker := " "
		if s.ID == current {
			marker = color.GreenString("*")
		}
		fmt.Fprintf(out, "%s %-48s %5d entries  last %s\n", marker, s.ID, s.Entries, s.LastAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}
