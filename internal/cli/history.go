package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/goalrun/internal/history"
	"github.com/KafClaw/goalrun/internal/session"
)

var (
	historyLimit     int
	historyJSON      bool
	historyApprovals bool
)

var historyCmd = &cobra.Command{
	Use:   "history [session]",
	Short: "Show the persisted log of a session",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Number of most recent entries")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output as JSON")
	historyCmd.Flags().BoolVar(&historyApprovals, "approvals", false, "Include approval records of the listed runs")
}

type historyOutput struct {
	Session   string                   `json:"session"`
	Entries   []session.Entry          `json:"entries"`
	Approvals []history.ApprovalRecord `json:"approvals,omitempty"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, store, err := openHistory(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	sid := defaultSession(cfg)
	if len(args) == 1 {
		sid = args[0]
	}
	entries, err := store.Tail(sid, historyLimit)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}
	res := historyOutput{Session: sid, Entries: entries}
	if res.Entries == nil {
		res.Entries = []session.Entry{}
	}
	if historyApprovals {
		for _, e := range entries {
			if e.Kind != session.KindInbound || e.ID == "" {
				continue
			}
			recs, err := store.ApprovalsFor(e.ID)
			if err != nil {
				return fmt.Errorf("read approvals: %w", err)
			}
			res.Approvals = append(res.Approvals, recs...)
		}
	}

	out := cmd.OutOrStdout()
	if historyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printHistory(out, res)
	return nil
}

func printHistory(out io.Writer, res historyOutput) {
	if len(res.Entries) == 0 {
		fmt.Fprintf(out, "No history for %s\n", res.Session)
		return
	}
	for _, e := range res.Entries {
		ts := e.Timestamp.Local().Format("15:04:05")
		switch e.Kind {
		case session.KindInbound:
			fmt.Fprintf(out, "%s %s %s\n", ts, color.CyanString("goal"), e.Text)
		case session.KindFinal:
			fmt.Fprintf(out, "%s %s %s\n", ts, color.GreenString("final"), indent(e.Text))
		case session.KindApproval:
			fmt.Fprintf(out, "%s %s %s\n", ts, color.YellowString("approval"), e.Text)
		case session.KindDecision:
			fmt.Fprintf(out, "%s %s %s\n", ts, color.YellowString("decision"), e.Text)
		default:
			fmt.Fprintf(out, "%s %s %s\n", ts, string(e.Kind), indent(e.Text))
		}
	}
	for _, a := range res.Approvals {
		fmt.Fprintf(out, "approval %s %s %s: %s\n", a.ApprovalID, a.ActionKind, a.Path, a.Status)
	}
}

func indent(s string) string {
	return strings.ReplaceAll(s, "\n", "\n         ")
}
