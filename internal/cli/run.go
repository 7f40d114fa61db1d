package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/KafClaw/goalrun/internal/agent"
	"github.com/KafClaw/goalrun/internal/bus"
	"github.com/KafClaw/goalrun/internal/config"
	"github.com/KafClaw/goalrun/internal/router"
	"github.com/KafClaw/goalrun/internal/session"
)

var (
	runGoal     string
	runSession  string
	runMaxSteps int
	runYes      bool
	runQuiet    bool
)

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Work toward a goal in the workspace",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runGoal, "message", "m", "", "Goal to work toward")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session id (defaults to the workspace root)")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "Override the configured step budget")
	runCmd.Flags().BoolVarP(&runYes, "yes", "y", false, "Approve every action without prompting")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the final summary")
}

type runResult struct {
	outcome agent.Outcome
	err     error
}

func runRun(cmd *cobra.Command, args []string) error {
	goal := strings.TrimSpace(runGoal)
	if goal == "" {
		goal = strings.TrimSpace(strings.Join(args, " "))
	}
	if goal == "" {
		return errors.New("a goal is required (-m)")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cmd.ErrOrStderr(), cfg.Log.Level)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	prov, err := resolveProvider(ctx, cfg)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}

	id := uuid.NewString()
	finished := make(chan runResult, 1)
	rt, err := newRuntime(ctx, cfg, prov, func(cid string, o agent.Outcome, err error) {
		if cid == id {
			finished <- runResult{outcome: o, err: err}
		}
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	sessionID := runSession
	if sessionID == "" {
		sessionID = defaultSession(cfg)
	}

	// Events are queued so that prompting never runs on a bus goroutine.
	events := make(chan router.Event, 256)
	unsub := rt.router.Subscribe(sessionID, func(ev router.Event) { events <- ev })
	defer unsub()

	out := cmd.OutOrStdout()
	if !runQuiet {
		fmt.Fprintf(out, "%s %s\n", color.CyanString("Goal:"), goal)
		fmt.Fprintf(out, "%s %s (%s)\n\n", color.CyanString("Workspace:"), cfg.Paths.Workspace, prov.DefaultModel())
	}

	rt.bus.PublishInbound(&bus.InboundMessage{
		ID:        id,
		Text:      goal,
		Source:    bus.SourceCLI,
		SessionID: sessionID,
		MaxSteps:  runMaxSteps,
	})

	r := &renderer{out: out, in: bufio.NewReader(cmd.InOrStdin()), bus: rt.bus, yes: runYes, quiet: runQuiet}
	for {
		select {
		case ev := <-events:
			r.handle(ctx, ev)
		case res := <-finished:
			// The done fragment is delivered before the run reports back.
			for len(events) > 0 {
				r.handle(ctx, <-events)
			}
			if res.outcome.Fatal() {
				return fmt.Errorf("run %s: %w", res.outcome, res.err)
			}
			return nil
		}
	}
}

func defaultSession(cfg *config.Config) string {
	if cfg.Paths.Workspace != "" {
		return cfg.Paths.Workspace
	}
	return session.DefaultID
}

// renderer prints routed events and answers approval requests.
type renderer struct {
	out   io.Writer
	in    *bufio.Reader
	bus   *bus.MessageBus
	yes   bool
	quiet bool
}

func (r *renderer) handle(ctx context.Context, ev router.Event) {
	switch ev.Kind {
	case router.EventFragment:
		f := ev.Fragment
		if f.Done {
			fmt.Fprintf(r.out, "\n%s\n", color.New(color.Bold).Sprint(f.Fragment))
		} else if !r.quiet {
			fmt.Fprintln(r.out, f.Fragment)
		}
	case router.EventApprovalRequest:
		r.decide(ctx, ev.Request)
	case router.EventApprovalDecision:
		if r.quiet {
			return
		}
		if ev.Decision.Approved {
			fmt.Fprintln(r.out, color.GreenString("approved"))
		} else {
			fmt.Fprintln(r.out, color.RedString("rejected"))
		}
	}
}

func (r *renderer) decide(ctx context.Context, req *bus.ApprovalRequest) {
	approved := r.yes
	if !r.yes {
		fmt.Fprintf(r.out, "\n%s %s %s\n", color.YellowString("Approval needed:"), req.ActionKind, req.Path)
		if req.Diff != "" {
			fmt.Fprintln(r.out, req.Diff)
		} else if req.Preview != "" {
			fmt.Fprintln(r.out, req.Preview)
		}
		fmt.Fprint(r.out, "Approve? [y/N] ")
		answer, ok := readLine(ctx, r.in)
		if !ok {
			return
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			approved = true
		}
	}
	r.bus.PublishApprovalDecision(&bus.ApprovalDecision{ApprovalID: req.ApprovalID, Approved: approved})
}

// readLine reads one line from in, giving up when ctx ends. End of input
// counts as an empty answer.
func readLine(ctx context.Context, in *bufio.Reader) (string, bool) {
	ch := make(chan string, 1)
	go func() {
		line, _ := in.ReadString('\n')
		ch <- line
	}()
	select {
	case line := <-ch:
		return line, true
	case <-ctx.Done():
		return "", false
	}
}
