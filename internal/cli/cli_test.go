package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KafClaw/goalrun/internal/config"
	"github.com/KafClaw/goalrun/internal/history"
	"github.com/KafClaw/goalrun/internal/provider"
	"github.com/KafClaw/goalrun/internal/router"
	"github.com/KafClaw/goalrun/internal/session"
	"github.com/KafClaw/goalrun/internal/tools"
)

func resetFlags() {
	verbose = false
	runGoal, runSession, runMaxSteps, runYes, runQuiet = "", "", 0, false, false
	sessionsJSON = false
	historyLimit, historyJSON, historyApprovals = 50, false, false
}

func runRootCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

// setupWorkspace isolates config and state under a temp home and returns the
// workspace root.
func setupWorkspace(t *testing.T, extra string) string {
	t.Helper()
	home := t.TempDir()
	ws := filepath.Join(home, "ws")
	if err := os.MkdirAll(ws, 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	t.Setenv("HOME", home)
	t.Setenv("GOALRUN_HOME", home)
	t.Setenv("GOALRUN_ENV_FILE", filepath.Join(home, "missing.env"))
	cfgPath := filepath.Join(home, "config.json")
	t.Setenv("GOALRUN_CONFIG", cfgPath)

	body := `{"paths":{"workspace":"` + ws + `","stateDir":"` + filepath.Join(home, "state") + `"},"log":{"level":"error"}` + extra + `}`
	if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return ws
}

func scriptProvider(t *testing.T, replies ...string) *provider.ScriptedProvider {
	t.Helper()
	p := provider.NewScriptedProvider(replies...)
	orig := resolveProvider
	resolveProvider = func(context.Context, *config.Config) (provider.LLMProvider, error) { return p, nil }
	t.Cleanup(func() { resolveProvider = orig })
	return p
}

const (
	createNotes = `{"commentary":"writing notes","actions":[{"tool":"createFile","path":"notes.md","content":"hello"}],"done":false}`
	doneNotes   = `{"finalSummary":"Created notes.md.","done":true}`
)

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommand(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if out != "goalrun "+version {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestRunRequiresGoal(t *testing.T) {
	setupWorkspace(t, "")
	if _, err := runRootCommand(t, "", "run"); err == nil {
		t.Fatal("expected an error without a goal")
	}
}

func TestRunApprovedCreateFile(t *testing.T) {
	ws := setupWorkspace(t, "")
	p := scriptProvider(t, createNotes, doneNotes)

	out, err := runRootCommand(t, "y\n", "run", "-m", "create notes.md")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Approval needed: createFile notes.md") {
		t.Fatalf("expected an approval prompt, got:\n%s", out)
	}
	if !strings.HasSuffix(out, "Created notes.md.") {
		t.Fatalf("expected the final summary last, got:\n%s", out)
	}
	data, err := os.ReadFile(filepath.Join(ws, "notes.md"))
	if err != nil || string(data) != "hello" {
		t.Fatalf("notes.md not written: %q %v", data, err)
	}
	if p.Calls() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", p.Calls())
	}

	// The run is persisted and readable through the history command.
	hist, err := runRootCommand(t, "", "history", "--json", "--approvals")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var res historyOutput
	if err := json.Unmarshal([]byte(hist), &res); err != nil {
		t.Fatalf("unmarshal history: %v\n%s", err, hist)
	}
	if res.Session != ws {
		t.Fatalf("expected session %s, got %s", ws, res.Session)
	}
	if len(res.Entries) < 2 || res.Entries[0].Kind != session.KindInbound || res.Entries[len(res.Entries)-1].Kind != session.KindFinal {
		t.Fatalf("unexpected entries %+v", res.Entries)
	}
	seen := map[session.EntryKind]bool{}
	for _, e := range res.Entries {
		seen[e.Kind] = true
	}
	if !seen[session.KindApproval] || !seen[session.KindDecision] {
		t.Fatalf("expected approval and decision entries, got %+v", res.Entries)
	}
	if len(res.Approvals) != 1 || res.Approvals[0].Status != "approved" {
		t.Fatalf("expected one approved record, got %+v", res.Approvals)
	}
}

func TestRunRejectedApprovalLeavesWorkspace(t *testing.T) {
	ws := setupWorkspace(t, "")
	p := scriptProvider(t, createNotes, `{"finalSummary":"User declined.","done":true}`)

	out, err := runRootCommand(t, "n\n", "run", "-m", "create notes.md")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if _, err := os.Stat(filepath.Join(ws, "notes.md")); !os.IsNotExist(err) {
		t.Fatalf("notes.md should not exist, stat err=%v", err)
	}
	msgs := p.Requests()[1].Messages
	if feedback := msgs[len(msgs)-1].Content; !strings.Contains(feedback, string(tools.UserRejected)) {
		t.Fatalf("expected UserRejected in tool feedback, got %s", feedback)
	}
}

func TestRunYesSkipsPrompt(t *testing.T) {
	ws := setupWorkspace(t, "")
	scriptProvider(t, createNotes, doneNotes)

	out, err := runRootCommand(t, "", "run", "--yes", "-m", "create notes.md")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if strings.Contains(out, "Approve?") {
		t.Fatalf("--yes must not prompt:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(ws, "notes.md")); err != nil {
		t.Fatalf("notes.md missing: %v", err)
	}
}

func TestRunApprovalDisabledInConfig(t *testing.T) {
	ws := setupWorkspace(t, `,"approval":{"createFile":false}`)
	scriptProvider(t, createNotes, doneNotes)

	out, err := runRootCommand(t, "", "run", "-q", "create notes.md")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if out != "Created notes.md." {
		t.Fatalf("quiet run should print only the summary, got %q", out)
	}
	if _, err := os.Stat(filepath.Join(ws, "notes.md")); err != nil {
		t.Fatalf("notes.md missing: %v", err)
	}
}

func TestRunFatalOutcomeReturnsError(t *testing.T) {
	setupWorkspace(t, "")
	scriptProvider(t, `{"actions":[],"done":false}`)

	out, err := runRootCommand(t, "", "run", "-m", "do nothing")
	if err == nil {
		t.Fatalf("expected an error for an aborted run:\n%s", out)
	}
	if !strings.Contains(err.Error(), "aborted") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestRunMaxStepsIsNotFatal(t *testing.T) {
	setupWorkspace(t, "")
	p := scriptProvider(t, `{"actions":[{"tool":"listFiles"}],"done":false}`)

	out, err := runRootCommand(t, "", "run", "--max-steps", "2", "-m", "look")
	if err != nil {
		t.Fatalf("max steps should exit cleanly: %v", err)
	}
	if !strings.Contains(out, "Max steps reached (2)") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if p.Calls() != 2 {
		t.Fatalf("expected 2 provider calls, got %d", p.Calls())
	}
}

func TestSessionsListAndClear(t *testing.T) {
	ws := setupWorkspace(t, "")
	scriptProvider(t, doneNotes)

	if _, err := runRootCommand(t, "", "run", "-m", "nothing to do"); err != nil {
		t.Fatalf("run: %v", err)
	}

	out, err := runRootCommand(t, "", "sessions", "--json")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	var sums []map[string]any
	if err := json.Unmarshal([]byte(out), &sums); err != nil {
		t.Fatalf("unmarshal sessions: %v\n%s", err, out)
	}
	if len(sums) != 1 || sums[0]["id"] != ws {
		t.Fatalf("unexpected sessions %v", sums)
	}

	out, err = runRootCommand(t, "", "sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, "Sessions") || !strings.Contains(out, ws) || !strings.Contains(out, "entries") {
		t.Fatalf("unexpected listing:\n%s", out)
	}

	if _, err := runRootCommand(t, "", "sessions", "clear", ws); err != nil {
		t.Fatalf("sessions clear: %v", err)
	}
	out, err = runRootCommand(t, "", "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "No history for "+ws) {
		t.Fatalf("expected empty history, got:\n%s", out)
	}
}

func TestSessionsClearUnknownSession(t *testing.T) {
	setupWorkspace(t, "")
	_, err := runRootCommand(t, "", "sessions", "clear", "/nowhere")
	if err == nil || !strings.Contains(err.Error(), "unknown session") {
		t.Fatalf("expected unknown session error, got %v", err)
	}
}

func TestClearHistoryGoesThroughRouter(t *testing.T) {
	ws := setupWorkspace(t, "")
	scriptProvider(t, doneNotes)
	if _, err := runRootCommand(t, "", "run", "-m", "nothing to do"); err != nil {
		t.Fatalf("run: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	rt, err := openCore(cfg)
	if err != nil {
		t.Fatalf("open core: %v", err)
	}
	sess, ok := rt.router.Session(ws)
	if !ok || sess.Len() == 0 {
		rt.Close()
		t.Fatalf("expected a reseeded session for %s", ws)
	}

	var cleared []string
	rt.router.Subscribe(ws, func(ev router.Event) {
		if ev.Kind == router.EventHistoryCleared {
			cleared = append(cleared, ev.SessionID)
		}
	})
	rt.router.ClearHistory(ws)
	if sess.Len() != 0 {
		t.Fatalf("in-memory log not truncated: %d entries", sess.Len())
	}
	if len(cleared) != 1 || cleared[0] != ws {
		t.Fatalf("expected one history-cleared event, got %v", cleared)
	}
	rt.Close()

	store, err := history.Open(cfg.History.DBPath)
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	defer store.Close()
	entries, err := store.Tail(ws, 10)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("persisted log not cleared: %d entries", len(entries))
	}
}

func TestHistoryDisabled(t *testing.T) {
	setupWorkspace(t, `,"history":{"enabled":false}`)
	if _, err := runRootCommand(t, "", "sessions"); err != errHistoryDisabled {
		t.Fatalf("expected errHistoryDisabled, got %v", err)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	eng := policyFromConfig(config.ApprovalConfig{CreateFile: true, RunCommand: false, DeniedActions: []string{"editFile"}})
	if !eng.AutoApprove[tools.ActionRunCommand] || eng.AutoApprove[tools.ActionCreateFile] {
		t.Fatalf("unexpected auto-approve set %v", eng.AutoApprove)
	}
	if !eng.DeniedActions[tools.ActionEditFile] {
		t.Fatalf("editFile should be denied, got %v", eng.DeniedActions)
	}
}
