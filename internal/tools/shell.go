package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"syscall"
	"time"

	"github.com/KafClaw/goalrun/internal/bus"
)

const (
	defaultCommandTimeoutMs = 8000
	maxCommandTimeoutMs     = 20000
	maxStdoutChars          = 8000
	maxStderrChars          = 4000
)

// denyPatterns match destructive commands refused when command guarding is on.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[rf]+\s+)*[/~]`), // rm with root or home
	regexp.MustCompile(`\brm\s+-rf\b`),            // rm -rf anywhere
	regexp.MustCompile(`\bgit\s+rm\b`),            // git rm
	regexp.MustCompile(`\bfind\b.*\b-delete\b`),   // find -delete
	regexp.MustCompile(`\bdd\b.*\bof=/dev/`),      // dd to device
	regexp.MustCompile(`\bmkfs\b`),                // filesystem format
	regexp.MustCompile(`>\s*/dev/sd`),             // redirect to disk
	regexp.MustCompile(`\bchmod\s+-R\s+777\b`),    // chmod 777 recursive
	regexp.MustCompile(`\b(shutdown|reboot|halt)\b`),
	regexp.MustCompile(`\bsystemctl\s+(start|stop|restart|enable|disable)\b`),
}

func guardCommand(command string) error {
	for _, re := range denyPatterns {
		if re.MatchString(command) {
			return newError(NotAllowed, "", "command matches deny pattern %q", re.String())
		}
	}
	return nil
}

// clampTimeout bounds a requested timeout to [1, 20000] ms. An absent value
// selects fallback, or the default when fallback is unset.
func clampTimeout(requested *int, fallback int) time.Duration {
	ms := fallback
	if ms <= 0 {
		ms = defaultCommandTimeoutMs
	}
	if requested != nil {
		ms = *requested
	}
	ms = max(1, min(ms, maxCommandTimeoutMs))
	return time.Duration(ms) * time.Millisecond
}

func (e *Engine) runCommand(ctx context.Context, correlationID string, a RunCommand) Result {
	cwd := a.Cwd
	if cwd == "" {
		cwd = e.defaultCwd()
	}
	dir, rel, err := e.resolve(cwd)
	if err != nil {
		return failure(ActionRunCommand, err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return failure(ActionRunCommand, newError(NotFound, rel, "working directory does not exist"))
	}

	if e.guardCommands {
		if err := guardCommand(a.Command); err != nil {
			return failure(ActionRunCommand, err)
		}
	}

	err = e.authorize(ctx, &bus.ApprovalRequest{
		CorrelationID: correlationID,
		ActionKind:    ActionRunCommand,
		Path:          rel,
		Preview:       a.Command,
	})
	if err != nil {
		return failure(ActionRunCommand, err)
	}

	timeout := clampTimeout(a.TimeoutMs, e.defaultTimeoutMs)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", a.Command)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	detail := CommandDetail{
		Command: a.Command,
		Stdout:  truncateRunes(stdout.String(), maxStdoutChars),
		Stderr:  truncateRunes(stderr.String(), maxStderrChars),
	}
	if cmd.ProcessState != nil {
		detail.Code = cmd.ProcessState.ExitCode()
		if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			detail.Signal = ws.Signal().String()
		}
	}

	if ctx.Err() != nil {
		return Result{Tool: ActionRunCommand, Detail: detail, Error: toResultError(&Error{Kind: Cancelled, Path: rel, Err: ctx.Err()})}
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		detail.TimedOut = true
		return Result{
			Tool:   ActionRunCommand,
			Detail: detail,
			Error:  toResultError(newError(CommandTimeout, rel, "command timed out after %v", timeout)),
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Result{Tool: ActionRunCommand, Detail: detail, Error: toResultError(&Error{Kind: Unknown, Path: rel, Err: fmt.Errorf("start command: %w", runErr)})}
		}
		// A non-zero exit is reported through the detail, not as an error.
		return Result{Tool: ActionRunCommand, Detail: detail}
	}
	return Result{Tool: ActionRunCommand, Success: true, Detail: detail}
}
