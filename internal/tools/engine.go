package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/KafClaw/goalrun/internal/approval"
	"github.com/KafClaw/goalrun/internal/bus"
	"github.com/KafClaw/goalrun/internal/policy"
)

// Gate suspends a mutating action until an external decision arrives.
// approval.Manager implements it.
type Gate interface {
	Await(ctx context.Context, req *bus.ApprovalRequest) approval.State
}

// Options configures an Engine.
type Options struct {
	// Root is the workspace root every path is resolved against.
	Root string
	// Allowed lists relative path prefixes. A single "*" permits everything.
	Allowed []string
	// Policy decides which actions need approval. Nil means none do.
	Policy policy.Engine
	// Gate is consulted when the policy requires approval.
	Gate Gate
	// DefaultTimeoutMs applies to commands without timeoutMs.
	DefaultTimeoutMs int
	// RespectGitignore hides paths matched by the root .gitignore from listFiles.
	RespectGitignore bool
	// GuardCommands refuses commands matching the destructive deny patterns.
	GuardCommands bool
}

// Engine executes actions for one workspace.
type Engine struct {
	root             string
	prefixes         []string
	policy           policy.Engine
	gate             Gate
	defaultTimeoutMs int
	guardCommands    bool
	ignore           *ignoreMatcher
}

// NewEngine creates an engine rooted at opts.Root.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Root == "" {
		return nil, errors.New("workspace root is required")
	}
	root, err := filepath.Abs(expandHome(opts.Root))
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	e := &Engine{
		root:             root,
		prefixes:         normalizePrefixes(opts.Allowed),
		policy:           opts.Policy,
		gate:             opts.Gate,
		defaultTimeoutMs: opts.DefaultTimeoutMs,
		guardCommands:    opts.GuardCommands,
	}
	if opts.RespectGitignore {
		m, err := loadIgnore(root)
		if err != nil {
			slog.Warn("Ignoring unreadable .gitignore", "root", root, "error", err)
		} else {
			e.ignore = m
		}
	}
	return e, nil
}

// Root returns the absolute workspace root.
func (e *Engine) Root() string { return e.root }

// Execute runs actions sequentially and returns exactly one result per
// action, in input order. Failures never stop the batch.
func (e *Engine) Execute(ctx context.Context, correlationID string, actions []Action) []Result {
	results := make([]Result, 0, len(actions))
	for _, a := range actions {
		if ctx.Err() != nil {
			results = append(results, failure(a.Kind(), &Error{Kind: Cancelled, Err: ctx.Err()}))
			continue
		}
		r := e.execute(ctx, correlationID, a)
		slog.Debug("Tool executed", "id", correlationID, "tool", r.Tool, "success", r.Success)
		results = append(results, r)
	}
	return results
}

func (e *Engine) execute(ctx context.Context, correlationID string, a Action) Result {
	switch v := a.(type) {
	case ListFiles:
		return e.listFiles(v)
	case ReadFiles:
		return e.readFiles(v)
	case CreateFile:
		return e.createFile(ctx, correlationID, v)
	case EditFile:
		return e.editFile(ctx, correlationID, v)
	case RunCommand:
		return e.runCommand(ctx, correlationID, v)
	case invalid:
		var te *Error
		if errors.As(v.err, &te) && te.Kind == InvalidAction {
			return failure(v.Kind(), te)
		}
		return failure(v.Kind(), &Error{Kind: InvalidAction, Err: v.err})
	}
	return failure(a.Kind(), newError(InvalidAction, "", "unsupported action"))
}

// authorize consults the policy and, when it asks for one, the approval gate.
func (e *Engine) authorize(ctx context.Context, req *bus.ApprovalRequest) error {
	if e.policy == nil {
		return nil
	}
	d := e.policy.Evaluate(policy.Context{
		Action:        req.ActionKind,
		Tier:          Tier(req.ActionKind),
		Path:          req.Path,
		CorrelationID: req.CorrelationID,
	})
	if !d.Allow {
		return newError(NotAllowed, req.Path, "policy: %s", d.Reason)
	}
	if !d.RequiresApproval {
		return nil
	}
	if e.gate == nil {
		return newError(NotAllowed, req.Path, "approval required but no approver is attached")
	}

	switch state := e.gate.Await(ctx, req); state {
	case approval.StateApproved:
		return nil
	case approval.StateRejected:
		return newError(UserRejected, req.Path, "rejected by user")
	case approval.StateTimedOut:
		return newError(ApprovalTimeout, req.Path, "no decision before timeout")
	case approval.StateCancelled:
		return newError(Cancelled, req.Path, "run cancelled while awaiting approval")
	default:
		return newError(Unknown, req.Path, "unexpected approval state %s", state)
	}
}
