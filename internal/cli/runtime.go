package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/goalrun/internal/agent"
	"github.com/KafClaw/goalrun/internal/approval"
	"github.com/KafClaw/goalrun/internal/bus"
	"github.com/KafClaw/goalrun/internal/config"
	"github.com/KafClaw/goalrun/internal/history"
	"github.com/KafClaw/goalrun/internal/policy"
	"github.com/KafClaw/goalrun/internal/provider"
	"github.com/KafClaw/goalrun/internal/router"
	"github.com/KafClaw/goalrun/internal/tools"
	"github.com/KafClaw/goalrun/internal/trace"
)

// resolveProvider is replaced in tests.
var resolveProvider = provider.Resolve

// runtime is the wired core of one process.
type runtime struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	router    *router.Router
	approvals *approval.Manager
	engine    *tools.Engine
	ctrl      *agent.Controller

	store  *history.Store
	writer *history.AsyncWriter
	tracer *trace.KafkaPublisher
	unsubs []bus.Unsubscribe
}

// openCore opens the history store and attaches a router reseeded from it.
// It is all the commands that only touch sessions need.
func openCore(cfg *config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg, bus: bus.NewMessageBus()}

	var hw router.HistoryWriter
	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		rt.store = store
		rt.writer = history.NewAsyncWriter(store, 0)
		hw = rt.writer
	}

	rt.router = router.New(rt.bus, cfg.WorkspaceRoots(), hw)
	rt.router.Attach()
	if rt.store != nil {
		records, err := rt.store.Reseed(cfg.History.ReloadTail)
		if err != nil {
			slog.Warn("History reseed failed", "error", err)
		} else if n := rt.router.Reload(records); n > 0 {
			slog.Debug("Sessions reseeded from history", "entries", n)
		}
	}
	return rt, nil
}

// newRuntime wires the core in subscription order: the router attaches to
// the bus before the controller so every inbound message is attributed to
// its session before the run starts publishing.
func newRuntime(ctx context.Context, cfg *config.Config, prov provider.LLMProvider, onFinish func(string, agent.Outcome, error)) (*runtime, error) {
	rt, err := openCore(cfg)
	if err != nil {
		return nil, err
	}

	var approvalStore approval.Store
	if rt.store != nil {
		approvalStore = rt.store
	}

	rt.approvals = approval.NewManager(rt.bus, approvalStore, time.Duration(cfg.Approval.TimeoutSeconds)*time.Second)
	rt.unsubs = append(rt.unsubs, rt.approvals.Attach())

	engine, err := tools.NewEngine(tools.Options{
		Root:             cfg.Paths.Workspace,
		Allowed:          cfg.Tools.Allowed,
		Policy:           policyFromConfig(cfg.Approval),
		Gate:             rt.approvals,
		DefaultTimeoutMs: cfg.Tools.CommandTimeoutMs,
		RespectGitignore: cfg.Tools.RespectGitignore,
		GuardCommands:    cfg.Tools.GuardCommands,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.engine = engine

	var tracer trace.Publisher
	if cfg.Trace.Enabled && len(cfg.Trace.Brokers) > 0 {
		rt.tracer = trace.NewKafkaPublisher(cfg.Trace.Brokers, cfg.Trace.Topic, "goalrun")
		tracer = rt.tracer
	}

	rt.ctrl = agent.NewController(agent.Options{
		Bus:          rt.bus,
		Provider:     prov,
		Tools:        engine,
		Tracer:       tracer,
		OnFinish:     onFinish,
		MaxSteps:     cfg.Model.MaxSteps,
		ParseRetries: cfg.Model.ParseRetries,
		MaxTokens:    cfg.Model.MaxTokens,
		Temperature:  cfg.Model.Temperature,
	})
	rt.unsubs = append(rt.unsubs, rt.ctrl.Attach(ctx))
	return rt, nil
}

// Close waits for active runs and releases the history store and the trace
// writer.
func (rt *runtime) Close() {
	if rt.ctrl != nil {
		rt.ctrl.Wait()
	}
	for _, u := range rt.unsubs {
		u()
	}
	rt.router.Close()
	if rt.writer != nil {
		rt.writer.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			slog.Warn("History close failed", "error", err)
		}
	}
	if rt.tracer != nil {
		if err := rt.tracer.Close(); err != nil {
			slog.Warn("Trace writer close failed", "error", err)
		}
	}
}

// policyFromConfig asks for approval on every mutating action except the
// kinds switched off in cfg.
func policyFromConfig(cfg config.ApprovalConfig) *policy.DefaultEngine {
	eng := policy.NewDefaultEngine()
	eng.AutoApprove = map[string]bool{
		tools.ActionCreateFile: !cfg.CreateFile,
		tools.ActionEditFile:   !cfg.EditFile,
		tools.ActionRunCommand: !cfg.RunCommand,
	}
	if len(cfg.DeniedActions) > 0 {
		eng.DeniedActions = make(map[string]bool, len(cfg.DeniedActions))
		for _, a := range cfg.DeniedActions {
			eng.DeniedActions[a] = true
		}
	}
	return eng
}
