// Package agent drives goal runs: it plans with the model, validates the
// reply, executes tool actions and streams progress on the bus.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/goalrun/internal/bus"
	"github.com/KafClaw/goalrun/internal/provider"
	"github.com/KafClaw/goalrun/internal/tools"
	"github.com/KafClaw/goalrun/internal/trace"
)

const (
	defaultMaxSteps     = 12
	defaultParseRetries = 3
	traceTimeout        = 5 * time.Second
)

// Executor runs a batch of actions and returns one result per action.
// tools.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, correlationID string, actions []tools.Action) []tools.Result
}

// Options contains configuration for the controller.
type Options struct {
	Bus      *bus.MessageBus
	Provider provider.LLMProvider
	Tools    Executor
	// Tracer receives one record per provider call, tool result and
	// termination. Nil disables tracing.
	Tracer trace.Publisher
	// OnFinish, when set, is called once per run after its done fragment.
	OnFinish     func(correlationID string, o Outcome, err error)
	Model        string
	MaxSteps     int
	ParseRetries int
	MaxTokens    int
	Temperature  float64
}

// RunRequest starts one run.
type RunRequest struct {
	Goal          string
	CorrelationID string
	// MaxSteps overrides the controller default when positive.
	MaxSteps int
}

// Controller owns the active runs of one process.
type Controller struct {
	bus          *bus.MessageBus
	provider     provider.LLMProvider
	tools        Executor
	tracer       trace.Publisher
	onFinish     func(string, Outcome, error)
	model        string
	maxSteps     int
	parseRetries int
	maxTokens    int
	temperature  float64

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates a controller.
func NewController(opts Options) *Controller {
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	parseRetries := opts.ParseRetries
	if parseRetries <= 0 {
		parseRetries = defaultParseRetries
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = trace.Nop{}
	}
	return &Controller{
		bus:          opts.Bus,
		provider:     opts.Provider,
		tools:        opts.Tools,
		tracer:       tracer,
		onFinish:     opts.OnFinish,
		model:        opts.Model,
		maxSteps:     maxSteps,
		parseRetries: parseRetries,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
		active:       make(map[string]context.CancelFunc),
	}
}

// Attach subscribes to inbound submissions and starts one run per message,
// using the message id as correlation id. Runs inherit ctx.
func (c *Controller) Attach(ctx context.Context) bus.Unsubscribe {
	return c.bus.SubscribeInbound(func(msg *bus.InboundMessage) {
		req := RunRequest{Goal: msg.Text, CorrelationID: msg.ID, MaxSteps: msg.MaxSteps}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if _, err := c.Run(ctx, req); err != nil {
				slog.Warn("Agent run ended with error", "id", req.CorrelationID, "error", err)
			}
		}()
	})
}

// Wait blocks until every run started through Attach has returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Cancel stops the run with the given correlation id. It reports whether
// such a run was active.
func (c *Controller) Cancel(correlationID string) bool {
	c.mu.Lock()
	cancel, ok := c.active[correlationID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of runs in progress.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Run drives one goal to termination. Every path publishes exactly one
// done fragment. The error is non-nil only for fatal outcomes and for a
// duplicate correlation id, which publishes nothing.
func (c *Controller) Run(ctx context.Context, req RunRequest) (Outcome, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if _, dup := c.active[req.CorrelationID]; dup {
		c.mu.Unlock()
		return OutcomeFailed, fmt.Errorf("%w: %s", ErrDuplicateRun, req.CorrelationID)
	}
	c.active[req.CorrelationID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.active, req.CorrelationID)
		c.mu.Unlock()
	}()

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = c.maxSteps
	}
	r := newRun(c, req, maxSteps)

	slog.Info("Agent run started", "id", r.id, "max_steps", maxSteps)
	start := time.Now()
	outcome, err := r.loop(ctx)
	slog.Info("Agent run finished", "id", r.id, "outcome", outcome, "steps", r.step,
		"provider_calls", r.calls, "duration", time.Since(start).Truncate(time.Millisecond))
	if c.onFinish != nil {
		c.onFinish(r.id, outcome, err)
	}
	return outcome, err
}

func (c *Controller) modelName() string {
	if c.model != "" {
		return c.model
	}
	if c.provider != nil {
		return c.provider.DefaultModel()
	}
	return ""
}

// publishTrace is best-effort and detached from the run context so that a
// cancelled run still records its termination.
func (c *Controller) publishTrace(rec trace.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), traceTimeout)
	defer cancel()
	if err := c.tracer.PublishTrace(ctx, rec); err != nil {
		slog.Debug("Trace publish failed", "id", rec.TraceID, "span", rec.SpanType, "error", err)
	}
}
