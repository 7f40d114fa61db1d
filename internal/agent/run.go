package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KafClaw/goalrun/internal/bus"
	"github.com/KafClaw/goalrun/internal/provider"
	"github.com/KafClaw/goalrun/internal/trace"
)

// run is the state of one goal run. It is owned by its goroutine.
type run struct {
	c        *Controller
	id       string
	goal     string
	maxSteps int

	step         int
	parseRetries int
	emptyActions int
	calls        int
	history      []provider.Message
	lastModel    string
}

func newRun(c *Controller, req RunRequest, maxSteps int) *run {
	return &run{
		c:        c,
		id:       req.CorrelationID,
		goal:     req.Goal,
		maxSteps: maxSteps,
		history: []provider.Message{
			{Role: provider.RoleSystem, Content: systemPrompt()},
			{Role: provider.RoleUser, Content: goalPrompt(req.Goal)},
		},
		lastModel: c.modelName(),
	}
}

func (r *run) loop(ctx context.Context) (Outcome, error) {
	for r.step < r.maxSteps {
		if ctx.Err() != nil {
			return r.cancelled()
		}

		raw, err := r.plan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled()
			}
			return r.fail(err)
		}

		obj, ok := parseReply(raw)
		if !ok {
			if r.parseRetries >= r.c.parseRetries {
				return r.abort(fmt.Errorf("%w after %d retries", ErrParse, r.parseRetries),
					fmt.Sprintf("Aborted: the model output could not be parsed after %d retries. Last output began with:\n%s",
						r.parseRetries, prefix(raw, diagnosticPrefixChars)))
			}
			r.parseRetries++
			r.emit(parseDiagnostic(raw, r.parseRetries, r.c.parseRetries))
			r.exchange(raw, parseCorrection)
			continue
		}
		r.parseRetries = 0

		st, err := decodeStep(obj)
		if err == nil && st.Done {
			summary := st.FinalSummary
			if summary == "" {
				summary = st.Commentary
			}
			if summary == "" {
				summary = "Done."
			}
			return r.finish(OutcomeSuccess, summary, nil)
		}
		if err != nil || len(st.Actions) == 0 {
			r.emptyActions++
			if r.emptyActions >= 2 {
				return r.abort(fmt.Errorf("%w: two consecutive replies without actions", ErrProtocolViolation),
					"Aborted: the model twice replied without actions or a final summary.")
			}
			slog.Debug("Protocol violation, re-prompting", "id", r.id, "step", r.step, "error", err)
			r.exchange(raw, emptyActionsCorrection)
			continue
		}
		r.emptyActions = 0

		if st.Commentary != "" {
			r.emit(st.Commentary)
		}
		actions := decodeActions(st.Actions)
		r.emit(actionsFragment(r.step, actions))

		results := r.c.tools.Execute(ctx, r.id, actions)
		for _, res := range results {
			r.c.publishTrace(trace.Record{
				TraceID:  r.id,
				SpanType: trace.SpanTool,
				Step:     r.step,
				Title:    res.Tool,
				Content:  res.Summary(),
			})
		}
		r.emit(resultsFragment(results))

		resultsJSON, err := json.Marshal(results)
		if err != nil {
			resultsJSON = []byte(fmt.Sprintf(`[{"error":%q}]`, err.Error()))
		}
		r.exchange(raw, resultsPrompt(string(resultsJSON)))
		r.step++

		if ctx.Err() != nil {
			return r.cancelled()
		}
	}
	return r.finish(OutcomeMaxStepsReached,
		fmt.Sprintf("Max steps reached (%d) before the goal was completed.", r.maxSteps), nil)
}

// plan calls the provider with the full history.
func (r *run) plan(ctx context.Context) (string, error) {
	r.calls++
	start := time.Now()
	resp, err := r.c.provider.Chat(ctx, &provider.ChatRequest{
		Messages:    append([]provider.Message(nil), r.history...),
		Model:       r.c.model,
		MaxTokens:   r.c.maxTokens,
		Temperature: r.c.temperature,
	})
	rec := trace.Record{
		TraceID:   r.id,
		SpanType:  trace.SpanProvider,
		Step:      r.step,
		Title:     "provider call",
		StartedAt: start,
		EndedAt:   time.Now(),
	}
	if err != nil {
		rec.Content = "error: " + err.Error()
		r.c.publishTrace(rec)
		return "", err
	}
	if resp.Model != "" {
		r.lastModel = resp.Model
	}
	rec.Content = fmt.Sprintf("model=%s tokens=%d chars=%d", r.lastModel, resp.Usage.TotalTokens, len(resp.Content))
	r.c.publishTrace(rec)
	return resp.Content, nil
}

// exchange appends the assistant reply and the follow-up user turn.
func (r *run) exchange(assistant, user string) {
	r.history = append(r.history,
		provider.Message{Role: provider.RoleAssistant, Content: assistant},
		provider.Message{Role: provider.RoleUser, Content: user},
	)
}

func (r *run) emit(text string) {
	r.c.bus.PublishOutbound(&bus.OutboundFragment{ID: r.id, Fragment: text, Model: r.lastModel})
}

func (r *run) finish(o Outcome, text string, err error) (Outcome, error) {
	r.c.bus.PublishOutbound(&bus.OutboundFragment{ID: r.id, Fragment: text, Done: true, Model: r.lastModel})
	content := string(o)
	if err != nil {
		content += ": " + err.Error()
	}
	r.c.publishTrace(trace.Record{
		TraceID:  r.id,
		SpanType: trace.SpanTerminate,
		Step:     r.step,
		Title:    string(o),
		Content:  content,
	})
	return o, err
}

func (r *run) abort(err error, text string) (Outcome, error) {
	return r.finish(OutcomeAborted, text, err)
}

func (r *run) cancelled() (Outcome, error) {
	return r.finish(OutcomeCancelled, "Run cancelled.", nil)
}

func (r *run) fail(err error) (Outcome, error) {
	reason := err.Error()
	if provider.IsUnavailable(err) {
		reason = "no model is available: " + reason
	}
	wrapped := fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "the model did not answer in time"
	}
	return r.finish(OutcomeFailed, "Run failed: "+reason, wrapped)
}
