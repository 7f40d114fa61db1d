// Package bus provides the in-process event hub that decouples goal
// submissions, run output, approvals and history notices from their consumers.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SourceCLI marks goals submitted from the command line.
const SourceCLI = "cli"

// InboundMessage is a goal submission. ID doubles as the correlation id of
// the run it starts.
type InboundMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	SessionID string    `json:"session_id,omitempty"`
	MaxSteps  int       `json:"max_steps,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// OutboundFragment is one chunk of a run's output. For a given ID exactly one
// fragment carries Done=true and it is the last one published.
type OutboundFragment struct {
	ID       string `json:"id"`
	Fragment string `json:"fragment"`
	Done     bool   `json:"done,omitempty"`
	Model    string `json:"model,omitempty"`
}

// ApprovalRequest asks a client to confirm a mutating action.
type ApprovalRequest struct {
	ApprovalID    string `json:"approval_id"`
	CorrelationID string `json:"correlation_id"`
	ActionKind    string `json:"action_kind"`
	Path          string `json:"path,omitempty"`
	Diff          string `json:"diff,omitempty"`
	Preview       string `json:"preview,omitempty"`
}

// ApprovalDecision answers an ApprovalRequest. Decisions carry no session id.
type ApprovalDecision struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
}

// HistoryCleared notifies that a session log was truncated.
type HistoryCleared struct {
	SessionID string `json:"session_id"`
}

// Unsubscribe removes a listener. Calling it more than once is a no-op.
type Unsubscribe func()

// listeners is a registration list for one event kind.
type listeners[T any] struct {
	mu     sync.RWMutex
	nextID int
	fns    map[int]func(T)
	order  []int
}

func (l *listeners[T]) add(fn func(T)) Unsubscribe {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	l.order = append(l.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.fns, id)
			for i, v := range l.order {
				if v == id {
					l.order = append(l.order[:i], l.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (l *listeners[T]) snapshot() []func(T) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.fns[id])
	}
	return out
}

func (l *listeners[T]) count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// deliver calls every listener registered at publish time on the caller's
// goroutine. A panicking listener is logged and skipped.
func deliver[T any](kind string, l *listeners[T], evt T) {
	for _, fn := range l.snapshot() {
		callListener(kind, fn, evt)
	}
}

func callListener[T any](kind string, fn func(T), evt T) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Bus listener failed", "kind", kind, "panic", fmt.Sprint(r))
		}
	}()
	fn(evt)
}

// MessageBus is a synchronous publish/subscribe hub. It neither buffers nor
// persists; ordering holds only within a single event kind.
type MessageBus struct {
	inbound   listeners[*InboundMessage]
	outbound  listeners[*OutboundFragment]
	requests  listeners[*ApprovalRequest]
	decisions listeners[*ApprovalDecision]
	cleared   listeners[*HistoryCleared]
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{}
}

// PublishInbound delivers a goal submission to all inbound listeners.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	deliver("inbound", &b.inbound, msg)
}

// SubscribeInbound registers a listener for goal submissions.
func (b *MessageBus) SubscribeInbound(fn func(*InboundMessage)) Unsubscribe {
	return b.inbound.add(fn)
}

// PublishOutbound delivers a run output fragment.
func (b *MessageBus) PublishOutbound(frag *OutboundFragment) {
	deliver("outbound", &b.outbound, frag)
}

// SubscribeOutbound registers a listener for output fragments.
func (b *MessageBus) SubscribeOutbound(fn func(*OutboundFragment)) Unsubscribe {
	return b.outbound.add(fn)
}

// PublishApprovalRequest delivers an approval request.
func (b *MessageBus) PublishApprovalRequest(req *ApprovalRequest) {
	deliver("approval_request", &b.requests, req)
}

// SubscribeApprovalRequest registers a listener for approval requests.
func (b *MessageBus) SubscribeApprovalRequest(fn func(*ApprovalRequest)) Unsubscribe {
	return b.requests.add(fn)
}

// PublishApprovalDecision delivers an approval decision.
func (b *MessageBus) PublishApprovalDecision(dec *ApprovalDecision) {
	deliver("approval_decision", &b.decisions, dec)
}

// SubscribeApprovalDecision registers a listener for approval decisions.
func (b *MessageBus) SubscribeApprovalDecision(fn func(*ApprovalDecision)) Unsubscribe {
	return b.decisions.add(fn)
}

// PublishHistoryCleared delivers a history-cleared notice.
func (b *MessageBus) PublishHistoryCleared(evt *HistoryCleared) {
	deliver("history_cleared", &b.cleared, evt)
}

// SubscribeHistoryCleared registers a listener for history-cleared notices.
func (b *MessageBus) SubscribeHistoryCleared(fn func(*HistoryCleared)) Unsubscribe {
	return b.cleared.add(fn)
}

// InboundListeners returns the number of registered inbound listeners.
func (b *MessageBus) InboundListeners() int {
	return b.inbound.count()
}
