// Package approval provides the interactive approval gate for mutating tool
// actions.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/goalrun/internal/bus"
)

// DefaultTimeout is how long a request waits for a decision.
const DefaultTimeout = 2 * time.Minute

// State is the lifecycle state of one approval.
type State int

const (
	StatePending State = iota
	StateApproved
	StateRejected
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApproved:
		return "approved"
	case StateRejected:
		return "denied"
	case StateTimedOut:
		return "timeout"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrNotPending is returned when a decision names an approval that is
// unknown or already resolved.
var ErrNotPending = errors.New("no pending approval")

// Record is the persisted form of an approval request.
type Record struct {
	ApprovalID    string    `json:"approval_id"`
	CorrelationID string    `json:"correlation_id"`
	ActionKind    string    `json:"action_kind"`
	Path          string    `json:"path,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists approval lifecycle records. Failures are logged, never
// fatal to the waiting run.
type Store interface {
	InsertApproval(rec Record) error
	UpdateApprovalStatus(approvalID, status string) error
	PendingApprovals() ([]Record, error)
}

// future is a single approval awaiting resolution. The timer is its only
// timeout owner.
type future struct {
	state State
	done  chan struct{}
	timer *time.Timer
}

// Manager handles approval lifecycle: create, wait, respond.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*future
	bus     *bus.MessageBus
	store   Store
	timeout time.Duration
}

// NewManager creates an approval manager. Store may be nil. A timeout of
// zero selects DefaultTimeout. On creation, any approvals left pending by a
// previous process are marked as timeout.
func NewManager(b *bus.MessageBus, store Store, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Manager{
		pending: make(map[string]*future),
		bus:     b,
		store:   store,
		timeout: timeout,
	}
	m.cleanupStale()
	return m
}

// Attach subscribes the manager to approval decisions on the bus.
func (m *Manager) Attach() bus.Unsubscribe {
	return m.bus.SubscribeApprovalDecision(func(d *bus.ApprovalDecision) {
		if err := m.Respond(d.ApprovalID, d.Approved); err != nil {
			slog.Debug("Approval decision ignored", "id", d.ApprovalID, "error", err)
		}
	})
}

// cleanupStale marks approvals left pending by an earlier process as timeout.
func (m *Manager) cleanupStale() {
	if m.store == nil {
		return
	}
	pending, err := m.store.PendingApprovals()
	if err != nil {
		slog.Warn("Stale approval lookup failed", "error", err)
		return
	}
	for _, r := range pending {
		if err := m.store.UpdateApprovalStatus(r.ApprovalID, StateTimedOut.String()); err != nil {
			slog.Warn("Stale approval update failed", "id", r.ApprovalID, "error", err)
		}
	}
}

// Await registers req as pending, publishes it and blocks until a decision,
// the timeout, or ctx cancellation resolves it. ApprovalID is assigned here.
func (m *Manager) Await(ctx context.Context, req *bus.ApprovalRequest) State {
	id := m.create(req)
	m.bus.PublishApprovalRequest(req)
	return m.wait(ctx, id)
}

func (m *Manager) create(req *bus.ApprovalRequest) string {
	id := uuid.NewString()
	req.ApprovalID = id

	f := &future{state: StatePending, done: make(chan struct{})}
	m.mu.Lock()
	m.pending[id] = f
	f.timer = time.AfterFunc(m.timeout, func() { m.resolve(id, StateTimedOut) })
	m.mu.Unlock()

	if m.store != nil {
		err := m.store.InsertApproval(Record{
			ApprovalID:    id,
			CorrelationID: req.CorrelationID,
			ActionKind:    req.ActionKind,
			Path:          req.Path,
			Status:        StatePending.String(),
			CreatedAt:     time.Now(),
		})
		if err != nil {
			slog.Warn("Approval persist failed", "id", id, "error", err)
		}
	}
	return id
}

func (m *Manager) wait(ctx context.Context, id string) State {
	m.mu.Lock()
	f, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return StateCancelled
	}

	select {
	case <-f.done:
	case <-ctx.Done():
		m.resolve(id, StateCancelled)
		<-f.done
	}

	m.mu.Lock()
	delete(m.pending, id)
	state := f.state
	m.mu.Unlock()
	return state
}

// Respond delivers a decision for a pending approval. Only the first
// resolution of an id has any effect.
func (m *Manager) Respond(id string, approved bool) error {
	state := StateRejected
	if approved {
		state = StateApproved
	}
	if !m.resolve(id, state) {
		return fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	return nil
}

// resolve moves a pending future to state. It reports false when the id is
// unknown or already resolved.
func (m *Manager) resolve(id string, state State) bool {
	m.mu.Lock()
	f, ok := m.pending[id]
	if !ok || f.state != StatePending {
		m.mu.Unlock()
		return false
	}
	f.state = state
	f.timer.Stop()
	close(f.done)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.UpdateApprovalStatus(id, state.String()); err != nil {
			slog.Warn("Approval status persist failed", "id", id, "error", err)
		}
	}
	slog.Info("Approval resolved", "id", id, "state", state.String())
	return true
}

// Pending returns the number of unresolved approvals.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.pending {
		if f.state == StatePending {
			n++
		}
	}
	return n
}
