// Package router attributes bus traffic to sessions and fans it out to
// session-filtered subscribers.
package router

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/goalrun/internal/bus"
	"github.com/KafClaw/goalrun/internal/session"
)

// EventKind identifies the bus event an Event wraps.
type EventKind string

const (
	EventInbound          EventKind = "inbound"
	EventFragment         EventKind = "fragment"
	EventApprovalRequest  EventKind = "approval_request"
	EventApprovalDecision EventKind = "approval_decision"
	EventHistoryCleared   EventKind = "history_cleared"
)

// Event is a bus event tagged with its resolved session. SessionID is empty
// when the session could not be resolved.
type Event struct {
	Kind      EventKind
	SessionID string
	// Replayed marks fragments flushed from the out-of-order buffer. Only
	// filtered subscribers receive them; unfiltered ones saw them live.
	Replayed bool

	Inbound  *bus.InboundMessage
	Fragment *bus.OutboundFragment
	Request  *bus.ApprovalRequest
	Decision *bus.ApprovalDecision
}

// HistoryWriter persists attributed entries. Append is called with the
// router lock held and must not block.
type HistoryWriter interface {
	Append(sessionID string, e session.Entry)
	Clear(sessionID string)
}

// Record is one persisted entry used to reseed a session log.
type Record struct {
	SessionID string
	Entry     session.Entry
}

type subscriber struct {
	filter string
	fn     func(Event)
}

// maxBufferedRuns caps the correlation ids held in the out-of-order buffer.
const maxBufferedRuns = 256

// buffer holds fragments whose correlation id has no known session yet.
type buffer struct {
	frags []*bus.OutboundFragment
	done  bool
	seq   uint64
}

// Router consumes bus traffic and maintains the session registry.
type Router struct {
	bus      *bus.MessageBus
	sessions *session.Registry
	writer   HistoryWriter

	// mu guards every index and buffer below, and all log mutations made by
	// the router.
	mu           sync.Mutex
	correlations map[string]string // correlation id -> session id
	approvals    map[string]string // approval id -> session id
	buffered     map[string]*buffer
	bufSeq       uint64
	texts        map[string][]string // fragment texts seen per attributed correlation id

	// pending holds routed events in the order they were produced. draining
	// is set while one goroutine delivers them.
	pending  []Event
	draining bool

	subMu  sync.RWMutex
	subs   map[int]*subscriber
	order  []int
	nextID int

	unsubs []bus.Unsubscribe
}

// New creates a router with one session per workspace root. writer may be nil.
func New(b *bus.MessageBus, roots []string, writer HistoryWriter) *Router {
	return &Router{
		bus:          b,
		sessions:     session.NewRegistry(roots),
		writer:       writer,
		correlations: make(map[string]string),
		approvals:    make(map[string]string),
		buffered:     make(map[string]*buffer),
		texts:        make(map[string][]string),
		subs:         make(map[int]*subscriber),
	}
}

// Attach subscribes the router to every bus event kind. It must run before
// the agent controller subscribes to inbound messages so that session
// linkage is recorded first.
func (r *Router) Attach() {
	r.unsubs = append(r.unsubs,
		r.bus.SubscribeInbound(r.handleInbound),
		r.bus.SubscribeOutbound(r.handleFragment),
		r.bus.SubscribeApprovalRequest(r.handleApprovalRequest),
		r.bus.SubscribeApprovalDecision(r.handleApprovalDecision),
		r.bus.SubscribeHistoryCleared(r.handleHistoryCleared),
	)
}

// Close detaches the router from the bus.
func (r *Router) Close() {
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
}

// Subscribe registers fn for routed events. With a non-empty filter only
// events resolved to that session are delivered; with an empty filter only
// live (non-replayed) events are delivered.
func (r *Router) Subscribe(filter string, fn func(Event)) bus.Unsubscribe {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = &subscriber{filter: filter, fn: fn}
	r.order = append(r.order, id)
	r.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.subMu.Lock()
			defer r.subMu.Unlock()
			delete(r.subs, id)
			for i, v := range r.order {
				if v == id {
					r.order = append(r.order[:i], r.order[i+1:]...)
					break
				}
			}
		})
	}
}

// ClearHistory publishes a history-cleared notice for sessionID.
func (r *Router) ClearHistory(sessionID string) {
	r.bus.PublishHistoryCleared(&bus.HistoryCleared{SessionID: sessionID})
}

// Sessions returns all known sessions.
func (r *Router) Sessions() []*session.Session {
	return r.sessions.List()
}

// Session returns a session by id.
func (r *Router) Session(id string) (*session.Session, bool) {
	return r.sessions.Get(id)
}

// Buffered returns the number of fragments waiting for correlationID's session.
func (r *Router) Buffered(correlationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffered[correlationID]; ok {
		return len(b.frags)
	}
	return 0
}

// Reload reseeds session logs from persisted records. Inbound entries whose
// id is already present are skipped. It returns the number of entries added.
func (r *Router) Reload(records []Record) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := 0
	for _, rec := range records {
		if rec.SessionID == "" {
			continue
		}
		sess, _ := r.sessions.GetOrCreate(rec.SessionID)
		if rec.Entry.Kind == session.KindInbound && rec.Entry.ID != "" && sess.HasInbound(rec.Entry.ID) {
			continue
		}
		sess.Append(rec.Entry)
		added++
	}
	return added
}

func (r *Router) handleInbound(msg *bus.InboundMessage) {
	r.mu.Lock()
	sid := msg.SessionID
	if sid == "" {
		if only, ok := r.sessions.Only(); ok {
			sid = only.ID
		}
	}
	var events []Event
	if sid != "" {
		sess, created := r.sessions.GetOrCreate(sid)
		if created {
			slog.Info("Session created", "session", sid)
		}
		if !sess.HasInbound(msg.ID) {
			r.appendLocked(sess, session.Entry{
				ID:            msg.ID,
				Kind:          session.KindInbound,
				Text:          msg.Text,
				CorrelationID: msg.ID,
				Timestamp:     msg.Timestamp,
			})
		}
		r.correlations[msg.ID] = sid
		events = append(events, Event{Kind: EventInbound, SessionID: sid, Inbound: msg})
		events = append(events, r.flushLocked(msg.ID, sess)...)
	} else {
		if b, ok := r.buffered[msg.ID]; ok {
			delete(r.buffered, msg.ID)
			slog.Debug("Buffered fragments dropped, inbound has no session", "id", msg.ID, "count", len(b.frags))
		}
		events = append(events, Event{Kind: EventInbound, Inbound: msg})
	}
	r.dispatchLocked(events...)
}

func (r *Router) handleFragment(f *bus.OutboundFragment) {
	r.mu.Lock()
	sid, ok := r.correlations[f.ID]
	if !ok {
		if only, single := r.sessions.Only(); single {
			sid, ok = only.ID, true
			r.correlations[f.ID] = sid
		}
	}

	var ev Event
	if ok {
		sess, _ := r.sessions.GetOrCreate(sid)
		r.recordFragmentLocked(sess, f)
		ev = Event{Kind: EventFragment, SessionID: sid, Fragment: f}
	} else {
		b := r.buffered[f.ID]
		if b == nil {
			r.evictLocked()
			r.bufSeq++
			b = &buffer{seq: r.bufSeq}
			r.buffered[f.ID] = b
		}
		b.frags = append(b.frags, f)
		b.done = b.done || f.Done
		slog.Debug("Fragment buffered", "id", f.ID, "count", len(b.frags))
		ev = Event{Kind: EventFragment, Fragment: f}
	}
	r.dispatchLocked(ev)
}

// evictLocked makes room for a new buffer, dropping the oldest completed run
// first and the oldest run otherwise.
func (r *Router) evictLocked() {
	if len(r.buffered) < maxBufferedRuns {
		return
	}
	var victim string
	var victimSeq uint64
	victimDone := false
	for id, b := range r.buffered {
		better := victim == "" ||
			(b.done && !victimDone) ||
			(b.done == victimDone && b.seq < victimSeq)
		if better {
			victim, victimSeq, victimDone = id, b.seq, b.done
		}
	}
	slog.Debug("Fragment buffer full, dropping run", "id", victim, "count", len(r.buffered[victim].frags), "done", victimDone)
	delete(r.buffered, victim)
}

// recordFragmentLocked appends an outbound entry and, on done, the
// aggregated final entry.
func (r *Router) recordFragmentLocked(sess *session.Session, f *bus.OutboundFragment) {
	r.appendLocked(sess, session.Entry{Kind: session.KindOutbound, Text: f.Fragment, CorrelationID: f.ID})
	r.texts[f.ID] = append(r.texts[f.ID], f.Fragment)
	if f.Done {
		r.appendLocked(sess, session.Entry{
			Kind:          session.KindFinal,
			Text:          strings.Join(r.texts[f.ID], "\n"),
			CorrelationID: f.ID,
		})
		delete(r.texts, f.ID)
		delete(r.correlations, f.ID)
	}
}

// flushLocked moves buffered fragments for correlationID into sess in
// arrival order and returns the replay events.
func (r *Router) flushLocked(correlationID string, sess *session.Session) []Event {
	b, ok := r.buffered[correlationID]
	if !ok {
		return nil
	}
	delete(r.buffered, correlationID)

	events := make([]Event, 0, len(b.frags))
	for _, f := range b.frags {
		r.recordFragmentLocked(sess, f)
		events = append(events, Event{Kind: EventFragment, SessionID: sess.ID, Fragment: f, Replayed: true})
	}
	slog.Debug("Buffered fragments flushed", "id", correlationID, "session", sess.ID, "count", len(b.frags), "done", b.done)
	return events
}

func (r *Router) handleApprovalRequest(req *bus.ApprovalRequest) {
	r.mu.Lock()
	sid, ok := r.correlations[req.CorrelationID]
	if !ok {
		if only, single := r.sessions.Only(); single {
			sid, ok = only.ID, true
		}
	}
	if ok {
		r.approvals[req.ApprovalID] = sid
		sess, _ := r.sessions.GetOrCreate(sid)
		r.appendLocked(sess, session.Entry{
			Kind:          session.KindApproval,
			Text:          strings.TrimSpace(req.ActionKind + " " + req.Path),
			CorrelationID: req.CorrelationID,
			ApprovalID:    req.ApprovalID,
		})
	} else {
		slog.Warn("Approval request without session", "approval", req.ApprovalID, "id", req.CorrelationID)
	}
	r.dispatchLocked(Event{Kind: EventApprovalRequest, SessionID: sid, Request: req})
}

func (r *Router) handleApprovalDecision(d *bus.ApprovalDecision) {
	r.mu.Lock()
	sid, ok := r.approvals[d.ApprovalID]
	if ok {
		delete(r.approvals, d.ApprovalID)
		sess, _ := r.sessions.GetOrCreate(sid)
		verdict := "rejected"
		if d.Approved {
			verdict = "approved"
		}
		r.appendLocked(sess, session.Entry{
			Kind:       session.KindDecision,
			Text:       verdict,
			ApprovalID: d.ApprovalID,
		})
	}
	r.dispatchLocked(Event{Kind: EventApprovalDecision, SessionID: sid, Decision: d})
}

func (r *Router) handleHistoryCleared(evt *bus.HistoryCleared) {
	r.mu.Lock()
	if sess, ok := r.sessions.Get(evt.SessionID); ok {
		sess.Clear()
		if r.writer != nil {
			r.writer.Clear(evt.SessionID)
		}
		slog.Info("Session history cleared", "session", evt.SessionID)
	}
	r.dispatchLocked(Event{Kind: EventHistoryCleared, SessionID: evt.SessionID})
}

func (r *Router) appendLocked(sess *session.Session, e session.Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	sess.Append(e)
	if r.writer != nil {
		r.writer.Append(sess.ID, e)
	}
}

// dispatchLocked queues events and releases r.mu. Unless another goroutine
// is already delivering, it then delivers the queue, including events queued
// meanwhile, so subscribers observe events in the order they were produced.
// Delivery itself runs outside r.mu, so a subscriber may publish on the bus.
func (r *Router) dispatchLocked(events ...Event) {
	r.pending = append(r.pending, events...)
	if r.draining {
		r.mu.Unlock()
		return
	}
	r.draining = true
	for len(r.pending) > 0 {
		batch := r.pending
		r.pending = nil
		r.mu.Unlock()
		r.deliver(batch)
		r.mu.Lock()
	}
	r.draining = false
	r.mu.Unlock()
}

// deliver fans events out to subscribers.
func (r *Router) deliver(events []Event) {
	r.subMu.RLock()
	subs := make([]*subscriber, 0, len(r.order))
	for _, id := range r.order {
		subs = append(subs, r.subs[id])
	}
	r.subMu.RUnlock()

	for _, ev := range events {
		for _, s := range subs {
			if !matches(s.filter, ev) {
				continue
			}
			call(s.fn, ev)
		}
	}
}

func matches(filter string, ev Event) bool {
	if filter == "" {
		return !ev.Replayed
	}
	return ev.SessionID != "" && ev.SessionID == filter
}

func call(fn func(Event), ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Router subscriber failed", "kind", ev.Kind, "panic", fmt.Sprint(rec))
		}
	}()
	fn(ev)
}
