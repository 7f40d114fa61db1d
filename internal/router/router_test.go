package router

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/goalrun/internal/bus"
	"github.com/KafClaw/goalrun/internal/session"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) fn(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) fragments() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Kind == EventFragment {
			out = append(out, ev.Fragment.Fragment)
		}
	}
	return out
}

type memWriter struct {
	mu      sync.Mutex
	entries map[string][]session.Entry
	cleared []string
}

func (w *memWriter) Append(sid string, e session.Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.entries == nil {
		w.entries = make(map[string][]session.Entry)
	}
	w.entries[sid] = append(w.entries[sid], e)
}

func (w *memWriter) Clear(sid string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cleared = append(w.cleared, sid)
	delete(w.entries, sid)
}

func kinds(entries []session.Entry) []session.EntryKind {
	out := make([]session.EntryKind, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Kind)
	}
	return out
}

func newRouter(t *testing.T, roots []string) (*Router, *bus.MessageBus) {
	t.Helper()
	b := bus.NewMessageBus()
	r := New(b, roots, nil)
	r.Attach()
	t.Cleanup(r.Close)
	return r, b
}

func TestInboundIndexesCorrelationAndLogs(t *testing.T) {
	r, b := newRouter(t, []string{"/w/a", "/w/b"})

	b.PublishInbound(&bus.InboundMessage{ID: "run1", Text: "do it", SessionID: "/w/b"})
	b.PublishOutbound(&bus.OutboundFragment{ID: "run1", Fragment: "working"})
	b.PublishOutbound(&bus.OutboundFragment{ID: "run1", Fragment: "finished", Done: true})

	sess, ok := r.Session("/w/b")
	require.True(t, ok)
	entries := sess.Entries()
	assert.Equal(t, []session.EntryKind{session.KindInbound, session.KindOutbound, session.KindOutbound, session.KindFinal}, kinds(entries))
	assert.Equal(t, "working\nfinished", entries[3].Text)

	other, _ := r.Session("/w/a")
	assert.Equal(t, 0, other.Len())
}

func TestLazySessionForUnknownID(t *testing.T) {
	r, b := newRouter(t, []string{"/w/a"})

	b.PublishInbound(&bus.InboundMessage{ID: "run1", Text: "hi", SessionID: "fresh"})

	sess, ok := r.Session("fresh")
	require.True(t, ok)
	assert.Equal(t, 1, sess.Len())
	assert.Len(t, r.Sessions(), 2)
}

func TestSingleSessionInference(t *testing.T) {
	r, b := newRouter(t, nil)

	b.PublishOutbound(&bus.OutboundFragment{ID: "run1", Fragment: "early"})

	assert.Equal(t, 0, r.Buffered("run1"))
	sess, _ := r.Session(session.DefaultID)
	assert.Equal(t, 1, sess.Len())
}

func TestOutOfOrderFragmentsAreBufferedAndFlushed(t *testing.T) {
	r, b := newRouter(t, []string{"/w/a", "/w/b"})
	filtered := &recorder{}
	unfiltered := &recorder{}
	r.Subscribe("/w/a", filtered.fn)
	r.Subscribe("", unfiltered.fn)

	b.PublishOutbound(&bus.OutboundFragment{ID: "run1", Fragment: "one"})
	b.PublishOutbound(&bus.OutboundFragment{ID: "run1", Fragment: "two"})
	b.PublishOutbound(&bus.OutboundFragment{ID: "run1", Fragment: "three", Done: true})

	assert.Equal(t, 3, r.Buffered("run1"))
	assert.Empty(t, filtered.fragments())
	assert.Equal(t, []string{"one", "two", "three"}, unfiltered.fragments())

	b.PublishInbound(&bus.InboundMessage{ID: "run1", Text: "goal", SessionID: "/w/a"})

	assert.Equal(t, 0, r.Buffered("run1"))
	assert.Equal(t, []string{"one", "two", "three"}, filtered.fragments())
	assert.Equal(t, []string{"one", "two", "three"}, unfiltered.fragments(), "unfiltered subscribers must not see replays")

	sess, _ := r.Session("/w/a")
	entries := sess.Entries()
	require.Equal(t, []session.EntryKind{
		session.KindInbound, session.KindOutbound, session.KindOutbound, session.KindOutbound, session.KindFinal,
	}, kinds(entries))
	assert.Equal(t, "one", entries[1].Text)
	assert.Equal(t, "three", entries[3].Text)
	assert.Equal(t, "one\ntwo\nthree", entries[4].Text)
}

func TestBufferedWithoutDoneHasNoFinal(t *testing.T) {
	r, b := newRouter(t, []string{"/w/a", "/w/b"})

	b.PublishOutbound(&bus.OutboundFragment{ID: "run1", Fragment: "partial"})
	b.PublishInbound(&bus.InboundMessage{ID: "run1", Text: "goal", SessionID: "/w/a"})
	b.PublishOutbound(&bus.OutboundFragment{ID: "run1", Fragment: "rest", Done: true})

	sess, _ := r.Session("/w/a")
	entries := sess.Entries()
	assert.Equal(t, []session.EntryKind{
		session.KindInbound, session.KindOutbound, session.KindOutbound, session.KindFinal,
	}, kinds(entries))
	assert.Equal(t, "partial\nrest", entries[3].Text)
}

func TestFilteredSubscriberNeverSeesUnattributedEvents(t *testing.T) {
	r, b := newRouter(t, []string{"/w/a", "/w/b"})
	a := &recorder{}
	r.Subscribe("/w/a", a.fn)

	b.PublishInbound(&bus.InboundMessage{ID: "x", Text: "no session"})
	b.PublishApprovalRequest(&bus.ApprovalRequest{ApprovalID: "ap", CorrelationID: "unknown"})
	b.PublishOutbound(&bus.OutboundFragment{ID: "unknown", Fragment: "?"})

	assert.Empty(t, a.events)
}

func TestFanOutFiltersBySession(t *testing.T) {
	r, b := newRouter(t, []string{"/w/a", "/w/b"})
	a, bb, all := &recorder{}, &recorder{}, &recorder{}
	r.Subscribe("/w/a", a.fn)
	r.Subscribe("/w/b", bb.fn)
	r.Subscribe("", all.fn)

	b.PublishInbound(&bus.InboundMessage{ID: "r1", Text: "g", SessionID: "/w/a"})
	b.PublishOutbound(&bus.OutboundFragment{ID: "r1", Fragment: "for a"})
	b.PublishInbound(&bus.InboundMessage{ID: "r2", Text: "g", SessionID: "/w/b"})
	b.PublishOutbound(&bus.OutboundFragment{ID: "r2", Fragment: "for b"})

	assert.Equal(t, []string{"for a"}, a.fragments())
	assert.Equal(t, []string{"for b"}, bb.fragments())
	assert.Equal(t, []string{"for a", "for b"}, all.fragments())
}

func TestApprovalAttribution(t *testing.T) {
	r, b := newRouter(t, []string{"/w/a", "/w/b"})
	rec := &recorder{}
	r.Subscribe("/w/b", rec.fn)

	b.PublishInbound(&bus.InboundMessage{ID: "r1", Text: "g", SessionID: "/w/b"})
	b.PublishApprovalRequest(&bus.ApprovalRequest{ApprovalID: "ap1", CorrelationID: "r1", ActionKind: "createFile", Path: "x.md"})
	b.PublishApprovalDecision(&bus.ApprovalDecision{ApprovalID: "ap1", Approved: true})

	require.Len(t, rec.events, 3)
	assert.Equal(t, EventApprovalRequest, rec.events[1].Kind)
	assert.Equal(t, EventApprovalDecision, rec.events[2].Kind)
	assert.Equal(t, "/w/b", rec.events[2].SessionID)

	sess, _ := r.Session("/w/b")
	entries := sess.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "createFile x.md", entries[1].Text)
	assert.Equal(t, session.KindDecision, entries[2].Kind)
	assert.Equal(t, "approved", entries[2].Text)

	// A second decision for the same id is not attributed again.
	b.PublishApprovalDecision(&bus.ApprovalDecision{ApprovalID: "ap1", Approved: false})
	assert.Len(t, sess.Entries(), 3)
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	r, b := newRouter(t, nil)
	rec := &recorder{}
	r.Subscribe("", func(Event) { panic("boom") })
	r.Subscribe("", rec.fn)

	require.NotPanics(t, func() {
		b.PublishOutbound(&bus.OutboundFragment{ID: "r", Fragment: "x"})
	})
	assert.Equal(t, []string{"x"}, rec.fragments())
}

func TestReloadDedupesInbound(t *testing.T) {
	r, b := newRouter(t, []string{"/w/a"})
	b.PublishInbound(&bus.InboundMessage{ID: "m1", Text: "live", SessionID: "/w/a"})

	records := []Record{
		{SessionID: "/w/a", Entry: session.Entry{ID: "m1", Kind: session.KindInbound, Text: "live"}},
		{SessionID: "/w/a", Entry: session.Entry{ID: "m0", Kind: session.KindInbound, Text: "old"}},
		{SessionID: "/w/a", Entry: session.Entry{Kind: session.KindFinal, Text: "old answer"}},
	}
	assert.Equal(t, 2, r.Reload(records))
	assert.Equal(t, 0, r.Reload(records[:2]))

	sess, _ := r.Session("/w/a")
	assert.Equal(t, 3, sess.Len())
}

func TestClearHistoryTruncatesLog(t *testing.T) {
	b := bus.NewMessageBus()
	w := &memWriter{}
	r := New(b, []string{"/w/a"}, w)
	r.Attach()
	defer r.Close()

	b.PublishInbound(&bus.InboundMessage{ID: "m1", Text: "g", SessionID: "/w/a"})
	require.Len(t, w.entries["/w/a"], 1)

	r.ClearHistory("/w/a")

	sess, ok := r.Session("/w/a")
	require.True(t, ok)
	assert.Equal(t, 0, sess.Len())
	assert.Equal(t, []string{"/w/a"}, w.cleared)
}

func TestReplayedFragmentsPrecedeConcurrentDone(t *testing.T) {
	r, b := newRouter(t, []string{"/w/a", "/w/b"})
	entered := make(chan struct{})
	release := make(chan struct{})
	rec := &recorder{}
	r.Subscribe("/w/a", func(ev Event) {
		if ev.Kind == EventInbound {
			close(entered)
			<-release
		}
		rec.fn(ev)
	})

	b.PublishOutbound(&bus.OutboundFragment{ID: "c1", Fragment: "step-1"})

	inboundDone := make(chan struct{})
	go func() {
		defer close(inboundDone)
		b.PublishInbound(&bus.InboundMessage{ID: "c1", Text: "goal", SessionID: "/w/a"})
	}()
	<-entered

	// The run is attributed now, so its done fragment is routed live while
	// the replay is still pending behind the blocked subscriber.
	b.PublishOutbound(&bus.OutboundFragment{ID: "c1", Fragment: "final", Done: true})
	close(release)
	<-inboundDone

	assert.Equal(t, []string{"step-1", "final"}, rec.fragments())

	sess, _ := r.Session("/w/a")
	entries := sess.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, session.KindFinal, entries[3].Kind)
	assert.Equal(t, "step-1\nfinal", entries[3].Text)
}

func TestSubscriberMayPublishWhileDelivering(t *testing.T) {
	r, b := newRouter(t, []string{"/w/a", "/w/b"})
	rec := &recorder{}
	r.Subscribe("/w/a", func(ev Event) {
		if ev.Kind == EventApprovalRequest {
			b.PublishApprovalDecision(&bus.ApprovalDecision{ApprovalID: ev.Request.ApprovalID, Approved: true})
		}
		rec.fn(ev)
	})

	b.PublishInbound(&bus.InboundMessage{ID: "r1", Text: "g", SessionID: "/w/a"})
	b.PublishApprovalRequest(&bus.ApprovalRequest{ApprovalID: "ap1", CorrelationID: "r1", ActionKind: "editFile"})

	require.Len(t, rec.events, 3)
	assert.Equal(t, EventApprovalRequest, rec.events[1].Kind)
	assert.Equal(t, EventApprovalDecision, rec.events[2].Kind)
}

func TestUnattributedInboundDropsItsBuffer(t *testing.T) {
	r, b := newRouter(t, []string{"/w/a", "/w/b"})

	b.PublishOutbound(&bus.OutboundFragment{ID: "c9", Fragment: "lost", Done: true})
	require.Equal(t, 1, r.Buffered("c9"))

	b.PublishInbound(&bus.InboundMessage{ID: "c9", Text: "no session"})
	assert.Equal(t, 0, r.Buffered("c9"))
}

func TestBufferEvictsOldestCompletedRun(t *testing.T) {
	r, b := newRouter(t, []string{"/w/a", "/w/b"})

	b.PublishOutbound(&bus.OutboundFragment{ID: "open", Fragment: "still running"})
	b.PublishOutbound(&bus.OutboundFragment{ID: "closed", Fragment: "finished", Done: true})
	for i := 0; i < maxBufferedRuns-2; i++ {
		b.PublishOutbound(&bus.OutboundFragment{ID: fmt.Sprintf("run-%d", i), Fragment: "x"})
	}
	require.Equal(t, 1, r.Buffered("closed"))

	b.PublishOutbound(&bus.OutboundFragment{ID: "overflow", Fragment: "x"})

	assert.Equal(t, 0, r.Buffered("closed"))
	assert.Equal(t, 1, r.Buffered("open"))
	assert.Equal(t, 1, r.Buffered("overflow"))
	r.mu.Lock()
	assert.Len(t, r.buffered, maxBufferedRuns)
	r.mu.Unlock()
}
