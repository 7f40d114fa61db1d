package history

import (
	"log/slog"
	"sync"

	"github.com/KafClaw/goalrun/internal/session"
)

// DefaultQueueSize bounds the number of writes waiting for the database.
const DefaultQueueSize = 1024

type op struct {
	sessionID string
	entry     session.Entry
	clear     bool
}

// AsyncWriter applies history writes on a single goroutine, in submission
// order. Submissions never block: when the queue is full the write is
// dropped with a warning.
type AsyncWriter struct {
	store *Store
	queue chan op

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncWriter starts the writer goroutine. A non-positive size selects
// DefaultQueueSize.
func NewAsyncWriter(store *Store, size int) *AsyncWriter {
	if size <= 0 {
		size = DefaultQueueSize
	}
	w := &AsyncWriter{
		store: store,
		queue: make(chan op, size),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w
}

// Append queues one entry.
func (w *AsyncWriter) Append(sessionID string, e session.Entry) {
	w.submit(op{sessionID: sessionID, entry: e})
}

// Clear queues deletion of a session's persisted log.
func (w *AsyncWriter) Clear(sessionID string) {
	w.submit(op{sessionID: sessionID, clear: true})
}

func (w *AsyncWriter) submit(o op) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- o:
	default:
		slog.Warn("History queue full, dropping write", "session", o.sessionID, "kind", o.entry.Kind)
	}
}

func (w *AsyncWriter) loop() {
	defer close(w.done)
	for o := range w.queue {
		var err error
		if o.clear {
			err = w.store.ClearSession(o.sessionID)
		} else {
			err = w.store.Append(o.sessionID, o.entry)
		}
		if err != nil {
			slog.Warn("History write failed", "session", o.sessionID, "error", err)
		}
	}
}

// Close drains queued writes and stops the goroutine.
func (w *AsyncWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}
