// Package session provides the in-memory session registry and ordered
// session logs.
package session

import (
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// DefaultID names the synthetic session used when no workspace root is known.
const DefaultID = "default"

// EntryKind classifies a log entry.
type EntryKind string

const (
	KindInbound  EntryKind = "inbound"
	KindOutbound EntryKind = "outbound"
	KindFinal    EntryKind = "final"
	KindApproval EntryKind = "approval"
	KindDecision EntryKind = "decision"
)

// Entry is one record in a session log.
type Entry struct {
	// ID is the inbound message id for inbound entries.
	ID            string    `json:"id,omitempty"`
	Kind          EntryKind `json:"kind"`
	Text          string    `json:"text"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ApprovalID    string    `json:"approval_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Session is a logical bucket of entries, usually one project.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	log       []Entry
	inbound   map[string]bool
	mu        sync.RWMutex
}

// NewSession creates a new session with the given id and display name.
func NewSession(id, name string) *Session {
	if name == "" {
		name = id
	}
	return &Session{
		ID:        id,
		Name:      name,
		CreatedAt: time.Now(),
		inbound:   make(map[string]bool),
	}
}

// Append adds an entry to the log. A zero timestamp is set to now.
func (s *Session) Append(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Kind == KindInbound && e.ID != "" {
		s.inbound[e.ID] = true
	}
	s.log = append(s.log, e)
}

// HasInbound reports whether an inbound entry with id is already logged.
func (s *Session) HasInbound(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inbound[id]
}

// Entries returns a copy of the log.
func (s *Session) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.log))
	copy(out, s.log)
	return out
}

// Tail returns at most n of the most recent entries.
func (s *Session) Tail(n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || len(s.log) <= n {
		out := make([]Entry, len(s.log))
		copy(out, s.log)
		return out
	}
	out := make([]Entry, n)
	copy(out, s.log[len(s.log)-n:])
	return out
}

// Len returns the number of entries.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

// Clear truncates the log. The session itself is kept.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
	s.inbound = make(map[string]bool)
}

// Registry holds sessions by id.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewRegistry creates a registry with one session per workspace root, or the
// synthetic default session when roots is empty.
func NewRegistry(roots []string) *Registry {
	r := &Registry{sessions: make(map[string]*Session)}
	for _, root := range roots {
		if root == "" {
			continue
		}
		if _, ok := r.sessions[root]; !ok {
			r.sessions[root] = NewSession(root, filepath.Base(root))
		}
	}
	if len(r.sessions) == 0 {
		r.sessions[DefaultID] = NewSession(DefaultID, DefaultID)
	}
	return r
}

// GetOrCreate returns an existing session or creates a new one.
func (r *Registry) GetOrCreate(id string) (s *Session, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s = NewSession(id, id)
	r.sessions[id] = s
	return s, true
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Only returns the single session when exactly one exists.
func (r *Registry) Only() (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sessions) != 1 {
		return nil, false
	}
	for _, s := range r.sessions {
		return s, true
	}
	return nil, false
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns all sessions ordered by creation time, then id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
