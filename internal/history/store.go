// Package history persists session logs and approval records in sqlite.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/KafClaw/goalrun/internal/approval"
	"github.com/KafClaw/goalrun/internal/router"
	"github.com/KafClaw/goalrun/internal/session"
)

// Store is the sqlite-backed history store.
type Store struct {
	db *sql.DB
}

// SessionSummary describes one persisted session.
type SessionSummary struct {
	ID      string    `json:"id"`
	Entries int       `json:"entries"`
	LastAt  time.Time `json:"last_at"`
}

// ApprovalRecord is a persisted approval with its response time.
type ApprovalRecord struct {
	approval.Record
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

// Open opens (or creates) the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append persists one session entry.
func (s *Store) Append(sessionID string, e session.Entry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO session_records
		(session_id, kind, entry_id, correlation_id, approval_id, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, string(e.Kind), e.ID, e.CorrelationID, e.ApprovalID, e.Text, ts.UTC())
	return err
}

// Tail returns at most limit of the most recent entries of a session, oldest
// first.
func (s *Store) Tail(sessionID string, limit int) ([]session.Entry, error) {
	rows, err := s.db.Query(`SELECT kind, entry_id, correlation_id, approval_id, text, created_at FROM (
			SELECT id, kind, COALESCE(entry_id,'') AS entry_id, COALESCE(correlation_id,'') AS correlation_id,
				COALESCE(approval_id,'') AS approval_id, text, created_at
			FROM session_records WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []session.Entry
	for rows.Next() {
		var e session.Entry
		var kind string
		if err := rows.Scan(&kind, &e.ID, &e.CorrelationID, &e.ApprovalID, &e.Text, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Kind = session.EntryKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Reseed returns the bounded tail of every persisted session, ready for
// router.Router.Reload.
func (s *Store) Reseed(limit int) ([]router.Record, error) {
	sessions, err := s.Sessions()
	if err != nil {
		return nil, err
	}
	var out []router.Record
	for _, sum := range sessions {
		entries, err := s.Tail(sum.ID, limit)
		if err != nil {
			return nil, fmt.Errorf("tail %s: %w", sum.ID, err)
		}
		for _, e := range entries {
			out = append(out, router.Record{SessionID: sum.ID, Entry: e})
		}
	}
	return out, nil
}

// Sessions lists every session with persisted entries.
func (s *Store) Sessions() ([]SessionSummary, error) {
	rows, err := s.db.Query(`SELECT session_id, COUNT(*), MAX(id) FROM session_records
		GROUP BY session_id ORDER BY session_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	var lastIDs []int64
	for rows.Next() {
		var sum SessionSummary
		var lastID int64
		if err := rows.Scan(&sum.ID, &sum.Entries, &lastID); err != nil {
			return nil, err
		}
		out = append(out, sum)
		lastIDs = append(lastIDs, lastID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, id := range lastIDs {
		if err := s.db.QueryRow(`SELECT created_at FROM session_records WHERE id = ?`, id).Scan(&out[i].LastAt); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ClearSession deletes the persisted log of a session.
func (s *Store) ClearSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM session_records WHERE session_id = ?`, sessionID)
	return err
}

// --- Approvals ---

// InsertApproval persists a new approval request.
func (s *Store) InsertApproval(rec approval.Record) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	status := rec.Status
	if status == "" {
		status = "pending"
	}
	_, err := s.db.Exec(`INSERT INTO approvals
		(approval_id, correlation_id, action_kind, path, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ApprovalID, rec.CorrelationID, rec.ActionKind, rec.Path, status, created.UTC())
	return err
}

// UpdateApprovalStatus updates the status and responded_at timestamp.
func (s *Store) UpdateApprovalStatus(approvalID, status string) error {
	_, err := s.db.Exec(`UPDATE approvals SET status = ?, responded_at = ? WHERE approval_id = ?`,
		status, time.Now().UTC(), approvalID)
	return err
}

// PendingApprovals returns all approvals with status 'pending'.
func (s *Store) PendingApprovals() ([]approval.Record, error) {
	recs, err := s.queryApprovals(`WHERE status = 'pending' ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	out := make([]approval.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Record)
	}
	return out, nil
}

// ApprovalsFor returns the approvals raised by one run.
func (s *Store) ApprovalsFor(correlationID string) ([]ApprovalRecord, error) {
	return s.queryApprovals(`WHERE correlation_id = ? ORDER BY id ASC`, correlationID)
}

func (s *Store) queryApprovals(where string, args ...any) ([]ApprovalRecord, error) {
	rows, err := s.db.Query(`SELECT approval_id, COALESCE(correlation_id,''), action_kind, COALESCE(path,''),
		status, created_at, responded_at FROM approvals `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		var r ApprovalRecord
		var respondedAt sql.NullTime
		if err := rows.Scan(&r.ApprovalID, &r.CorrelationID, &r.ActionKind, &r.Path,
			&r.Status, &r.CreatedAt, &respondedAt); err != nil {
			return nil, err
		}
		if respondedAt.Valid {
			r.RespondedAt = &respondedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
