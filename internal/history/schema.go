package history

// Schema creates the history tables.
const Schema = `
CREATE TABLE IF NOT EXISTS session_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	entry_id TEXT DEFAULT '',
	correlation_id TEXT DEFAULT '',
	approval_id TEXT DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_session_records_session ON session_records(session_id, id);
CREATE INDEX IF NOT EXISTS idx_session_records_correlation ON session_records(correlation_id);

CREATE TABLE IF NOT EXISTS approvals (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	approval_id TEXT UNIQUE NOT NULL,
	correlation_id TEXT DEFAULT '',
	action_kind TEXT NOT NULL,
	path TEXT DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	responded_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
CREATE INDEX IF NOT EXISTS idx_approvals_correlation ON approvals(correlation_id);
`
