package audit

import (
	"bufio"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ironcurtain/core/pkg/ironerrors"
)

// Index is a best-effort query layer over the audit log: a SQLite table an
// operator can ask "what did request X do" or "show me every deny for
// server Y" without grepping JSONL by hand. The JSONL file opened via
// Open/Append (log.go) remains the only durable, crash-safe record —
// Index can always be thrown away and rebuilt from it with Rebuild, and
// a failure to write to the index must never fail the request path. It
// runs WAL mode with a busy_timeout pragma and a single table with no
// migration ladder, since it carries no data that must survive a schema
// change across versions.
type Index struct {
	db *sql.DB
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	request_id        TEXT PRIMARY KEY,
	timestamp         TEXT NOT NULL,
	session_id        TEXT,
	server_name       TEXT NOT NULL,
	tool_name         TEXT NOT NULL,
	policy_decision   TEXT NOT NULL,
	rule_name         TEXT,
	escalation_result TEXT,
	status            TEXT NOT NULL,
	duration_ms       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_timestamp ON audit_entries(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_entries_server_tool ON audit_entries(server_name, tool_name);
CREATE INDEX IF NOT EXISTS idx_audit_entries_decision ON audit_entries(policy_decision);
`

// OpenIndex opens (creating if necessary) the SQLite index database at path.
func OpenIndex(path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, ironerrors.Wrap(err, ironerrors.CodeAuditWrite, fmt.Sprintf("creating audit index directory %q", dir))
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeAuditWrite, "opening audit index")
	}
	db.SetMaxOpenConns(1) // single-writer index, avoid SQLITE_BUSY under concurrent appends

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, ironerrors.Wrap(err, ironerrors.CodeAuditWrite, "enabling WAL mode on audit index")
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, ironerrors.Wrap(err, ironerrors.CodeAuditWrite, "setting busy_timeout on audit index")
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, ironerrors.Wrap(err, ironerrors.CodeAuditWrite, "applying audit index schema")
	}

	return &Index{db: db}, nil
}

// Insert upserts one entry's searchable fields. Callers should treat a
// returned error as non-fatal to the request path — the index is a
// convenience, not the record of truth.
func (idx *Index) Insert(entry Entry) error {
	_, err := idx.db.Exec(`
		INSERT INTO audit_entries (request_id, timestamp, session_id, server_name, tool_name, policy_decision, rule_name, escalation_result, status, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			timestamp = excluded.timestamp,
			session_id = excluded.session_id,
			server_name = excluded.server_name,
			tool_name = excluded.tool_name,
			policy_decision = excluded.policy_decision,
			rule_name = excluded.rule_name,
			escalation_result = excluded.escalation_result,
			status = excluded.status,
			duration_ms = excluded.duration_ms
	`,
		entry.RequestID, entry.Timestamp.Format(time.RFC3339Nano), entry.SessionID,
		entry.ServerName, entry.ToolName, string(entry.PolicyDecision), entry.RuleName,
		entry.EscalationResult, string(entry.Result.Status), entry.DurationMs,
	)
	if err != nil {
		return ironerrors.Wrap(err, ironerrors.CodeAuditWrite, "indexing audit entry")
	}
	return nil
}

// Summary is the subset of an Entry's fields the index can answer queries
// with; full entries (arguments, result content) stay in the JSONL file.
type Summary struct {
	RequestID        string
	Timestamp        time.Time
	SessionID        string
	ServerName       string
	ToolName         string
	PolicyDecision   string
	RuleName         string
	EscalationResult string
	Status           string
	DurationMs       int64
}

// Recent returns the most recent entries, newest first, bounded by limit.
func (idx *Index) Recent(limit int) ([]Summary, error) {
	rows, err := idx.db.Query(`
		SELECT request_id, timestamp, session_id, server_name, tool_name, policy_decision, rule_name, escalation_result, status, duration_ms
		FROM audit_entries ORDER BY timestamp DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeAuditWrite, "querying recent audit entries")
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// ByDecision returns entries matching a policy decision, newest first.
func (idx *Index) ByDecision(decision string, limit int) ([]Summary, error) {
	rows, err := idx.db.Query(`
		SELECT request_id, timestamp, session_id, server_name, tool_name, policy_decision, rule_name, escalation_result, status, duration_ms
		FROM audit_entries WHERE policy_decision = ? ORDER BY timestamp DESC LIMIT ?
	`, decision, limit)
	if err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeAuditWrite, "querying audit entries by decision")
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// ByRequestID returns the single entry matching requestID, if present.
func (idx *Index) ByRequestID(requestID string) (*Summary, error) {
	rows, err := idx.db.Query(`
		SELECT request_id, timestamp, session_id, server_name, tool_name, policy_decision, rule_name, escalation_result, status, duration_ms
		FROM audit_entries WHERE request_id = ?
	`, requestID)
	if err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeAuditWrite, "querying audit entry by request id")
	}
	defer rows.Close()

	summaries, err := scanSummaries(rows)
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, nil
	}
	return &summaries[0], nil
}

func scanSummaries(rows *sql.Rows) ([]Summary, error) {
	var out []Summary
	for rows.Next() {
		var s Summary
		var ts string
		if err := rows.Scan(&s.RequestID, &ts, &s.SessionID, &s.ServerName, &s.ToolName, &s.PolicyDecision, &s.RuleName, &s.EscalationResult, &s.Status, &s.DurationMs); err != nil {
			return nil, ironerrors.Wrap(err, ironerrors.CodeAuditWrite, "scanning audit index row")
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			s.Timestamp = parsed
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Rebuild truncates the index and replays every line of the JSONL audit log
// at logPath back into it. A malformed line is skipped rather than aborting
// the rebuild, since the index must never become a reason the process
// cannot start.
func (idx *Index) Rebuild(logPath string) (int, error) {
	if _, err := idx.db.Exec("DELETE FROM audit_entries"); err != nil {
		return 0, ironerrors.Wrap(err, ironerrors.CodeAuditWrite, "clearing audit index")
	}

	file, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, ironerrors.Wrap(err, ironerrors.CodeAuditWrite, fmt.Sprintf("opening audit log %q for rebuild", logPath))
	}
	defer file.Close()

	count := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue // partial trailing line or corruption; skip, don't abort
		}
		if err := idx.Insert(entry); err != nil {
			continue
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, ironerrors.Wrap(err, ironerrors.CodeAuditWrite, "scanning audit log during rebuild")
	}
	return count, nil
}

// Close closes the underlying database connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}
