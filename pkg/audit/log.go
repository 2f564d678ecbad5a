package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ironcurtain/core/pkg/ironerrors"
)

// Log is the append-only JSONL audit writer. A single Log is meant to be
// shared by the whole process as its one writer; external readers tail
// the file and must expect to skip a partial last line if they read
// mid-write.
type Log struct {
	mu       sync.Mutex
	file     *os.File
	redactor *Redactor // nil disables redaction
	closed   bool
}

// Open creates the parent directory (if missing, with restrictive
// permissions) and opens path for O_APPEND writes. Passing a non-nil
// redactor enables the deep redaction pass over sensitive argument and
// result fields before each entry is written.
func Open(path string, redactor *Redactor) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeAuditWrite, fmt.Sprintf("creating audit log directory %q", dir))
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeAuditWrite, fmt.Sprintf("opening audit log %q", path))
	}

	return &Log{file: file, redactor: redactor}, nil
}

// Append writes one complete Entry as a single JSONL line, flushed to disk
// before returning. Redaction (if enabled) never touches Result.Status —
// only Arguments, Result.Content, and Result.Error are subject to it, so
// redaction can never flip a recorded outcome from denied to allowed or
// vice versa.
func (l *Log) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ironerrors.New(ironerrors.CodeAuditWrite, "audit log is closed")
	}

	if l.redactor != nil {
		entry.Arguments = l.redactor.RedactMap(entry.Arguments)
		entry.Result.Content = l.redactor.RedactString(entry.Result.Content)
		entry.Result.Error = l.redactor.RedactString(entry.Result.Error)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return ironerrors.Wrap(err, ironerrors.CodeAuditWrite, "marshaling audit entry")
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return ironerrors.Wrap(err, ironerrors.CodeAuditWrite, "writing audit entry")
	}
	if err := l.file.Sync(); err != nil {
		return ironerrors.Wrap(err, ironerrors.CodeAuditWrite, "fsyncing audit log")
	}
	return nil
}

// Close is idempotent: a second call is a no-op rather than an error, since
// shutdown paths may call it more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
