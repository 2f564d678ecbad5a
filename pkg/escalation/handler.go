package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ironcurtain/core/pkg/ironerrors"
)

const (
	// MinTimeout and MaxTimeout bound the configurable escalation timeout:
	// escalationTimeoutSeconds defaults to 300 and is clamped to [30, 600].
	MinTimeout     = 30 * time.Second
	MaxTimeout     = 600 * time.Second
	DefaultTimeout = 300 * time.Second

	defaultPollInterval = 500 * time.Millisecond

	requestSuffix  = ".request.json"
	responseSuffix = ".response.json"
)

// Config configures a Handler.
type Config struct {
	// Dir is the shared directory request/response file pairs live in.
	Dir string
	// Timeout bounds how long Prompt waits for a human response before
	// returning denied. Clamped to [MinTimeout, MaxTimeout]; zero means
	// DefaultTimeout.
	Timeout time.Duration
	// PollInterval is the polling-fallback cadence used alongside fsnotify
	// in case a filesystem notification is missed (network filesystems,
	// some container overlays). Zero means defaultPollInterval.
	PollInterval time.Duration
	// AutoApprover is optional; nil disables auto-approval entirely and
	// every escalation goes straight to a human.
	AutoApprover AutoApprover
}

// Handler implements the file-based human-in-the-loop escalation protocol:
// a request file dropped for a reviewer to see, a response file the
// reviewer (or an auto-approver) writes back, watched via fsnotify with a
// polling fallback.
type Handler struct {
	dir          string
	timeout      time.Duration
	pollInterval time.Duration
	autoApprover AutoApprover
}

// NewHandler creates the escalation directory (if missing) and returns a
// ready-to-use Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Dir == "" {
		return nil, ironerrors.New(ironerrors.CodeConfigInvalid, "escalation: Dir must not be empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeConfigInvalid, fmt.Sprintf("creating escalation directory %q", cfg.Dir))
	}

	timeout := cfg.Timeout
	switch {
	case timeout == 0:
		timeout = DefaultTimeout
	case timeout < MinTimeout:
		timeout = MinTimeout
	case timeout > MaxTimeout:
		timeout = MaxTimeout
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &Handler{dir: cfg.Dir, timeout: timeout, pollInterval: pollInterval, autoApprover: cfg.AutoApprover}, nil
}

// Outcome is the full resolution of an escalation, distinguishing how it
// was resolved (auto-approval vs. human vs. expiry) so a caller recording
// an audit entry doesn't have to re-derive it from Approved alone.
type Outcome struct {
	Approved     bool
	AutoApproved bool
	Expired      bool
}

// Prompt blocks until the escalation identified by req is resolved: by an
// auto-approver fast-tracking it, by a human writing a response file, by
// the request file being deleted out from under the wait (cancellation),
// or by timeout. It never returns an error for any of those outcomes —
// only for I/O failures building the request file in the first place.
func (h *Handler) Prompt(ctx context.Context, req Request) (bool, error) {
	outcome, err := h.PromptDetailed(ctx, req)
	return outcome.Approved, err
}

// PromptDetailed is Prompt plus enough provenance for an audit entry to
// record whether the approval came from an auto-approver, a human, or a
// timeout/expiry.
func (h *Handler) PromptDetailed(ctx context.Context, req Request) (Outcome, error) {
	if h.autoApprover != nil && req.UserMessage != "" {
		decision, err := h.autoApprover.Decide(ctx, AutoApproveInput{
			UserMessage:         req.UserMessage,
			ServerName:          req.ServerName,
			ToolName:            req.ToolName,
			Reason:              req.Reason,
			ResourceIdentifiers: req.ResourceIdentifiers,
		})
		if err == nil && decision == AutoApproverApprove {
			return Outcome{Approved: true, AutoApproved: true}, nil
		}
		// err != nil or decision == AutoApproverEscalate: fall through to
		// human escalation either way (never a deny from auto-approval).
	}

	return h.escalateToHuman(ctx, req)
}

func (h *Handler) escalateToHuman(ctx context.Context, req Request) (Outcome, error) {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	req.Deadline = req.CreatedAt.Add(h.timeout)

	requestPath := h.requestPath(req.EscalationID)
	responsePath := h.responsePath(req.EscalationID)

	if err := writeFileAtomic(requestPath, req); err != nil {
		return Outcome{}, err
	}
	defer func() {
		os.Remove(requestPath)
		os.Remove(responsePath)
	}()

	approved, expired, err := h.awaitResponse(ctx, requestPath, responsePath, req.Deadline)
	return Outcome{Approved: approved, Expired: expired}, err
}

// awaitResponse blocks until responsePath appears, requestPath
// disappears (externally-cancelled escalation, observed as "expired"),
// the deadline passes, or ctx is cancelled. fsnotify drives the common
// case; a polling ticker is the fallback for filesystems that don't
// reliably deliver notifications.
func (h *Handler) awaitResponse(ctx context.Context, requestPath, responsePath string, deadline time.Time) (approved bool, expired bool, err error) {
	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		_ = watcher.Add(h.dir) // best-effort; polling ticker covers the gap if this fails
	}

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	check := func() (approved bool, expired bool, done bool) {
		if resp, ok := readResponse(responsePath); ok {
			return resp.Decision == DecisionApproved, false, true
		}
		if !fileExists(requestPath) {
			return false, true, true // expired: request withdrawn with no response
		}
		return false, false, false
	}

	if approved, expired, done := check(); done {
		return approved, expired, nil
	}

	var events <-chan fsnotify.Event
	if watcher != nil {
		events = watcher.Events
	}

	for {
		select {
		case <-ctx.Done():
			return false, true, nil
		case <-timer.C:
			return false, true, nil
		case <-ticker.C:
			if approved, expired, done := check(); done {
				return approved, expired, nil
			}
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if approved, expired, done := check(); done {
				return approved, expired, nil
			}
		}
	}
}

func readResponse(path string) (Response, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (h *Handler) requestPath(escalationID string) string {
	return filepath.Join(h.dir, escalationID+requestSuffix)
}

func (h *Handler) responsePath(escalationID string) string {
	return filepath.Join(h.dir, escalationID+responseSuffix)
}

// writeFileAtomic marshals v as JSON and writes it to path via a
// temp-file-then-rename, so a concurrent reader never observes a
// partially written request or response.
func writeFileAtomic(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ironerrors.Wrap(err, ironerrors.CodeEscalationIO, "marshaling escalation file")
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".escalation-tmp-*")
	if err != nil {
		return ironerrors.Wrap(err, ironerrors.CodeEscalationIO, "creating temp escalation file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ironerrors.Wrap(err, ironerrors.CodeEscalationIO, "writing temp escalation file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return ironerrors.Wrap(err, ironerrors.CodeEscalationIO, "closing temp escalation file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return ironerrors.Wrap(err, ironerrors.CodeEscalationIO, "renaming escalation file into place")
	}
	return nil
}

// WriteResponse is called by the listener process (human reviewer UI,
// messaging bot) to resolve a pending escalation. It is exported because
// the listener is a separate, restartable process/binary from the core,
// communicating only through the durable request/response files on disk.
func WriteResponse(dir string, resp Response) error {
	if resp.RespondedAt.IsZero() {
		resp.RespondedAt = time.Now()
	}
	path := filepath.Join(dir, resp.EscalationID+responseSuffix)
	return writeFileAtomic(path, resp)
}
