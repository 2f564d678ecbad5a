// Package audit implements the append-only audit trail: one JSONL line per
// completed request, written exactly once, never mutated in place. It is
// a security record, not an operational log, so it lives in its own
// package with its own on-disk shape, independent of pkg/logging.
package audit

import (
	"time"

	"github.com/ironcurtain/core/pkg/policy"
)

// Status is the terminal outcome recorded for a completed request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusDenied  Status = "denied"
	StatusError   Status = "error"
)

// Result is the machine-readable outcome of forwarding (or not forwarding)
// a tool call to its backend.
type Result struct {
	Status  Status `json:"status"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Entry is written exactly once per completed request (I6). Arguments are
// recorded post-redaction when redaction is enabled.
type Entry struct {
	Timestamp        time.Time       `json:"timestamp"`
	RequestID        string          `json:"requestId"`
	SessionID        string          `json:"sessionId,omitempty"`
	ServerName       string          `json:"serverName"`
	ToolName         string          `json:"toolName"`
	Arguments        map[string]any  `json:"arguments"`
	PolicyDecision   policy.Decision `json:"policyDecision"`
	RuleName         string          `json:"ruleName,omitempty"`
	RiskReasons      []string        `json:"riskReasons,omitempty"`
	EscalationResult string          `json:"escalationResult,omitempty"`
	AutoApproved     *bool           `json:"autoApproved,omitempty"`
	Result           Result          `json:"result"`
	DurationMs       int64           `json:"durationMs"`
}
