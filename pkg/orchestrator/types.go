// Package orchestrator sequences one untrusted tool-call request through
// annotation lookup, policy evaluation, escalation, backend dispatch, and
// audit — the trusted process's single entry point. Each stage runs in a
// fixed linear order and produces at most one audit/metrics side-effect,
// with Prometheus counters recorded in metrics.go.
package orchestrator

import "time"

// Status is the machine-readable outcome handed back to the sandbox.
type Status string

const (
	StatusSuccess Status = "success"
	StatusDenied  Status = "denied"
	StatusError   Status = "error"
)

// Response is returned to whatever is relaying the sandbox's tool call.
type Response struct {
	Status   Status
	Content  string
	Reason   string
	Duration time.Duration
}
