// Package escalation implements the human-in-the-loop approval protocol:
// a request blocks on a file the escalation handler writes atomically into
// a shared directory, and a separate listener process (terminal UI,
// messaging bot, whatever the deployment wires up) answers by writing a
// response file, also atomically. Neither side needs to be running when
// the other starts — a restarted listener just picks up whatever request
// files are still sitting in the directory.
package escalation

import "time"

// Decision is the terminal outcome of an escalation.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// Request is the durable, on-disk representation of one pending
// escalation. It is also what gets marshaled into the request file.
type Request struct {
	EscalationID        string    `json:"escalationId"`
	RequestID           string    `json:"requestId"`
	ServerName          string    `json:"serverName"`
	ToolName            string    `json:"toolName"`
	Reason              string    `json:"reason"`
	ResourceIdentifiers []string  `json:"resourceIdentifiers,omitempty"`
	UserMessage         string    `json:"userMessage,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	Deadline            time.Time `json:"deadline"`
}

// Response is written by whatever is listening on the escalation
// directory (a human reviewer's tool, via WriteResponse). An
// auto-approval never writes a response file: it resolves the escalation
// before any request file is created.
type Response struct {
	EscalationID string    `json:"escalationId"`
	Decision     Decision  `json:"decision"`
	RespondedAt  time.Time `json:"respondedAt"`
	RespondedBy  string    `json:"respondedBy,omitempty"`
}

// AutoApproverDecision is the only vocabulary an auto-approver is allowed
// to speak. There is deliberately no "deny" value: an auto-approver can
// only fast-track an approval or defer to a human, never short-circuit a
// denial.
type AutoApproverDecision string

const (
	AutoApproverApprove  AutoApproverDecision = "approve"
	AutoApproverEscalate AutoApproverDecision = "escalate"
)

// AutoApproveInput is what an AutoApprover is allowed to see: the
// resolved resource identifiers a request touches, not its opaque
// arguments, plus enough context to phrase a decision to a model.
type AutoApproveInput struct {
	UserMessage         string
	ServerName          string
	ToolName            string
	Reason              string
	ResourceIdentifiers []string
}
