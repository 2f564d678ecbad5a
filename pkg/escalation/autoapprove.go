package escalation

import (
	"context"
	"strings"
	"unicode"

	"github.com/ironcurtain/core/pkg/ironerrors"
)

const resourceIdentifierMaxLen = 200

// AutoApprover is consulted before a request reaches a human reviewer. A
// real implementation calls out to an auxiliary model; tests and the
// default (disabled) configuration use nil instead of a no-op
// implementation, so Handler.Prompt checks for nil directly.
type AutoApprover interface {
	Decide(ctx context.Context, input AutoApproveInput) (AutoApproverDecision, error)
}

// MessageSource supplies the user-facing context an auto-approver reasons
// over. NewAutoApprover refuses to build an approver without one, per
// SPEC_FULL's Open Question resolution: deployments with no captured user
// message must leave auto-approval unset rather than silently escalating
// everything (which would be indistinguishable from a misconfiguration).
type MessageSource interface {
	UserMessage(requestID string) (string, bool)
}

// ModelCaller is the narrow surface NewAutoApprover needs from whatever
// LLM client a deployment wires in. It is intentionally decision-shaped
// rather than chat-shaped: the model is asked a single yes/no-flavored
// question and must answer with exactly "approve" or "escalate".
type ModelCaller interface {
	Call(ctx context.Context, prompt string) (string, error)
}

type modelAutoApprover struct {
	messages MessageSource
	model    ModelCaller
}

// NewAutoApprover builds an AutoApprover backed by model. It returns an
// error if either dependency is nil, rather than returning a degraded
// approver that would always escalate — a deployment that forgot to wire
// a message source should fail loudly at startup, not silently behave as
// if auto-approval were disabled.
func NewAutoApprover(messages MessageSource, model ModelCaller) (AutoApprover, error) {
	if messages == nil {
		return nil, ironerrors.New(ironerrors.CodeConfigInvalid, "auto-approver requires a non-nil message source")
	}
	if model == nil {
		return nil, ironerrors.New(ironerrors.CodeConfigInvalid, "auto-approver requires a non-nil model caller")
	}
	return &modelAutoApprover{messages: messages, model: model}, nil
}

// Decide asks the underlying model to approve or escalate. Any malformed
// or errored response falls through to escalate — the caller treats a
// non-nil error the same as an explicit AutoApproverEscalate.
func (a *modelAutoApprover) Decide(ctx context.Context, input AutoApproveInput) (AutoApproverDecision, error) {
	if strings.TrimSpace(input.UserMessage) == "" {
		return AutoApproverEscalate, nil
	}

	sanitized := make([]string, len(input.ResourceIdentifiers))
	for i, id := range input.ResourceIdentifiers {
		sanitized[i] = sanitizeForPrompt(id)
	}

	prompt := buildApprovalPrompt(sanitizeForPrompt(input.UserMessage), input.ServerName, input.ToolName, sanitizeForPrompt(input.Reason), sanitized)

	raw, err := a.model.Call(ctx, prompt)
	if err != nil {
		return AutoApproverEscalate, nil
	}

	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "approve":
		return AutoApproverApprove, nil
	case "escalate":
		return AutoApproverEscalate, nil
	default:
		return AutoApproverEscalate, nil
	}
}

func buildApprovalPrompt(userMessage, serverName, toolName, reason string, resources []string) string {
	var sb strings.Builder
	sb.WriteString("A sandboxed agent wants to call a tool that requires approval.\n")
	sb.WriteString("User context: " + userMessage + "\n")
	sb.WriteString("Server: " + serverName + "\n")
	sb.WriteString("Tool: " + toolName + "\n")
	sb.WriteString("Reason for escalation: " + reason + "\n")
	if len(resources) > 0 {
		sb.WriteString("Resources touched: " + strings.Join(resources, ", ") + "\n")
	}
	sb.WriteString("Respond with exactly one word: approve or escalate.")
	return sb.String()
}

// sanitizeForPrompt strips control characters and truncates to a bounded
// length (200 characters, with an ellipsis marker) before a value is
// embedded in a model prompt.
func sanitizeForPrompt(s string) string {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	runes := []rune(stripped)
	if len(runes) <= resourceIdentifierMaxLen {
		return stripped
	}
	return string(runes[:resourceIdentifierMaxLen]) + "…"
}
