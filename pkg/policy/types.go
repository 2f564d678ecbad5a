// Package policy implements the two-phase policy evaluator: hardcoded
// structural invariants the compiled policy cannot override (Phase 1),
// followed by the compiled rule chain derived from the constitution
// (Phase 2).
package policy

import (
	"time"

	"github.com/ironcurtain/core/pkg/role"
)

// Decision is the outcome of evaluating a tool call.
type Decision string

const (
	Allow    Decision = "allow"
	Deny     Decision = "deny"
	Escalate Decision = "escalate"
)

// rank implements deny > escalate > allow for aggregation.
func (d Decision) rank() int {
	switch d {
	case Deny:
		return 2
	case Escalate:
		return 1
	default:
		return 0
	}
}

// MoreRestrictive reports whether a is at least as restrictive as b.
func MoreRestrictive(a, b Decision) bool {
	return a.rank() >= b.rank()
}

// ToolAnnotation describes a backend tool's declared argument semantics.
// Immutable once loaded; absence for an invoked (server, tool) pair is a
// hard deny per I2.
type ToolAnnotation struct {
	ServerName  string                         `json:"serverName"`
	ToolName    string                         `json:"toolName"`
	Comment     string                         `json:"comment"`
	SideEffects bool                           `json:"sideEffects"`
	Args        map[string][]role.ArgumentRole `json:"args"`
}

// Key returns the (serverName, toolName) lookup key for the annotation map.
func (a ToolAnnotation) Key() ToolKey {
	return ToolKey{Server: a.ServerName, Tool: a.ToolName}
}

// ToolKey identifies a tool on a specific backend server.
type ToolKey struct {
	Server string
	Tool   string
}

// PathsClause restricts a rule to roles whose extracted paths all fall
// within a given directory (symlink-resolved before comparison).
type PathsClause struct {
	Roles  []role.ArgumentRole `json:"roles"`
	Within string              `json:"within"`
}

// DomainsClause restricts a rule to roles whose extracted URLs all resolve
// to an allowed domain.
type DomainsClause struct {
	Roles   []role.ArgumentRole `json:"roles"`
	Allowed []string            `json:"allowed"`
}

// Condition is the AND of a rule's optional clauses. A nil field means the
// clause is not part of the rule's condition (always satisfied).
type Condition struct {
	Roles       []role.ArgumentRole `json:"roles,omitempty"`
	Server      []string            `json:"server,omitempty"`
	Tool        []string            `json:"tool,omitempty"`
	SideEffects *bool               `json:"sideEffects,omitempty"`
	Paths       *PathsClause        `json:"paths,omitempty"`
	Domains     *DomainsClause      `json:"domains,omitempty"`
}

// CompiledRule is one entry in the ordered rule chain. Order is semantically
// significant: first match wins per role (I5).
type CompiledRule struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Principle   string    `json:"principle"`
	If          Condition `json:"if"`
	Then        Decision  `json:"then"`
	Reason      string    `json:"reason"`
}

// CompiledPolicy is the ordered rule chain plus provenance hashes used for
// the startup freshness check.
type CompiledPolicy struct {
	GeneratedAt      time.Time      `json:"generatedAt"`
	ConstitutionHash string         `json:"constitutionHash"`
	InputHash        string         `json:"inputHash"`
	Rules            []CompiledRule `json:"rules"`
}

// ToolCallRequest is an untrusted request arriving from the sandbox.
type ToolCallRequest struct {
	RequestID string         `json:"requestId"`
	Server    string         `json:"serverName"`
	Tool      string         `json:"toolName"`
	Arguments map[string]any `json:"arguments"`
	Timestamp time.Time      `json:"timestamp"`
	// SessionID is an optional caller-supplied correlation id, propagated
	// into the audit entry but never interpreted by the core.
	SessionID string `json:"sessionId,omitempty"`
}

// EvaluationResult is the engine's verdict on a request.
type EvaluationResult struct {
	Decision  Decision `json:"decision"`
	RuleName  string   `json:"ruleName"`
	Reason    string   `json:"reason"`
	Principle string   `json:"principle,omitempty"`
	// RiskReasons optionally records which rule conditions matched even on
	// an allow, for observability. Never changes the decision.
	RiskReasons []string `json:"riskReasons,omitempty"`
}
