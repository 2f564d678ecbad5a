package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ironcurtain/core/pkg/audit"
	"github.com/ironcurtain/core/pkg/backend"
	"github.com/ironcurtain/core/pkg/escalation"
	"github.com/ironcurtain/core/pkg/ironerrors"
	"github.com/ironcurtain/core/pkg/logging"
	"github.com/ironcurtain/core/pkg/policy"
	"github.com/ironcurtain/core/pkg/role"
	"github.com/ironcurtain/core/pkg/telemetry"
)

// ToolCaller is the subset of *backend.Manager the orchestrator depends
// on. Narrowed to an interface (rather than the concrete Manager type) so
// tests can exercise the pipeline without spawning real backend
// subprocesses.
type ToolCaller interface {
	CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*backend.ToolCallResult, error)
	AddRoot(ctx context.Context, serverName string, root backend.Root) error
}

// Config wires the pipeline's collaborators. All fields except Logger and
// AuditIndex are required; New rejects a nil Engine, Escalation, Audit, or
// Backend since none of them have a meaningful no-op behavior. AuditIndex is
// an optional secondary query index alongside the durable JSONL audit log.
type Config struct {
	Engine     *policy.Engine
	Escalation *escalation.Handler
	Audit      *audit.Log
	AuditIndex *audit.Index
	Backend    ToolCaller
	Logger     *logging.Logger
}

// Orchestrator is the trusted process's single entry point for an
// untrusted tool-call request.
type Orchestrator struct {
	engine     *policy.Engine
	escalation *escalation.Handler
	audit      *audit.Log
	auditIndex *audit.Index
	backend    ToolCaller
	logger     *logging.Logger
}

// New builds an Orchestrator from its collaborators.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Engine == nil {
		return nil, ironerrors.New(ironerrors.CodeConfigInvalid, "orchestrator: Engine must not be nil")
	}
	if cfg.Escalation == nil {
		return nil, ironerrors.New(ironerrors.CodeConfigInvalid, "orchestrator: Escalation must not be nil")
	}
	if cfg.Audit == nil {
		return nil, ironerrors.New(ironerrors.CodeConfigInvalid, "orchestrator: Audit must not be nil")
	}
	if cfg.Backend == nil {
		return nil, ironerrors.New(ironerrors.CodeConfigInvalid, "orchestrator: Backend must not be nil")
	}
	return &Orchestrator{
		engine:     cfg.Engine,
		escalation: cfg.Escalation,
		audit:      cfg.Audit,
		auditIndex: cfg.AuditIndex,
		backend:    cfg.Backend,
		logger:     cfg.Logger,
	}, nil
}

// HandleToolCall runs req through the full pipeline and returns the result
// the sandbox should see. It never panics and never returns an error for
// request-level failures — those become a Response with an error/denied
// status, so a malformed or rejected call is always resolved locally rather
// than propagated as a transport-level failure.
func (o *Orchestrator) HandleToolCall(ctx context.Context, req policy.ToolCallRequest) Response {
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.HandleToolCall",
		telemetry.AttrServer.String(req.Server),
		telemetry.AttrTool.String(req.Tool),
		telemetry.AttrRequestID.String(req.RequestID),
	)
	defer span.End()

	resp := o.run(ctx, req, start)
	resp.Duration = time.Since(start)

	span.SetAttributes(telemetry.AttrDecision.String(string(resp.Status)))

	recordRequest(string(resp.Status), resp.Duration.Seconds())
	return resp
}

func (o *Orchestrator) run(ctx context.Context, req policy.ToolCallRequest, start time.Time) Response {
	key := policy.ToolKey{Server: req.Server, Tool: req.Tool}
	annotation, hasAnnotation := o.engine.Annotation(key)

	// Step 1: missing annotation is a synthesized deny, audited like any
	// other decision.
	if !hasAnnotation {
		result := policy.EvaluationResult{
			Decision: policy.Deny,
			RuleName: "missing-annotation",
			Reason:   fmt.Sprintf("no annotation for %s/%s", req.Server, req.Tool),
		}
		return o.finish(ctx, req, req.Arguments, result, "", nil, start)
	}

	// Step 2: argsForPolicy is what Evaluate normalizes internally from
	// req.Arguments; argsForTransport applies tilde-expansion to path args
	// only, so the backend sees absolute paths without the core
	// pre-empting the symlink-resolution that policy evaluation owns.
	argsForTransport := deriveTransportArgs(annotation, req.Arguments)

	// Step 3.
	result, err := o.engine.Evaluate(ctx, req)
	if err != nil {
		result = policy.EvaluationResult{Decision: policy.Deny, RuleName: "evaluation-error", Reason: err.Error()}
	}

	var escalationResult string
	var autoApproved *bool

	// Step 4.
	if result.Decision == policy.Escalate {
		escalationID := ulid.Make().String()
		escalationReq := escalation.Request{
			EscalationID:        escalationID,
			RequestID:           req.RequestID,
			ServerName:          req.Server,
			ToolName:            req.Tool,
			Reason:              result.Reason,
			ResourceIdentifiers: resourceIdentifiers(annotation, req.Arguments),
			UserMessage:         userMessageFromContext(ctx),
			CreatedAt:           time.Now(),
		}

		outcome, promptErr := o.escalation.PromptDetailed(ctx, escalationReq)
		approved := outcome.Approved
		autoApproved = &outcome.AutoApproved

		switch {
		case promptErr != nil:
			escalationResult = "error"
			result.Decision = policy.Deny
			result.Reason = fmt.Sprintf("escalation failed: %v", promptErr)
		case approved:
			escalationResult = string(escalation.DecisionApproved)
			result.Decision = policy.Allow
			if outcome.AutoApproved {
				result.Reason = "approved by auto-approver"
			} else {
				result.Reason = "approved by human reviewer"
			}
		case outcome.Expired:
			escalationResult = string(escalation.DecisionDenied)
			result.Decision = policy.Deny
			result.Reason = "escalation timed out awaiting a response"
		default:
			escalationResult = string(escalation.DecisionDenied)
			result.Decision = policy.Deny
			result.Reason = "escalation denied by human reviewer"
		}

		recordEscalation(escalationResult)
	}

	// Step 5: on approval, expand roots for every resource path so
	// cooperating backends can see directories newly granted this session.
	if result.Decision == policy.Allow && escalationResult == string(escalation.DecisionApproved) {
		o.expandRoots(ctx, req.Server, annotation, argsForTransport)
	}

	return o.finish(ctx, req, argsForTransport, result, escalationResult, autoApproved, start)
}

// finish performs steps 6-8: dispatch to the backend if allowed, write the
// audit entry, and build the caller-facing response. The audit entry is
// always written before returning (I6), even when the decision never
// reached the backend.
func (o *Orchestrator) finish(
	ctx context.Context,
	req policy.ToolCallRequest,
	transportArgs map[string]any,
	result policy.EvaluationResult,
	escalationResult string,
	autoApproved *bool,
	start time.Time,
) Response {
	auditResult := audit.Result{Status: audit.StatusDenied, Content: result.Reason}
	resp := Response{Status: StatusDenied, Reason: result.Reason}

	if result.Decision == policy.Allow {
		callResult, err := o.backend.CallTool(ctx, req.Server, req.Tool, transportArgs)
		switch {
		case err != nil:
			auditResult = audit.Result{Status: audit.StatusError, Error: err.Error()}
			resp = Response{Status: StatusError, Reason: err.Error()}
		case callResult != nil && callResult.IsError:
			text := contentText(callResult.Content)
			auditResult = audit.Result{Status: audit.StatusError, Error: text}
			resp = Response{Status: StatusError, Reason: text}
		default:
			text := ""
			if callResult != nil {
				text = contentText(callResult.Content)
			}
			auditResult = audit.Result{Status: audit.StatusSuccess, Content: text}
			resp = Response{Status: StatusSuccess, Content: text}
		}
	}

	entry := audit.Entry{
		Timestamp:        time.Now(),
		RequestID:        req.RequestID,
		SessionID:        req.SessionID,
		ServerName:       req.Server,
		ToolName:         req.Tool,
		Arguments:        transportArgs,
		PolicyDecision:   result.Decision,
		RuleName:         result.RuleName,
		RiskReasons:      result.RiskReasons,
		EscalationResult: escalationResult,
		AutoApproved:     autoApproved,
		Result:           auditResult,
		DurationMs:       time.Since(start).Milliseconds(),
	}
	if err := o.audit.Append(entry); err != nil && o.logger != nil {
		// A failed audit write is logged but never fails the request back
		// to the caller — the JSONL log is best-effort durability, not a
		// precondition for serving the response.
		o.logger.Error(logging.CategoryAudit, "audit_write_failed", "failed to append audit entry", map[string]any{
			"requestId": req.RequestID,
			"error":     err.Error(),
		})
	}
	if o.auditIndex != nil {
		if err := o.auditIndex.Insert(entry); err != nil && o.logger != nil {
			// The index is a convenience query layer, rebuildable from the
			// JSONL log at any time; a failed write here is logged only.
			o.logger.Warn(logging.CategoryAudit, "audit_index_write_failed", "failed to index audit entry", map[string]any{
				"requestId": req.RequestID,
				"error":     err.Error(),
			})
		}
	}

	return resp
}

func contentText(blocks []backend.ContentBlock) string {
	var sb strings.Builder
	for i, b := range blocks {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(b.Text)
	}
	return sb.String()
}

// expandRoots registers every distinct path-role value in transportArgs as
// a root with the server's backend client, so the backend (if it honors
// MCP roots) can see directories this approval newly granted. Failures are
// logged but non-fatal: root advertisement is an optimization for
// cooperating backends, not a precondition for the call itself.
func (o *Orchestrator) expandRoots(ctx context.Context, serverName string, annotation policy.ToolAnnotation, transportArgs map[string]any) {
	seen := make(map[string]bool)
	for argName, roles := range annotation.Args {
		pathRole := false
		for _, r := range roles {
			def, err := role.Get(r)
			if err == nil && def.IsPathRole {
				pathRole = true
				break
			}
		}
		if !pathRole {
			continue
		}
		for _, v := range stringValuesFromArg(transportArgs[argName]) {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			root := backend.Root{URI: "file://" + v, Name: v}
			if err := o.backend.AddRoot(ctx, serverName, root); err != nil && o.logger != nil {
				o.logger.Warn(logging.CategoryBackend, "add_root_failed", "failed to advertise root to backend", map[string]any{
					"serverName": serverName,
					"root":       v,
					"error":      err.Error(),
				})
			}
		}
	}
}

// deriveTransportArgs copies req's arguments, replacing any value declared
// as a path role with its tilde-expanded, absolute form. Non-path
// arguments pass through unchanged: the backend needs an absolute path, not
// the symlink-resolved canonical form policy evaluation uses internally.
func deriveTransportArgs(annotation policy.ToolAnnotation, arguments map[string]any) map[string]any {
	out := make(map[string]any, len(arguments))
	for k, v := range arguments {
		out[k] = v
	}

	for argName, roles := range annotation.Args {
		isPath := false
		for _, r := range roles {
			def, err := role.Get(r)
			if err == nil && def.IsPathRole {
				isPath = true
				break
			}
		}
		if !isPath {
			continue
		}
		out[argName] = expandPathValue(arguments[argName])
	}
	return out
}

func expandPathValue(v any) any {
	switch val := v.(type) {
	case string:
		if expanded, err := role.ExpandHomeAndAbs(val); err == nil {
			return expanded
		}
		return val
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			if expanded, err := role.ExpandHomeAndAbs(s); err == nil {
				out[i] = expanded
			} else {
				out[i] = s
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			if s, ok := item.(string); ok {
				if expanded, err := role.ExpandHomeAndAbs(s); err == nil {
					out[i] = expanded
					continue
				}
			}
			out[i] = item
		}
		return out
	default:
		return v
	}
}

func stringValuesFromArg(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []string:
		return append([]string{}, val...)
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// resourceIdentifiers collects the raw values of every argument the
// annotation marks as a resource identifier, for display to a human
// reviewer or an auto-approver — never the opaque full argument map.
func resourceIdentifiers(annotation policy.ToolAnnotation, arguments map[string]any) []string {
	var out []string
	for argName, roles := range annotation.Args {
		isResource := false
		for _, r := range roles {
			def, err := role.Get(r)
			if err == nil && def.IsResourceIdentifier {
				isResource = true
				break
			}
		}
		if !isResource {
			continue
		}
		out = append(out, stringValuesFromArg(arguments[argName])...)
	}
	return out
}

// userMessageContextKey is how a caller (the sandbox-facing transport
// layer) threads the triggering user message through to escalation/
// auto-approval without widening HandleToolCall's signature for a field
// most callers never set.
type userMessageContextKey struct{}

// WithUserMessage attaches the user-facing message that prompted this tool
// call to ctx, so an escalation can show it to a human or an auto-approver.
func WithUserMessage(ctx context.Context, message string) context.Context {
	return context.WithValue(ctx, userMessageContextKey{}, message)
}

func userMessageFromContext(ctx context.Context) string {
	msg, _ := ctx.Value(userMessageContextKey{}).(string)
	return msg
}
