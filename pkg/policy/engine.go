package policy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ironcurtain/core/pkg/role"
)

// Engine evaluates tool calls under the two-phase policy: Phase 1's
// hardcoded structural invariants, then Phase 2's compiled rule chain.
// Loaded artifacts are treated as read-only for the engine's lifetime:
// they are read once at startup and never mutated or reloaded in place.
type Engine struct {
	mu sync.RWMutex

	annotations map[ToolKey]ToolAnnotation
	rules       []CompiledRule

	sandboxDir      string
	protectedPaths  []string
	domainAllowlist map[string][]string // serverName -> allowed domain patterns
}

// NewEngine builds an Engine from loaded artifacts. sandboxDir and each
// entry of protectedPaths are canonicalized once up front so every
// evaluation compares against a stable, symlink-resolved baseline.
func NewEngine(
	policy CompiledPolicy,
	annotations map[ToolKey]ToolAnnotation,
	sandboxDir string,
	protectedPaths []string,
	domainAllowlist map[string][]string,
) (*Engine, error) {
	canonicalSandbox, err := role.CanonicalizePath(sandboxDir)
	if err != nil {
		return nil, fmt.Errorf("policy: canonicalizing sandbox dir %q: %w", sandboxDir, err)
	}

	canonicalProtected := make([]string, 0, len(protectedPaths))
	for _, p := range protectedPaths {
		cp, err := role.CanonicalizePath(p)
		if err != nil {
			return nil, fmt.Errorf("policy: canonicalizing protected path %q: %w", p, err)
		}
		canonicalProtected = append(canonicalProtected, cp)
	}

	return &Engine{
		annotations:     annotations,
		rules:           policy.Rules,
		sandboxDir:      canonicalSandbox,
		protectedPaths:  canonicalProtected,
		domainAllowlist: domainAllowlist,
	}, nil
}

// Annotation looks up the declared annotation for a (server, tool) pair.
// Exposed so the orchestrator can derive transport arguments and resource
// identifiers itself rather than re-deriving them from Evaluate's result.
func (e *Engine) Annotation(key ToolKey) (ToolAnnotation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.annotations[key]
	return a, ok
}

// Evaluate decides allow/deny/escalate for req. It never returns an error
// for malformed argument shapes — those fall through to default-deny
// instead. The context is honored only to bound the fast, synchronous
// canonicalization work; no I/O happens in this function.
func (e *Engine) Evaluate(ctx context.Context, req ToolCallRequest) (EvaluationResult, error) {
	if err := ctx.Err(); err != nil {
		return EvaluationResult{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	annotation, hasAnnotation := e.annotations[ToolKey{Server: req.Server, Tool: req.Tool}]

	// Phase 1.1 — protected-path deny. Runs even for unannotated tools
	// (defense in depth): a write to a protected path is denied regardless
	// of whether the tool was ever given an annotation.
	candidates := e.extractHeuristicPathCandidates(req)
	if hasAnnotation {
		candidates = append(candidates, e.extractAnnotationPaths(req, annotation, nil)...)
	}
	for _, raw := range candidates {
		canon, err := role.CanonicalizePath(raw)
		if err != nil {
			continue
		}
		if e.isProtected(canon) {
			return EvaluationResult{
				Decision: Deny,
				RuleName: "structural-protected-path",
				Reason:   fmt.Sprintf("%q resolves into a protected path", raw),
			}, nil
		}
	}

	if !hasAnnotation {
		return EvaluationResult{
			Decision: Deny,
			RuleName: "structural-unknown-tool",
			Reason:   fmt.Sprintf("no annotation for %s/%s", req.Server, req.Tool),
		}, nil
	}

	resourceRoles := distinctResourceRoles(annotation)
	resolved := make(map[role.ArgumentRole]bool)

	// Phase 1.2 — sandbox containment (partial).
	safePresent := make([]role.ArgumentRole, 0)
	unsafePathPresent := false
	urlPresent := false
	for _, r := range resourceRoles {
		def, err := role.Get(r)
		if err != nil {
			continue
		}
		switch {
		case role.IsSandboxSafePathRole(r):
			safePresent = append(safePresent, r)
		case def.IsPathRole:
			unsafePathPresent = true
		case r == role.FetchURL:
			urlPresent = true
		}
	}
	if len(safePresent) > 0 {
		for _, r := range safePresent {
			// roleOK is computed fresh for each role: one role's paths
			// escaping the sandbox must never affect whether a sibling
			// role (evaluated in the same, arbitrarily-ordered range over
			// safePresent) gets marked resolved.
			roleOK := true
			paths := e.extractAnnotationPaths(req, annotation, &r)
			if len(paths) == 0 {
				roleOK = false
			}
			for _, raw := range paths {
				canon, err := role.CanonicalizePath(raw)
				if err != nil || !e.isWithin(canon, e.sandboxDir) {
					roleOK = false
				}
			}
			if roleOK {
				resolved[r] = true
			}
		}
		allResolved := true
		for _, r := range safePresent {
			if !resolved[r] {
				allResolved = false
				break
			}
		}
		if allResolved && !urlPresent && !unsafePathPresent {
			return EvaluationResult{
				Decision: Allow,
				RuleName: "structural-sandbox-allow",
				Reason:   "all path arguments resolve inside the sandbox directory",
			}, nil
		}
	}

	// Phase 1.3 — domain allowlist for URL roles.
	if urlPresent {
		patterns, configured := e.domainAllowlist[req.Server]
		if configured && len(patterns) > 0 {
			domains := e.extractDomains(req, annotation, role.FetchURL)
			allMatch := len(domains) > 0
			for _, d := range domains {
				if !domainMatches(d, patterns) {
					return EvaluationResult{
						Decision: Escalate,
						RuleName: "structural-domain-escalate",
						Reason:   fmt.Sprintf("domain %q is not on the allowlist for server %q", d, req.Server),
					}, nil
				}
			}
			if allMatch {
				resolved[role.FetchURL] = true
			}
		}
	}

	// Phase 2 — compiled rule chain over whatever roles Phase 1 left
	// unresolved.
	remaining := make([]role.ArgumentRole, 0, len(resourceRoles))
	for _, r := range resourceRoles {
		if !resolved[r] {
			remaining = append(remaining, r)
		}
	}

	if len(resourceRoles) > 0 && len(remaining) == 0 {
		return EvaluationResult{
			Decision: Allow,
			RuleName: "structural-sandbox-allow",
			Reason:   "every resource-identifier role was resolved in phase 1",
		}, nil
	}

	if len(resourceRoles) == 0 {
		return e.evaluateRoleAgnostic(req, annotation), nil
	}

	result := EvaluationResult{Decision: Allow, RuleName: "", Reason: ""}
	first := true
	for _, r := range remaining {
		roleResult := e.evaluateRole(req, annotation, r)
		if first || MoreRestrictive(roleResult.Decision, result.Decision) {
			result = roleResult
			first = false
		}
		if result.Decision == Deny {
			break
		}
	}
	return result, nil
}

func (e *Engine) evaluateRoleAgnostic(req ToolCallRequest, annotation ToolAnnotation) EvaluationResult {
	for _, rule := range e.rules {
		if len(rule.If.Roles) > 0 {
			continue
		}
		if !ruleConditionMatches(rule, req, annotation) {
			continue
		}
		return EvaluationResult{Decision: rule.Then, RuleName: rule.Name, Reason: rule.Reason, Principle: rule.Principle}
	}
	return EvaluationResult{Decision: Deny, RuleName: "default-deny", Reason: "no rule matched"}
}

// evaluateRole runs the per-role, per-element discharge algorithm: every
// path or URL value carried by the role must independently clear the rule
// chain (or a structural invariant) before the role counts as resolved.
func (e *Engine) evaluateRole(req ToolCallRequest, annotation ToolAnnotation, r role.ArgumentRole) EvaluationResult {
	def, err := role.Get(r)
	if err != nil {
		return EvaluationResult{Decision: Deny, RuleName: "default-deny", Reason: fmt.Sprintf("unregistered role %q", r)}
	}

	var elements []string
	if def.IsPathRole {
		raws := e.extractAnnotationPaths(req, annotation, &r)
		for _, raw := range raws {
			canon, err := role.CanonicalizePath(raw)
			if err != nil {
				continue
			}
			elements = append(elements, canon)
		}
	} else if r == role.FetchURL {
		elements = e.extractDomains(req, annotation, r)
	} else {
		elements = e.extractOpaqueValues(req, annotation, r)
	}

	if len(elements) == 0 {
		// A declared role with no extractable value contributes nothing to
		// discharge against; treat it as satisfied by the first
		// non-location-constrained matching rule, same as the role-agnostic
		// path.
		for _, rule := range e.rules {
			if !ruleAppliesToRole(rule, req, annotation, r) {
				continue
			}
			if rule.If.Paths != nil || rule.If.Domains != nil {
				continue
			}
			return EvaluationResult{Decision: rule.Then, RuleName: rule.Name, Reason: rule.Reason, Principle: rule.Principle}
		}
		return EvaluationResult{Decision: Deny, RuleName: "default-deny", Reason: fmt.Sprintf("no rule discharged role %q", r)}
	}

	result := EvaluationResult{Decision: Allow}
	first := true
	for _, value := range elements {
		elementResult, discharged := e.dischargeElement(req, annotation, r, value)
		if !discharged {
			return EvaluationResult{
				Decision: Deny,
				RuleName: "default-deny",
				Reason:   fmt.Sprintf("no rule discharged %q for role %q", value, r),
			}
		}
		if first || MoreRestrictive(elementResult.Decision, result.Decision) {
			result = elementResult
			first = false
		}
		if result.Decision == Deny {
			return result
		}
	}
	return result
}

func (e *Engine) dischargeElement(req ToolCallRequest, annotation ToolAnnotation, r role.ArgumentRole, value string) (EvaluationResult, bool) {
	for _, rule := range e.rules {
		if !ruleAppliesToRole(rule, req, annotation, r) {
			continue
		}
		if applicable, satisfied := locationSatisfied(rule, r, value); applicable && !satisfied {
			continue
		}
		return EvaluationResult{Decision: rule.Then, RuleName: rule.Name, Reason: rule.Reason, Principle: rule.Principle}, true
	}
	return EvaluationResult{}, false
}

func ruleConditionMatches(rule CompiledRule, req ToolCallRequest, annotation ToolAnnotation) bool {
	if len(rule.If.Server) > 0 && !containsString(rule.If.Server, req.Server) {
		return false
	}
	if len(rule.If.Tool) > 0 && !containsString(rule.If.Tool, req.Tool) {
		return false
	}
	if rule.If.SideEffects != nil && *rule.If.SideEffects != annotation.SideEffects {
		return false
	}
	return true
}

func ruleAppliesToRole(rule CompiledRule, req ToolCallRequest, annotation ToolAnnotation, r role.ArgumentRole) bool {
	if len(rule.If.Roles) > 0 && !containsRole(rule.If.Roles, r) {
		return false
	}
	return ruleConditionMatches(rule, req, annotation)
}

// locationSatisfied reports whether rule carries a location clause (paths
// or domains) that covers role r, and if so, whether value satisfies it.
// applicable=false means the rule carries no location constraint for r, so
// it discharges any value for that role.
func locationSatisfied(rule CompiledRule, r role.ArgumentRole, value string) (applicable, satisfied bool) {
	if rule.If.Paths != nil && containsRole(rule.If.Paths.Roles, r) {
		within, err := role.CanonicalizePath(rule.If.Paths.Within)
		if err != nil {
			within = rule.If.Paths.Within
		}
		return true, isWithinDir(value, within)
	}
	if rule.If.Domains != nil && containsRole(rule.If.Domains.Roles, r) {
		return true, domainMatches(value, rule.If.Domains.Allowed)
	}
	return false, false
}

func distinctResourceRoles(annotation ToolAnnotation) []role.ArgumentRole {
	seen := make(map[role.ArgumentRole]bool)
	var out []role.ArgumentRole
	for _, roles := range annotation.Args {
		for _, r := range roles {
			def, err := role.Get(r)
			if err != nil || !def.IsResourceIdentifier || seen[r] {
				continue
			}
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}

// extractHeuristicPathCandidates implements the heuristic half of Phase
// 1.1's defense-in-depth protected-path check: any string argument (or
// string-array element) starting with /, ., or ~, independent of its
// declared role (or lack of one).
func (e *Engine) extractHeuristicPathCandidates(req ToolCallRequest) []string {
	var out []string
	for _, v := range req.Arguments {
		switch val := v.(type) {
		case string:
			if looksLikePath(val) {
				out = append(out, val)
			}
		case []string:
			for _, s := range val {
				if looksLikePath(s) {
					out = append(out, s)
				}
			}
		case []any:
			for _, item := range val {
				if s, ok := item.(string); ok && looksLikePath(s) {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func looksLikePath(s string) bool {
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, ".") || strings.HasPrefix(s, "~")
}

// extractAnnotationPaths collects raw path argument values for the given
// role, or for every path role if filter is nil. Only arguments the
// annotation actually types with a path role are considered — an arg typed
// "none" that happens to look like a path is never eligible, regardless of
// its value's shape.
func (e *Engine) extractAnnotationPaths(req ToolCallRequest, annotation ToolAnnotation, filter *role.ArgumentRole) []string {
	var out []string
	for argName, roles := range annotation.Args {
		for _, r := range roles {
			def, err := role.Get(r)
			if err != nil || !def.IsPathRole {
				continue
			}
			if filter != nil && r != *filter {
				continue
			}
			out = append(out, stringValues(req.Arguments[argName])...)
		}
	}
	return out
}

// extractDomains resolves every argument typed with role r through
// resolveForPolicy -> normalize -> prepareForPolicy to obtain bare domains.
func (e *Engine) extractDomains(req ToolCallRequest, annotation ToolAnnotation, r role.ArgumentRole) []string {
	def, err := role.Get(r)
	if err != nil {
		return nil
	}
	var out []string
	for argName, roles := range annotation.Args {
		if !containsRole(roles, r) {
			continue
		}
		for _, raw := range stringValues(req.Arguments[argName]) {
			value := raw
			if def.ResolveForPolicy != nil {
				if resolved, err := def.ResolveForPolicy(value, req.Arguments); err == nil {
					value = resolved
				}
			}
			if def.Normalize != nil {
				if normalized, err := def.Normalize(value); err == nil {
					value = normalized
				}
			}
			if def.PrepareForPolicy != nil {
				prepared, err := def.PrepareForPolicy(value)
				if err != nil {
					continue
				}
				value = prepared
			}
			out = append(out, value)
		}
	}
	return out
}

func (e *Engine) extractOpaqueValues(req ToolCallRequest, annotation ToolAnnotation, r role.ArgumentRole) []string {
	var out []string
	for argName, roles := range annotation.Args {
		if !containsRole(roles, r) {
			continue
		}
		out = append(out, stringValues(req.Arguments[argName])...)
	}
	return out
}

func stringValues(v any) []string {
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

func (e *Engine) isProtected(canonicalPath string) bool {
	for _, p := range e.protectedPaths {
		if canonicalPath == p || strings.HasPrefix(canonicalPath, p+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func (e *Engine) isWithin(canonicalPath, dir string) bool {
	return isWithinDir(canonicalPath, dir)
}

func isWithinDir(canonicalPath, dir string) bool {
	return canonicalPath == dir || strings.HasPrefix(canonicalPath, dir+string(os.PathSeparator))
}

// domainMatches supports exact match, "*" (any), and "*.host" suffix
// wildcards.
func domainMatches(domain string, patterns []string) bool {
	for _, p := range patterns {
		switch {
		case p == "*":
			return true
		case p == domain:
			return true
		case strings.HasPrefix(p, "*."):
			suffix := p[1:] // ".host"
			bare := p[2:]
			if domain == bare || strings.HasSuffix(domain, suffix) {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsRole(list []role.ArgumentRole, r role.ArgumentRole) bool {
	for _, s := range list {
		if s == r {
			return true
		}
	}
	return false
}
