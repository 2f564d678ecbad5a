// Package role implements the Argument-Role Registry: a compile-time-complete
// table of argument semantics (path/URL/opaque) plus the canonicalization
// functions policy evaluation depends on. The registry itself carries no
// request state — it is pure dispatch, with real symlink-aware path
// canonicalization rather than a plain string-prefix check.
package role

import (
	"fmt"
	"net/url"
	"strings"
)

// ArgumentRole is a semantic tag assigned to a tool argument.
type ArgumentRole string

const (
	ReadPath       ArgumentRole = "read-path"
	WritePath      ArgumentRole = "write-path"
	DeletePath     ArgumentRole = "delete-path"
	FetchURL       ArgumentRole = "fetch-url"
	CommitMessage  ArgumentRole = "commit-message"
	BranchName     ArgumentRole = "branch-name"
	None           ArgumentRole = "none"
)

// SandboxSafePathRoles are the path roles eligible for the Phase 1 sandbox
// fast-path allow. A deployment-registered custom path role (e.g.
// "write-history") is deliberately excluded unless added here — see the
// Phase 1.2 fallthrough behavior in pkg/policy.
var SandboxSafePathRoles = map[ArgumentRole]bool{
	ReadPath:   true,
	WritePath:  true,
	DeletePath: true,
}

// Definition describes how a role's values should be normalized and,
// for resource-identifier roles, how they are resolved for policy purposes.
type Definition struct {
	Role        ArgumentRole
	Description string

	// IsResourceIdentifier marks roles whose values name a protectable
	// resource (a path or a URL). commit-message/branch-name/none are not
	// resource identifiers.
	IsResourceIdentifier bool

	// IsPathRole marks roles whose Normalize performs filesystem
	// canonicalization rather than opaque string normalization.
	IsPathRole bool

	// Normalize converts a raw argument value into its canonical form used
	// by the policy engine. Must never panic; errors are recoverable by the
	// caller falling back to the raw value.
	Normalize func(value string) (string, error)

	// ResolveForPolicy maps a value that may reference a sibling argument
	// (e.g. a named git remote) into a concrete resource identifier, using
	// the full argument set for context. Nil for roles that never need
	// this (paths resolve directly via Normalize).
	ResolveForPolicy func(value string, allArgs map[string]any) (string, error)

	// PrepareForPolicy reduces a resolved resource identifier to the form
	// the policy engine's allowlist matches against (e.g. a bare domain
	// for fetch-url). Nil for roles that use the normalized value as-is.
	PrepareForPolicy func(value string) (string, error)
}

var registry map[ArgumentRole]Definition

func init() {
	registry = map[ArgumentRole]Definition{
		ReadPath: {
			Role:                 ReadPath,
			Description:          "path read by the tool",
			IsResourceIdentifier: true,
			IsPathRole:           true,
			Normalize:            canonicalizePath,
		},
		WritePath: {
			Role:                 WritePath,
			Description:          "path written by the tool",
			IsResourceIdentifier: true,
			IsPathRole:           true,
			Normalize:            canonicalizePath,
		},
		DeletePath: {
			Role:                 DeletePath,
			Description:          "path deleted by the tool",
			IsResourceIdentifier: true,
			IsPathRole:           true,
			Normalize:            canonicalizePath,
		},
		FetchURL: {
			Role:                 FetchURL,
			Description:          "URL fetched by the tool",
			IsResourceIdentifier: true,
			Normalize:            normalizeURL,
			ResolveForPolicy:     resolveRemoteURL,
			PrepareForPolicy:     bareDomain,
		},
		CommitMessage: {
			Role:                 CommitMessage,
			Description:          "free-text commit message, not a resource identifier",
			IsResourceIdentifier: false,
			Normalize:            identity,
		},
		BranchName: {
			Role:                 BranchName,
			Description:          "git branch name, not a resource identifier",
			IsResourceIdentifier: false,
			Normalize:            identity,
		},
		None: {
			Role:                 None,
			Description:          "opaque argument carrying no policy-relevant semantics",
			IsResourceIdentifier: false,
			Normalize:            identity,
		},
	}
	assertComplete()
}

// baseRoles is the set every deployment must define; Register may add more
// (e.g. a deployment-specific "write-history" role) without touching this
// list, but completeness is only asserted over it.
var baseRoles = []ArgumentRole{ReadPath, WritePath, DeletePath, FetchURL, CommitMessage, BranchName, None}

func assertComplete() {
	for _, r := range baseRoles {
		if _, ok := registry[r]; !ok {
			panic(fmt.Sprintf("role: missing RoleDefinition for base role %q", r))
		}
	}
}

// Register adds or replaces a role definition. Intended for deployments
// that extend the base tag set with their own roles. Must be called
// before policy evaluation begins; the registry is otherwise treated as
// read-only.
func Register(def Definition) {
	registry[def.Role] = def
}

// Get returns the definition for role, or an error if the role was never
// registered — every lookup site must handle this rather than indexing the
// map directly, so an unannotated custom role fails loudly.
func Get(r ArgumentRole) (Definition, error) {
	def, ok := registry[r]
	if !ok {
		return Definition{}, fmt.Errorf("role: no definition registered for %q", r)
	}
	return def, nil
}

// IsSandboxSafePathRole reports whether r is eligible for the Phase 1
// sandbox-containment fast path.
func IsSandboxSafePathRole(r ArgumentRole) bool {
	return SandboxSafePathRoles[r]
}

func identity(value string) (string, error) {
	return value, nil
}

func normalizeURL(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("role: empty URL value")
	}
	return trimmed, nil
}

// resolveRemoteURL maps a bare remote name (e.g. a git remote alias like
// "origin") to its URL using a sibling "remotes" map argument, if present.
// Values that already look like URLs pass through unchanged.
func resolveRemoteURL(value string, allArgs map[string]any) (string, error) {
	trimmed := strings.TrimSpace(value)
	if strings.Contains(trimmed, "://") || strings.Contains(trimmed, ".") {
		return trimmed, nil
	}
	remotes, ok := allArgs["remotes"]
	if !ok {
		return trimmed, nil
	}
	remoteMap, ok := remotes.(map[string]any)
	if !ok {
		return trimmed, nil
	}
	if resolved, ok := remoteMap[trimmed]; ok {
		if s, ok := resolved.(string); ok && s != "" {
			return s, nil
		}
	}
	return trimmed, nil
}

// bareDomain extracts the lowercase host (no port) from a URL for allowlist
// matching.
func bareDomain(value string) (string, error) {
	u, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("role: parsing URL %q: %w", value, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("role: URL %q has no host", value)
	}
	return strings.ToLower(host), nil
}
