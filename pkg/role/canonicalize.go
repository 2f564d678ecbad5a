package role

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// MaxCanonicalizeDepth bounds the ancestor walk performed while resolving a
// path whose target (or some prefix of it) does not exist, preventing a
// pathological symlink graph from hanging the evaluator.
const MaxCanonicalizeDepth = 64

// canonicalizePath expands ~, makes the result absolute, and resolves
// symlinks on the longest existing ancestor so the policy engine always
// compares real filesystem locations rather than arbitrary spellings of
// the same path (mandatory for TOCTOU-resistant containment, per I3).
//
// If canonicalization cannot complete (missing ancestor chain, permission
// error walking up) it falls back to the absolute, non-symlink-resolved
// path rather than returning an error — callers must never treat a
// canonicalization miss as fatal.
// CanonicalizePath exposes the role registry's path canonicalization for
// callers outside the registry (the policy engine's heuristic protected-path
// pass, which canonicalizes candidate strings before any role is known).
func CanonicalizePath(raw string) (string, error) {
	return canonicalizePath(raw)
}

func canonicalizePath(raw string) (string, error) {
	expanded, err := expandHome(raw)
	if err != nil {
		expanded = raw
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("role: making %q absolute: %w", raw, err)
	}
	resolved, err := resolveExistingAncestor(abs, MaxCanonicalizeDepth)
	if err != nil {
		return filepath.Clean(abs), nil
	}
	return resolved, nil
}

// ExpandHomeAndAbs expands a leading ~ and makes the result absolute, but
// does not resolve symlinks. This is what the orchestrator uses to derive
// transport arguments: the backend should see an absolute path, but the
// symlink-resolved canonical form is a policy-evaluation concern, not a
// transport one.
func ExpandHomeAndAbs(raw string) (string, error) {
	expanded, err := expandHome(raw)
	if err != nil {
		expanded = raw
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return raw, err
	}
	return abs, nil
}

func expandHome(raw string) (string, error) {
	if raw != "~" && !strings.HasPrefix(raw, "~/") {
		return raw, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return raw, err
	}
	if raw == "~" {
		return home, nil
	}
	return filepath.Join(home, raw[2:]), nil
}

// resolveExistingAncestor walks up from path until it finds a component
// that exists, resolves symlinks on that component, then rejoins the
// non-existent tail. Returns an error if no ancestor exists within
// maxDepth steps (reaching the filesystem root counts as the final step).
func resolveExistingAncestor(path string, maxDepth int) (string, error) {
	current := path
	var tail []string

	for depth := 0; ; depth++ {
		if depth > maxDepth {
			return "", fmt.Errorf("role: canonicalization depth exceeded for %q", path)
		}

		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			full := resolved
			for i := len(tail) - 1; i >= 0; i-- {
				full = filepath.Join(full, tail[i])
			}
			return filepath.Clean(full), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("role: resolving %q: %w", current, err)
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("role: reached filesystem root resolving %q", path)
		}
		tail = append(tail, filepath.Base(current))
		current = parent
	}
}
