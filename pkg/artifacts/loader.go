// Package artifacts deserializes the three static artifacts the Policy
// Engine consumes: compiled policy, tool annotations, and the server-domain
// allowlist map. All three are produced by an external compilation
// pipeline (out of scope here) and are read once at startup, then treated
// as immutable: a single-pass JSON load with no merge step, since these
// are not operator-editable config the way the YAML config file is.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ironcurtain/core/pkg/ironerrors"
	"github.com/ironcurtain/core/pkg/policy"
)

// toolAnnotationsFile mirrors the on-disk tool annotations artifact shape:
// servers keyed by name, each carrying its own tools list.
type toolAnnotationsFile struct {
	GeneratedAt string                        `json:"generatedAt"`
	Servers     map[string]serverAnnotations  `json:"servers"`
}

type serverAnnotations struct {
	InputHash string                 `json:"inputHash"`
	Tools     []policy.ToolAnnotation `json:"tools"`
}

// allowlistFile mirrors the server-domain allowlist artifact: a flat map of
// server name to allowed domain patterns (exact, "*", or "*.host").
type allowlistFile struct {
	Servers map[string][]string `json:"servers"`
}

// LoadCompiledPolicy reads and parses the compiled policy artifact.
func LoadCompiledPolicy(path string) (policy.CompiledPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return policy.CompiledPolicy{}, ironerrors.Wrap(err, ironerrors.CodeArtifactLoad, fmt.Sprintf("reading compiled policy %q", path))
	}
	var compiled policy.CompiledPolicy
	if err := json.Unmarshal(data, &compiled); err != nil {
		return policy.CompiledPolicy{}, ironerrors.Wrap(err, ironerrors.CodeArtifactParse, "parsing compiled policy JSON")
	}
	return compiled, nil
}

// LoadToolAnnotations reads and parses the tool annotations artifact,
// flattening it into the ToolKey-indexed map the Policy Engine expects.
// Every annotation's ServerName field is filled in from the artifact's
// nesting if the artifact itself left it blank; ToolName is taken as
// written in the artifact.
func LoadToolAnnotations(path string) (map[policy.ToolKey]policy.ToolAnnotation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeArtifactLoad, fmt.Sprintf("reading tool annotations %q", path))
	}
	var file toolAnnotationsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeArtifactParse, "parsing tool annotations JSON")
	}

	out := make(map[policy.ToolKey]policy.ToolAnnotation)
	for serverName, server := range file.Servers {
		for _, tool := range server.Tools {
			if tool.ServerName == "" {
				tool.ServerName = serverName
			}
			out[tool.Key()] = tool
		}
	}
	return out, nil
}

// LoadDomainAllowlist reads the server-domain allowlist artifact. A missing
// file is not an error — it simply means no server has a Phase 1 domain
// restriction, and URL roles fall through to Phase 2 for every server.
func LoadDomainAllowlist(path string) (map[string][]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeArtifactLoad, fmt.Sprintf("reading domain allowlist %q", path))
	}
	var file allowlistFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeArtifactParse, "parsing domain allowlist JSON")
	}
	return file.Servers, nil
}

// CheckFreshness computes the SHA-256 of baseConstitution+overlayConstitution
// and compares it against the compiled policy's recorded ConstitutionHash.
// A mismatch only warns — it must never abort startup, since the compiled
// artifact is still internally consistent and safe to enforce.
func CheckFreshness(compiled policy.CompiledPolicy, baseConstitution, overlayConstitution string) (match bool, computedHash string) {
	sum := sha256.Sum256([]byte(baseConstitution + overlayConstitution))
	computedHash = hex.EncodeToString(sum[:])
	return computedHash == compiled.ConstitutionHash, computedHash
}

// WarnIfStale writes a single stderr warning if the constitution source no
// longer matches the hash recorded in the compiled policy artifact.
func WarnIfStale(compiled policy.CompiledPolicy, baseConstitution, overlayConstitution string) {
	if match, computed := CheckFreshness(compiled, baseConstitution, overlayConstitution); !match {
		fmt.Fprintf(os.Stderr, "ironcurtain: compiled policy constitutionHash %s does not match current constitution text (computed %s); continuing with the loaded policy\n", compiled.ConstitutionHash, computed)
	}
}
