package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// loadAndMerge reads a YAML config file at path and merges it onto cfg.
// A missing file is not an error — callers distinguish os.IsNotExist to
// decide whether to surface it. It unmarshals twice, once into the typed
// struct and once into a raw map, because a zero-value bool or empty
// string in the typed struct can't be told apart from "the key was absent
// from the file" without the raw map.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs applies non-zero fields from override onto base, using raw
// to distinguish an explicitly-set zero value (false, "") from an absent
// key for the fields where that distinction matters.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override.SandboxDir != "" {
		base.SandboxDir = override.SandboxDir
	}
	if len(override.ProtectedPaths) > 0 {
		base.ProtectedPaths = override.ProtectedPaths
	}
	if override.DomainAllowlist != "" {
		base.DomainAllowlist = override.DomainAllowlist
	}
	if override.PolicyArtifactPath != "" {
		base.PolicyArtifactPath = override.PolicyArtifactPath
	}
	if override.ToolAnnotationsPath != "" {
		base.ToolAnnotationsPath = override.ToolAnnotationsPath
	}
	if override.BaseConstitutionPath != "" {
		base.BaseConstitutionPath = override.BaseConstitutionPath
	}
	if override.OverlayConstitutionPath != "" {
		base.OverlayConstitutionPath = override.OverlayConstitutionPath
	}
	if override.AuditLogPath != "" {
		base.AuditLogPath = override.AuditLogPath
	}
	if override.AuditIndexPath != "" {
		base.AuditIndexPath = override.AuditIndexPath
	}
	if boolFieldSet(raw, "auditRedact") {
		base.AuditRedact = override.AuditRedact
	}
	if override.LogDir != "" {
		base.LogDir = override.LogDir
	}
	if override.Escalation.Dir != "" {
		base.Escalation.Dir = override.Escalation.Dir
	}
	if override.Escalation.TimeoutSeconds != 0 {
		base.Escalation.TimeoutSeconds = override.Escalation.TimeoutSeconds
	}
	if boolFieldSet(raw, "autoApprove", "enabled") {
		base.AutoApprove.Enabled = override.AutoApprove.Enabled
	}
	if override.AutoApprove.Provider != "" {
		base.AutoApprove.Provider = override.AutoApprove.Provider
	}
	if override.AutoApprove.Model != "" {
		base.AutoApprove.Model = override.AutoApprove.Model
	}
	if len(override.Backends) > 0 {
		base.Backends = override.Backends
	}
}

// boolFieldSet reports whether the dotted field path was present in the
// raw YAML document, regardless of its value. Used to tell "explicitly
// set to false" apart from "key absent, keep the default".
func boolFieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}
