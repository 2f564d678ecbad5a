// Package config loads the trusted process's startup configuration: a
// YAML file merged with environment variable overrides, validated before
// any other subsystem starts. The precedence chain is Load/LoadFromPath
// then applyEnvOverrides, scoped to what a policy enforcement core needs:
// sandbox location, artifact paths, escalation/audit knobs, and the
// optional auto-approver's model credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BackendConfig describes one backend tool server process the
// connection manager should launch and speak MCP-over-stdio to.
type BackendConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// EscalationConfig configures the human-in-the-loop IPC directory.
type EscalationConfig struct {
	Dir            string `yaml:"dir"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

func (e EscalationConfig) timeout() time.Duration {
	if e.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// Timeout returns the escalation wait bound as a time.Duration, or zero if
// unset (the escalation package then applies its own default).
func (e EscalationConfig) Timeout() time.Duration { return e.timeout() }

// AutoApproveConfig configures the optional model-backed auto-approver.
// Deployments with no user-message capture should leave Enabled false —
// there is no silent degraded mode where auto-approval runs without the
// context it needs to judge a request.
type AutoApproveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // "anthropic" | "openai" | "openrouter"
	Model    string `yaml:"model"`
}

// Config is the trusted process's complete startup configuration.
type Config struct {
	SandboxDir      string   `yaml:"sandboxDir"`
	ProtectedPaths  []string `yaml:"protectedPaths"`
	DomainAllowlist string   `yaml:"domainAllowlistPath"`

	PolicyArtifactPath      string `yaml:"policyArtifactPath"`
	ToolAnnotationsPath     string `yaml:"toolAnnotationsPath"`
	BaseConstitutionPath    string `yaml:"baseConstitutionPath"`
	OverlayConstitutionPath string `yaml:"overlayConstitutionPath"`

	AuditLogPath   string `yaml:"auditLogPath"`
	AuditRedact    bool   `yaml:"auditRedact"`
	AuditIndexPath string `yaml:"auditIndexPath"`

	LogDir string `yaml:"logDir"`

	Escalation  EscalationConfig    `yaml:"escalation"`
	AutoApprove AutoApproveConfig   `yaml:"autoApprove"`
	Backends    []BackendConfig     `yaml:"backends"`
	Providers   map[string]string  `yaml:"-"` // populated from env, never from YAML (API keys)
}

// DefaultConfig returns the configuration used when no file overrides a
// field.
func DefaultConfig() *Config {
	return &Config{
		SandboxDir:          ".",
		PolicyArtifactPath:  "./policy/compiled-policy.json",
		ToolAnnotationsPath: "./policy/tool-annotations.json",
		DomainAllowlist:     "./policy/domain-allowlist.json",
		AuditLogPath:        "./ironcurtain/audit.jsonl",
		AuditIndexPath:      "./ironcurtain/audit-index.db",
		AuditRedact:         true,
		LogDir:              "./ironcurtain/logs",
		Escalation: EscalationConfig{
			Dir:            "./ironcurtain/escalations",
			TimeoutSeconds: 300,
		},
		Providers: make(map[string]string),
	}
}

// Load loads configuration from default locations with proper precedence:
// defaults, then ~/.ironcurtain/config.yaml, then ./.ironcurtain/config.yaml,
// then environment variable overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".ironcurtain", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", ".ironcurtain", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path, skipping the
// default-location search Load performs. Used by tests and by deployments
// that pin an explicit config file via a flag.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies the standard environment variables that
// override config file values, plus the provider API keys the
// auto-approver needs.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ALLOWED_DIRECTORY"); v != "" {
		cfg.SandboxDir = v
	}
	if v := os.Getenv("AUDIT_LOG_PATH"); v != "" {
		cfg.AuditLogPath = v
	}
	if v := strings.TrimSpace(os.Getenv("IRONCURTAIN_ESCALATION_DIR")); v != "" {
		cfg.Escalation.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv("IRONCURTAIN_ESCALATION_TIMEOUT_SECONDS")); v != "" {
		var seconds int
		if _, err := fmt.Sscanf(v, "%d", &seconds); err == nil && seconds > 0 {
			cfg.Escalation.TimeoutSeconds = seconds
		}
	}
	if v := os.Getenv("IRONCURTAIN_AUTO_APPROVE_PROVIDER"); v != "" {
		cfg.AutoApprove.Provider = v
	}
	if v := os.Getenv("IRONCURTAIN_AUTO_APPROVE_MODEL"); v != "" {
		cfg.AutoApprove.Model = v
	}

	for _, key := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY", "GOOGLE_API_KEY"} {
		if v := os.Getenv(key); v != "" {
			cfg.Providers[key] = v
		}
	}
}

// Validate checks that the configuration is internally consistent enough
// to start the trusted process. Configuration errors are fatal at
// startup — callers should exit non-zero on a non-nil error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SandboxDir) == "" {
		return fmt.Errorf("sandboxDir must not be empty")
	}
	if strings.TrimSpace(c.PolicyArtifactPath) == "" {
		return fmt.Errorf("policyArtifactPath must not be empty")
	}
	if strings.TrimSpace(c.ToolAnnotationsPath) == "" {
		return fmt.Errorf("toolAnnotationsPath must not be empty")
	}
	if strings.TrimSpace(c.AuditLogPath) == "" {
		return fmt.Errorf("auditLogPath must not be empty")
	}
	if c.Escalation.TimeoutSeconds < 0 {
		return fmt.Errorf("escalation.timeoutSeconds must not be negative")
	}
	if c.AutoApprove.Enabled && strings.TrimSpace(c.AutoApprove.Provider) == "" {
		return fmt.Errorf("autoApprove.provider must be set when autoApprove.enabled is true")
	}
	seen := make(map[string]bool, len(c.Backends))
	for _, b := range c.Backends {
		if strings.TrimSpace(b.Name) == "" {
			return fmt.Errorf("backend entry missing name")
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = true
		if strings.TrimSpace(b.Command) == "" {
			return fmt.Errorf("backend %q missing command", b.Name)
		}
	}
	return nil
}
