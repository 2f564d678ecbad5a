// Command ironcurtain runs the trusted policy enforcement core: it loads
// compiled policy artifacts, connects to configured backend tool servers,
// and serves tool-call mediation requests from an untrusted sandbox over
// stdin/stdout until interrupted.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ironcurtain/core/pkg/artifacts"
	"github.com/ironcurtain/core/pkg/audit"
	"github.com/ironcurtain/core/pkg/backend"
	"github.com/ironcurtain/core/pkg/config"
	"github.com/ironcurtain/core/pkg/escalation"
	"github.com/ironcurtain/core/pkg/logging"
	"github.com/ironcurtain/core/pkg/orchestrator"
	"github.com/ironcurtain/core/pkg/policy"
	"github.com/ironcurtain/core/pkg/telemetry"
)

// Version information, set via ldflags during build.
var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run contains all of main's logic so tests can exercise exit-code paths
// without calling os.Exit directly: 0 on clean completion, 1 on any
// initialization failure, 130 on SIGINT/SIGTERM.
func run(args []string) int {
	fs := flag.NewFlagSet("ironcurtain", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to an explicit config.yaml (defaults to the standard search path)")
	showVersion := fs.Bool("version", false, "print version information and exit")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *showVersion {
		fmt.Printf("ironcurtain %s (%s)\n", version, commit)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orch, cleanup, err := bootstrap(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ironcurtain: %v\n", err)
		return 1
	}
	defer cleanup()

	if err := serve(ctx, orch); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fmt.Fprintf(os.Stderr, "ironcurtain: %v\n", err)
		return 1
	}
	return 0
}

// bootstrap wires every subsystem together: config, logging, policy
// artifacts, role registry completeness, escalation, audit, backend
// connections, and finally the orchestrator itself. Any failure here is
// fatal — the trusted process refuses to serve requests with a partially
// initialized policy.
func bootstrap(ctx context.Context, configPath string) (*orchestrator.Orchestrator, func(), error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogDir)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}

	tracerProvider, err := telemetry.NewTracerProvider("ironcurtain")
	if err != nil {
		return nil, nil, fmt.Errorf("initializing tracing: %w", err)
	}

	compiledPolicy, err := artifacts.LoadCompiledPolicy(cfg.PolicyArtifactPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading compiled policy: %w", err)
	}
	annotations, err := artifacts.LoadToolAnnotations(cfg.ToolAnnotationsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading tool annotations: %w", err)
	}
	var domainAllowlist map[string][]string
	if cfg.DomainAllowlist != "" {
		domainAllowlist, err = artifacts.LoadDomainAllowlist(cfg.DomainAllowlist)
		if err != nil {
			return nil, nil, fmt.Errorf("loading domain allowlist: %w", err)
		}
	}

	if cfg.BaseConstitutionPath != "" {
		warnIfPolicyStale(logger, compiledPolicy, cfg.BaseConstitutionPath, cfg.OverlayConstitutionPath)
	}

	engine, err := policy.NewEngine(compiledPolicy, annotations, cfg.SandboxDir, cfg.ProtectedPaths, domainAllowlist)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing policy engine: %w", err)
	}

	redactor := audit.NewRedactor()
	if !cfg.AuditRedact {
		redactor = nil
	}
	auditLog, err := audit.Open(cfg.AuditLogPath, redactor)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit log: %w", err)
	}

	var auditIndex *audit.Index
	if cfg.AuditIndexPath != "" {
		auditIndex, err = audit.OpenIndex(cfg.AuditIndexPath)
		if err != nil {
			auditLog.Close()
			return nil, nil, fmt.Errorf("opening audit index: %w", err)
		}
	}

	var autoApprover escalation.AutoApprover
	if cfg.AutoApprove.Enabled {
		logger.Info(logging.CategoryStartup, "auto_approver_requested_but_unwired",
			"autoApprove.enabled is set but no model client is wired; escalations will go straight to a human",
			map[string]any{"provider": cfg.AutoApprove.Provider, "model": cfg.AutoApprove.Model})
	}
	closeAuditStores := func() {
		auditLog.Close()
		if auditIndex != nil {
			auditIndex.Close()
		}
	}

	handler, err := escalation.NewHandler(escalation.Config{
		Dir:          cfg.Escalation.Dir,
		Timeout:      cfg.Escalation.Timeout(),
		AutoApprover: autoApprover,
	})
	if err != nil {
		closeAuditStores()
		return nil, nil, fmt.Errorf("initializing escalation handler: %w", err)
	}

	mgr := backend.NewManager(logger)
	for _, b := range cfg.Backends {
		mgr.AddServer(backend.Config{Name: b.Name, Command: b.Command, Args: b.Args, Env: b.Env})
	}
	if err := mgr.ConnectAll(ctx); err != nil {
		closeAuditStores()
		return nil, nil, fmt.Errorf("connecting to backend servers: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Engine:     engine,
		Escalation: handler,
		Audit:      auditLog,
		AuditIndex: auditIndex,
		Backend:    mgr,
		Logger:     logger,
	})
	if err != nil {
		closeAuditStores()
		return nil, nil, fmt.Errorf("constructing orchestrator: %w", err)
	}

	cleanup := func() {
		closeAuditStores()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracerProvider.Shutdown(shutdownCtx)
	}
	return orch, cleanup, nil
}

// warnIfPolicyStale compares the compiled policy's recorded constitution
// hash against the constitution text currently on disk. A mismatch means
// the policy was compiled from an older version of the rules — this is
// surfaced as a loud stderr warning, never an abort, since the compiled
// artifact is still internally consistent and safe to enforce.
func warnIfPolicyStale(logger *logging.Logger, compiled policy.CompiledPolicy, basePath, overlayPath string) {
	base, err := os.ReadFile(basePath)
	if err != nil {
		return
	}
	var overlay []byte
	if overlayPath != "" {
		overlay, _ = os.ReadFile(overlayPath)
	}
	match, computedHash := artifacts.CheckFreshness(compiled, string(base), string(overlay))
	if match {
		return
	}
	msg := fmt.Sprintf("ironcurtain: WARNING: compiled policy constitution hash does not match %s (computed %s) — policy may be stale", basePath, computedHash)
	fmt.Fprintln(os.Stderr, msg)
	if logger != nil {
		logger.Warn(logging.CategoryStartup, "policy_constitution_stale", msg, map[string]any{"computedHash": computedHash})
	}
}

// serve reads newline-delimited JSON tool-call requests from stdin and
// writes newline-delimited JSON responses to stdout until ctx is
// cancelled or stdin is closed.
func serve(ctx context.Context, orch *orchestrator.Orchestrator) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	out := json.NewEncoder(os.Stdout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req policy.ToolCallRequest
		if err := json.Unmarshal(line, &req); err != nil {
			out.Encode(map[string]string{"error": fmt.Sprintf("malformed request: %v", err)})
			continue
		}

		resp := orch.HandleToolCall(ctx, req)
		out.Encode(resp)
	}
}
