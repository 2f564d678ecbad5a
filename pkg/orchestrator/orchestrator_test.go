package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironcurtain/core/pkg/audit"
	"github.com/ironcurtain/core/pkg/backend"
	"github.com/ironcurtain/core/pkg/escalation"
	"github.com/ironcurtain/core/pkg/policy"
	"github.com/ironcurtain/core/pkg/role"
)

type fakeBackend struct {
	mu        sync.Mutex
	result    *backend.ToolCallResult
	err       error
	roots     []backend.Root
	callCount int
}

func (f *fakeBackend) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*backend.ToolCallResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++
	return f.result, f.err
}

func (f *fakeBackend) AddRoot(ctx context.Context, serverName string, root backend.Root) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roots = append(f.roots, root)
	return nil
}

func newTestOrchestrator(t *testing.T, rules []policy.CompiledRule, annotations map[policy.ToolKey]policy.ToolAnnotation, sandbox string, be ToolCaller) (*Orchestrator, *audit.Log, string) {
	t.Helper()

	eng, err := policy.NewEngine(policy.CompiledPolicy{Rules: rules}, annotations, sandbox, nil, nil)
	require.NoError(t, err)

	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	auditLog, err := audit.Open(auditPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	escDir := t.TempDir()
	handler, err := escalation.NewHandler(escalation.Config{Dir: escDir, Timeout: escalation.MinTimeout, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	orch, err := New(Config{Engine: eng, Escalation: handler, Audit: auditLog, Backend: be})
	require.NoError(t, err)

	return orch, auditLog, escDir
}

func TestHandleToolCallMissingAnnotationDenies(t *testing.T) {
	sandbox := t.TempDir()
	be := &fakeBackend{}
	orch, _, _ := newTestOrchestrator(t, nil, nil, sandbox, be)

	resp := orch.HandleToolCall(context.Background(), policy.ToolCallRequest{
		RequestID: "req-1", Server: "fs", Tool: "unknown_tool", Arguments: map[string]any{},
	})

	assert.Equal(t, StatusDenied, resp.Status)
	assert.Equal(t, 0, be.callCount)
}

func TestHandleToolCallSandboxAllowCallsBackend(t *testing.T) {
	sandbox := t.TempDir()
	annotations := map[policy.ToolKey]policy.ToolAnnotation{
		{Server: "fs", Tool: "read_file"}: {
			ServerName: "fs", ToolName: "read_file",
			Args: map[string][]role.ArgumentRole{"path": {role.ReadPath}},
		},
	}
	be := &fakeBackend{result: &backend.ToolCallResult{Content: []backend.ContentBlock{{Type: "text", Text: "hello"}}}}
	orch, _, _ := newTestOrchestrator(t, nil, annotations, sandbox, be)

	resp := orch.HandleToolCall(context.Background(), policy.ToolCallRequest{
		RequestID: "req-2", Server: "fs", Tool: "read_file",
		Arguments: map[string]any{"path": filepath.Join(sandbox, "a.txt")},
	})

	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 1, be.callCount)
}

func TestHandleToolCallProtectedPathDenies(t *testing.T) {
	sandbox := t.TempDir()
	annotations := map[policy.ToolKey]policy.ToolAnnotation{
		{Server: "fs", Tool: "write_file"}: {
			ServerName: "fs", ToolName: "write_file",
			Args: map[string][]role.ArgumentRole{"path": {role.WritePath}},
		},
	}
	eng, err := policy.NewEngine(policy.CompiledPolicy{}, annotations, sandbox,
		[]string{filepath.Join(sandbox, "..", "audit.jsonl")}, nil)
	require.NoError(t, err)

	auditLog, err := audit.Open(filepath.Join(t.TempDir(), "audit.jsonl"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	handler, err := escalation.NewHandler(escalation.Config{Dir: t.TempDir(), Timeout: escalation.MinTimeout})
	require.NoError(t, err)

	be := &fakeBackend{}
	orch, err := New(Config{Engine: eng, Escalation: handler, Audit: auditLog, Backend: be})
	require.NoError(t, err)

	resp := orch.HandleToolCall(context.Background(), policy.ToolCallRequest{
		RequestID: "req-3", Server: "fs", Tool: "write_file",
		Arguments: map[string]any{"path": filepath.Join(sandbox, "..", "audit.jsonl")},
	})

	assert.Equal(t, StatusDenied, resp.Status)
	assert.Equal(t, 0, be.callCount)
}

func TestHandleToolCallEscalateApprovedByHumanCallsBackend(t *testing.T) {
	sandbox := t.TempDir()
	annotations := map[policy.ToolKey]policy.ToolAnnotation{
		{Server: "fs", Tool: "read_file"}: {
			ServerName: "fs", ToolName: "read_file",
			Args: map[string][]role.ArgumentRole{"path": {role.ReadPath}},
		},
	}
	rules := []policy.CompiledRule{
		{Name: "escalate-reads", If: policy.Condition{Roles: []role.ArgumentRole{role.ReadPath}}, Then: policy.Escalate, Reason: "outside sandbox"},
	}
	be := &fakeBackend{result: &backend.ToolCallResult{Content: []backend.ContentBlock{{Type: "text", Text: "ok"}}}}
	orch, _, escDir := newTestOrchestrator(t, rules, annotations, sandbox, be)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Wait for the request file to appear, then approve it.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			entries, _ := filepath.Glob(filepath.Join(escDir, "*.request.json"))
			if len(entries) > 0 {
				id := filepath.Base(entries[0])
				id = id[:len(id)-len(".request.json")]
				_ = escalation.WriteResponse(escDir, escalation.Response{EscalationID: id, Decision: escalation.DecisionApproved})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp := orch.HandleToolCall(context.Background(), policy.ToolCallRequest{
		RequestID: "req-4", Server: "fs", Tool: "read_file",
		Arguments: map[string]any{"path": "/etc/passwd"},
	})
	<-done

	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, 1, be.callCount)
}

func TestHandleToolCallEscalateExpiresDenies(t *testing.T) {
	sandbox := t.TempDir()
	annotations := map[policy.ToolKey]policy.ToolAnnotation{
		{Server: "fs", Tool: "read_file"}: {
			ServerName: "fs", ToolName: "read_file",
			Args: map[string][]role.ArgumentRole{"path": {role.ReadPath}},
		},
	}
	rules := []policy.CompiledRule{
		{Name: "escalate-reads", If: policy.Condition{Roles: []role.ArgumentRole{role.ReadPath}}, Then: policy.Escalate, Reason: "outside sandbox"},
	}
	be := &fakeBackend{}
	orch, _, escDir := newTestOrchestrator(t, rules, annotations, sandbox, be)

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			entries, _ := filepath.Glob(filepath.Join(escDir, "*.request.json"))
			if len(entries) > 0 {
				os.Remove(entries[0])
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp := orch.HandleToolCall(context.Background(), policy.ToolCallRequest{
		RequestID: "req-5", Server: "fs", Tool: "read_file",
		Arguments: map[string]any{"path": "/etc/shadow"},
	})

	assert.Equal(t, StatusDenied, resp.Status)
	assert.Equal(t, 0, be.callCount)
}

func TestHandleToolCallBackendErrorReturnsErrorStatus(t *testing.T) {
	sandbox := t.TempDir()
	annotations := map[policy.ToolKey]policy.ToolAnnotation{
		{Server: "fs", Tool: "read_file"}: {
			ServerName: "fs", ToolName: "read_file",
			Args: map[string][]role.ArgumentRole{"path": {role.ReadPath}},
		},
	}
	be := &fakeBackend{result: &backend.ToolCallResult{IsError: true, Content: []backend.ContentBlock{{Type: "text", Text: "file not found"}}}}
	orch, _, _ := newTestOrchestrator(t, nil, annotations, sandbox, be)

	resp := orch.HandleToolCall(context.Background(), policy.ToolCallRequest{
		RequestID: "req-6", Server: "fs", Tool: "read_file",
		Arguments: map[string]any{"path": filepath.Join(sandbox, "missing.txt")},
	})

	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "file not found", resp.Reason)
}

func TestHandleToolCallDeriveTransportArgsExpandsHome(t *testing.T) {
	sandbox := t.TempDir()
	annotations := map[policy.ToolKey]policy.ToolAnnotation{
		{Server: "fs", Tool: "read_file"}: {
			ServerName: "fs", ToolName: "read_file",
			Args: map[string][]role.ArgumentRole{"path": {role.ReadPath}},
		},
	}
	annotation := annotations[policy.ToolKey{Server: "fs", Tool: "read_file"}]

	out := deriveTransportArgs(annotation, map[string]any{"path": filepath.Join(sandbox, "a.txt")})
	assert.True(t, filepath.IsAbs(out["path"].(string)))
}
