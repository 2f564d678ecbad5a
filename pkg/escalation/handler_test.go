package escalation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHandlerClampsTimeout(t *testing.T) {
	dir := t.TempDir()

	h, err := NewHandler(Config{Dir: dir, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, MinTimeout, h.timeout)

	h, err = NewHandler(Config{Dir: dir, Timeout: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, MaxTimeout, h.timeout)

	h, err = NewHandler(Config{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, h.timeout)
}

func TestPromptApprovedByResponseFile(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHandler(Config{Dir: dir, Timeout: MinTimeout, PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)

	req := Request{EscalationID: "esc-1", RequestID: "req-1", ServerName: "github", ToolName: "create_issue", Reason: "outside sandbox"}

	go func() {
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, WriteResponse(dir, Response{EscalationID: "esc-1", Decision: DecisionApproved}))
	}()

	approved, err := h.Prompt(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, approved)

	assert.NoFileExists(t, filepath.Join(dir, "esc-1"+requestSuffix))
	assert.NoFileExists(t, filepath.Join(dir, "esc-1"+responseSuffix))
}

func TestPromptDeniedByResponseFile(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHandler(Config{Dir: dir, Timeout: MinTimeout, PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)

	req := Request{EscalationID: "esc-2", RequestID: "req-2"}

	go func() {
		time.Sleep(50 * time.Millisecond)
		require.NoError(t, WriteResponse(dir, Response{EscalationID: "esc-2", Decision: DecisionDenied}))
	}()

	approved, err := h.Prompt(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, approved)
}

func TestPromptExpiresWhenRequestFileDeletedExternally(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHandler(Config{Dir: dir, Timeout: MinTimeout, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	req := Request{EscalationID: "esc-3", RequestID: "req-3"}

	go func() {
		time.Sleep(30 * time.Millisecond)
		os.Remove(filepath.Join(dir, "esc-3"+requestSuffix))
	}()

	approved, err := h.Prompt(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, approved)
}

func TestPromptWithAutoApproverApprovesWithoutTouchingFiles(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHandler(Config{Dir: dir, Timeout: MinTimeout, AutoApprover: fakeAutoApprover{decision: AutoApproverApprove}})
	require.NoError(t, err)

	req := Request{EscalationID: "esc-4", RequestID: "req-4", UserMessage: "please create this issue"}

	approved, err := h.Prompt(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, approved)
	assert.NoFileExists(t, filepath.Join(dir, "esc-4"+requestSuffix))
}

func TestPromptWithAutoApproverEscalateFallsThroughToHuman(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHandler(Config{Dir: dir, Timeout: MinTimeout, PollInterval: 10 * time.Millisecond, AutoApprover: fakeAutoApprover{decision: AutoApproverEscalate}})
	require.NoError(t, err)

	req := Request{EscalationID: "esc-5", RequestID: "req-5", UserMessage: "do something risky"}

	go func() {
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, WriteResponse(dir, Response{EscalationID: "esc-5", Decision: DecisionApproved}))
	}()

	approved, err := h.Prompt(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, approved)
}

func TestPromptSkipsAutoApproverWhenUserMessageEmpty(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHandler(Config{Dir: dir, Timeout: MinTimeout, PollInterval: 10 * time.Millisecond, AutoApprover: fakeAutoApprover{decision: AutoApproverApprove}})
	require.NoError(t, err)

	req := Request{EscalationID: "esc-6", RequestID: "req-6"} // no UserMessage

	go func() {
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, WriteResponse(dir, Response{EscalationID: "esc-6", Decision: DecisionDenied}))
	}()

	approved, err := h.Prompt(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, approved) // proves the (approve-biased) auto-approver was never consulted
}

func TestPromptDetailedReportsAutoApproved(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHandler(Config{Dir: dir, Timeout: MinTimeout, AutoApprover: fakeAutoApprover{decision: AutoApproverApprove}})
	require.NoError(t, err)

	req := Request{EscalationID: "esc-7", RequestID: "req-7", UserMessage: "please create this issue"}

	outcome, err := h.PromptDetailed(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, outcome.Approved)
	assert.True(t, outcome.AutoApproved)
	assert.False(t, outcome.Expired)
}

func TestPromptDetailedReportsExpired(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHandler(Config{Dir: dir, Timeout: MinTimeout, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	req := Request{EscalationID: "esc-8", RequestID: "req-8"}

	go func() {
		time.Sleep(30 * time.Millisecond)
		os.Remove(filepath.Join(dir, "esc-8"+requestSuffix))
	}()

	outcome, err := h.PromptDetailed(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, outcome.Approved)
	assert.False(t, outcome.AutoApproved)
	assert.True(t, outcome.Expired)
}

type fakeAutoApprover struct {
	decision AutoApproverDecision
}

func (f fakeAutoApprover) Decide(ctx context.Context, input AutoApproveInput) (AutoApproverDecision, error) {
	return f.decision, nil
}
