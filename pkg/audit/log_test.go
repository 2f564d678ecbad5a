package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ironcurtain/core/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAppendWritesJSONLLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")
	l, err := Open(path, nil)
	require.NoError(t, err)
	defer l.Close()

	entry := Entry{
		Timestamp:      time.Now(),
		RequestID:      "req-1",
		ServerName:     "github",
		ToolName:       "create_issue",
		Arguments:      map[string]any{"title": "hello"},
		PolicyDecision: policy.Allow,
		Result:         Result{Status: StatusSuccess, Content: "ok"},
		DurationMs:     12,
	}
	require.NoError(t, l.Append(entry))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "\n"))

	var decoded Entry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &decoded))
	assert.Equal(t, "req-1", decoded.RequestID)
	assert.Equal(t, StatusSuccess, decoded.Result.Status)
}

func TestLogAppendRedactsArgumentsButNotStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, NewRedactor())
	require.NoError(t, err)
	defer l.Close()

	entry := Entry{
		RequestID:      "req-2",
		ServerName:     "billing",
		ToolName:       "charge_card",
		Arguments:      map[string]any{"card": "4111111111111111"},
		PolicyDecision: policy.Allow,
		Result:         Result{Status: StatusError, Content: "card 4111111111111111 declined", Error: "card 4111111111111111 declined"},
	}
	require.NoError(t, l.Append(entry))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Entry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(data))), &decoded))

	assert.Equal(t, StatusError, decoded.Result.Status)
	assert.NotContains(t, decoded.Result.Content, "4111111111111111")
	assert.NotContains(t, decoded.Result.Error, "4111111111111111")
	assert.NotContains(t, decoded.Arguments["card"], "4111111111111111")
}

func TestLogAppendMultipleEntriesEachOnOwnLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, nil)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(Entry{RequestID: "a", Result: Result{Status: StatusSuccess}}))
	require.NoError(t, l.Append(Entry{RequestID: "b", Result: Result{Status: StatusDenied}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
}

func TestLogCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, nil)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}

func TestLogAppendAfterCloseFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	err = l.Append(Entry{RequestID: "late", Result: Result{Status: StatusSuccess}})
	assert.Error(t, err)
}
