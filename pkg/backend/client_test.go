package backend

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newPipeClient() (*Client, *io.PipeWriter, *io.PipeReader) {
	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()

	c := &Client{
		stdin:              stdinWriter,
		stdout:             stdoutReader,
		pending:            make(map[int64]chan *Message),
		name:               "test-server",
		rootRefreshTimeout: 200 * time.Millisecond,
		limiter:            rate.NewLimiter(rate.Limit(100), 100),
		rootsRefreshed:     make(chan struct{}, 1),
	}
	go c.readLoop()

	return c, stdoutWriter, stdinReader
}

func readRequest(t *testing.T, stdinReader *io.PipeReader) Message {
	t.Helper()
	buf := make([]byte, 8192)
	n, err := stdinReader.Read(buf)
	require.NoError(t, err)
	var req Message
	require.NoError(t, json.Unmarshal(buf[:n], &req))
	return req
}

func TestNewClientRequiresCommand(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestClientInitialize(t *testing.T) {
	client, stdoutWriter, stdinReader := newPipeClient()
	defer stdinReader.Close()
	defer stdoutWriter.Close()

	go func() {
		req := readRequest(t, stdinReader)
		result, _ := json.Marshal(map[string]any{
			"serverInfo":      map[string]any{"name": "TestServer", "version": "1.0.0"},
			"protocolVersion": "2024-11-05",
		})
		resp := Message{JSONRPC: "2.0", ID: req.ID, Result: result}
		data, _ := json.Marshal(resp)
		stdoutWriter.Write(append(data, '\n'))
		readRequest(t, stdinReader) // drain notifications/initialized
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, client.Initialize(ctx))
	info := client.ServerInfo()
	require.NotNil(t, info)
	assert.Equal(t, "TestServer", info.Name)
	assert.Equal(t, "2024-11-05", info.ProtocolVer)
}

func TestClientCallToolForwardsArgsVerbatim(t *testing.T) {
	client, stdoutWriter, stdinReader := newPipeClient()
	defer stdinReader.Close()
	defer stdoutWriter.Close()

	go func() {
		req := readRequest(t, stdinReader)
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		json.Unmarshal(req.Params, &params)
		assert.Equal(t, "delete_file", params.Name)
		assert.Equal(t, "/tmp/workspace/a.txt", params.Arguments["path"])

		result, _ := json.Marshal(ToolCallResult{Content: []ContentBlock{{Type: "text", Text: "done"}}})
		resp := Message{JSONRPC: "2.0", ID: req.ID, Result: result}
		data, _ := json.Marshal(resp)
		stdoutWriter.Write(append(data, '\n'))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	result, err := client.CallTool(ctx, "delete_file", map[string]any{"path": "/tmp/workspace/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Content[0].Text)
}

func TestClientCallToolErrorResponse(t *testing.T) {
	client, stdoutWriter, stdinReader := newPipeClient()
	defer stdinReader.Close()
	defer stdoutWriter.Close()

	go func() {
		req := readRequest(t, stdinReader)
		resp := Message{JSONRPC: "2.0", ID: req.ID, Error: &ErrorResponse{Code: -32602, Message: "tool not found"}}
		data, _ := json.Marshal(resp)
		stdoutWriter.Write(append(data, '\n'))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := client.CallTool(ctx, "unknown", nil)
	assert.Error(t, err)
}

func TestAddRootIsIdempotentByURI(t *testing.T) {
	client, stdoutWriter, stdinReader := newPipeClient()
	defer stdinReader.Close()
	defer stdoutWriter.Close()

	notificationCount := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			buf := make([]byte, 8192)
			n, err := stdinReader.Read(buf)
			if err != nil {
				return
			}
			var msg Message
			json.Unmarshal(buf[:n], &msg)
			if msg.Method == "notifications/roots/list_changed" {
				notificationCount++
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.AddRoot(ctx, Root{URI: "file:///workspace", Name: "workspace"}))
	require.NoError(t, client.AddRoot(ctx, Root{URI: "file:///workspace", Name: "workspace"})) // same URI: no-op

	require.NoError(t, client.AddRoot(ctx, Root{URI: "file:///other", Name: "other"}))

	<-done
	assert.Equal(t, 2, notificationCount) // one for /workspace, one for /other; the duplicate add sent nothing
	assert.Len(t, client.Roots(), 2)
}

func TestAddRootReturnsAfterTimeoutWhenBackendNeverAsks(t *testing.T) {
	client, stdoutWriter, stdinReader := newPipeClient()
	client.rootRefreshTimeout = 50 * time.Millisecond
	defer stdinReader.Close()
	defer stdoutWriter.Close()

	go readRequest(t, stdinReader) // drain the notification, never reply with roots/list

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	err := client.AddRoot(ctx, Root{URI: "file:///workspace", Name: "workspace"})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestClientCloseIsIdempotent(t *testing.T) {
	client, stdoutWriter, stdinReader := newPipeClient()
	defer stdoutWriter.Close()
	defer stdinReader.Close()

	client.cmd = nil // Close() would otherwise wait on a nil cmd; guard via closed flag path only
	client.closed = true

	assert.NoError(t, client.Close())
}
