// Package backend implements the connection to backend tool servers: one
// persistent JSON-RPC-over-stdio client per configured server, speaking
// the Model Context Protocol. It also carries the "roots" capability —
// telling a backend which directories it is permitted to touch, and
// refreshing that set as escalations are approved.
package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ironcurtain/core/pkg/ironerrors"
)

// Message is one JSON-RPC 2.0 frame, request or response, read or
// written as a single newline-delimited line.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorResponse  `json:"error,omitempty"`
}

// ErrorResponse is a JSON-RPC error object.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ServerInfo describes the server returned during the initialize handshake.
type ServerInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	ProtocolVer string `json:"protocolVersion"`
}

// ToolDefinition describes one tool a server exposes.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCallResult is the result of a tools/call invocation.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of a tool call's result content.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Root expresses one directory a backend is permitted to operate within.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// Config configures one backend server connection.
type Config struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
	// RootRefreshTimeout bounds how long AddRoot waits for the backend to
	// acknowledge a roots/list_changed notification before giving up and
	// returning anyway. Defaults to roughly one second.
	RootRefreshTimeout time.Duration
}

// Client is a persistent connection to one backend tool server.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu      sync.Mutex
	pending map[int64]chan *Message
	msgID   int64
	closed  bool

	name               string
	rootRefreshTimeout time.Duration
	limiter            *rate.Limiter

	rootsMu        sync.Mutex
	roots          []Root
	rootsRefreshed chan struct{}

	serverInfo *ServerInfo
	tools      []ToolDefinition
}

// NewClient starts the backend process and wires up its stdio transport.
// The MCP handshake (Initialize) is a separate step so callers can
// connect many backends concurrently and only block on the handshake.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Command == "" {
		return nil, ironerrors.New(ironerrors.CodeConfigInvalid, "backend: Command is required")
	}
	if cfg.RootRefreshTimeout == 0 {
		cfg.RootRefreshTimeout = time.Second
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeBackendConnect, fmt.Sprintf("getting stdin pipe for %q", cfg.Name))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeBackendConnect, fmt.Sprintf("getting stdout pipe for %q", cfg.Name))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeBackendConnect, fmt.Sprintf("getting stderr pipe for %q", cfg.Name))
	}
	if err := cmd.Start(); err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeBackendConnect, fmt.Sprintf("starting backend process %q", cfg.Name))
	}

	c := &Client{
		cmd:                cmd,
		stdin:              stdin,
		stdout:             stdout,
		stderr:             stderr,
		pending:            make(map[int64]chan *Message),
		name:               cfg.Name,
		rootRefreshTimeout: cfg.RootRefreshTimeout,
		limiter:            rate.NewLimiter(rate.Limit(5), 5), // 5/s, burst 5: throttles addRoot notification floods
		rootsRefreshed:     make(chan struct{}, 1),
	}

	go c.readLoop()

	return c, nil
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		if msg.Method != "" && msg.ID != nil {
			c.handleIncomingRequest(msg)
			continue
		}
		if msg.ID != nil {
			c.mu.Lock()
			if ch, ok := c.pending[*msg.ID]; ok {
				ch <- &msg
				delete(c.pending, *msg.ID)
			}
			c.mu.Unlock()
		}
	}
}

// handleIncomingRequest answers the one request type backends send this
// client unsolicited: "roots/list", issued after a roots/list_changed
// notification so the backend can refresh its view of permitted
// directories.
func (c *Client) handleIncomingRequest(msg Message) {
	switch msg.Method {
	case "roots/list":
		c.rootsMu.Lock()
		roots := append([]Root(nil), c.roots...)
		c.rootsMu.Unlock()

		result, _ := json.Marshal(struct {
			Roots []Root `json:"roots"`
		}{Roots: roots})
		resp := Message{JSONRPC: "2.0", ID: msg.ID, Result: result}
		data, _ := json.Marshal(resp)
		c.stdin.Write(append(data, '\n'))

		select {
		case c.rootsRefreshed <- struct{}{}:
		default:
		}
	}
}

func (c *Client) nextID() int64 {
	return atomic.AddInt64(&c.msgID, 1)
}

func (c *Client) call(ctx context.Context, method string, params any) (*Message, error) {
	id := c.nextID()

	var paramsBytes json.RawMessage
	if params != nil {
		var err error
		paramsBytes, err = json.Marshal(params)
		if err != nil {
			return nil, ironerrors.Wrap(err, ironerrors.CodeBackendProtocol, "marshaling request params")
		}
	}

	msg := Message{JSONRPC: "2.0", ID: &id, Method: method, Params: paramsBytes}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeBackendProtocol, "marshaling request")
	}

	respCh := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[id] = respCh
	c.mu.Unlock()

	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ironerrors.Wrap(err, ironerrors.CodeBackendProtocol, "writing request")
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ironerrors.Wrap(ctx.Err(), ironerrors.CodeBackendTimeout, fmt.Sprintf("%s timed out", method))
	}
}

func (c *Client) notify(method string, params any) error {
	var paramsBytes json.RawMessage
	if params != nil {
		var err error
		paramsBytes, err = json.Marshal(params)
		if err != nil {
			return ironerrors.Wrap(err, ironerrors.CodeBackendProtocol, "marshaling notification params")
		}
	}
	msg := Message{JSONRPC: "2.0", Method: method, Params: paramsBytes}
	data, err := json.Marshal(msg)
	if err != nil {
		return ironerrors.Wrap(err, ironerrors.CodeBackendProtocol, "marshaling notification")
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return ironerrors.Wrap(err, ironerrors.CodeBackendProtocol, "writing notification")
	}
	return nil
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]any{
			"tools": map[string]any{},
			"roots": map[string]any{"listChanged": true},
		},
		"clientInfo": map[string]any{"name": "ironcurtain", "version": "1.0.0"},
	}

	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		return ironerrors.Wrap(err, ironerrors.CodeBackendConnect, fmt.Sprintf("initializing %q", c.name))
	}
	if resp.Error != nil {
		return ironerrors.New(ironerrors.CodeBackendConnect, fmt.Sprintf("%s: initialize error: %s", c.name, resp.Error.Message))
	}

	var result struct {
		ServerInfo  ServerInfo `json:"serverInfo"`
		ProtocolVer string     `json:"protocolVersion"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return ironerrors.Wrap(err, ironerrors.CodeBackendProtocol, "parsing initialize result")
	}
	c.serverInfo = &result.ServerInfo
	c.serverInfo.ProtocolVer = result.ProtocolVer

	return c.notify("notifications/initialized", nil)
}

// ListTools fetches and caches the server's tool list.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeBackendProtocol, fmt.Sprintf("%s: tools/list", c.name))
	}
	if resp.Error != nil {
		return nil, ironerrors.New(ironerrors.CodeBackendProtocol, fmt.Sprintf("%s: tools/list error: %s", c.name, resp.Error.Message))
	}

	var result struct {
		Tools []ToolDefinition `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeBackendProtocol, "parsing tools list")
	}
	c.tools = result.Tools
	return result.Tools, nil
}

// CallTool forwards args exactly as produced by the argument preparation
// step — transport args, not the policy-normalized ones used internally
// during evaluation.
func (c *Client) CallTool(ctx context.Context, toolName string, args map[string]any) (*ToolCallResult, error) {
	params := struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}{Name: toolName, Arguments: args}

	resp, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeBackendProtocol, fmt.Sprintf("%s: tools/call %s", c.name, toolName))
	}
	if resp.Error != nil {
		return nil, ironerrors.New(ironerrors.CodeBackendProtocol, fmt.Sprintf("%s: tools/call error: %s", c.name, resp.Error.Message))
	}

	var result ToolCallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, ironerrors.Wrap(err, ironerrors.CodeBackendProtocol, "parsing tool call result")
	}
	return &result, nil
}

// AddRoot adds root to the permitted set if not already present and
// notifies the backend via notifications/roots/list_changed, then waits
// (bounded by rootRefreshTimeout) for the backend to pull the refreshed
// list via roots/list. A backend that never asks, or asks slowly, does
// not wedge the caller — the wait is a best-effort safety net, not a
// correctness requirement.
func (c *Client) AddRoot(ctx context.Context, root Root) error {
	c.rootsMu.Lock()
	for _, existing := range c.roots {
		if existing.URI == root.URI {
			c.rootsMu.Unlock()
			return nil
		}
	}
	c.roots = append(c.roots, root)
	c.rootsMu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return ironerrors.Wrap(err, ironerrors.CodeBackendTimeout, "rate limiting addRoot notification")
	}
	if err := c.notify("notifications/roots/list_changed", nil); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.rootRefreshTimeout)
	defer cancel()

	select {
	case <-c.rootsRefreshed:
	case <-waitCtx.Done():
	}
	return nil
}

// Roots returns the currently permitted root set.
func (c *Client) Roots() []Root {
	c.rootsMu.Lock()
	defer c.rootsMu.Unlock()
	return append([]Root(nil), c.roots...)
}

// Tools returns the cached tool list from the last ListTools call.
func (c *Client) Tools() []ToolDefinition {
	return c.tools
}

// ServerInfo returns the connected server's identity, if initialized.
func (c *Client) ServerInfo() *ServerInfo {
	return c.serverInfo
}

// Close terminates the backend process, giving it time to exit
// gracefully before killing it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = nil
	c.mu.Unlock()

	c.stdin.Close()
	c.stdout.Close()
	c.stderr.Close()

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.cmd.Process.Kill()
	}
	return nil
}
