package backend

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ironcurtain/core/pkg/ironerrors"
	"github.com/ironcurtain/core/pkg/logging"
)

// Manager owns one Client per configured backend server and connects to
// all of them concurrently at startup. A single server failing to
// connect is logged and skipped rather than aborting startup — per-server
// failure is never fatal to the rest of the fleet.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	configs map[string]Config
	logger  *logging.Logger
}

// NewManager creates an empty Manager. logger may be nil, in which case
// connect failures are silently swallowed instead of logged.
func NewManager(logger *logging.Logger) *Manager {
	return &Manager{
		clients: make(map[string]*Client),
		configs: make(map[string]Config),
		logger:  logger,
	}
}

// AddServer registers a server configuration to be connected on the next
// ConnectAll call.
func (m *Manager) AddServer(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.Name] = cfg
}

// ConnectAll connects to every configured server concurrently. It
// returns an error only if the provided context is cancelled; individual
// server failures are recorded via the logger and leave that server's
// tools simply unavailable.
func (m *Manager) ConnectAll(ctx context.Context) error {
	m.mu.RLock()
	configs := make([]Config, 0, len(m.configs))
	for _, cfg := range m.configs {
		configs = append(configs, cfg)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	results := make([]*Client, len(configs))

	for i, cfg := range configs {
		i, cfg := i, cfg
		g.Go(func() error {
			client, err := connectOne(gctx, cfg)
			if err != nil {
				m.logFailure(cfg.Name, err)
				return nil // non-fatal: swallow so sibling connects still complete
			}
			results[i] = client
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	for i, cfg := range configs {
		if results[i] != nil {
			m.clients[cfg.Name] = results[i]
		}
	}
	m.mu.Unlock()

	return nil
}

func connectOne(ctx context.Context, cfg Config) (*Client, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := client.Initialize(ctx); err != nil {
		client.Close()
		return nil, err
	}
	if _, err := client.ListTools(ctx); err != nil {
		// non-fatal: some servers expose no tools
		_ = err
	}
	return client, nil
}

func (m *Manager) logFailure(serverName string, err error) {
	if m.logger == nil {
		return
	}
	m.logger.Error(logging.CategoryBackend, "connect_failed", fmt.Sprintf("failed to connect to backend %q", serverName), map[string]any{
		"server": serverName,
		"error":  err.Error(),
	})
}

// Get returns the connected client for serverName, if any.
func (m *Manager) Get(serverName string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[serverName]
	return client, ok
}

// CallTool forwards a tool call to the named server's connected client.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*ToolCallResult, error) {
	client, ok := m.Get(serverName)
	if !ok {
		return nil, ironerrors.New(ironerrors.CodeBackendConnect, fmt.Sprintf("backend %q is not connected", serverName))
	}
	return client.CallTool(ctx, toolName, args)
}

// AddRoot expands the named server's permitted root set.
func (m *Manager) AddRoot(ctx context.Context, serverName string, root Root) error {
	client, ok := m.Get(serverName)
	if !ok {
		return ironerrors.New(ironerrors.CodeBackendConnect, fmt.Sprintf("backend %q is not connected", serverName))
	}
	return client.AddRoot(ctx, root)
}

// ConnectedServers lists the names of currently connected backends.
func (m *Manager) ConnectedServers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	return names
}

// Close disconnects every connected backend, collecting but not stopping
// on individual close errors.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, client := range m.clients {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing backend %q: %w", name, err)
		}
	}
	m.clients = make(map[string]*Client)
	return firstErr
}
