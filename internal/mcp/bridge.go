package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

// DefaultGraceWindow is how long tools stay registered after a graceful
// disconnect, absorbing transient blips without tool-list flicker.
const DefaultGraceWindow = 5 * time.Second

// ToolHandle identifies one registered tool.
type ToolHandle struct {
	ServerID   string
	ServerName string
	Name       string
	Tool       mcplib.Tool
}

// ToolRegistry is the consumed registry contract. The governance core calls
// it but does not implement it.
type ToolRegistry interface {
	RegisterTools(serverID, serverName, trustLevel string, tools []mcplib.Tool) int
	UnregisterTools(serverID string) int
	GetTool(name string) (ToolHandle, bool)
}

// connectionManager is the slice of Manager the bridge needs; narrowed for
// tests.
type connectionManager interface {
	Connect(ctx context.Context, cfg ServerConfig) (*Connection, error)
	Disconnect(serverID string) error
	ListTools(ctx context.Context, serverID string) ([]mcplib.Tool, error)
}

type unregisterTask struct {
	timer *time.Timer
}

// Bridge coordinates the connection manager with the tool registry.
//
// Its one non-obvious job is the graceful delayed unregister: on a graceful
// disconnect, tools stay registered for a grace window so a prompt reconnect
// produces zero net unregister calls. At most one pending unregister task
// exists per server.
type Bridge struct {
	manager  connectionManager
	registry ToolRegistry
	logger   *log.Logger
	grace    time.Duration

	mu      sync.Mutex
	pending map[string]*unregisterTask
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithGraceWindow overrides the delayed-unregister window.
func WithGraceWindow(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		if d > 0 {
			b.grace = d
		}
	}
}

// WithBridgeLogger sets the logger.
func WithBridgeLogger(l *log.Logger) BridgeOption {
	return func(b *Bridge) {
		b.logger = l
	}
}

// NewBridge creates a bridge between a connection manager and a registry.
func NewBridge(manager connectionManager, registry ToolRegistry, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		manager:  manager,
		registry: registry,
		logger:   log.Default().WithPrefix("bridge"),
		grace:    DefaultGraceWindow,
		pending:  make(map[string]*unregisterTask),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ConnectAndRegister connects to a server, lists its tools, and registers
// them under the server's namespace. Any pending delayed unregister for the
// server is cancelled first, which covers the reconnect-during-grace-window
// race. Returns the number of tools registered.
func (b *Bridge) ConnectAndRegister(ctx context.Context, cfg ServerConfig) (int, error) {
	if cancelled := b.CancelPendingUnregister(cfg.ID); cancelled {
		b.logger.Debug("cancelled pending unregister on reconnect", "server_id", cfg.ID)
	}

	if _, err := b.manager.Connect(ctx, cfg); err != nil {
		return 0, err
	}

	tools, err := b.manager.ListTools(ctx, cfg.ID)
	if err != nil {
		return 0, fmt.Errorf("listing tools for registration: %w", err)
	}

	count := b.registry.RegisterTools(cfg.ID, cfg.Name, cfg.TrustLevel, tools)
	b.logger.Info("registered server tools", "server_id", cfg.ID, "count", count)
	return count, nil
}

// DisconnectAndUnregister tears down a server's connection. With graceful
// set, unregistration is deferred by the grace window instead of happening
// immediately; a reconnect within the window keeps the tools visible with no
// gap.
func (b *Bridge) DisconnectAndUnregister(ctx context.Context, serverID string, graceful bool) error {
	err := b.manager.Disconnect(serverID)

	if !graceful {
		b.CancelPendingUnregister(serverID)
		count := b.registry.UnregisterTools(serverID)
		b.logger.Info("unregistered server tools", "server_id", serverID, "count", count)
		return err
	}

	b.scheduleUnregister(serverID)
	return err
}

// scheduleUnregister arms the delayed unregister for a server, superseding
// any existing task.
func (b *Bridge) scheduleUnregister(serverID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if stale, ok := b.pending[serverID]; ok {
		stale.timer.Stop()
	}

	task := &unregisterTask{}
	task.timer = time.AfterFunc(b.grace, func() {
		b.fireUnregister(serverID, task)
	})
	b.pending[serverID] = task

	b.logger.Debug("scheduled delayed unregister", "server_id", serverID, "grace", b.grace)
}

// fireUnregister runs when the grace window elapses. It only acts if the
// task is still the current one — a cancel that raced the timer wins.
func (b *Bridge) fireUnregister(serverID string, task *unregisterTask) {
	b.mu.Lock()
	current, ok := b.pending[serverID]
	if !ok || current != task {
		b.mu.Unlock()
		return
	}
	delete(b.pending, serverID)
	b.mu.Unlock()

	count := b.registry.UnregisterTools(serverID)
	b.logger.Info("grace window elapsed, unregistered server tools", "server_id", serverID, "count", count)
}

// CancelPendingUnregister cancels the scheduled unregister task for a server
// if one exists and has not completed. Returns whether anything was
// cancelled.
func (b *Bridge) CancelPendingUnregister(serverID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.pending[serverID]
	if !ok {
		return false
	}
	delete(b.pending, serverID)
	task.timer.Stop()
	return true
}

// HasPendingUnregister reports whether a delayed unregister is scheduled.
func (b *Bridge) HasPendingUnregister(serverID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[serverID]
	return ok
}

// ConnectAllResult reports the outcome of a startup fan-out.
type ConnectAllResult struct {
	Registered int
	Failures   map[string]error
}

// FailureCount returns the number of servers that failed to connect.
func (r *ConnectAllResult) FailureCount() int {
	return len(r.Failures)
}

// ConnectAll connects and registers all enabled servers concurrently. Each
// server's failure is isolated: it is captured in the result and does not
// block or fail the others.
func (b *Bridge) ConnectAll(ctx context.Context, configs []ServerConfig) *ConnectAllResult {
	result := &ConnectAllResult{Failures: make(map[string]error)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		cfg := cfg
		g.Go(func() error {
			count, err := b.ConnectAndRegister(gctx, cfg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures[cfg.ID] = err
				b.logger.Error("server failed to initialize", "server_id", cfg.ID, "error", err)
				return nil // isolate: never fail the group
			}
			result.Registered += count
			return nil
		})
	}

	_ = g.Wait() // goroutines above never return errors
	return result
}
