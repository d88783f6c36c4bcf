// Package mcp manages connections to external MCP tool-provider processes:
// transport setup, reconnect-with-backoff, tool list caching, and the bridge
// that feeds tool definitions into the registry.
package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// TransportType selects how a server is reached.
type TransportType string

const (
	// TransportStdio runs the server as a local subprocess.
	TransportStdio TransportType = "stdio"
	// TransportHTTP connects to a remote streamable-HTTP server.
	TransportHTTP TransportType = "http"
)

// ServerConfig describes one MCP server. The configuration itself is owned
// by an external store; the manager only keeps the copies it needs for
// reconnect attempts.
type ServerConfig struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Transport  TransportType `json:"transport"`
	Command    string        `json:"command,omitempty"`
	Args       []string      `json:"args,omitempty"`
	Env        []string      `json:"env,omitempty"`
	URL        string        `json:"url,omitempty"`
	Enabled    bool          `json:"enabled"`
	TrustLevel string        `json:"trust_level,omitempty"`
}

// ConnState is the lifecycle state of one server's connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ConnectError wraps a failure to establish a connection. Operational errors
// after connect are not surfaced this way; they trigger reconnects instead.
type ConnectError struct {
	ServerID string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to server %s: %v", e.ServerID, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// session abstracts the mcp-go client so the state machine is testable
// without real transports.
type session interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]mcplib.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcplib.CallToolResult, error)
	Close() error
}

// Dialer establishes a session for a server config.
type Dialer func(ctx context.Context, cfg ServerConfig) (session, error)

// Connection wraps a live session to one server.
type Connection struct {
	ServerID    string
	ServerName  string
	ConnectedAt time.Time

	mu           sync.Mutex
	sess         session
	lastActivity time.Time
	tools        []mcplib.Tool
	toolsCached  bool
}

// LastActivity returns the time of the most recent successful operation.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now().UTC()
	c.mu.Unlock()
}

// Backoff parameters for reconnect scheduling.
const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffCap  = 60 * time.Second
	DefaultMaxAttempts = 5
)

// retryDecision is the typed outcome of a backoff step.
type retryDecision int

const (
	retryAgain retryDecision = iota
	giveUp
)

// nextAttempt returns the delay before the given attempt (1-based) and
// whether to try at all. Exponential from base, doubling, capped.
func nextAttempt(attempt, maxAttempts int, base, ceiling time.Duration) (time.Duration, retryDecision) {
	if attempt > maxAttempts {
		return 0, giveUp
	}
	delay := base << (attempt - 1)
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}
	return delay, retryAgain
}

type reconnectTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns live connections to MCP servers.
//
// Per server the state machine is disconnected → connected, with
// reconnecting entered from connected via an externally-reported failure.
// At most one reconnect task is live per server at any time.
type Manager struct {
	logger *log.Logger
	dial   Dialer
	sleep  func(ctx context.Context, d time.Duration) error

	backoffBase time.Duration
	backoffCap  time.Duration
	maxAttempts int

	mu         sync.Mutex
	conns      map[string]*Connection
	configs    map[string]ServerConfig
	reconnects map[string]*reconnectTask
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDialer overrides the transport dialer (used by tests).
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) {
		m.dial = d
	}
}

// WithBackoff overrides the reconnect backoff parameters.
func WithBackoff(base, cap time.Duration, maxAttempts int) ManagerOption {
	return func(m *Manager) {
		if base > 0 {
			m.backoffBase = base
		}
		if cap > 0 {
			m.backoffCap = cap
		}
		if maxAttempts > 0 {
			m.maxAttempts = maxAttempts
		}
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *log.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a connection manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:      log.Default().WithPrefix("mcp"),
		dial:        dialServer,
		sleep:       sleepCtx,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
		maxAttempts: DefaultMaxAttempts,
		conns:       make(map[string]*Connection),
		configs:     make(map[string]ServerConfig),
		reconnects:  make(map[string]*reconnectTask),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect establishes a connection to a server. Idempotent: if the server is
// already connected the existing connection is returned without a second
// transport being established. The config is stored for future reconnects.
func (m *Manager) Connect(ctx context.Context, cfg ServerConfig) (*Connection, error) {
	if cfg.ID == "" {
		return nil, &ConnectError{ServerID: cfg.ID, Err: fmt.Errorf("server id is required")}
	}

	m.mu.Lock()
	if conn, ok := m.conns[cfg.ID]; ok {
		m.configs[cfg.ID] = cfg
		m.mu.Unlock()
		return conn, nil
	}
	m.mu.Unlock()

	sess, err := m.dial(ctx, cfg)
	if err != nil {
		return nil, &ConnectError{ServerID: cfg.ID, Err: err}
	}

	now := time.Now().UTC()
	conn := &Connection{
		ServerID:     cfg.ID,
		ServerName:   cfg.Name,
		ConnectedAt:  now,
		sess:         sess,
		lastActivity: now,
	}

	m.mu.Lock()
	// A concurrent Connect may have won; keep the first connection.
	if existing, ok := m.conns[cfg.ID]; ok {
		m.mu.Unlock()
		_ = sess.Close()
		return existing, nil
	}
	m.conns[cfg.ID] = conn
	m.configs[cfg.ID] = cfg
	m.mu.Unlock()

	m.logger.Info("connected to server", "server_id", cfg.ID, "name", cfg.Name, "transport", cfg.Transport)
	return conn, nil
}

// Get returns the live connection for a server, if any.
func (m *Manager) Get(serverID string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[serverID]
	return conn, ok
}

// State returns the lifecycle state of a server's connection.
func (m *Manager) State(serverID string) ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[serverID]; ok {
		return StateConnected
	}
	if _, ok := m.reconnects[serverID]; ok {
		return StateReconnecting
	}
	return StateDisconnected
}

// HandleConnectionLost drops the cached connection for a server and, if the
// server is still configured, schedules a background reconnect.
func (m *Manager) HandleConnectionLost(serverID string) {
	m.mu.Lock()
	conn, had := m.conns[serverID]
	delete(m.conns, serverID)
	cfg, configured := m.configs[serverID]
	m.mu.Unlock()

	if had {
		conn.mu.Lock()
		sess := conn.sess
		conn.sess = nil
		conn.mu.Unlock()
		if sess != nil {
			_ = sess.Close()
		}
	}

	if !configured || !cfg.Enabled {
		m.logger.Info("connection lost, not reconnecting", "server_id", serverID, "configured", configured)
		return
	}

	m.logger.Warn("connection lost, scheduling reconnect", "server_id", serverID)
	m.scheduleReconnect(cfg)
}

// scheduleReconnect starts the background reconnect loop for a server,
// cancelling any stale task so at most one is live.
func (m *Manager) scheduleReconnect(cfg ServerConfig) {
	ctx, cancel := context.WithCancel(context.Background())
	task := &reconnectTask{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if stale, ok := m.reconnects[cfg.ID]; ok {
		stale.cancel()
	}
	m.reconnects[cfg.ID] = task
	m.mu.Unlock()

	go m.reconnectLoop(ctx, cfg, task)
}

func (m *Manager) reconnectLoop(ctx context.Context, cfg ServerConfig, task *reconnectTask) {
	defer close(task.done)
	defer m.clearReconnect(cfg.ID, task)

	for attempt := 1; ; attempt++ {
		delay, decision := nextAttempt(attempt, m.maxAttempts, m.backoffBase, m.backoffCap)
		if decision == giveUp {
			m.logger.Error("reconnect abandoned", "server_id", cfg.ID, "attempts", m.maxAttempts)
			return
		}

		if err := m.sleep(ctx, delay); err != nil {
			return
		}

		// The config may have been removed by a manual disconnect while we
		// were sleeping; a late reconnect must not undo that.
		m.mu.Lock()
		current, stillConfigured := m.configs[cfg.ID]
		m.mu.Unlock()
		if !stillConfigured || !current.Enabled {
			m.logger.Info("reconnect cancelled, server no longer configured", "server_id", cfg.ID)
			return
		}

		sess, err := m.dial(ctx, current)
		if err != nil {
			nextDelay, _ := nextAttempt(attempt+1, m.maxAttempts, m.backoffBase, m.backoffCap)
			m.logger.Warn("reconnect attempt failed",
				"server_id", cfg.ID, "attempt", attempt, "next_delay", nextDelay, "error", err)
			continue
		}

		now := time.Now().UTC()
		conn := &Connection{
			ServerID:     current.ID,
			ServerName:   current.Name,
			ConnectedAt:  now,
			sess:         sess,
			lastActivity: now,
		}

		m.mu.Lock()
		if _, ok := m.conns[cfg.ID]; ok {
			// Someone reconnected manually in the meantime.
			m.mu.Unlock()
			_ = sess.Close()
			return
		}
		m.conns[cfg.ID] = conn
		m.mu.Unlock()

		m.logger.Info("reconnected to server", "server_id", cfg.ID, "attempt", attempt)
		return
	}
}

func (m *Manager) clearReconnect(serverID string, task *reconnectTask) {
	m.mu.Lock()
	if current, ok := m.reconnects[serverID]; ok && current == task {
		delete(m.reconnects, serverID)
	}
	m.mu.Unlock()
}

// Disconnect tears down a server's connection and removes its stored config.
// Removing the config is what prevents a manual disconnect from being undone
// by a late reconnect attempt. The pending reconnect task, if any, is
// cancelled.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	if task, ok := m.reconnects[serverID]; ok {
		task.cancel()
		delete(m.reconnects, serverID)
	}
	conn, ok := m.conns[serverID]
	delete(m.conns, serverID)
	delete(m.configs, serverID)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	conn.mu.Lock()
	sess := conn.sess
	conn.sess = nil
	conn.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			return fmt.Errorf("closing session for %s: %w", serverID, err)
		}
	}
	m.logger.Info("disconnected from server", "server_id", serverID)
	return nil
}

// DisconnectAll tears down every connection.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	for id := range m.reconnects {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		_ = m.Disconnect(id)
	}
}

// ListTools returns the server's tool list, cached until invalidated. A
// failed listing is treated as a signal of connection loss.
func (m *Manager) ListTools(ctx context.Context, serverID string) ([]mcplib.Tool, error) {
	conn, ok := m.Get(serverID)
	if !ok {
		return nil, fmt.Errorf("server %s is not connected", serverID)
	}

	conn.mu.Lock()
	if conn.toolsCached {
		tools := make([]mcplib.Tool, len(conn.tools))
		copy(tools, conn.tools)
		conn.mu.Unlock()
		return tools, nil
	}
	sess := conn.sess
	conn.mu.Unlock()

	if sess == nil {
		return nil, fmt.Errorf("server %s is not connected", serverID)
	}

	tools, err := sess.ListTools(ctx)
	if err != nil {
		m.HandleConnectionLost(serverID)
		return nil, fmt.Errorf("listing tools on %s: %w", serverID, err)
	}

	conn.mu.Lock()
	conn.tools = tools
	conn.toolsCached = true
	conn.lastActivity = time.Now().UTC()
	conn.mu.Unlock()

	return tools, nil
}

// InvalidateTools drops the cached tool list for a server.
func (m *Manager) InvalidateTools(serverID string) {
	if conn, ok := m.Get(serverID); ok {
		conn.mu.Lock()
		conn.tools = nil
		conn.toolsCached = false
		conn.mu.Unlock()
	}
}

// CallTool invokes a tool on a connected server. A failed call is treated as
// a signal of connection loss and triggers reconnect handling.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, args map[string]any) (*mcplib.CallToolResult, error) {
	conn, ok := m.Get(serverID)
	if !ok {
		return nil, fmt.Errorf("server %s is not connected", serverID)
	}

	conn.mu.Lock()
	sess := conn.sess
	conn.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("server %s is not connected", serverID)
	}

	result, err := sess.CallTool(ctx, name, args)
	if err != nil {
		m.HandleConnectionLost(serverID)
		return nil, fmt.Errorf("calling %s on %s: %w", name, serverID, err)
	}

	conn.touch()
	return result, nil
}

// WaitReconnect blocks until the live reconnect task for a server finishes,
// for tests and shutdown paths. Returns immediately when none is running.
func (m *Manager) WaitReconnect(serverID string) {
	m.mu.Lock()
	task, ok := m.reconnects[serverID]
	m.mu.Unlock()
	if ok {
		<-task.done
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// clientSession adapts the mcp-go client to the session interface.
type clientSession struct {
	c *client.Client
}

func (s *clientSession) Initialize(ctx context.Context) error {
	req := mcplib.InitializeRequest{}
	req.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcplib.Implementation{Name: "toolgate", Version: "0.1.0"}
	_, err := s.c.Initialize(ctx, req)
	return err
}

func (s *clientSession) ListTools(ctx context.Context) ([]mcplib.Tool, error) {
	result, err := s.c.ListTools(ctx, mcplib.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (s *clientSession) CallTool(ctx context.Context, name string, args map[string]any) (*mcplib.CallToolResult, error) {
	req := mcplib.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return s.c.CallTool(ctx, req)
}

func (s *clientSession) Close() error {
	return s.c.Close()
}

// dialServer establishes a real transport for a server config.
func dialServer(ctx context.Context, cfg ServerConfig) (session, error) {
	var c *client.Client
	var err error

	switch cfg.Transport {
	case TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport requires a command")
		}
		c, err = client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	case TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("http transport requires a url")
		}
		c, err = client.NewStreamableHttpClient(cfg.URL)
		if err == nil {
			err = c.Start(ctx)
		}
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if err != nil {
		return nil, err
	}

	sess := &clientSession{c: c}
	if err := sess.Initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return sess, nil
}
