package mcp

import (
	"time"

	"github.com/toolgate/toolgate/internal/config"
)

// NewManagerFromConfig builds a Manager whose reconnect schedule comes from
// the loaded configuration. Extra options are applied after the configured
// ones and may override them.
func NewManagerFromConfig(cfg config.MCPConfig, opts ...ManagerOption) *Manager {
	base := []ManagerOption{WithBackoff(
		time.Duration(cfg.BackoffBaseMS)*time.Millisecond,
		time.Duration(cfg.BackoffCapSecs)*time.Second,
		cfg.MaxReconnectAttempts,
	)}
	return NewManager(append(base, opts...)...)
}

// NewBridgeFromConfig builds a Bridge with the configured unregister grace
// window.
func NewBridgeFromConfig(cfg config.MCPConfig, manager connectionManager, registry ToolRegistry, opts ...BridgeOption) *Bridge {
	base := []BridgeOption{WithGraceWindow(time.Duration(cfg.GraceWindowSecs) * time.Second)}
	return NewBridge(manager, registry, append(base, opts...)...)
}
