package plugin

import (
	"context"
	"log/slog"
	"maps"
)

// Plugin is the lifecycle every plugin goes through: Configure once at
// registration, then Init and Start when the manager starts it, Stop on shutdown.
type Plugin interface {
	Info() Info
	// Configure may fill defaults into cfg; the manager stores the result.
	Configure(cfg map[string]any) error
	Init(ctx *ExecutionContext) error
	// Start must not block; background work belongs in goroutines tied to ctx.C.
	Start(ctx *ExecutionContext) error
	Stop(ctx *ExecutionContext) error
}

// CapabilityProvider is implemented by plugins that export capabilities.
// Capabilities is called once, after Start and before the host registry is sealed.
type CapabilityProvider interface {
	Capabilities() []CapabilitySpec
}

// ExecutionContext is what a plugin sees at each lifecycle stage. Each call
// receives its own copy, so plugins may keep or modify the maps.
type ExecutionContext struct {
	C      context.Context
	Config map[string]any
	// Resources only holds the host resources the plugin's permissions cover.
	Resources map[string]any
	Logger    *slog.Logger
}

// Clone copies the maps of c.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	dup.Config = cloneConfig(c.Config)
	dup.Resources = maps.Clone(c.Resources)
	return &dup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLoader replaces SharedObjectLoader, e.g. with a StaticLoader.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy replaces PermissionStrategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithResource offers a host resource to plugins. Keys prefixed "fs:", "net:" or
// "exec:" are only visible to plugins declaring the matching permission.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		if m.resources == nil {
			m.resources = make(map[string]any)
		}
		m.resources[key] = value
	}
}

// WithLogger sets the logger used by the manager and handed to plugins.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}
