package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Lewis121025/MAX-AI/pkg/logger"
)

// Manager keeps track of registered plugins and orchestrates their lifecycle.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string]*instance
	loader    Loader
	isolation IsolationStrategy
	resources map[string]any
	defaults  IsolationPolicy
	logger    *slog.Logger
}

type instance struct {
	mu      sync.Mutex
	Plugin  Plugin
	Info    Info
	State   State
	Config  map[string]any
	Policy  IsolationPolicy
	Source  string
	Timeout time.Duration
}

// NewManager constructs a manager and loads every enabled plugin from cfg.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry:  make(map[string]*instance),
		loader:    SharedObjectLoader{},
		isolation: PermissionStrategy{},
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
		logger:    logger.Named("plugin"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.isolation = defaultStrategy(m.isolation)
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register registers a plugin instance directly with the manager.
func (m *Manager) Register(id string, p Plugin, cfg map[string]any, policy IsolationPolicy) error {
	return m.register(id, p, cfg, policy, "manual", 0)
}

func (m *Manager) register(id string, p Plugin, cfg map[string]any, policy IsolationPolicy, source string, timeout time.Duration) error {
	if id == "" {
		return errors.New("plugin id cannot be empty")
	}
	if p == nil {
		return errors.New("plugin implementation cannot be nil")
	}
	info := p.Info()
	if info.ID != "" && info.ID != id {
		return fmt.Errorf("plugin id mismatch: %s != %s", info.ID, id)
	}
	policy = MergePolicies(m.defaults, &policy)
	if err := EnsurePolicy(info, policy); err != nil {
		return err
	}
	if err := m.isolation.Validate(info, policy); err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := p.Configure(cfg); err != nil {
		return fmt.Errorf("configure plugin %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return fmt.Errorf("plugin %s already registered", id)
	}
	m.registry[id] = &instance{
		Plugin:  p,
		Info:    mergeInfo(info, id),
		State:   StateRegistered,
		Config:  cfg,
		Policy:  policy,
		Source:  source,
		Timeout: timeout,
	}
	m.logger.Info("plugin registered", "plugin", id, "source", source, "category", info.Category)
	return nil
}

// Load loads a plugin implementation from disk and registers it with the manager.
func (m *Manager) Load(id string, path string, cfg map[string]any, policy IsolationPolicy) error {
	return m.load(id, path, cfg, policy, 0)
}

func (m *Manager) load(id, path string, cfg map[string]any, policy IsolationPolicy, timeout time.Duration) error {
	if path == "" {
		return errors.New("plugin path cannot be empty")
	}
	p, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load plugin from %s: %w", path, err)
	}
	return m.register(id, p, cfg, policy, path, timeout)
}

// Start initialises and starts a plugin by id.
func (m *Manager) Start(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State == StateStarted {
		return nil
	}
	execCtx := m.execContext(ctx, id, inst)
	if inst.State == StateRegistered {
		if err := inst.Plugin.Init(execCtx.Clone()); err != nil {
			return fmt.Errorf("initialise plugin %s: %w", id, err)
		}
		inst.State = StateInitialised
	}
	if err := m.isolation.Prepare(inst.Info); err != nil {
		return fmt.Errorf("prepare isolation for %s: %w", id, err)
	}
	if err := inst.Plugin.Start(execCtx.Clone()); err != nil {
		_ = m.isolation.Cleanup(inst.Info)
		return fmt.Errorf("start plugin %s: %w", id, err)
	}
	inst.State = StateStarted
	return nil
}

// Stop halts a plugin if it is running.
func (m *Manager) Stop(ctx context.Context, id string) error {
	inst, err := m.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State != StateStarted {
		return nil
	}
	if err := inst.Plugin.Stop(m.execContext(ctx, id, inst)); err != nil {
		return fmt.Errorf("stop plugin %s: %w", id, err)
	}
	if err := m.isolation.Cleanup(inst.Info); err != nil {
		return fmt.Errorf("cleanup isolation for %s: %w", id, err)
	}
	inst.State = StateStopped
	return nil
}

// StartAll starts all registered plugins in id order.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, id := range m.IDs() {
		if err := m.Start(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all active plugins and reports every failure.
func (m *Manager) StopAll(ctx context.Context) error {
	var errs []error
	for _, id := range m.IDs() {
		if err := m.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IDs returns the sorted ids of all registered plugins.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Infos returns the metadata of all registered plugins in id order.
func (m *Manager) Infos() []Info {
	ids := m.IDs()
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		if inst, err := m.get(id); err == nil {
			out = append(out, inst.Info)
		}
	}
	return out
}

// State returns the lifecycle state of a plugin.
func (m *Manager) State(id string) (State, error) {
	inst, err := m.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.State, nil
}

func (m *Manager) get(id string) (*instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return nil, fmt.Errorf("plugin %s not registered", id)
	}
	return inst, nil
}

func (m *Manager) execContext(ctx context.Context, id string, inst *instance) *ExecutionContext {
	return &ExecutionContext{
		C:         ctx,
		Config:    inst.Config,
		Resources: m.resourcesFor(inst.Info),
		Logger:    m.logger.With("plugin", id),
	}
}

// resourcesFor hides resources whose key prefix names a permission the plugin did not declare.
// Keys look like "fs:workspace" or "net:client"; keys without a known prefix are shared freely.
func (m *Manager) resourcesFor(info Info) map[string]any {
	out := make(map[string]any, len(m.resources))
	for key, value := range m.resources {
		if perm, ok := resourcePermission(key); ok && !hasPermission(info, perm) {
			continue
		}
		out[key] = value
	}
	return out
}

func resourcePermission(key string) (Permission, bool) {
	prefix, _, found := strings.Cut(key, ":")
	if !found {
		return "", false
	}
	switch prefix {
	case "fs":
		return PermissionFilesystem, true
	case "net":
		return PermissionNetwork, true
	case "exec":
		return PermissionExecution, true
	}
	return "", false
}

func hasPermission(info Info, perm Permission) bool {
	for _, p := range info.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

func (m *Manager) loadConfigured(cfg ManagerConfig) error {
	ids := make([]string, 0, len(cfg.Plugins))
	for id := range cfg.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		pluginCfg := cfg.Plugins[id]
		if !pluginCfg.Enabled {
			continue
		}
		path := pluginCfg.Path
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		policy := MergePolicies(cfg.Defaults, pluginCfg.Policy)
		timeout := time.Duration(pluginCfg.TimeoutSeconds) * time.Second
		if err := m.load(id, path, cloneConfig(pluginCfg.Config), policy, timeout); err != nil {
			return err
		}
	}
	return nil
}

func mergeInfo(info Info, id string) Info {
	if info.ID == "" {
		info.ID = id
	}
	if info.Category == "" {
		info.Category = TypeCapability
	}
	return info
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
