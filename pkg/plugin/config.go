package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ManagerConfig is the plugin manifest: where binaries live and which ones to load.
type ManagerConfig struct {
	PluginDir string                  `yaml:"pluginDir"`
	Defaults  IsolationPolicy         `yaml:"defaults"`
	Plugins   map[string]PluginConfig `yaml:"plugins"`
}

// PluginConfig is the configuration block for a single plugin instance.
type PluginConfig struct {
	Enabled bool             `yaml:"enabled"`
	Path    string           `yaml:"path"`
	Config  map[string]any   `yaml:"config"`
	Policy  *IsolationPolicy `yaml:"policy"`
	// TimeoutSeconds overrides the timeout of every capability the plugin exports.
	TimeoutSeconds int `yaml:"timeoutSeconds"`
}

// IsolationPolicy governs which host permissions a plugin may use.
type IsolationPolicy struct {
	AllowedPermissions []Permission `yaml:"allowedPermissions"`
	DeniedPermissions  []Permission `yaml:"deniedPermissions"`
}

// Merge returns a new policy using values from other when not present.
func (p IsolationPolicy) Merge(other IsolationPolicy) IsolationPolicy {
	if len(p.AllowedPermissions) == 0 {
		p.AllowedPermissions = other.AllowedPermissions
	}
	if len(p.DeniedPermissions) == 0 {
		p.DeniedPermissions = other.DeniedPermissions
	}
	return p
}

// LoadManagerConfig reads a YAML manifest. A relative pluginDir is resolved
// against the directory of the manifest.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	var cfg ManagerConfig
	if path == "" {
		return cfg, errors.New("config path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read plugin config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal plugin config: %w", err)
	}
	if cfg.Plugins == nil {
		cfg.Plugins = map[string]PluginConfig{}
	}
	if cfg.PluginDir != "" && !filepath.IsAbs(cfg.PluginDir) {
		cfg.PluginDir = filepath.Join(filepath.Dir(path), cfg.PluginDir)
	}
	return cfg, nil
}

// Validate ensures the manager configuration is internally consistent.
func (c ManagerConfig) Validate() error {
	for id, plugin := range c.Plugins {
		if id == "" {
			return errors.New("plugin id cannot be empty")
		}
		if !plugin.Enabled {
			continue
		}
		if plugin.Path == "" {
			return fmt.Errorf("plugin %s path cannot be empty when enabled", id)
		}
		if plugin.TimeoutSeconds < 0 {
			return fmt.Errorf("plugin %s timeoutSeconds cannot be negative", id)
		}
	}
	return nil
}
