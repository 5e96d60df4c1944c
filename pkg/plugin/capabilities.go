package plugin

import (
	"fmt"
	"time"

	"github.com/Lewis121025/MAX-AI/internal/capability"
)

var paramTypes = map[string]capability.ParamType{
	"":        capability.TypeAny,
	"any":     capability.TypeAny,
	"string":  capability.TypeString,
	"number":  capability.TypeNumber,
	"integer": capability.TypeInteger,
	"boolean": capability.TypeBoolean,
	"object":  capability.TypeObject,
	"array":   capability.TypeArray,
}

// RegisterCapabilities adds the capabilities of every initialised plugin to reg.
// It must run before reg is sealed. Plugins are visited in id order and the
// registered names are returned in the same order.
func (m *Manager) RegisterCapabilities(reg *capability.Registry) ([]string, error) {
	var names []string
	for _, id := range m.IDs() {
		inst, err := m.get(id)
		if err != nil {
			return names, err
		}
		inst.mu.Lock()
		state, p, timeout := inst.State, inst.Plugin, inst.Timeout
		inst.mu.Unlock()

		provider, ok := p.(CapabilityProvider)
		if !ok {
			continue
		}
		if state == StateRegistered || state == StateStopped {
			return names, fmt.Errorf("plugin %s must be started before its capabilities are registered", id)
		}
		for _, spec := range provider.Capabilities() {
			if err := registerSpec(reg, spec, timeout); err != nil {
				return names, fmt.Errorf("plugin %s: %w", id, err)
			}
			names = append(names, spec.Name)
			m.logger.Info("plugin capability registered", "plugin", id, "capability", spec.Name)
		}
	}
	return names, nil
}

func registerSpec(reg *capability.Registry, spec CapabilitySpec, override time.Duration) error {
	if spec.Invoke == nil {
		return fmt.Errorf("capability %s has no invoke function", spec.Name)
	}
	schema := capability.Schema{AllowExtra: spec.AllowExtra}
	for _, p := range spec.Params {
		typ, ok := paramTypes[p.Type]
		if !ok {
			return fmt.Errorf("capability %s: unknown type %q for param %s", spec.Name, p.Type, p.Name)
		}
		schema.Params = append(schema.Params, capability.Param{
			Name:        p.Name,
			Type:        typ,
			Required:    p.Required,
			Default:     p.Default,
			Description: p.Description,
		})
	}
	timeout := spec.Timeout
	if override > 0 {
		timeout = override
	}
	return reg.Register(spec.Name, schema, capability.InvokerFunc(spec.Invoke), timeout,
		capability.WithDescription(spec.Description))
}
