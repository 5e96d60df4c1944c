package plugin

import (
	"context"
	"time"
)

// Type represents the functional category of a plugin.
type Type string

const (
	// TypeCapability plugins contribute invocable capabilities to the registry.
	TypeCapability Type = "capability"
	// TypeHook plugins only observe the host lifecycle and contribute nothing to the registry.
	TypeHook Type = "hook"
)

// Permission expresses optional host resources a plugin may request access to.
type Permission string

const (
	PermissionFilesystem Permission = "filesystem"
	PermissionNetwork    Permission = "network"
	PermissionExecution  Permission = "execution"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Author      string       `json:"author,omitempty"`
	Version     string       `json:"version,omitempty"`
	Category    Type         `json:"category"`
	Permissions []Permission `json:"permissions,omitempty"`
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)

// Param declares a single argument accepted by a plugin capability.
// Type is one of string, number, integer, boolean, object, array or any.
type Param struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Required    bool   `json:"required" yaml:"required"`
	Default     any    `json:"default,omitempty" yaml:"default"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// InvokeFunc executes a capability. Returning an error marks the step failed.
type InvokeFunc func(ctx context.Context, args map[string]any) (any, error)

// CapabilitySpec describes one capability exported by a plugin.
type CapabilitySpec struct {
	Name        string
	Description string
	Params      []Param
	// AllowExtra accepts arguments not listed in Params.
	AllowExtra bool
	// Timeout of zero falls back to the host default.
	Timeout time.Duration
	Invoke  InvokeFunc
}
