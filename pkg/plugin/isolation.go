package plugin

import (
	"fmt"
	"slices"
)

// IsolationStrategy checks a plugin's declared permissions against its policy and
// may set up or tear down sandboxing around Start and Stop.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// PermissionStrategy only enforces the permission lists; it does no sandboxing.
type PermissionStrategy struct{}

// Validate rejects denied permissions first, then anything outside a non-empty allow list.
func (PermissionStrategy) Validate(info Info, policy IsolationPolicy) error {
	for _, perm := range info.Permissions {
		if slices.Contains(policy.DeniedPermissions, perm) {
			return fmt.Errorf("plugin %s: permission %q is denied", info.ID, perm)
		}
		if len(policy.AllowedPermissions) > 0 && !slices.Contains(policy.AllowedPermissions, perm) {
			return fmt.Errorf("plugin %s: permission %q is not in the allow list", info.ID, perm)
		}
	}
	return nil
}

// Prepare implements IsolationStrategy.
func (PermissionStrategy) Prepare(Info) error { return nil }

// Cleanup implements IsolationStrategy.
func (PermissionStrategy) Cleanup(Info) error { return nil }

func defaultStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return PermissionStrategy{}
	}
	return strategy
}

// MergePolicies overlays a plugin's own policy on the manifest defaults.
func MergePolicies(defaults IsolationPolicy, own *IsolationPolicy) IsolationPolicy {
	if own == nil {
		return defaults
	}
	return own.Merge(defaults)
}

// EnsurePolicy refuses plugins that ask for permissions when no policy governs them.
func EnsurePolicy(info Info, policy IsolationPolicy) error {
	if len(info.Permissions) == 0 || len(policy.AllowedPermissions) > 0 || len(policy.DeniedPermissions) > 0 {
		return nil
	}
	return fmt.Errorf("plugin %s declares permissions %v but no isolation policy is configured", info.ID, info.Permissions)
}
