// Package roles defines the managed-service keys a plugin may claim and the
// typed contracts behind them. A plugin offers a service from its entrypoint
// via plugin.Context.Manage (or Module.Managed); the runtime type-asserts the
// value against the contract for that key before adopting it.
package roles

import (
	"fmt"

	"github.com/HerbHall/bote/pkg/plugin"
)

// Service keys used with plugin.Context.Manage.
const (
	// ServicePermissions replaces the runtime's permission backend.
	ServicePermissions = "permissions"
)

// Known returns every recognized service key.
func Known() []string {
	return []string{ServicePermissions}
}

// Services is the merged set of managed-service contributions.
type Services map[string]any

// Permissions returns the managed permission evaluator, if one was offered.
// An offered value of the wrong type is an error.
func (s Services) Permissions() (plugin.PermissionEvaluator, bool, error) {
	v, ok := s[ServicePermissions]
	if !ok || v == nil {
		return nil, false, nil
	}
	pe, ok := v.(plugin.PermissionEvaluator)
	if !ok {
		return nil, false, fmt.Errorf("managed service %q: %T does not implement plugin.PermissionEvaluator", ServicePermissions, v)
	}
	return pe, true, nil
}
