// Package hosts combines explicit hosts, role expansion, and exclusions
// into a single deduplicated, order-preserving host list.
package hosts

import "fmt"

// RoleFunc is a zero-argument role expander: a roledefs entry's value may
// be a static list or a callable returning one. A RoleFunc error is
// treated as a resolution failure of the same class as a bad host string,
// aborting resolution rather than silently dropping the role.
type RoleFunc func() ([]string, error)

// RoleDefs maps a role name to either a static host list or a RoleFunc.
type RoleDefs map[string]any

// ResolutionError reports a role or host resolution failure, including a
// role callable that returned an error.
type ResolutionError struct {
	Role   string
	Reason string
}

func (e *ResolutionError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("failed to resolve role %q: %s", e.Role, e.Reason)
	}
	return e.Reason
}

// Resolve expands roles via roledefs, concatenates with explicitHosts,
// removes anything in exclude, and deduplicates preserving first-seen order.
// An empty explicit/role input, once exclusions are applied, legitimately
// yields an empty slice: callers run the task once with host_string unset.
func Resolve(explicitHosts, roles []string, roledefs RoleDefs, exclude []string) ([]string, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, h := range exclude {
		excluded[h] = true
	}

	var combined []string
	combined = append(combined, explicitHosts...)

	for _, role := range roles {
		expanded, err := expandRole(role, roledefs)
		if err != nil {
			return nil, err
		}
		combined = append(combined, expanded...)
	}

	seen := make(map[string]bool, len(combined))
	result := make([]string, 0, len(combined))
	for _, h := range combined {
		if excluded[h] || seen[h] {
			continue
		}
		seen[h] = true
		result = append(result, h)
	}

	return result, nil
}

func expandRole(role string, defs RoleDefs) ([]string, error) {
	val, ok := defs[role]
	if !ok {
		return nil, &ResolutionError{Role: role, Reason: "no such role in roledefs"}
	}

	switch v := val.(type) {
	case []string:
		return v, nil
	case RoleFunc:
		hosts, err := v()
		if err != nil {
			return nil, &ResolutionError{Role: role, Reason: err.Error()}
		}
		return hosts, nil
	case func() ([]string, error):
		hosts, err := v()
		if err != nil {
			return nil, &ResolutionError{Role: role, Reason: err.Error()}
		}
		return hosts, nil
	default:
		return nil, &ResolutionError{Role: role, Reason: "roledefs value must be []string or a zero-arg callable"}
	}
}

// File loading (LoadRoleDefsYAML, LoadInventoryYAML) lives in roledefs.go
// in this package; Resolve itself only needs the in-memory RoleDefs shape
// above.
