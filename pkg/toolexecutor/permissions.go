package toolexecutor

import (
	"fmt"
	"sort"
	"strings"
)

// Permission is a capability a tool requires and a role may grant.
type Permission string

const (
	PermReadFile       Permission = "read_file"
	PermWriteFile      Permission = "write_file"
	PermCreateFile     Permission = "create_file"
	PermDeleteFile     Permission = "delete_file"
	PermExecuteCommand Permission = "execute_command"
)

// AllPermissions returns every known permission
func AllPermissions() []Permission {
	return []Permission{
		PermReadFile,
		PermWriteFile,
		PermCreateFile,
		PermDeleteFile,
		PermExecuteCommand,
	}
}

// ParsePermission converts a configuration string into a Permission
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToLower(strings.TrimSpace(s)))
	for _, valid := range AllPermissions() {
		if p == valid {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown permission: %q", s)
}

// PermissionSet is an unordered set of permissions.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports whether p is in the set
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Covers reports whether every permission in required is also in s.
func (s PermissionSet) Covers(required PermissionSet) bool {
	for p := range required {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// Missing returns the permissions of required that s lacks, sorted.
func (s PermissionSet) Missing(required PermissionSet) []Permission {
	var missing []Permission
	for p := range required {
		if !s.Has(p) {
			missing = append(missing, p)
		}
	}
	sortPermissions(missing)
	return missing
}

// Slice returns the set's permissions sorted by name
func (s PermissionSet) Slice() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sortPermissions(out)
	return out
}

func sortPermissions(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
}

// Role selects the permission set granted to an agent.
type Role string

const (
	// RolePlanner may only read.
	RolePlanner Role = "planner"
	// RoleActor holds every permission.
	RoleActor Role = "actor"
)

// ParseRole converts a configuration string into a Role
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RolePlanner:
		return RolePlanner, nil
	case RoleActor:
		return RoleActor, nil
	default:
		return "", fmt.Errorf("unknown agent role: %q", s)
	}
}

// Permissions returns the permissions granted to the role
func (r Role) Permissions() PermissionSet {
	switch r {
	case RoleActor:
		return NewPermissionSet(AllPermissions()...)
	case RolePlanner:
		return NewPermissionSet(PermReadFile)
	default:
		return NewPermissionSet()
	}
}

// NeedsApproval reports whether running def under the granted permissions
// requires a human decision first.
func NeedsApproval(def *ToolDefinition, granted PermissionSet) bool {
	if def == nil {
		return true
	}
	return def.RequiresApproval || !granted.Covers(def.RequiredPermissions())
}
