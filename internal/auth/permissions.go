package auth

import "slices"

// Permission represents a specific permission in the system.
type Permission string

const (
	// PermissionViewDevices grants access to the registry, regions and boards.
	PermissionViewDevices Permission = "devices:view"
	// PermissionReadConsole grants access to console output streams.
	PermissionReadConsole Permission = "console:read"
	// PermissionWriteConsole grants console input, line control and serial settings.
	PermissionWriteConsole Permission = "console:write"
	// PermissionManagePower grants power switching.
	PermissionManagePower Permission = "power:manage"
	// PermissionManageGpio grants GPIO writes.
	PermissionManageGpio Permission = "gpio:manage"
	// PermissionManageFlash grants starting and cancelling flash sessions.
	PermissionManageFlash Permission = "flash:manage"
	// PermissionManageBoards grants board mode changes.
	PermissionManageBoards Permission = "boards:manage"
	// PermissionRescan grants hot-plug rescans.
	PermissionRescan Permission = "farm:rescan"
	// PermissionViewStats grants access to statistics.
	PermissionViewStats Permission = "stats:view"
)

const (
	RoleNameOperator = "operator"
	RoleNameViewer   = "viewer"
)

// Role represents a token role with associated permissions.
type Role struct {
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
}

// GetRoleOperator returns the role that may drive hardware.
func GetRoleOperator() Role {
	return Role{
		Name: RoleNameOperator,
		Permissions: []Permission{
			PermissionViewDevices,
			PermissionReadConsole,
			PermissionWriteConsole,
			PermissionManagePower,
			PermissionManageGpio,
			PermissionManageFlash,
			PermissionManageBoards,
			PermissionRescan,
			PermissionViewStats,
		},
	}
}

// GetRoleViewer returns the read-only role.
func GetRoleViewer() Role {
	return Role{
		Name: RoleNameViewer,
		Permissions: []Permission{
			PermissionViewDevices,
			PermissionReadConsole, // watching boot logs is harmless
			PermissionViewStats,
		},
	}
}

// GetRole returns a role by name. Unknown names get the viewer role.
func GetRole(name string) *Role {
	var role Role

	switch name {
	case RoleNameOperator:
		role = GetRoleOperator()
	default:
		role = GetRoleViewer()
	}

	return &role
}

// ValidRole reports whether name is a known role.
func ValidRole(name string) bool {
	return name == RoleNameOperator || name == RoleNameViewer
}

// HasPermission checks if a role has a specific permission.
func (r *Role) HasPermission(permission Permission) bool {
	return slices.Contains(r.Permissions, permission)
}

// HasAnyPermission checks if a role has any of the specified permissions.
func (r *Role) HasAnyPermission(permissions ...Permission) bool {
	return slices.ContainsFunc(permissions, r.HasPermission)
}
