package rbac

// Role constants
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Permission constants
const (
	PermRead           = "read"
	PermMonitorSwap    = "monitor_swap"
	PermTriggerSwap    = "trigger_swap"
	PermTransitionSwap = "transition_swap"
	PermSweep          = "sweep"
	PermReleaseEscrow  = "release_escrow"
	PermCancelEscrow   = "cancel_escrow"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleViewer: {
		PermRead,
	},
	RoleOperator: {
		PermRead, PermMonitorSwap, PermTriggerSwap, PermTransitionSwap, PermSweep,
		// Operator CANNOT: PermReleaseEscrow, PermCancelEscrow
	},
	RoleAdmin: {
		PermRead, PermMonitorSwap, PermTriggerSwap, PermTransitionSwap, PermSweep,
		PermReleaseEscrow, PermCancelEscrow,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsFinancialOperation checks if permission moves escrowed funds (admin-only).
func IsFinancialOperation(permission string) bool {
	return permission == PermReleaseEscrow || permission == PermCancelEscrow
}
