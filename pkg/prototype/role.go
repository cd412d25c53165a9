package prototype

import (
	"fmt"
	"strings"
)

// Role is the cluster role of the node hosting an access layer
type Role string

const (
	// RoleDBServer hosts replicated states and their leaders
	RoleDBServer Role = "dbserver"
	// RoleCoordinator routes requests to the current leaders
	RoleCoordinator Role = "coordinator"
	// RoleAgent keeps cluster topology and serves neither strategy
	RoleAgent Role = "agent"
	// RoleSingle is a standalone server and serves neither strategy
	RoleSingle Role = "single"
)

// ParseRole parses a role name, case-insensitively
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleDBServer, RoleCoordinator, RoleAgent, RoleSingle:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// NewMethods selects the access strategy for cfg.Role. Dbservers call their
// local leaders directly, coordinators forward to the resolved leader. Any
// other role fails with ErrUnsupportedRole.
func NewMethods(cfg Config) (Methods, error) {
	switch cfg.Role {
	case RoleDBServer:
		return newLocalMethods(cfg)
	case RoleCoordinator:
		return newRemoteMethods(cfg)
	default:
		return nil, UnsupportedRoleError(cfg.Role)
	}
}
