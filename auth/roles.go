package auth

import (
	"fmt"

	"vendorflow/apperr"
)

// ErrRoleRequired is returned when the caller's role may not perform an operation.
var ErrRoleRequired = apperr.Forbidden("role_forbidden", "auth: role not permitted")

// Require fails unless the actor holds one of the roles.
func Require(actor Actor, roles ...Role) error {
	if actor.ID == "" {
		return fmt.Errorf("%w: anonymous caller", ErrRoleRequired)
	}
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRoleRequired, actor.Role)
}
