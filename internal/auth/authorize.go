package auth

import "fmt"

const (
	RoleAdmin    = "admin"
	RoleManager  = "manager"
	RoleEmployee = "employee"
	RoleAgent    = "agent"
)

var (
	// Reviewers may approve, reject, roll back and manage activities.
	Reviewers = []string{RoleAdmin, RoleManager}
	// Operators may request transactions and trades and record payments.
	Operators = []string{RoleAdmin, RoleManager, RoleEmployee, RoleAgent}
)

// Require fails with ErrForbidden unless user has one of roles.
func Require(user AuthenticatedUser, roles ...string) error {
	for _, r := range roles {
		if user.HasRole(r) {
			return nil
		}
	}
	return fmt.Errorf("%w: requires one of %v", ErrForbidden, roles)
}
