package shared

import "strings"

// Actor is the validated identity forwarded by the gateway.
type Actor struct {
	ID          int64
	BranchCode  string
	Permissions []string
}

// Can reports whether the actor holds the permission.
func (a Actor) Can(perm string) bool {
	perm = strings.ToLower(strings.TrimSpace(perm))
	for _, p := range a.Permissions {
		if strings.ToLower(p) == perm {
			return true
		}
	}
	return false
}

// Require returns ErrForbidden unless the actor holds every permission.
func (a Actor) Require(perms ...string) error {
	if a.ID == 0 {
		return ErrForbidden
	}
	for _, p := range perms {
		if !a.Can(p) {
			return ErrForbidden
		}
	}
	return nil
}
