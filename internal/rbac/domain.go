package rbac

import (
	"sort"

	"github.com/odyssey-erp/corebank/internal/shared"
)

// Identity headers forwarded by the gateway after authentication.
const (
	HeaderActorID     = "X-Actor-ID"
	HeaderBranchCode  = "X-Branch-Code"
	HeaderPermissions = "X-Actor-Permissions"
)

// Permission represents an atomic capability.
type Permission struct {
	Name   string `json:"name"`
	Module string `json:"module"`
}

// Catalog lists every permission the service enforces.
func Catalog() []Permission {
	var out []Permission
	add := func(module string, names []string) {
		for _, n := range names {
			out = append(out, Permission{Name: n, Module: module})
		}
	}
	add("day", shared.DayScopes())
	add("finance", shared.FinanceScopes())
	add("custody", shared.CustodyScopes())
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
