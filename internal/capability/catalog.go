// Package capability holds the static registry of capabilities and roles.
// It is pure data; nothing here performs I/O.
package capability

import (
	"sort"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/equiplan/equiplan/internal/shared"
)

// Capability names known to the platform.
const (
	ViewRecords    = "view-records"
	EditRecords    = "edit-records"
	Sync           = "sync"
	ManageUsers    = "manage-users"
	ManageRoles    = "manage-roles"
	ManageSettings = "manage-settings"
	ViewFinancials = "view-financials"
	ViewAudit      = "view-audit"
	RevertAudit    = "revert-audit"
)

// Role names mapping to default capability sets.
const (
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
	RoleEditor  = "editor"
	RoleViewer  = "viewer"
	RoleFinance = "finance"
)

var allCapabilities = []string{
	ViewRecords,
	EditRecords,
	Sync,
	ManageUsers,
	ManageRoles,
	ManageSettings,
	ViewFinancials,
	ViewAudit,
	RevertAudit,
}

var roleDefaults = map[string][]string{
	RoleOwner:   allCapabilities,
	RoleAdmin:   {ViewRecords, EditRecords, Sync, ManageUsers, ManageRoles, ManageSettings, ViewAudit, RevertAudit},
	RoleEditor:  {ViewRecords, EditRecords, Sync},
	RoleViewer:  {ViewRecords},
	RoleFinance: {ViewRecords, ViewFinancials, ViewAudit},
}

var titleCaser = cases.Title(language.English)

// Known reports whether name is a registered capability.
func Known(name string) bool {
	for _, c := range allCapabilities {
		if c == name {
			return true
		}
	}
	return false
}

// KnownRole reports whether name is a registered role.
func KnownRole(name string) bool {
	_, ok := roleDefaults[name]
	return ok
}

// Capabilities returns every registered capability name, sorted.
func Capabilities() []string {
	out := make([]string, len(allCapabilities))
	copy(out, allCapabilities)
	sort.Strings(out)
	return out
}

// Roles returns every registered role name, sorted.
func Roles() []string {
	out := make([]string, 0, len(roleDefaults))
	for name := range roleDefaults {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Defaults returns the default capability set for a role as a name->true map.
// An unknown role yields an empty set, never an error: absence of a role must
// always collapse to zero capabilities.
func Defaults(role string) map[string]bool {
	caps, ok := roleDefaults[role]
	if !ok {
		return map[string]bool{}
	}
	set := make(map[string]bool, len(caps))
	for _, c := range caps {
		set[c] = true
	}
	return set
}

// ValidateOverrides rejects override maps containing unrecognized capability
// keys. Unknown keys are a write-time validation failure, never silently
// dropped later.
func ValidateOverrides(overrides map[string]bool) error {
	var unknown []string
	for key := range overrides {
		if !Known(key) {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &shared.ValidationError{Msg: "unrecognized capability overrides", UnknownKeys: unknown}
	}
	return nil
}

// Label renders a capability or role name for human display, e.g.
// "view-financials" becomes "View Financials".
func Label(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '-' {
			out[i] = ' '
		} else {
			out[i] = name[i]
		}
	}
	return titleCaser.String(string(out))
}
