// Package grants stores the per-(actor, organization) permission records:
// assigned role, capability overrides, and optional expiry.
package grants

import (
	"errors"
	"time"

	"github.com/equiplan/equiplan/internal/capability"
)

// Grant joins an actor to an organization with an effective capability set.
// Expired grants are kept for audit history; their effect collapses to zero
// capabilities.
type Grant struct {
	ActorID   int64
	OrgID     int64
	Role      string
	Overrides map[string]bool
	ExpiresAt *time.Time
	GrantedBy int64
	GrantedAt time.Time
	Reason    string
	Version   int64
}

// Expired reports whether the grant's expiry has passed.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && g.ExpiresAt.Before(now)
}

// Effective merges role defaults with overrides, overrides winning per key.
// An expired grant yields the empty set.
func (g Grant) Effective(now time.Time) map[string]bool {
	if g.Expired(now) {
		return map[string]bool{}
	}
	set := capability.Defaults(g.Role)
	for key, allowed := range g.Overrides {
		if allowed {
			set[key] = true
		} else {
			delete(set, key)
		}
	}
	return set
}

// Has reports whether the capability is in the effective set.
func (g Grant) Has(now time.Time, cap string) bool {
	return g.Effective(now)[cap]
}

// UpsertInput captures a grant write. Nil Role/Overrides/ExpiresAt leave the
// corresponding field unchanged; ClearExpiry removes an existing expiry.
type UpsertInput struct {
	ActorID     int64
	OrgID       int64
	Role        *string
	Overrides   map[string]bool
	HasOverride bool
	ExpiresAt   *time.Time
	ClearExpiry bool
	GrantedBy   int64
	Reason      string
	BatchID     string
}

// Validate checks structural requirements before any store access.
func (in UpsertInput) Validate() error {
	if in.ActorID == 0 {
		return errors.New("grants: actor required")
	}
	if in.OrgID == 0 {
		return errors.New("grants: organization required")
	}
	if in.GrantedBy == 0 {
		return errors.New("grants: granting actor required")
	}
	return nil
}

var (
	// ErrNotFound occurs when no grant links the actor to the organization.
	ErrNotFound = errors.New("grants: not found")
)
