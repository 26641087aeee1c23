// Package tenant enforces organization-level isolation on every data access.
package tenant

import (
	"context"
	"fmt"
	"sort"

	"github.com/equiplan/equiplan/internal/shared"
)

// MembershipSource resolves the actor's allowed organizations, read fresh
// per call.
type MembershipSource interface {
	AllowedOrgs(ctx context.Context, actorID int64) ([]int64, error)
}

// Guard wraps resource access with membership checks. Its bulk contract is
// fixed platform-wide: a batch containing any foreign id is rejected whole,
// with every offending id listed. No endpoint silently drops ids.
type Guard struct {
	membership MembershipSource
}

// NewGuard constructs a Guard.
func NewGuard(membership MembershipSource) *Guard {
	return &Guard{membership: membership}
}

// AssertAccessible denies unless the owning organization is in the actor's
// allowed set.
func (g *Guard) AssertAccessible(ctx context.Context, actorID, orgID int64) error {
	allowed, err := g.allowedSet(ctx, actorID)
	if err != nil {
		return err
	}
	if !allowed[orgID] {
		return &shared.AccessDeniedError{Reason: fmt.Sprintf("organization %d is outside the actor's allowed set", orgID)}
	}
	return nil
}

// NarrowFilter intersects a caller-supplied organization filter with the
// actor's allowed set. Client input is never authoritative: a requested org
// outside the set is silently narrowed away, and an empty request means
// "everything the actor may see".
func (g *Guard) NarrowFilter(ctx context.Context, actorID int64, requested []int64) ([]int64, error) {
	allowed, err := g.allowedSet(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if len(requested) == 0 {
		out := make([]int64, 0, len(allowed))
		for id := range allowed {
			out = append(out, id)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out, nil
	}
	out := make([]int64, 0, len(requested))
	for _, id := range requested {
		if allowed[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

// VerifyBulk partitions a batch by ownership and rejects the whole batch
// when any resource belongs to a foreign organization. resourceOrgs maps
// resource id to its owning organization.
func (g *Guard) VerifyBulk(ctx context.Context, actorID int64, resourceOrgs map[int64]int64) error {
	allowed, err := g.allowedSet(ctx, actorID)
	if err != nil {
		return err
	}
	var foreign []int64
	for resourceID, orgID := range resourceOrgs {
		if !allowed[orgID] {
			foreign = append(foreign, resourceID)
		}
	}
	if len(foreign) > 0 {
		sort.Slice(foreign, func(i, j int) bool { return foreign[i] < foreign[j] })
		return &shared.AccessDeniedError{
			Reason:    "batch references foreign organizations",
			DeniedIDs: foreign,
		}
	}
	return nil
}

func (g *Guard) allowedSet(ctx context.Context, actorID int64) (map[int64]bool, error) {
	ids, err := g.membership.AllowedOrgs(ctx, actorID)
	if err != nil {
		return nil, err
	}
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}
