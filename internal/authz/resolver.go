package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/equiplan/equiplan/internal/actors"
	"github.com/equiplan/equiplan/internal/capability"
	"github.com/equiplan/equiplan/internal/grants"
	"github.com/equiplan/equiplan/internal/org"
)

// ActorSource reads actors fresh from the durable store.
type ActorSource interface {
	Get(ctx context.Context, id int64) (actors.Actor, error)
}

// OrgSource reads organizations fresh from the durable store.
type OrgSource interface {
	Get(ctx context.Context, id int64) (org.Organization, error)
}

// GrantSource reads grants fresh from the durable store.
type GrantSource interface {
	Get(ctx context.Context, actorID, orgID int64) (grants.Grant, error)
}

// LockChecker is the resource-level extension point: some actions also
// require that a specific resource is not frozen. Absent a checker the step
// trivially passes.
type LockChecker interface {
	Locked(ctx context.Context, orgID int64, action string) (locked bool, reason string, err error)
}

// Observer is notified of every verdict, for metrics.
type Observer interface {
	ObserveDecision(action string, allow bool, failedCheck string)
}

// Resolver evaluates the permission chain. It is stateless; correctness
// depends only on the sources providing consistent reads.
type Resolver struct {
	actors   ActorSource
	orgs     OrgSource
	grants   GrantSource
	locks    LockChecker
	observer Observer
	now      func() time.Time
}

// NewResolver constructs a Resolver. locks and observer may be nil.
func NewResolver(actorSrc ActorSource, orgSrc OrgSource, grantSrc GrantSource, locks LockChecker, observer Observer) *Resolver {
	return &Resolver{
		actors:   actorSrc,
		orgs:     orgSrc,
		grants:   grantSrc,
		locks:    locks,
		observer: observer,
		now:      time.Now,
	}
}

// Resolve runs the check chain in strict order, short-circuiting on the
// first failure. A non-nil error means a durable store could not be read;
// the decision is still deny (fail closed), never allow.
func (r *Resolver) Resolve(ctx context.Context, actorID, orgID int64, action string) (Decision, error) {
	d, err := r.resolve(ctx, actorID, orgID, action)
	if r.observer != nil {
		failed := ""
		if c, ok := d.FirstFailure(); ok {
			failed = c.Name
		}
		r.observer.ObserveDecision(action, d.Allow, failed)
	}
	return d, err
}

func (r *Resolver) resolve(ctx context.Context, actorID, orgID int64, action string) (Decision, error) {
	var d Decision

	fail := func(name, reason string) Decision {
		d.Checks = append(d.Checks, Check{Name: name, Pass: false, Reason: reason})
		d.Allow = false
		return d
	}
	pass := func(name, reason string) {
		d.Checks = append(d.Checks, Check{Name: name, Pass: true, Reason: reason})
	}

	// 1. Actor lifecycle.
	actor, err := r.actors.Get(ctx, actorID)
	if err != nil {
		if errors.Is(err, actors.ErrNotFound) {
			return fail(CheckActorStatus, "actor does not exist"), nil
		}
		return fail(CheckActorStatus, "actor store unreachable"), err
	}
	if actor.Status != actors.StatusActive {
		return fail(CheckActorStatus, fmt.Sprintf("actor is %s", actor.Status)), nil
	}
	pass(CheckActorStatus, "actor is active")

	// The grant is needed both for the suspended-org exception and the
	// capability step; fetch it once. Absence is recorded at its own step.
	grant, grantErr := r.grants.Get(ctx, actorID, orgID)
	if grantErr != nil && !errors.Is(grantErr, grants.ErrNotFound) {
		return fail(CheckGrantExists, "grant store unreachable"), grantErr
	}
	now := r.now()

	// 2. Organization status. A suspended organization blocks every action
	// except read-only audit inspection by administrators.
	o, err := r.orgs.Get(ctx, orgID)
	if err != nil {
		if errors.Is(err, org.ErrNotFound) {
			return fail(CheckOrgStatus, "organization does not exist"), nil
		}
		return fail(CheckOrgStatus, "organization store unreachable"), err
	}
	if o.Status != org.StatusActive {
		if action == capability.ViewAudit && grantErr == nil && isAdministrator(grant) && !grant.Expired(now) {
			pass(CheckOrgStatus, "organization suspended: admin audit inspection allowed")
		} else {
			return fail(CheckOrgStatus, fmt.Sprintf("organization is %s", o.Status)), nil
		}
	} else {
		pass(CheckOrgStatus, "organization is active")
	}

	// 3. Grant existence. Absence is a hard deny, not an error.
	if grantErr != nil {
		return fail(CheckGrantExists, "no grant links actor to organization"), nil
	}
	pass(CheckGrantExists, fmt.Sprintf("grant with role %s", grant.Role))

	// 4. Expiry. The grant row stays for audit history; its effect is gone.
	if grant.Expired(now) {
		return fail(CheckGrantExpired, fmt.Sprintf("grant expired at %s", grant.ExpiresAt.UTC().Format(time.RFC3339))), nil
	}
	pass(CheckGrantExpired, "grant has not expired")

	// 5. Capability: role defaults merged with overrides, overrides win.
	capName := CapabilityCheckName(action)
	if !grant.Has(now, action) {
		return fail(capName, fmt.Sprintf("effective capabilities do not include %s", action)), nil
	}
	pass(capName, "capability granted")

	// 6. Resource-level lock extension point.
	if r.locks != nil {
		locked, reason, err := r.locks.Locked(ctx, orgID, action)
		if err != nil {
			return fail(CheckResourceLock, "lock store unreachable"), err
		}
		if locked {
			return fail(CheckResourceLock, reason), nil
		}
	}
	pass(CheckResourceLock, "no resource lock applies")

	d.Allow = true
	return d, nil
}

// Allows is a convenience wrapper for callers that only need the verdict.
// Store errors surface as a deny with the error attached.
func (r *Resolver) Allows(ctx context.Context, actorID, orgID int64, action string) (bool, error) {
	d, err := r.Resolve(ctx, actorID, orgID, action)
	if err != nil {
		return false, err
	}
	return d.Allow, nil
}

func isAdministrator(g grants.Grant) bool {
	return g.Role == capability.RoleAdmin || g.Role == capability.RoleOwner
}
