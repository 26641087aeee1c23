// Package authz resolves whether an actor may perform an action against an
// organization. Resolution is a pure rule evaluation over state read fresh
// from the durable stores; there is deliberately no permission cache here.
package authz

// Check is one named step of the resolution chain with its outcome.
type Check struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason"`
}

// Decision is the transient verdict for one (actor, organization, action)
// triple. Checks list every executed step in order, so the first failing
// entry always names the true blocker.
type Decision struct {
	Allow  bool    `json:"allow"`
	Checks []Check `json:"checks"`
}

// FirstFailure returns the earliest failing check, if any.
func (d Decision) FirstFailure() (Check, bool) {
	for _, c := range d.Checks {
		if !c.Pass {
			return c, true
		}
	}
	return Check{}, false
}

// Check names, stable across releases: downstream consumers render them as
// "why was I denied" explanations.
const (
	CheckActorStatus  = "actor active"
	CheckOrgStatus    = "organization active"
	CheckGrantExists  = "grant exists"
	CheckGrantExpired = "grant expired"
	CheckResourceLock = "resource lock"
)

// CapabilityCheckName renders the capability step name for an action.
func CapabilityCheckName(action string) string {
	return "capability: " + action
}
