package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/equiplan/equiplan/internal/audit"
	"github.com/equiplan/equiplan/internal/capability"
	"github.com/equiplan/equiplan/internal/org"
	platformdb "github.com/equiplan/equiplan/internal/platform/db"
	"github.com/equiplan/equiplan/internal/shared"
)

// Store is the persistence surface the service needs.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	Get(ctx context.Context, actorID, orgID int64) (Grant, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, actorID, orgID int64) (Grant, error)
	Insert(ctx context.Context, tx pgx.Tx, g Grant) (Grant, error)
	Update(ctx context.Context, tx pgx.Tx, g Grant, expectedVersion int64) (Grant, error)
	ListByOrg(ctx context.Context, orgID int64) ([]Grant, error)
	ListByActor(ctx context.Context, actorID int64) ([]Grant, error)
	AllowedOrgs(ctx context.Context, actorID int64) ([]int64, error)
}

// OrgGetter resolves organizations; a grant is meaningless without one.
type OrgGetter interface {
	Get(ctx context.Context, id int64) (org.Organization, error)
}

// AuditRecorder appends ledger entries inside the caller's transaction.
type AuditRecorder interface {
	Record(ctx context.Context, q platformdb.Querier, e audit.Entry) (int64, error)
}

// Service enforces the grant write rules: catalog validation, the
// self-escalation guard, and one audit entry per accepted write.
type Service struct {
	store  Store
	orgs   OrgGetter
	ledger AuditRecorder
	now    func() time.Time
}

// NewService constructs a Service.
func NewService(store Store, orgs OrgGetter, ledger AuditRecorder) *Service {
	return &Service{store: store, orgs: orgs, ledger: ledger, now: time.Now}
}

// Get returns the grant for (actor, organization).
func (s *Service) Get(ctx context.Context, actorID, orgID int64) (Grant, error) {
	return s.store.Get(ctx, actorID, orgID)
}

// ListByOrg returns all grants of an organization.
func (s *Service) ListByOrg(ctx context.Context, orgID int64) ([]Grant, error) {
	return s.store.ListByOrg(ctx, orgID)
}

// ListByActor returns all grants an actor holds.
func (s *Service) ListByActor(ctx context.Context, actorID int64) ([]Grant, error) {
	return s.store.ListByActor(ctx, actorID)
}

// Upsert applies a grant write. The grant mutation and its audit entry
// commit atomically; a failed audit append rolls the write back.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (Grant, error) {
	if err := in.Validate(); err != nil {
		return Grant{}, shared.NewValidationError(err.Error())
	}
	if in.Role != nil && !capability.KnownRole(*in.Role) {
		return Grant{}, shared.NewValidationError(fmt.Sprintf("unknown role %q", *in.Role))
	}
	if in.HasOverride {
		if err := capability.ValidateOverrides(in.Overrides); err != nil {
			return Grant{}, err
		}
	}

	target, err := s.orgs.Get(ctx, in.OrgID)
	if err != nil {
		if errors.Is(err, org.ErrNotFound) {
			return Grant{}, shared.NewValidationError("organization does not exist")
		}
		return Grant{}, err
	}

	now := s.now()
	var result Grant
	err = s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		prior, err := s.store.GetForUpdate(ctx, tx, in.ActorID, in.OrgID)
		exists := true
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			exists = false
		}

		next := applyInput(prior, exists, in)
		if err := s.authorizeWrite(ctx, tx, in, prior, exists, next, now); err != nil {
			return err
		}

		if exists {
			result, err = s.store.Update(ctx, tx, next, prior.Version)
		} else {
			result, err = s.store.Insert(ctx, tx, next)
		}
		if err != nil {
			return err
		}

		var before json.RawMessage
		if exists {
			before = Snapshot(prior)
		}
		orgID := target.ID
		_, err = s.ledger.Record(ctx, tx, audit.Entry{
			ActorID:      in.GrantedBy,
			OrgID:        &orgID,
			Action:       "grant.upsert",
			ResourceType: ResourceType,
			ResourceID:   ResourceID(in.ActorID, in.OrgID),
			Before:       before,
			After:        Snapshot(result),
			Reason:       in.Reason,
			BatchID:      in.BatchID,
		})
		return err
	})
	if err != nil {
		return Grant{}, err
	}
	return result, nil
}

// authorizeWrite enforces the escalation rules. Self-writes may never expand
// the actor's effective capability set unless the actor already holds
// manage-roles; writes by another actor require the granter to hold
// manage-roles in the same organization.
func (s *Service) authorizeWrite(ctx context.Context, tx pgx.Tx, in UpsertInput, prior Grant, exists bool, next Grant, now time.Time) error {
	if in.GrantedBy == in.ActorID {
		if exists && prior.Has(now, capability.ManageRoles) {
			return nil
		}
		priorSet := map[string]bool{}
		if exists {
			priorSet = prior.Effective(now)
		}
		for cap, allowed := range next.Effective(now) {
			if allowed && !priorSet[cap] {
				return &shared.AccessDeniedError{Reason: fmt.Sprintf("self-grant may not add capability %s", cap)}
			}
		}
		return nil
	}

	granter, err := s.store.GetForUpdate(ctx, tx, in.GrantedBy, in.OrgID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &shared.AccessDeniedError{Reason: "granting actor holds no grant in this organization"}
		}
		return err
	}
	if !granter.Has(now, capability.ManageRoles) {
		return &shared.AccessDeniedError{Reason: "granting actor lacks manage-roles"}
	}
	return nil
}

func applyInput(prior Grant, exists bool, in UpsertInput) Grant {
	next := Grant{
		ActorID:   in.ActorID,
		OrgID:     in.OrgID,
		Role:      capability.RoleViewer,
		GrantedBy: in.GrantedBy,
		Reason:    in.Reason,
	}
	if exists {
		next.Role = prior.Role
		next.Overrides = prior.Overrides
		next.ExpiresAt = prior.ExpiresAt
		next.GrantedAt = prior.GrantedAt
		next.Version = prior.Version
	}
	if in.Role != nil {
		next.Role = *in.Role
	}
	if in.HasOverride {
		next.Overrides = in.Overrides
	}
	if in.ClearExpiry {
		next.ExpiresAt = nil
	} else if in.ExpiresAt != nil {
		next.ExpiresAt = in.ExpiresAt
	}
	return next
}

// ResourceType names grants in the audit ledger.
const ResourceType = "grant"

// ResourceID renders the composite grant key for ledger entries.
func ResourceID(actorID, orgID int64) string {
	return fmt.Sprintf("%d:%d", actorID, orgID)
}

type grantSnapshot struct {
	Role      string          `json:"role"`
	Overrides map[string]bool `json:"overrides,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	GrantedBy int64           `json:"granted_by"`
	Reason    string          `json:"reason,omitempty"`
}

// Snapshot serializes the audit-relevant grant state.
func Snapshot(g Grant) json.RawMessage {
	data, _ := json.Marshal(grantSnapshot{
		Role:      g.Role,
		Overrides: g.Overrides,
		ExpiresAt: g.ExpiresAt,
		GrantedBy: g.GrantedBy,
		Reason:    g.Reason,
	})
	return data
}
