package actors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/equiplan/equiplan/internal/audit"
	platformdb "github.com/equiplan/equiplan/internal/platform/db"
	"github.com/equiplan/equiplan/internal/shared"
)

// Store is the persistence surface the service needs.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	Get(ctx context.Context, id int64) (Actor, error)
	FindByEmail(ctx context.Context, email string) (Actor, error)
	ListByOrgs(ctx context.Context, orgIDs []int64, limit, offset int) ([]Actor, error)
	Create(ctx context.Context, tx pgx.Tx, a Actor) (Actor, error)
	UpdateStatus(ctx context.Context, q platformdb.Querier, id int64, from, to Status) error
}

// MembershipSource resolves the organizations an actor may act within,
// always read fresh from the grant store.
type MembershipSource interface {
	AllowedOrgs(ctx context.Context, actorID int64) ([]int64, error)
}

// AuditRecorder appends ledger entries inside the caller's transaction.
type AuditRecorder interface {
	Record(ctx context.Context, q platformdb.Querier, e audit.Entry) (int64, error)
}

// Service wraps actor management and authentication rules.
type Service struct {
	store      Store
	membership MembershipSource
	ledger     AuditRecorder
}

// NewService constructs a Service.
func NewService(store Store, membership MembershipSource, ledger AuditRecorder) *Service {
	return &Service{store: store, membership: membership, ledger: ledger}
}

// Authenticate validates email/password credentials. Locked and suspended
// actors fail identically to a wrong password.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Actor, error) {
	a, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return Actor{}, shared.ErrInvalidCredentials
	}
	if a.Status != StatusActive {
		return Actor{}, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)); err != nil {
		return Actor{}, shared.ErrInvalidCredentials
	}
	return a, nil
}

// Get fetches an actor by id.
func (s *Service) Get(ctx context.Context, id int64) (Actor, error) {
	return s.store.Get(ctx, id)
}

// AllowedOrgs returns the actor's current organization memberships.
func (s *Service) AllowedOrgs(ctx context.Context, actorID int64) ([]int64, error) {
	return s.membership.AllowedOrgs(ctx, actorID)
}

// ListVisible returns the page of actors the caller may see: those holding
// a grant in at least one of the caller's organizations. A caller with no
// memberships sees only themselves.
func (s *Service) ListVisible(ctx context.Context, callerID int64, limit, offset int) ([]Actor, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	orgs, err := s.membership.AllowedOrgs(ctx, callerID)
	if err != nil {
		return nil, err
	}
	if len(orgs) == 0 {
		if offset > 0 {
			return nil, nil
		}
		self, err := s.store.Get(ctx, callerID)
		if err != nil {
			return nil, err
		}
		return []Actor{self}, nil
	}
	return s.store.ListByOrgs(ctx, orgs, limit, offset)
}

// VisibleTo reports whether the caller may see the target actor. Actors see
// themselves and anyone sharing an organization with them.
func (s *Service) VisibleTo(ctx context.Context, callerID, targetID int64) (bool, error) {
	if callerID == targetID {
		return true, nil
	}
	callerOrgs, err := s.membership.AllowedOrgs(ctx, callerID)
	if err != nil {
		return false, err
	}
	targetOrgs, err := s.membership.AllowedOrgs(ctx, targetID)
	if err != nil {
		return false, err
	}
	set := make(map[int64]bool, len(callerOrgs))
	for _, id := range callerOrgs {
		set[id] = true
	}
	for _, id := range targetOrgs {
		if set[id] {
			return true, nil
		}
	}
	return false, nil
}

// Create registers a new actor and audits the creation.
func (s *Service) Create(ctx context.Context, in CreateInput) (Actor, error) {
	if err := in.Validate(); err != nil {
		return Actor{}, shared.NewValidationError(err.Error())
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return Actor{}, err
	}
	var created Actor
	err = s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		created, err = s.store.Create(ctx, tx, Actor{
			Email:        in.Email,
			DisplayName:  in.DisplayName,
			PasswordHash: string(hash),
			Status:       StatusActive,
			DefaultOrgID: in.DefaultOrgID,
		})
		if err != nil {
			return err
		}
		_, err = s.ledger.Record(ctx, tx, audit.Entry{
			ActorID:      in.ActorID,
			Action:       "actor.create",
			ResourceType: "actor",
			ResourceID:   fmt.Sprintf("%d", created.ID),
			After:        snapshot(created),
			Reason:       in.Reason,
		})
		return err
	})
	if err != nil {
		return Actor{}, err
	}
	return created, nil
}

// SetStatus transitions an actor's lifecycle status with compare-and-set and
// audits the change.
func (s *Service) SetStatus(ctx context.Context, byActor, actorID int64, from, to Status, reason string) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		prior, err := s.store.Get(ctx, actorID)
		if err != nil {
			return err
		}
		if err := s.store.UpdateStatus(ctx, tx, actorID, from, to); err != nil {
			return err
		}
		after := prior
		after.Status = to
		_, err = s.ledger.Record(ctx, tx, audit.Entry{
			ActorID:      byActor,
			Action:       "actor.status",
			ResourceType: "actor",
			ResourceID:   fmt.Sprintf("%d", actorID),
			Before:       snapshot(prior),
			After:        snapshot(after),
			Reason:       reason,
		})
		return err
	})
}

// SwitchContext changes the actor's active organization after re-running the
// membership check. Being authenticated does not make a switch privileged.
func (s *Service) SwitchContext(ctx context.Context, sess *shared.Session, actorID, orgID int64) error {
	allowed, err := s.membership.AllowedOrgs(ctx, actorID)
	if err != nil {
		return err
	}
	for _, id := range allowed {
		if id == orgID {
			sess.SetActiveOrg(orgID)
			return nil
		}
	}
	return &shared.AccessDeniedError{Reason: fmt.Sprintf("organization %d is not in the actor's allowed set", orgID)}
}

type actorSnapshot struct {
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	Status       Status `json:"status"`
	DefaultOrgID *int64 `json:"default_org_id,omitempty"`
}

func snapshot(a Actor) []byte {
	data, _ := json.Marshal(actorSnapshot{
		Email:        a.Email,
		DisplayName:  a.DisplayName,
		Status:       a.Status,
		DefaultOrgID: a.DefaultOrgID,
	})
	return data
}
