package org

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/equiplan/equiplan/internal/audit"
	platformdb "github.com/equiplan/equiplan/internal/platform/db"
	"github.com/equiplan/equiplan/internal/shared"
)

// Store is the persistence surface the service needs.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	Get(ctx context.Context, id int64) (Organization, error)
	GetTx(ctx context.Context, tx pgx.Tx, id int64) (Organization, error)
	ListByIDs(ctx context.Context, ids []int64, limit, offset int) ([]Organization, error)
	Create(ctx context.Context, tx pgx.Tx, in CreateInput) (Organization, error)
	UpdateStatus(ctx context.Context, q platformdb.Querier, id int64, from, to Status) error
	Unlink(ctx context.Context, tx pgx.Tx, id int64) error
	Delete(ctx context.Context, tx pgx.Tx, id int64) error
	Members(ctx context.Context, id int64) ([]int64, error)
}

// AuditRecorder appends ledger entries inside the caller's transaction.
type AuditRecorder interface {
	Record(ctx context.Context, q platformdb.Querier, e audit.Entry) (int64, error)
}

// StatusNotifier fans a committed status change out to caches and workers.
type StatusNotifier interface {
	OrgStatusChanged(ctx context.Context, orgID int64, status string) error
}

// Service orchestrates organization lifecycle operations.
type Service struct {
	store    Store
	ledger   AuditRecorder
	notifier StatusNotifier
	logger   *slog.Logger
}

// NewService constructs a Service. notifier may be nil.
func NewService(store Store, ledger AuditRecorder, notifier StatusNotifier, logger *slog.Logger) *Service {
	return &Service{store: store, ledger: ledger, notifier: notifier, logger: logger}
}

// Get fetches an organization.
func (s *Service) Get(ctx context.Context, id int64) (Organization, error) {
	return s.store.Get(ctx, id)
}

// ListByIDs returns a page of the named organizations. An empty id set
// yields an empty page, never the full roster.
func (s *Service) ListByIDs(ctx context.Context, ids []int64, limit, offset int) ([]Organization, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByIDs(ctx, ids, limit, offset)
}

// Members lists actor ids holding a grant in the organization.
func (s *Service) Members(ctx context.Context, id int64) ([]int64, error) {
	return s.store.Members(ctx, id)
}

// Create registers a new tenant and audits the creation.
func (s *Service) Create(ctx context.Context, in CreateInput) (Organization, error) {
	if err := in.Validate(); err != nil {
		return Organization{}, shared.NewValidationError(err.Error())
	}
	var created Organization
	err := s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		created, err = s.store.Create(ctx, tx, in)
		if err != nil {
			return err
		}
		id := created.ID
		_, err = s.ledger.Record(ctx, tx, audit.Entry{
			ActorID:      in.ActorID,
			OrgID:        &id,
			Action:       "org.create",
			ResourceType: ResourceType,
			ResourceID:   fmt.Sprintf("%d", id),
			After:        Snapshot(created),
			Reason:       in.Reason,
		})
		return err
	})
	if err != nil {
		return Organization{}, err
	}
	return created, nil
}

// Suspend flips an active organization to suspended. The status write is a
// compare-and-set so racing suspend/reactivate calls cannot lose updates.
func (s *Service) Suspend(ctx context.Context, byActor, orgID int64, reason string) error {
	return s.transition(ctx, byActor, orgID, StatusActive, StatusSuspended, "org.suspend", reason)
}

// Reactivate flips a suspended organization back to active.
func (s *Service) Reactivate(ctx context.Context, byActor, orgID int64, reason string) error {
	return s.transition(ctx, byActor, orgID, StatusSuspended, StatusActive, "org.reactivate", reason)
}

func (s *Service) transition(ctx context.Context, byActor, orgID int64, from, to Status, action, reason string) error {
	err := s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		prior, err := s.store.GetTx(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if err := s.store.UpdateStatus(ctx, tx, orgID, from, to); err != nil {
			return err
		}
		after := prior
		after.Status = to
		_, err = s.ledger.Record(ctx, tx, audit.Entry{
			ActorID:      byActor,
			OrgID:        &orgID,
			Action:       action,
			ResourceType: ResourceType,
			ResourceID:   fmt.Sprintf("%d", orgID),
			Before:       Snapshot(prior),
			After:        Snapshot(after),
			Reason:       reason,
		})
		return err
	})
	if err != nil {
		return err
	}
	if s.notifier != nil {
		if nerr := s.notifier.OrgStatusChanged(ctx, orgID, string(to)); nerr != nil && s.logger != nil {
			s.logger.Warn("org status fanout", slog.Int64("org", orgID), slog.Any("error", nerr))
		}
	}
	return nil
}

// Unlink transfers an external organization to local ownership, preserving
// every owned child resource.
func (s *Service) Unlink(ctx context.Context, byActor, orgID int64, reason string) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		prior, err := s.store.GetTx(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if !prior.IsExternal {
			return shared.NewValidationError("organization is not externally linked")
		}
		if err := s.store.Unlink(ctx, tx, orgID); err != nil {
			return err
		}
		after := prior
		after.IsExternal = false
		_, err = s.ledger.Record(ctx, tx, audit.Entry{
			ActorID:      byActor,
			OrgID:        &orgID,
			Action:       "org.unlink",
			ResourceType: ResourceType,
			ResourceID:   fmt.Sprintf("%d", orgID),
			Before:       Snapshot(prior),
			After:        Snapshot(after),
			Reason:       reason,
		})
		return err
	})
}

// Delete removes a local organization, cascading to its grants. External
// organizations can never be hard-deleted, only suspended or unlinked first.
func (s *Service) Delete(ctx context.Context, byActor, orgID int64, reason string) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		prior, err := s.store.GetTx(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if prior.IsExternal {
			return shared.NewValidationError("external organizations cannot be deleted; suspend or unlink instead")
		}
		if err := s.store.Delete(ctx, tx, orgID); err != nil {
			return err
		}
		_, err = s.ledger.Record(ctx, tx, audit.Entry{
			ActorID:      byActor,
			OrgID:        &orgID,
			Action:       "org.delete",
			ResourceType: ResourceType,
			ResourceID:   fmt.Sprintf("%d", orgID),
			Before:       Snapshot(prior),
			Reason:       reason,
		})
		return err
	})
}

// ResourceType names organizations in the audit ledger.
const ResourceType = "organization"

type orgSnapshot struct {
	Code       string `json:"code"`
	Name       string `json:"name"`
	Status     Status `json:"status"`
	IsExternal bool   `json:"is_external"`
}

// Snapshot serializes the audit-relevant organization state.
func Snapshot(o Organization) json.RawMessage {
	data, _ := json.Marshal(orgSnapshot{
		Code:       o.Code,
		Name:       o.Name,
		Status:     o.Status,
		IsExternal: o.IsExternal,
	})
	return data
}
