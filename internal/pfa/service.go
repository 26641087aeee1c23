package pfa

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/equiplan/equiplan/internal/audit"
	"github.com/equiplan/equiplan/internal/masking"
	platformdb "github.com/equiplan/equiplan/internal/platform/db"
	"github.com/equiplan/equiplan/internal/shared"
)

// ResourceType names equipment records in the audit ledger.
const ResourceType = "pfa_record"

// Store is the persistence surface the service needs.
type Store interface {
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
	Get(ctx context.Context, id int64) (Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Record, error)
	List(ctx context.Context, f ListFilters, limit, offset int) ([]Record, error)
	Create(ctx context.Context, q platformdb.Querier, rec Record) (Record, error)
	UpdateAmount(ctx context.Context, q platformdb.Querier, id int64, amount float64, version int64) (Record, error)
	Delete(ctx context.Context, q platformdb.Querier, id int64) error
	OwnerOrgs(ctx context.Context, q platformdb.Querier, ids []int64) (map[int64]int64, error)
	Peers(ctx context.Context, orgID int64) ([]masking.Peer, error)
}

// IsolationGuard is the tenant boundary every operation crosses.
type IsolationGuard interface {
	AssertAccessible(ctx context.Context, actorID, orgID int64) error
	NarrowFilter(ctx context.Context, actorID int64, requested []int64) ([]int64, error)
	VerifyBulk(ctx context.Context, actorID int64, resourceOrgs map[int64]int64) error
}

// AuditRecorder appends ledger entries inside the caller's transaction.
type AuditRecorder interface {
	Record(ctx context.Context, q platformdb.Querier, e audit.Entry) (int64, error)
}

// Service applies isolation and auditing around record mutations.
type Service struct {
	store  Store
	guard  IsolationGuard
	ledger AuditRecorder
}

// NewService constructs a Service.
func NewService(store Store, guard IsolationGuard, ledger AuditRecorder) *Service {
	return &Service{store: store, guard: guard, ledger: ledger}
}

// Get loads a record after the isolation check.
func (s *Service) Get(ctx context.Context, actorID, id int64) (Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if err := s.guard.AssertAccessible(ctx, actorID, rec.OrgID); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns records visible to the actor. The requested organization
// filter is narrowed against the allowed set, never trusted.
func (s *Service) List(ctx context.Context, actorID int64, f ListFilters, limit, offset int) ([]Record, error) {
	narrowed, err := s.guard.NarrowFilter(ctx, actorID, f.OrgIDs)
	if err != nil {
		return nil, err
	}
	f.OrgIDs = narrowed
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return s.store.List(ctx, f, limit, offset)
}

// Peers exposes the category peer group of an organization for masking.
func (s *Service) Peers(ctx context.Context, orgID int64) ([]masking.Peer, error) {
	return s.store.Peers(ctx, orgID)
}

// Create inserts a record; the mutation and its ledger entry commit together.
func (s *Service) Create(ctx context.Context, in CreateInput) (Record, error) {
	if err := in.Validate(); err != nil {
		return Record{}, shared.NewValidationError(err.Error())
	}
	if err := s.guard.AssertAccessible(ctx, in.ActorID, in.OrgID); err != nil {
		return Record{}, err
	}
	var created Record
	err := s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		created, err = s.store.Create(ctx, tx, Record{
			OrgID:    in.OrgID,
			Category: in.Category,
			Kind:     in.Kind,
			Amount:   in.Amount,
			Period:   in.Period,
		})
		if err != nil {
			return err
		}
		_, err = s.ledger.Record(ctx, tx, audit.Entry{
			ActorID:      in.ActorID,
			OrgID:        &created.OrgID,
			Action:       "pfa.create",
			ResourceType: ResourceType,
			ResourceID:   strconv.FormatInt(created.ID, 10),
			After:        Snapshot(created),
			Reason:       in.Reason,
		})
		return err
	})
	if err != nil {
		return Record{}, err
	}
	return created, nil
}

// Update changes a record's amount under optimistic concurrency.
func (s *Service) Update(ctx context.Context, in UpdateInput) (Record, error) {
	if in.Amount < 0 {
		return Record{}, shared.NewValidationError("amount must not be negative")
	}
	var updated Record
	err := s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		prior, err := s.store.GetForUpdate(ctx, tx, in.ID)
		if err != nil {
			return err
		}
		if err := s.guard.AssertAccessible(ctx, in.ActorID, prior.OrgID); err != nil {
			return err
		}
		updated, err = s.store.UpdateAmount(ctx, tx, in.ID, in.Amount, in.Version)
		if err != nil {
			return err
		}
		_, err = s.ledger.Record(ctx, tx, audit.Entry{
			ActorID:      in.ActorID,
			OrgID:        &prior.OrgID,
			Action:       "pfa.update",
			ResourceType: ResourceType,
			ResourceID:   strconv.FormatInt(in.ID, 10),
			Before:       Snapshot(prior),
			After:        Snapshot(updated),
			Reason:       in.Reason,
		})
		return err
	})
	if err != nil {
		return Record{}, err
	}
	return updated, nil
}

// Delete removes a record, keeping its final state in the ledger.
func (s *Service) Delete(ctx context.Context, actorID, id int64, reason string) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		prior, err := s.store.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.guard.AssertAccessible(ctx, actorID, prior.OrgID); err != nil {
			return err
		}
		if err := s.store.Delete(ctx, tx, id); err != nil {
			return err
		}
		_, err = s.ledger.Record(ctx, tx, audit.Entry{
			ActorID:      actorID,
			OrgID:        &prior.OrgID,
			Action:       "pfa.delete",
			ResourceType: ResourceType,
			ResourceID:   strconv.FormatInt(id, 10),
			Before:       Snapshot(prior),
			Reason:       reason,
		})
		return err
	})
}

// BulkUpdate applies a batch of amount changes as one atomic operation under
// a shared batch id. A batch touching any foreign organization is rejected
// whole with the offending ids listed; nothing is silently dropped.
func (s *Service) BulkUpdate(ctx context.Context, actorID int64, items []BulkUpdateItem, reason string) (string, []Record, error) {
	if len(items) == 0 {
		return "", nil, shared.NewValidationError("batch is empty")
	}
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		if it.Amount < 0 {
			return "", nil, shared.NewValidationError(fmt.Sprintf("record %d: amount must not be negative", it.ID))
		}
		ids = append(ids, it.ID)
	}

	batchID := audit.NewBatchID()
	var updated []Record
	err := s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		owners, err := s.store.OwnerOrgs(ctx, tx, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := owners[id]; !ok {
				return shared.NewValidationError(fmt.Sprintf("record %d does not exist", id))
			}
		}
		if err := s.guard.VerifyBulk(ctx, actorID, owners); err != nil {
			return err
		}
		for _, it := range items {
			prior, err := s.store.GetForUpdate(ctx, tx, it.ID)
			if err != nil {
				return err
			}
			rec, err := s.store.UpdateAmount(ctx, tx, it.ID, it.Amount, prior.Version)
			if err != nil {
				return err
			}
			if _, err := s.ledger.Record(ctx, tx, audit.Entry{
				ActorID:      actorID,
				OrgID:        &prior.OrgID,
				Action:       "pfa.update",
				ResourceType: ResourceType,
				ResourceID:   strconv.FormatInt(it.ID, 10),
				Before:       Snapshot(prior),
				After:        Snapshot(rec),
				Reason:       reason,
				BatchID:      batchID,
			}); err != nil {
				return err
			}
			updated = append(updated, rec)
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return batchID, updated, nil
}

// BulkDelete removes a batch of records under one batch id, subject to the
// same whole-batch isolation contract as BulkUpdate.
func (s *Service) BulkDelete(ctx context.Context, actorID int64, ids []int64, reason string) (string, error) {
	if len(ids) == 0 {
		return "", shared.NewValidationError("batch is empty")
	}
	batchID := audit.NewBatchID()
	err := s.store.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		owners, err := s.store.OwnerOrgs(ctx, tx, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := owners[id]; !ok {
				return shared.NewValidationError(fmt.Sprintf("record %d does not exist", id))
			}
		}
		if err := s.guard.VerifyBulk(ctx, actorID, owners); err != nil {
			return err
		}
		for _, id := range ids {
			prior, err := s.store.GetForUpdate(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := s.store.Delete(ctx, tx, id); err != nil {
				return err
			}
			if _, err := s.ledger.Record(ctx, tx, audit.Entry{
				ActorID:      actorID,
				OrgID:        &prior.OrgID,
				Action:       "pfa.delete",
				ResourceType: ResourceType,
				ResourceID:   strconv.FormatInt(id, 10),
				Before:       Snapshot(prior),
				Reason:       reason,
				BatchID:      batchID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return batchID, nil
}

type recordSnapshot struct {
	OrgID    int64   `json:"org_id"`
	Category string  `json:"category"`
	Kind     Kind    `json:"kind"`
	Amount   float64 `json:"amount"`
	Period   string  `json:"period"`
	Version  int64   `json:"version"`
}

// Snapshot serializes the auditable state of a record. Field names line up
// with the read-time monetary redaction.
func Snapshot(rec Record) json.RawMessage {
	data, _ := json.Marshal(recordSnapshot{
		OrgID:    rec.OrgID,
		Category: rec.Category,
		Kind:     rec.Kind,
		Amount:   rec.Amount,
		Period:   rec.Period,
		Version:  rec.Version,
	})
	return data
}
