package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/equiplan/equiplan/internal/platform/db"
	"github.com/equiplan/equiplan/internal/shared"
)

// Applier restores one resource type from a ledger snapshot. Each business
// module that wants revertable mutations registers one.
type Applier interface {
	ResourceType() string
	// Current returns the resource's present state snapshot, or nil when the
	// resource no longer exists.
	Current(ctx context.Context, q db.Querier, resourceID string) (json.RawMessage, error)
	// Restore re-applies a before snapshot as a new mutation. A nil snapshot
	// means the entry created the resource, so restoring deletes it.
	Restore(ctx context.Context, q db.Querier, resourceID string, before json.RawMessage) error
}

// BatchRepository provides batch reads plus the transaction boundary.
type BatchRepository interface {
	Batch(ctx context.Context, q db.Querier, batchID string) ([]Entry, error)
	WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error
}

// MembershipSource resolves the reverting actor's allowed organizations,
// read fresh from the grant store.
type MembershipSource interface {
	AllowedOrgs(ctx context.Context, actorID int64) ([]int64, error)
}

// Reverter walks batches backwards and issues compensating mutations.
type Reverter struct {
	repo       BatchRepository
	ledger     *Ledger
	membership MembershipSource
	appliers   map[string]Applier
}

// NewReverter builds a Reverter with the given appliers.
func NewReverter(repo BatchRepository, ledger *Ledger, membership MembershipSource, appliers ...Applier) *Reverter {
	m := make(map[string]Applier, len(appliers))
	for _, a := range appliers {
		m[a.ResourceType()] = a
	}
	return &Reverter{repo: repo, ledger: ledger, membership: membership, appliers: m}
}

// RevertBatch re-applies each entry's before snapshot, newest first, as new
// attributed mutations under a fresh batch id. A revert is never a silent
// rollback. Entries whose resource was mutated again after the batch (the
// current state no longer matches the entry's after snapshot) are poisoned:
// they are reported and left untouched for manual merging.
func (rv *Reverter) RevertBatch(ctx context.Context, batchID string, byActor int64, reason string) (RevertResult, error) {
	result := RevertResult{BatchID: NewBatchID()}
	err := rv.repo.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		entries, err := rv.repo.Batch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return ErrBatchNotFound
		}
		if err := rv.assertBatchAccessible(ctx, byActor, entries); err != nil {
			return err
		}
		for _, e := range entries {
			applier, ok := rv.appliers[e.ResourceType]
			if !ok {
				return fmt.Errorf("%w: %s", ErrNoApplier, e.ResourceType)
			}
			current, err := applier.Current(ctx, tx, e.ResourceID)
			if err != nil {
				return err
			}
			if !snapshotsEqual(current, e.After) {
				result.Poisoned = append(result.Poisoned, e.ID)
				continue
			}
			if err := applier.Restore(ctx, tx, e.ResourceID, e.Before); err != nil {
				return err
			}
			if _, err := rv.ledger.Record(ctx, tx, Entry{
				ActorID:      byActor,
				OrgID:        e.OrgID,
				Action:       "revert",
				ResourceType: e.ResourceType,
				ResourceID:   e.ResourceID,
				Before:       current,
				After:        e.Before,
				Reason:       reason,
				BatchID:      result.BatchID,
			}); err != nil {
				return err
			}
			result.Reverted = append(result.Reverted, e.ID)
		}
		return nil
	})
	if err != nil {
		return RevertResult{}, err
	}
	return result, nil
}

// assertBatchAccessible rejects the revert when any entry belongs to an
// organization outside the reverting actor's allowed set. Holding
// revert-audit in one organization grants nothing in another, so the whole
// batch is checked before anything is applied.
func (rv *Reverter) assertBatchAccessible(ctx context.Context, byActor int64, entries []Entry) error {
	allowed := make(map[int64]bool)
	if rv.membership != nil {
		ids, err := rv.membership.AllowedOrgs(ctx, byActor)
		if err != nil {
			return err
		}
		for _, id := range ids {
			allowed[id] = true
		}
	}
	var foreign []int64
	for _, e := range entries {
		if e.OrgID != nil && !allowed[*e.OrgID] {
			foreign = append(foreign, e.ID)
		}
	}
	if len(foreign) > 0 {
		sort.Slice(foreign, func(i, j int) bool { return foreign[i] < foreign[j] })
		return &shared.AccessDeniedError{
			Reason:    "batch touches organizations outside the actor's allowed set",
			DeniedIDs: foreign,
		}
	}
	return nil
}

// snapshotsEqual compares snapshots structurally so key ordering and
// whitespace differences do not poison an entry. The version field is a
// concurrency token, not business state: restores bump it past the snapshot
// value, so comparing it would poison every revert of a revert.
func snapshotsEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	if am, ok := av.(map[string]any); ok {
		delete(am, "version")
	}
	if bm, ok := bv.(map[string]any); ok {
		delete(bm, "version")
	}
	return reflect.DeepEqual(av, bv)
}
