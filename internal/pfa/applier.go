package pfa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/equiplan/equiplan/internal/platform/db"
)

// RevertApplier restores equipment records from ledger snapshots.
type RevertApplier struct {
	repo *Repository
}

// NewRevertApplier constructs a RevertApplier.
func NewRevertApplier(repo *Repository) *RevertApplier {
	return &RevertApplier{repo: repo}
}

// ResourceType identifies the snapshots this applier understands.
func (a *RevertApplier) ResourceType() string {
	return ResourceType
}

// Current returns the record's present snapshot, or nil when deleted.
func (a *RevertApplier) Current(ctx context.Context, q db.Querier, resourceID string) (json.RawMessage, error) {
	id, err := parseResourceID(resourceID)
	if err != nil {
		return nil, err
	}
	rec, err := a.repo.getFrom(ctx, q, id, false)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return Snapshot(rec), nil
}

// Restore re-applies a before snapshot. A nil snapshot means the audited
// entry created the record, so restoring deletes it.
func (a *RevertApplier) Restore(ctx context.Context, q db.Querier, resourceID string, before json.RawMessage) error {
	id, err := parseResourceID(resourceID)
	if err != nil {
		return err
	}
	if len(before) == 0 {
		err := a.repo.Delete(ctx, q, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	var snap recordSnapshot
	if err := json.Unmarshal(before, &snap); err != nil {
		return fmt.Errorf("pfa: malformed snapshot for record %d: %w", id, err)
	}
	return a.repo.Restore(ctx, q, Record{
		ID:       id,
		OrgID:    snap.OrgID,
		Category: snap.Category,
		Kind:     snap.Kind,
		Amount:   snap.Amount,
		Period:   snap.Period,
		Version:  snap.Version,
	})
}

func parseResourceID(resourceID string) (int64, error) {
	id, err := strconv.ParseInt(resourceID, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("pfa: malformed resource id %q", resourceID)
	}
	return id, nil
}
