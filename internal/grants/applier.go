package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/equiplan/equiplan/internal/platform/db"
)

// RevertApplier restores grant rows from ledger snapshots.
type RevertApplier struct {
	repo *Repository
}

// NewRevertApplier builds the applier over the grant repository.
func NewRevertApplier(repo *Repository) *RevertApplier {
	return &RevertApplier{repo: repo}
}

// ResourceType implements audit.Applier.
func (a *RevertApplier) ResourceType() string {
	return ResourceType
}

// Current returns the present snapshot of the grant, nil when it no longer
// exists.
func (a *RevertApplier) Current(ctx context.Context, q db.Querier, resourceID string) (json.RawMessage, error) {
	actorID, orgID, err := parseResourceID(resourceID)
	if err != nil {
		return nil, err
	}
	g, err := a.repo.get(ctx, q, actorID, orgID, false)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return Snapshot(g), nil
}

// Restore re-applies a before snapshot. A nil snapshot deletes the grant
// (the audited mutation created it).
func (a *RevertApplier) Restore(ctx context.Context, q db.Querier, resourceID string, before json.RawMessage) error {
	actorID, orgID, err := parseResourceID(resourceID)
	if err != nil {
		return err
	}
	if len(before) == 0 {
		return a.repo.Delete(ctx, q, actorID, orgID)
	}
	var snap grantSnapshot
	if err := json.Unmarshal(before, &snap); err != nil {
		return fmt.Errorf("grants: decode snapshot: %w", err)
	}
	overrides, err := json.Marshal(snap.Overrides)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx,
		`INSERT INTO grants (actor_id, org_id, role, overrides, expires_at, granted_by, granted_at, reason, version)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7, 1)
		 ON CONFLICT (actor_id, org_id) DO UPDATE
		 SET role = EXCLUDED.role, overrides = EXCLUDED.overrides, expires_at = EXCLUDED.expires_at,
		     granted_by = EXCLUDED.granted_by, reason = EXCLUDED.reason, version = grants.version + 1`,
		actorID, orgID, snap.Role, overrides, snap.ExpiresAt, snap.GrantedBy, snap.Reason)
	return err
}

func parseResourceID(resourceID string) (int64, int64, error) {
	parts := strings.SplitN(resourceID, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("grants: malformed resource id %q", resourceID)
	}
	actorID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("grants: malformed resource id %q", resourceID)
	}
	orgID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("grants: malformed resource id %q", resourceID)
	}
	return actorID, orgID, nil
}
