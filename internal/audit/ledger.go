package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/equiplan/equiplan/internal/platform/db"
)

// Ledger appends entries to the audit log. Entries are written in the same
// transaction as the mutation they describe: callers pass their open tx as
// the Querier so a failed append rolls the mutation back with it.
type Ledger struct{}

// NewLedger returns the append-side of the audit log.
func NewLedger() *Ledger {
	return &Ledger{}
}

// NewBatchID mints a fresh batch identifier grouping related entries.
func NewBatchID() string {
	return uuid.NewString()
}

// Record appends one entry and returns its id. It never updates or deletes.
func (l *Ledger) Record(ctx context.Context, q db.Querier, e Entry) (int64, error) {
	if l == nil {
		return 0, errors.New("audit: ledger not initialised")
	}
	if e.ActorID == 0 && e.OrgID != nil {
		return 0, errors.New("audit: actor required for organization-scoped entries")
	}
	if e.Action == "" || e.ResourceType == "" || e.ResourceID == "" {
		return 0, errors.New("audit: entry requires action/resource_type/resource_id")
	}
	if e.BatchID == "" {
		e.BatchID = NewBatchID()
	}
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var id int64
	err := q.QueryRow(ctx,
		`INSERT INTO audit_entries
		   (actor_id, org_id, action, resource_type, resource_id, before, after, reason, batch_id, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		e.ActorID, e.OrgID, e.Action, e.ResourceType, e.ResourceID,
		rawOrNull(e.Before), rawOrNull(e.After), e.Reason, e.BatchID, at,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("audit: record: %w", err)
	}
	return id, nil
}

func rawOrNull(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
