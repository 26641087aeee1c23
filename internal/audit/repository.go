package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/equiplan/equiplan/internal/platform/db"
	"github.com/equiplan/equiplan/internal/shared"
)

// Repository reads the ledger. Writes go through Ledger only.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a read-side Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("audit: repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", shared.ErrFatalStore, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const entryColumns = `id, actor_id, org_id, action, resource_type, resource_id, before, after, reason, batch_id, at`

// Window returns a page of entries matching the filters, newest first.
// Callers request one row beyond the page to detect a next page.
func (r *Repository) Window(ctx context.Context, f TimelineFilters, limit, offset int) ([]Entry, error) {
	var conditions []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if !f.From.IsZero() {
		add("at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("at <= $%d", f.To)
	}
	if f.OrgID != 0 {
		add("org_id = $%d", f.OrgID)
	}
	if f.ActorID != 0 {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Resource != "" {
		add("resource_type = $%d", f.Resource)
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, limit, offset)
	sql := `SELECT ` + entryColumns + ` FROM audit_entries` + where +
		` ORDER BY at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: audit window: %v", shared.ErrFatalStore, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Batch returns every entry in a batch, newest first, for revert walking.
func (r *Repository) Batch(ctx context.Context, q db.Querier, batchID string) ([]Entry, error) {
	rows, err := q.Query(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE batch_id = $1 ORDER BY at DESC, id DESC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("%w: audit batch: %v", shared.ErrFatalStore, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// DeleteOlderThan removes entries past the retention horizon. This is the
// only deletion path and lives outside the core invariants.
func (r *Repository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM audit_entries WHERE at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.OrgID, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.Before, &e.After, &e.Reason, &e.BatchID, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
