package pfa

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/equiplan/equiplan/internal/masking"
	"github.com/equiplan/equiplan/internal/platform/db"
	"github.com/equiplan/equiplan/internal/shared"
)

// Repository persists equipment records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository using the provided pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes fn inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("pfa: repository not initialised")
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

const recordColumns = `id, org_id, category, kind, amount, period, version, created_at, updated_at`

// Get fetches a record by id.
func (r *Repository) Get(ctx context.Context, id int64) (Record, error) {
	return r.getFrom(ctx, r.pool, id, false)
}

// GetForUpdate locks the record row for the duration of the transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Record, error) {
	return r.getFrom(ctx, tx, id, true)
}

func (r *Repository) getFrom(ctx context.Context, q db.Querier, id int64, forUpdate bool) (Record, error) {
	sql := `SELECT ` + recordColumns + ` FROM pfa_records WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	rec, err := scanRecord(q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("%w: load record: %v", shared.ErrFatalStore, err)
	}
	return rec, nil
}

// List returns records matching the (already narrowed) filters, newest first.
func (r *Repository) List(ctx context.Context, f ListFilters, limit, offset int) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.OrgIDs) == 0 {
		// An empty allowed set means the actor may see nothing.
		return nil, nil
	}
	where = append(where, `org_id = ANY(`+arg(f.OrgIDs)+`)`)
	if f.Category != "" {
		where = append(where, `category = `+arg(f.Category))
	}
	if f.Kind != "" {
		where = append(where, `kind = `+arg(f.Kind))
	}
	if f.Period != "" {
		where = append(where, `period = `+arg(f.Period))
	}
	sql := `SELECT ` + recordColumns + ` FROM pfa_records WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY id DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list records: %v", shared.ErrFatalStore, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan record: %v", shared.ErrFatalStore, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Create inserts a record at version 1.
func (r *Repository) Create(ctx context.Context, q db.Querier, rec Record) (Record, error) {
	err := q.QueryRow(ctx, `
		INSERT INTO pfa_records (org_id, category, kind, amount, period, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, now(), now())
		RETURNING `+recordColumns,
		rec.OrgID, rec.Category, rec.Kind, rec.Amount, rec.Period,
	).Scan(&rec.ID, &rec.OrgID, &rec.Category, &rec.Kind, &rec.Amount, &rec.Period, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("%w: create record: %v", shared.ErrFatalStore, err)
	}
	return rec, nil
}

// UpdateAmount changes the amount under compare-and-set on version. A stale
// version surfaces as a ConsistencyError.
func (r *Repository) UpdateAmount(ctx context.Context, q db.Querier, id int64, amount float64, version int64) (Record, error) {
	rec, err := scanRecord(q.QueryRow(ctx, `
		UPDATE pfa_records
		SET amount = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND version = $3
		RETURNING `+recordColumns,
		amount, id, version,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, &shared.ConsistencyError{Msg: fmt.Sprintf("record %d was modified concurrently", id)}
		}
		return Record{}, fmt.Errorf("%w: update record: %v", shared.ErrFatalStore, err)
	}
	return rec, nil
}

// Restore overwrites every field of an existing record, or re-inserts it
// with its original id. Used by the revert applier.
func (r *Repository) Restore(ctx context.Context, q db.Querier, rec Record) error {
	_, err := q.Exec(ctx, `
		INSERT INTO pfa_records (id, org_id, category, kind, amount, period, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (id) DO UPDATE
		SET org_id = EXCLUDED.org_id, category = EXCLUDED.category, kind = EXCLUDED.kind,
		    amount = EXCLUDED.amount, period = EXCLUDED.period,
		    version = pfa_records.version + 1, updated_at = now()`,
		rec.ID, rec.OrgID, rec.Category, rec.Kind, rec.Amount, rec.Period, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("%w: restore record: %v", shared.ErrFatalStore, err)
	}
	return nil
}

// Delete removes a record.
func (r *Repository) Delete(ctx context.Context, q db.Querier, id int64) error {
	tag, err := q.Exec(ctx, `DELETE FROM pfa_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete record: %v", shared.ErrFatalStore, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// OwnerOrgs maps each requested record id to its owning organization, for
// bulk isolation checks. Unknown ids are absent from the result.
func (r *Repository) OwnerOrgs(ctx context.Context, q db.Querier, ids []int64) (map[int64]int64, error) {
	rows, err := q.Query(ctx, `SELECT id, org_id FROM pfa_records WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: owner orgs: %v", shared.ErrFatalStore, err)
	}
	defer rows.Close()

	out := make(map[int64]int64, len(ids))
	for rows.Next() {
		var id, orgID int64
		if err := rows.Scan(&id, &orgID); err != nil {
			return nil, fmt.Errorf("%w: scan owner: %v", shared.ErrFatalStore, err)
		}
		out[id] = orgID
	}
	return out, rows.Err()
}

// Peers returns the category peer group for an organization, feeding the
// masking transform.
func (r *Repository) Peers(ctx context.Context, orgID int64) ([]masking.Peer, error) {
	rows, err := r.pool.Query(ctx, `SELECT category, amount FROM pfa_records WHERE org_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("%w: peers: %v", shared.ErrFatalStore, err)
	}
	defer rows.Close()

	var out []masking.Peer
	for rows.Next() {
		var p masking.Peer
		if err := rows.Scan(&p.Category, &p.Value); err != nil {
			return nil, fmt.Errorf("%w: scan peer: %v", shared.ErrFatalStore, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.OrgID, &rec.Category, &rec.Kind, &rec.Amount, &rec.Period, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}
