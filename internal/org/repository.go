package org

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/equiplan/equiplan/internal/platform/db"
	"github.com/equiplan/equiplan/internal/shared"
)

// Repository persists organizations.
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
		return fmt.Errorf("org: repository not initialised")
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

const orgColumns = `id, code, name, status, is_external, created_at, updated_at`

// Get fetches an organization by id.
func (r *Repository) Get(ctx context.Context, id int64) (Organization, error) {
	return r.get(ctx, r.pool, id)
}

// GetTx fetches an organization inside a transaction.
func (r *Repository) GetTx(ctx context.Context, tx pgx.Tx, id int64) (Organization, error) {
	return r.get(ctx, tx, id)
}

func (r *Repository) get(ctx context.Context, q db.Querier, id int64) (Organization, error) {
	row := q.QueryRow(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id)
	o, err := scanOrg(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Organization{}, ErrNotFound
		}
		return Organization{}, fmt.Errorf("%w: load org: %v", shared.ErrFatalStore, err)
	}
	return o, nil
}

// ListByIDs returns the named organizations ordered by code.
func (r *Repository) ListByIDs(ctx context.Context, ids []int64, limit, offset int) ([]Organization, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orgColumns+` FROM organizations WHERE id = ANY($1) ORDER BY code LIMIT $2 OFFSET $3`,
		ids, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list orgs by id: %v", shared.ErrFatalStore, err)
	}
	defer rows.Close()
	var out []Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Create inserts a new organization.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, in CreateInput) (Organization, error) {
	row := tx.QueryRow(ctx,
		`INSERT INTO organizations (code, name, status, is_external, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 RETURNING `+orgColumns,
		in.Code, in.Name, string(StatusActive), in.IsExternal)
	o, err := scanOrg(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Organization{}, shared.NewValidationError("organization code already in use")
		}
		return Organization{}, err
	}
	return o, nil
}

// UpdateStatus flips the status using compare-and-set. A zero row count means
// a concurrent writer got there first.
func (r *Repository) UpdateStatus(ctx context.Context, q db.Querier, id int64, from, to Status) error {
	tag, err := q.Exec(ctx,
		`UPDATE organizations SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("%w: update status: %v", shared.ErrFatalStore, err)
	}
	if tag.RowsAffected() == 0 {
		return &shared.ConsistencyError{Msg: fmt.Sprintf("organization %d is not %s", id, from)}
	}
	return nil
}

// Unlink clears is_external, transferring ownership to this deployment while
// keeping all child resources.
func (r *Repository) Unlink(ctx context.Context, tx pgx.Tx, id int64) error {
	tag, err := tx.Exec(ctx,
		`UPDATE organizations SET is_external = FALSE, updated_at = NOW() WHERE id = $1 AND is_external = TRUE`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &shared.ConsistencyError{Msg: fmt.Sprintf("organization %d is not externally linked", id)}
	}
	return nil
}

// Delete removes a local organization and cascades to its grants. Callers
// must have verified the organization is not external.
func (r *Repository) Delete(ctx context.Context, tx pgx.Tx, id int64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM grants WHERE org_id = $1`, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Members lists actor ids holding a grant in the organization.
func (r *Repository) Members(ctx context.Context, id int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT actor_id FROM grants WHERE org_id = $1 ORDER BY actor_id`, id)
	if err != nil {
		return nil, fmt.Errorf("%w: list members: %v", shared.ErrFatalStore, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanOrg(row pgx.Row) (Organization, error) {
	var o Organization
	var status string
	var createdAt, updatedAt time.Time
	if err := row.Scan(&o.ID, &o.Code, &o.Name, &status, &o.IsExternal, &createdAt, &updatedAt); err != nil {
		return Organization{}, err
	}
	o.Status = Status(status)
	o.CreatedAt = createdAt
	o.UpdatedAt = updatedAt
	return o, nil
}
