package actors

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/equiplan/equiplan/internal/platform/db"
	"github.com/equiplan/equiplan/internal/shared"
)

// Repository persists actors.
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
		return fmt.Errorf("actors: repository not initialised")
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

const actorColumns = `id, email, display_name, password_hash, status, default_org_id, created_at, updated_at`

// Get fetches an actor by id.
func (r *Repository) Get(ctx context.Context, id int64) (Actor, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `SELECT `+actorColumns+` FROM actors WHERE id = $1`, id))
}

// FindByEmail fetches an actor by email for authentication.
func (r *Repository) FindByEmail(ctx context.Context, email string) (Actor, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `SELECT `+actorColumns+` FROM actors WHERE email = $1`, email))
}

// ListByOrgs returns actors holding a grant in any of the organizations,
// ordered by email.
func (r *Repository) ListByOrgs(ctx context.Context, orgIDs []int64, limit, offset int) ([]Actor, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT a.id, a.email, a.display_name, a.password_hash, a.status, a.default_org_id, a.created_at, a.updated_at
		   FROM actors a
		   JOIN grants g ON g.actor_id = a.id
		  WHERE g.org_id = ANY($1)
		  ORDER BY a.email LIMIT $2 OFFSET $3`,
		orgIDs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list actors by org: %v", shared.ErrFatalStore, err)
	}
	defer rows.Close()
	var out []Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Create inserts a new actor.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, a Actor) (Actor, error) {
	row := tx.QueryRow(ctx,
		`INSERT INTO actors (email, display_name, password_hash, status, default_org_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 RETURNING `+actorColumns,
		a.Email, a.DisplayName, a.PasswordHash, string(a.Status), a.DefaultOrgID)
	created, err := scanActor(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Actor{}, shared.NewValidationError("email already in use")
		}
		return Actor{}, err
	}
	return created, nil
}

// UpdateStatus flips the lifecycle status using compare-and-set.
func (r *Repository) UpdateStatus(ctx context.Context, q db.Querier, id int64, from, to Status) error {
	tag, err := q.Exec(ctx,
		`UPDATE actors SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return fmt.Errorf("%w: update actor status: %v", shared.ErrFatalStore, err)
	}
	if tag.RowsAffected() == 0 {
		return &shared.ConsistencyError{Msg: fmt.Sprintf("actor %d is not %s", id, from)}
	}
	return nil
}

func (r *Repository) scanOne(row pgx.Row) (Actor, error) {
	a, err := scanActor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Actor{}, ErrNotFound
		}
		return Actor{}, fmt.Errorf("%w: load actor: %v", shared.ErrFatalStore, err)
	}
	return a, nil
}

func scanActor(row pgx.Row) (Actor, error) {
	var a Actor
	var status string
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &status,
		&a.DefaultOrgID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Actor{}, err
	}
	a.Status = Status(status)
	return a, nil
}
