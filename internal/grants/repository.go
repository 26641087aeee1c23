package grants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/equiplan/equiplan/internal/platform/db"
	"github.com/equiplan/equiplan/internal/shared"
)

// Repository persists grants.
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
		return fmt.Errorf("grants: repository not initialised")
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

const grantColumns = `actor_id, org_id, role, overrides, expires_at, granted_by, granted_at, reason, version`

// Get fetches the grant linking actor to organization.
func (r *Repository) Get(ctx context.Context, actorID, orgID int64) (Grant, error) {
	return r.get(ctx, r.pool, actorID, orgID, false)
}

// GetForUpdate locks the grant row for the duration of the transaction,
// serializing concurrent writes to the same (actor, organization) pair.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, actorID, orgID int64) (Grant, error) {
	return r.get(ctx, tx, actorID, orgID, true)
}

func (r *Repository) get(ctx context.Context, q db.Querier, actorID, orgID int64, forUpdate bool) (Grant, error) {
	sql := `SELECT ` + grantColumns + ` FROM grants WHERE actor_id = $1 AND org_id = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	g, err := scanGrant(q.QueryRow(ctx, sql, actorID, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, ErrNotFound
		}
		return Grant{}, fmt.Errorf("%w: load grant: %v", shared.ErrFatalStore, err)
	}
	return g, nil
}

// Insert creates a new grant at version 1. A concurrent insert of the same
// pair surfaces as a ConsistencyError, never a silent overwrite.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, g Grant) (Grant, error) {
	overrides, err := json.Marshal(g.Overrides)
	if err != nil {
		return Grant{}, err
	}
	row := tx.QueryRow(ctx,
		`INSERT INTO grants (actor_id, org_id, role, overrides, expires_at, granted_by, granted_at, reason, version)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7, 1)
		 RETURNING `+grantColumns,
		g.ActorID, g.OrgID, g.Role, overrides, g.ExpiresAt, g.GrantedBy, g.Reason)
	inserted, err := scanGrant(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Grant{}, &shared.ConsistencyError{Msg: "grant was created concurrently"}
		}
		return Grant{}, err
	}
	return inserted, nil
}

// Update replaces the grant guarded by its version. Zero rows affected means
// another writer committed first.
func (r *Repository) Update(ctx context.Context, tx pgx.Tx, g Grant, expectedVersion int64) (Grant, error) {
	overrides, err := json.Marshal(g.Overrides)
	if err != nil {
		return Grant{}, err
	}
	row := tx.QueryRow(ctx,
		`UPDATE grants
		 SET role = $3, overrides = $4, expires_at = $5, granted_by = $6, reason = $7, version = version + 1
		 WHERE actor_id = $1 AND org_id = $2 AND version = $8
		 RETURNING `+grantColumns,
		g.ActorID, g.OrgID, g.Role, overrides, g.ExpiresAt, g.GrantedBy, g.Reason, expectedVersion)
	updated, err := scanGrant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Grant{}, &shared.ConsistencyError{Msg: "grant was modified concurrently"}
		}
		return Grant{}, err
	}
	return updated, nil
}

// Delete removes a grant row. Used only by revert appliers restoring a
// pre-creation state; normal operation never deletes grants.
func (r *Repository) Delete(ctx context.Context, q db.Querier, actorID, orgID int64) error {
	_, err := q.Exec(ctx, `DELETE FROM grants WHERE actor_id = $1 AND org_id = $2`, actorID, orgID)
	return err
}

// ListByOrg returns every grant in an organization.
func (r *Repository) ListByOrg(ctx context.Context, orgID int64) ([]Grant, error) {
	return r.list(ctx, `SELECT `+grantColumns+` FROM grants WHERE org_id = $1 ORDER BY actor_id`, orgID)
}

// ListByActor returns every grant held by an actor.
func (r *Repository) ListByActor(ctx context.Context, actorID int64) ([]Grant, error) {
	return r.list(ctx, `SELECT `+grantColumns+` FROM grants WHERE actor_id = $1 ORDER BY org_id`, actorID)
}

// AllowedOrgs returns the organizations an actor may act within. Membership
// derives from grant rows, read fresh on every call.
func (r *Repository) AllowedOrgs(ctx context.Context, actorID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT org_id FROM grants WHERE actor_id = $1 ORDER BY org_id`, actorID)
	if err != nil {
		return nil, fmt.Errorf("%w: allowed orgs: %v", shared.ErrFatalStore, err)
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

// ExpiredBetween lists grants whose expiry fell inside the window, for the
// background sweep.
func (r *Repository) ExpiredBetween(ctx context.Context, from, to time.Time) ([]Grant, error) {
	return r.list(ctx,
		`SELECT `+grantColumns+` FROM grants WHERE expires_at IS NOT NULL AND expires_at >= $1 AND expires_at < $2 ORDER BY expires_at`,
		from, to)
}

func (r *Repository) list(ctx context.Context, sql string, args ...any) ([]Grant, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list grants: %v", shared.ErrFatalStore, err)
	}
	defer rows.Close()
	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGrant(row pgx.Row) (Grant, error) {
	var g Grant
	var overrides []byte
	if err := row.Scan(&g.ActorID, &g.OrgID, &g.Role, &overrides, &g.ExpiresAt,
		&g.GrantedBy, &g.GrantedAt, &g.Reason, &g.Version); err != nil {
		return Grant{}, err
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &g.Overrides); err != nil {
			return Grant{}, err
		}
	}
	return g, nil
}
