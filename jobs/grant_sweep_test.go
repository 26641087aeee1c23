package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equiplan/equiplan/internal/audit"
	"github.com/equiplan/equiplan/internal/grants"
	"github.com/equiplan/equiplan/internal/shared"
	_ "github.com/equiplan/equiplan/testing"
)

// fakeTx stubs the one pgx.Tx method the ledger touches and keeps the
// insert arguments for inspection.
type fakeTx struct {
	pgx.Tx
	inserts [][]any
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	t.inserts = append(t.inserts, args)
	return idRow(len(t.inserts))
}

type idRow int64

func (r idRow) Scan(dest ...any) error {
	if len(dest) == 1 {
		if p, ok := dest[0].(*int64); ok {
			*p = int64(r)
		}
	}
	return nil
}

type stubGrantSource struct {
	from, to time.Time
	expired  []grants.Grant
	err      error
}

func (s *stubGrantSource) ExpiredBetween(ctx context.Context, from, to time.Time) ([]grants.Grant, error) {
	s.from, s.to = from, to
	return s.expired, s.err
}

type stubTxRunner struct {
	tx *fakeTx
}

func (s *stubTxRunner) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return fn(ctx, s.tx)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGrantSweepLedgersExpiredGrantsAsSystemActor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(-10 * time.Minute)
	source := &stubGrantSource{expired: []grants.Grant{
		{ActorID: 7, OrgID: 10, Role: "viewer", ExpiresAt: &expiry, GrantedBy: 3},
		{ActorID: 8, OrgID: 11, Role: "editor", ExpiresAt: &expiry, GrantedBy: 3},
	}}
	tx := &fakeTx{}

	job := &GrantSweepJob{
		Grants: source,
		Audit:  &stubTxRunner{tx: tx},
		Ledger: audit.NewLedger(),
		Logger: discardLogger(),
		clock:  func() time.Time { return now },
	}

	task, err := NewGrantExpirySweepTask(time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, now.Add(-time.Hour), source.from)
	assert.Equal(t, now, source.to)

	require.Len(t, tx.inserts, 2)
	for _, args := range tx.inserts {
		assert.Equal(t, audit.SystemActor, args[0], "job entries carry the system actor")
		assert.Equal(t, "grant.expire", args[2])
	}
	orgA := tx.inserts[0][1].(*int64)
	orgB := tx.inserts[1][1].(*int64)
	assert.Equal(t, int64(10), *orgA)
	assert.Equal(t, int64(11), *orgB)
	assert.Equal(t, tx.inserts[0][8], tx.inserts[1][8], "one sweep, one batch")
}

func TestGrantSweepNoExpiredGrantsWritesNothing(t *testing.T) {
	tx := &fakeTx{}
	job := &GrantSweepJob{
		Grants: &stubGrantSource{},
		Audit:  &stubTxRunner{tx: tx},
		Ledger: audit.NewLedger(),
		Logger: discardLogger(),
		clock:  func() time.Time { return time.Now().UTC() },
	}

	task, err := NewGrantExpirySweepTask(time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Empty(t, tx.inserts)
}

func TestGrantSweepPropagatesSourceError(t *testing.T) {
	job := &GrantSweepJob{
		Grants: &stubGrantSource{err: errors.New("store down")},
		Audit:  &stubTxRunner{tx: &fakeTx{}},
		Ledger: audit.NewLedger(),
		Logger: discardLogger(),
		clock:  func() time.Time { return time.Now().UTC() },
	}

	task, err := NewGrantExpirySweepTask(time.Hour)
	require.NoError(t, err)
	assert.Error(t, job.Handle(context.Background(), task))
}

type stubPruner struct {
	cutoff time.Time
	pruned int64
	err    error
}

func (s *stubPruner) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.pruned, s.err
}

func TestAuditRetentionPrunesPastTheHorizon(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pruner := &stubPruner{pruned: 42}
	job := &AuditRetentionJob{
		Audit:  pruner,
		Logger: discardLogger(),
		clock:  func() time.Time { return now },
	}

	task, err := NewAuditRetentionTask(30 * 24 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, now.Add(-30*24*time.Hour), pruner.cutoff)
}

func TestAuditRetentionRejectsMalformedPayload(t *testing.T) {
	job := &AuditRetentionJob{
		Audit:  &stubPruner{},
		Logger: discardLogger(),
		clock:  func() time.Time { return time.Now().UTC() },
	}

	task := asynq.NewTask(TaskAuditRetention, []byte("{"))
	assert.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestOrgFanoutInvalidatesStatusCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, mr.Set(shared.OrgStatusCacheKey(10), "active"))

	job := NewOrgFanoutJob(client, discardLogger(), nil)
	task, err := NewOrgStatusFanoutTask(10, "suspended")
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.False(t, mr.Exists(shared.OrgStatusCacheKey(10)))
}
