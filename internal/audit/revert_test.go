package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equiplan/equiplan/internal/platform/db"
	"github.com/equiplan/equiplan/internal/shared"
)

// fakeTx stubs the one pgx.Tx method the ledger touches and counts appends.
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

type fakeBatchRepo struct {
	batches map[string][]Entry
	tx      *fakeTx
}

func (f *fakeBatchRepo) Batch(ctx context.Context, q db.Querier, batchID string) ([]Entry, error) {
	return f.batches[batchID], nil
}

func (f *fakeBatchRepo) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return fn(ctx, f.tx)
}

type fakeApplier struct {
	resource string
	current  map[string]json.RawMessage
	restored map[string]json.RawMessage
	deleted  []string
}

func newFakeApplier(resource string) *fakeApplier {
	return &fakeApplier{
		resource: resource,
		current:  make(map[string]json.RawMessage),
		restored: make(map[string]json.RawMessage),
	}
}

func (a *fakeApplier) ResourceType() string { return a.resource }

func (a *fakeApplier) Current(ctx context.Context, q db.Querier, resourceID string) (json.RawMessage, error) {
	return a.current[resourceID], nil
}

func (a *fakeApplier) Restore(ctx context.Context, q db.Querier, resourceID string, before json.RawMessage) error {
	if before == nil {
		a.deleted = append(a.deleted, resourceID)
		delete(a.current, resourceID)
		return nil
	}
	a.restored[resourceID] = before
	a.current[resourceID] = before
	return nil
}

func orgPtr(id int64) *int64 { return &id }

type stubMembership map[int64][]int64

func (m stubMembership) AllowedOrgs(ctx context.Context, actorID int64) ([]int64, error) {
	return m[actorID], nil
}

func TestRevertBatchCompensates(t *testing.T) {
	applier := newFakeApplier("pfa_record")
	applier.current["101"] = json.RawMessage(`{"amount": 200, "version": 2}`)
	applier.current["102"] = json.RawMessage(`{"amount": 90}`)

	repo := &fakeBatchRepo{tx: &fakeTx{}, batches: map[string][]Entry{
		"batch-1": {
			{ID: 2, ActorID: 5, OrgID: orgPtr(10), Action: "pfa.update", ResourceType: "pfa_record", ResourceID: "102",
				Before: json.RawMessage(`{"amount":80}`), After: json.RawMessage(`{"amount":90}`), BatchID: "batch-1"},
			{ID: 1, ActorID: 5, OrgID: orgPtr(10), Action: "pfa.update", ResourceType: "pfa_record", ResourceID: "101",
				Before: json.RawMessage(`{"amount":100,"version":1}`), After: json.RawMessage(`{"version":2,"amount":200}`), BatchID: "batch-1"},
		},
	}}

	rv := NewReverter(repo, NewLedger(), stubMembership{9: {10}}, applier)
	result, err := rv.RevertBatch(context.Background(), "batch-1", 9, "fat-finger import")
	require.NoError(t, err)

	assert.Equal(t, []int64{2, 1}, result.Reverted)
	assert.Empty(t, result.Poisoned)
	assert.NotEqual(t, "batch-1", result.BatchID)

	// Before snapshots were re-applied as fresh mutations.
	assert.JSONEq(t, `{"amount":80}`, string(applier.restored["102"]))
	assert.JSONEq(t, `{"amount":100,"version":1}`, string(applier.restored["101"]))

	// One compensating ledger entry per reverted row, under the new batch id.
	require.Len(t, repo.tx.inserts, 2)
	for _, args := range repo.tx.inserts {
		assert.Equal(t, int64(9), args[0])
		assert.Equal(t, "revert", args[2])
		assert.Equal(t, result.BatchID, args[8])
	}
}

func TestRevertBatchSkipsPoisonedEntries(t *testing.T) {
	applier := newFakeApplier("pfa_record")
	// Mutated again after the batch: current no longer matches the after
	// snapshot, even though it only differs in one key.
	applier.current["101"] = json.RawMessage(`{"amount": 999}`)
	applier.current["102"] = json.RawMessage(`{"amount": 90}`)

	repo := &fakeBatchRepo{tx: &fakeTx{}, batches: map[string][]Entry{
		"batch-1": {
			{ID: 1, ActorID: 5, ResourceType: "pfa_record", ResourceID: "101",
				Before: json.RawMessage(`{"amount":100}`), After: json.RawMessage(`{"amount":200}`)},
			{ID: 2, ActorID: 5, ResourceType: "pfa_record", ResourceID: "102",
				Before: json.RawMessage(`{"amount":80}`), After: json.RawMessage(`{"amount":90}`)},
		},
	}}

	rv := NewReverter(repo, NewLedger(), stubMembership{}, applier)
	result, err := rv.RevertBatch(context.Background(), "batch-1", 9, "undo")
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, result.Poisoned)
	assert.Equal(t, []int64{2}, result.Reverted)
	_, touched := applier.restored["101"]
	assert.False(t, touched)
}

func TestRevertBatchDeletesCreatedResources(t *testing.T) {
	applier := newFakeApplier("grant")
	applier.current["1:10"] = json.RawMessage(`{"role":"editor"}`)

	repo := &fakeBatchRepo{tx: &fakeTx{}, batches: map[string][]Entry{
		"batch-1": {
			{ID: 1, ActorID: 5, ResourceType: "grant", ResourceID: "1:10",
				Before: nil, After: json.RawMessage(`{"role":"editor"}`)},
		},
	}}

	rv := NewReverter(repo, NewLedger(), stubMembership{}, applier)
	result, err := rv.RevertBatch(context.Background(), "batch-1", 9, "undo grant")
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, result.Reverted)
	assert.Equal(t, []string{"1:10"}, applier.deleted)
}

func TestRevertBatchUnknownBatch(t *testing.T) {
	repo := &fakeBatchRepo{tx: &fakeTx{}, batches: map[string][]Entry{}}
	rv := NewReverter(repo, NewLedger(), stubMembership{}, newFakeApplier("pfa_record"))

	_, err := rv.RevertBatch(context.Background(), "no-such-batch", 9, "undo")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestRevertBatchRejectsForeignOrganizations(t *testing.T) {
	applier := newFakeApplier("pfa_record")
	applier.current["101"] = json.RawMessage(`{"amount":200}`)

	repo := &fakeBatchRepo{tx: &fakeTx{}, batches: map[string][]Entry{
		"batch-1": {
			{ID: 1, ActorID: 5, OrgID: orgPtr(99), Action: "pfa.update", ResourceType: "pfa_record", ResourceID: "101",
				Before: json.RawMessage(`{"amount":100}`), After: json.RawMessage(`{"amount":200}`), BatchID: "batch-1"},
			{ID: 2, ActorID: 5, OrgID: orgPtr(10), Action: "pfa.update", ResourceType: "pfa_record", ResourceID: "102",
				Before: json.RawMessage(`{"amount":80}`), After: json.RawMessage(`{"amount":90}`), BatchID: "batch-1"},
		},
	}}

	// Actor 9 holds membership in org 10 only; entry 1 lives in org 99.
	rv := NewReverter(repo, NewLedger(), stubMembership{9: {10}}, applier)
	_, err := rv.RevertBatch(context.Background(), "batch-1", 9, "undo")

	var denied *shared.AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, []int64{1}, denied.DeniedIDs)
	// Nothing was applied and nothing was ledgered: the batch fails whole.
	assert.Empty(t, applier.restored)
	assert.Empty(t, repo.tx.inserts)
}

func TestRevertBatchMissingApplier(t *testing.T) {
	repo := &fakeBatchRepo{tx: &fakeTx{}, batches: map[string][]Entry{
		"batch-1": {{ID: 1, ActorID: 5, ResourceType: "settings", ResourceID: "x",
			After: json.RawMessage(`{}`)}},
	}}
	rv := NewReverter(repo, NewLedger(), stubMembership{}, newFakeApplier("pfa_record"))

	_, err := rv.RevertBatch(context.Background(), "batch-1", 9, "undo")
	assert.ErrorIs(t, err, ErrNoApplier)
}

func TestSnapshotsEqualIgnoresFormatting(t *testing.T) {
	assert.True(t, snapshotsEqual(
		json.RawMessage(`{"a":1,"b":"x"}`),
		json.RawMessage(`{ "b": "x", "a": 1 }`),
	))
	assert.False(t, snapshotsEqual(
		json.RawMessage(`{"a":1}`),
		json.RawMessage(`{"a":2}`),
	))
	assert.True(t, snapshotsEqual(nil, nil))
	assert.False(t, snapshotsEqual(nil, json.RawMessage(`{}`)))
}

func TestSnapshotsEqualIgnoresVersionToken(t *testing.T) {
	// Restores bump the row version past the snapshot, so a version-only
	// difference must not poison a later revert of the revert.
	assert.True(t, snapshotsEqual(
		json.RawMessage(`{"amount":100,"version":7}`),
		json.RawMessage(`{"amount":100,"version":2}`),
	))
	assert.False(t, snapshotsEqual(
		json.RawMessage(`{"amount":101,"version":2}`),
		json.RawMessage(`{"amount":100,"version":2}`),
	))
}
