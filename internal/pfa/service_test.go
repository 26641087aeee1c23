package pfa

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/equiplan/equiplan/internal/audit"
	"github.com/equiplan/equiplan/internal/masking"
	platformdb "github.com/equiplan/equiplan/internal/platform/db"
	"github.com/equiplan/equiplan/internal/shared"
	"github.com/equiplan/equiplan/internal/tenant"
)

type memStore struct {
	records map[int64]Record
	nextID  int64
}

func newMemStore(seed ...Record) *memStore {
	m := &memStore{records: make(map[int64]Record), nextID: 1000}
	for _, r := range seed {
		if r.Version == 0 {
			r.Version = 1
		}
		m.records[r.ID] = r
	}
	return m
}

func (m *memStore) WithTx(ctx context.Context, fn func(context.Context, pgx.Tx) error) error {
	return fn(ctx, nil)
}

func (m *memStore) Get(ctx context.Context, id int64) (Record, error) {
	r, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *memStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id int64) (Record, error) {
	return m.Get(ctx, id)
}

func (m *memStore) List(ctx context.Context, f ListFilters, limit, offset int) ([]Record, error) {
	var out []Record
	for _, r := range m.records {
		for _, orgID := range f.OrgIDs {
			if r.OrgID == orgID {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) Create(ctx context.Context, q platformdb.Querier, rec Record) (Record, error) {
	m.nextID++
	rec.ID = m.nextID
	rec.Version = 1
	m.records[rec.ID] = rec
	return rec, nil
}

func (m *memStore) UpdateAmount(ctx context.Context, q platformdb.Querier, id int64, amount float64, version int64) (Record, error) {
	r, ok := m.records[id]
	if !ok || r.Version != version {
		return Record{}, &shared.ConsistencyError{Msg: "record changed concurrently"}
	}
	r.Amount = amount
	r.Version = version + 1
	m.records[id] = r
	return r, nil
}

func (m *memStore) Delete(ctx context.Context, q platformdb.Querier, id int64) error {
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *memStore) OwnerOrgs(ctx context.Context, q platformdb.Querier, ids []int64) (map[int64]int64, error) {
	out := make(map[int64]int64)
	for _, id := range ids {
		if r, ok := m.records[id]; ok {
			out[id] = r.OrgID
		}
	}
	return out, nil
}

func (m *memStore) Peers(ctx context.Context, orgID int64) ([]masking.Peer, error) {
	var out []masking.Peer
	for _, r := range m.records {
		if r.OrgID == orgID {
			out = append(out, masking.Peer{Category: r.Category, Value: r.Amount})
		}
	}
	return out, nil
}

type membershipMap map[int64][]int64

func (m membershipMap) AllowedOrgs(ctx context.Context, actorID int64) ([]int64, error) {
	return m[actorID], nil
}

type recordingLedger struct {
	entries []audit.Entry
}

func (l *recordingLedger) Record(ctx context.Context, q platformdb.Querier, e audit.Entry) (int64, error) {
	l.entries = append(l.entries, e)
	return int64(len(l.entries)), nil
}

func newFixture(seed ...Record) (*Service, *memStore, *recordingLedger) {
	store := newMemStore(seed...)
	ledger := &recordingLedger{}
	guard := tenant.NewGuard(membershipMap{7: {10, 11}})
	return NewService(store, guard, ledger), store, ledger
}

func TestGetEnforcesIsolation(t *testing.T) {
	svc, _, _ := newFixture(
		Record{ID: 1, OrgID: 10, Category: "Cranes", Kind: KindPlan, Amount: 100},
		Record{ID: 2, OrgID: 99, Category: "Cranes", Kind: KindPlan, Amount: 200},
	)

	got, err := svc.Get(context.Background(), 7, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)

	_, err = svc.Get(context.Background(), 7, 2)
	var denied *shared.AccessDeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestListNarrowsOrgFilter(t *testing.T) {
	svc, _, _ := newFixture(
		Record{ID: 1, OrgID: 10},
		Record{ID: 2, OrgID: 11},
		Record{ID: 3, OrgID: 99},
	)

	recs, err := svc.List(context.Background(), 7, ListFilters{OrgIDs: []int64{10, 99}}, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(10), recs[0].OrgID)

	all, err := svc.List(context.Background(), 7, ListFilters{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCreateAuditsInTx(t *testing.T) {
	svc, _, ledger := newFixture()

	created, err := svc.Create(context.Background(), CreateInput{
		OrgID: 10, Category: "Cranes", Kind: KindForecast, Amount: 125000, Period: "2026-Q3", ActorID: 7,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, created.Version)

	require.Len(t, ledger.entries, 1)
	e := ledger.entries[0]
	assert.Equal(t, "pfa.create", e.Action)
	assert.Equal(t, ResourceType, e.ResourceType)
	assert.JSONEq(t, `{"org_id":10,"category":"Cranes","kind":"forecast","amount":125000,"period":"2026-Q3","version":1}`, string(e.After))
}

func TestCreateDeniedForForeignOrg(t *testing.T) {
	svc, store, ledger := newFixture()

	_, err := svc.Create(context.Background(), CreateInput{
		OrgID: 99, Category: "Cranes", Kind: KindPlan, Amount: 10, Period: "2026-Q3", ActorID: 7,
	})
	var denied *shared.AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Empty(t, store.records)
	assert.Empty(t, ledger.entries)
}

func TestUpdateVersionConflict(t *testing.T) {
	svc, _, _ := newFixture(Record{ID: 1, OrgID: 10, Version: 3, Amount: 100})

	_, err := svc.Update(context.Background(), UpdateInput{ID: 1, Amount: 150, Version: 2, ActorID: 7})
	var conflict *shared.ConsistencyError
	assert.ErrorAs(t, err, &conflict)

	got, err := svc.Update(context.Background(), UpdateInput{ID: 1, Amount: 150, Version: 3, ActorID: 7})
	require.NoError(t, err)
	assert.EqualValues(t, 4, got.Version)
	assert.Equal(t, 150.0, got.Amount)
}

func TestUpdateRejectsNegativeAmount(t *testing.T) {
	svc, _, _ := newFixture(Record{ID: 1, OrgID: 10, Version: 1})

	_, err := svc.Update(context.Background(), UpdateInput{ID: 1, Amount: -5, Version: 1, ActorID: 7})
	var verr *shared.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestDeleteKeepsFinalStateInLedger(t *testing.T) {
	svc, store, ledger := newFixture(Record{ID: 1, OrgID: 10, Category: "Cranes", Kind: KindActual, Amount: 80, Period: "2026-Q2"})

	require.NoError(t, svc.Delete(context.Background(), 7, 1, "duplicate import"))
	assert.Empty(t, store.records)

	require.Len(t, ledger.entries, 1)
	e := ledger.entries[0]
	assert.Equal(t, "pfa.delete", e.Action)
	assert.NotNil(t, e.Before)
	assert.Nil(t, e.After)
}

func TestBulkUpdateSharesOneBatch(t *testing.T) {
	svc, store, ledger := newFixture(
		Record{ID: 1, OrgID: 10, Amount: 100},
		Record{ID: 2, OrgID: 11, Amount: 200},
	)

	batchID, updated, err := svc.BulkUpdate(context.Background(), 7, []BulkUpdateItem{
		{ID: 1, Amount: 110},
		{ID: 2, Amount: 220},
	}, "quarterly true-up")
	require.NoError(t, err)
	assert.NotEmpty(t, batchID)
	assert.Len(t, updated, 2)

	require.Len(t, ledger.entries, 2)
	for _, e := range ledger.entries {
		assert.Equal(t, batchID, e.BatchID)
		assert.Equal(t, "quarterly true-up", e.Reason)
	}
	assert.Equal(t, 110.0, store.records[1].Amount)
	assert.Equal(t, 220.0, store.records[2].Amount)
}

func TestBulkUpdateRejectsWholeBatchOnForeignIDs(t *testing.T) {
	svc, store, ledger := newFixture(
		Record{ID: 1, OrgID: 10, Amount: 100},
		Record{ID: 2, OrgID: 99, Amount: 200},
		Record{ID: 3, OrgID: 98, Amount: 300},
	)

	_, _, err := svc.BulkUpdate(context.Background(), 7, []BulkUpdateItem{
		{ID: 1, Amount: 110},
		{ID: 2, Amount: 220},
		{ID: 3, Amount: 330},
	}, "mixed batch")

	var denied *shared.AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, []int64{2, 3}, denied.DeniedIDs)

	// Nothing was applied, the owned record included.
	assert.Equal(t, 100.0, store.records[1].Amount)
	assert.Empty(t, ledger.entries)
}

func TestBulkUpdateMissingRecord(t *testing.T) {
	svc, _, _ := newFixture(Record{ID: 1, OrgID: 10})

	_, _, err := svc.BulkUpdate(context.Background(), 7, []BulkUpdateItem{
		{ID: 1, Amount: 10},
		{ID: 404, Amount: 20},
	}, "bad batch")
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "404")
}

func TestBulkDelete(t *testing.T) {
	t.Run("deletes whole batch under one batch id", func(t *testing.T) {
		svc, store, ledger := newFixture(
			Record{ID: 1, OrgID: 10, Category: "Cranes", Amount: 100},
			Record{ID: 2, OrgID: 11, Category: "Cranes", Amount: 200},
		)

		batchID, err := svc.BulkDelete(context.Background(), 7, []int64{1, 2}, "season over")
		require.NoError(t, err)
		assert.NotEmpty(t, batchID)
		assert.Empty(t, store.records)

		require.Len(t, ledger.entries, 2)
		for _, e := range ledger.entries {
			assert.Equal(t, "pfa.delete", e.Action)
			assert.Equal(t, batchID, e.BatchID)
			assert.NotNil(t, e.Before)
			assert.Nil(t, e.After)
		}
	})

	t.Run("rejects whole batch on foreign ids", func(t *testing.T) {
		svc, store, ledger := newFixture(
			Record{ID: 1, OrgID: 10},
			Record{ID: 2, OrgID: 99},
		)

		_, err := svc.BulkDelete(context.Background(), 7, []int64{1, 2}, "mixed")
		var denied *shared.AccessDeniedError
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, []int64{2}, denied.DeniedIDs)
		assert.Len(t, store.records, 2)
		assert.Empty(t, ledger.entries)
	})
}

func TestBulkUpdateEmptyBatch(t *testing.T) {
	svc, _, _ := newFixture()

	_, _, err := svc.BulkUpdate(context.Background(), 7, nil, "noop")
	var verr *shared.ValidationError
	assert.ErrorAs(t, err, &verr)
}
