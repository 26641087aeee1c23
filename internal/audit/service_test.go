package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimelineRepo struct {
	entries []Entry

	gotLimit  int
	gotOffset int
}

func (f *fakeTimelineRepo) Window(ctx context.Context, filters TimelineFilters, limit, offset int) ([]Entry, error) {
	f.gotLimit, f.gotOffset = limit, offset
	if offset >= len(f.entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.entries) {
		end = len(f.entries)
	}
	return f.entries[offset:end], nil
}

func seedEntries(n int) []Entry {
	out := make([]Entry, n)
	for i := range out {
		out[i] = Entry{ID: int64(n - i), Action: "pfa.update"}
	}
	return out
}

func TestTimelinePaging(t *testing.T) {
	repo := &fakeTimelineRepo{entries: seedEntries(45)}
	svc := NewService(repo)

	t.Run("defaults", func(t *testing.T) {
		res, err := svc.Timeline(context.Background(), TimelineFilters{})
		require.NoError(t, err)
		assert.Len(t, res.Rows, 20)
		assert.Equal(t, 1, res.Paging.Page)
		assert.True(t, res.Paging.HasNext)
		assert.Equal(t, 2, res.Paging.NextPage)
		assert.Zero(t, res.Paging.PrevPage)
	})

	t.Run("middle page", func(t *testing.T) {
		res, err := svc.Timeline(context.Background(), TimelineFilters{Page: 2, PageSize: 20})
		require.NoError(t, err)
		assert.Len(t, res.Rows, 20)
		assert.Equal(t, 1, res.Paging.PrevPage)
		assert.Equal(t, 3, res.Paging.NextPage)
	})

	t.Run("last page", func(t *testing.T) {
		res, err := svc.Timeline(context.Background(), TimelineFilters{Page: 3, PageSize: 20})
		require.NoError(t, err)
		assert.Len(t, res.Rows, 5)
		assert.False(t, res.Paging.HasNext)
		assert.Zero(t, res.Paging.NextPage)
	})

	t.Run("page size clamped to 50", func(t *testing.T) {
		_, err := svc.Timeline(context.Background(), TimelineFilters{PageSize: 500})
		require.NoError(t, err)
		// One extra row is fetched to detect a next page.
		assert.Equal(t, 51, repo.gotLimit)
	})
}

func TestExportUnpaged(t *testing.T) {
	repo := &fakeTimelineRepo{entries: seedEntries(120)}
	svc := NewService(repo)

	rows, err := svc.Export(context.Background(), TimelineFilters{})
	require.NoError(t, err)
	assert.Len(t, rows, 120)
	assert.Zero(t, repo.gotOffset)
}
