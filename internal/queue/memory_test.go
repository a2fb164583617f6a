package queue

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newItem(url string) *Item {
	return &Item{
		URL:       url,
		Protocol:  "http",
		Host:      "example.com",
		Port:      80,
		Path:      "/",
		Depth:     1,
		Status:    StatusCreated,
		StateData: StateData{},
	}
}

func TestMemoryAdd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("ids equal insertion index", func(t *testing.T) {
		q := NewMemory()
		for i, url := range []string{"http://example.com/", "http://example.com/a", "http://example.com/b"} {
			added, err := q.Add(ctx, newItem(url), false)
			require.NoError(t, err)
			assert.Equal(t, i, added.ID)
			assert.Equal(t, StatusQueued, added.Status)
		}
		length, err := q.Length(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, length)
	})

	t.Run("duplicate URL rejected without force", func(t *testing.T) {
		q := NewMemory()
		_, err := q.Add(ctx, newItem("http://example.com/"), false)
		require.NoError(t, err)

		_, err = q.Add(ctx, newItem("http://example.com/"), false)
		require.ErrorIs(t, err, ErrDuplicate)

		length, err := q.Length(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, length)
	})

	t.Run("force admits a duplicate URL but not the same object", func(t *testing.T) {
		q := NewMemory()
		first := newItem("http://example.com/")
		_, err := q.Add(ctx, first, false)
		require.NoError(t, err)

		_, err = q.Add(ctx, newItem("http://example.com/"), true)
		require.NoError(t, err)

		_, err = q.Add(ctx, first, true)
		require.ErrorIs(t, err, ErrAddedTwice)
		require.NotErrorIs(t, err, ErrDuplicate)
	})
}

func TestMemoryExists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()

	_, err := q.Add(ctx, newItem("http://example.com/here"), false)
	require.NoError(t, err)

	exists, err := q.Exists(ctx, "http://example.com/here")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = q.Exists(ctx, "http://example.com/elsewhere")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()

	added, err := q.Add(ctx, newItem("http://example.com/"), false)
	require.NoError(t, err)

	got, err := q.Get(ctx, 0)
	require.NoError(t, err)
	assert.Same(t, added, got)

	_, err = q.Get(ctx, 1)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = q.Get(ctx, -1)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestMemoryUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("merges nested state data", func(t *testing.T) {
		q := NewMemory()
		item := newItem("http://example.com/")
		item.StateData = StateData{"headers": map[string]any{"Server": "a"}}
		_, err := q.Add(ctx, item, false)
		require.NoError(t, err)

		status := StatusSpooled
		updated, err := q.Update(ctx, 0, Change{
			Status: &status,
			StateData: StateData{
				"code":    200,
				"headers": map[string]any{"Content-Type": "text/html"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusSpooled, updated.Status)
		assert.Equal(t, 200, updated.StateData["code"])

		headers, ok := updated.StateData["headers"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "a", headers["Server"], "existing nested keys survive the merge")
		assert.Equal(t, "text/html", headers["Content-Type"])
	})

	t.Run("missing id", func(t *testing.T) {
		q := NewMemory()
		_, err := q.Update(ctx, 42, Change{})
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryOldestUnfetched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()

	for _, url := range []string{"http://example.com/0", "http://example.com/1", "http://example.com/2"} {
		_, err := q.Add(ctx, newItem(url), false)
		require.NoError(t, err)
	}

	first, err := q.OldestUnfetched(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 0, first.ID)

	spooled := StatusSpooled
	_, err = q.Update(ctx, 0, Change{Status: &spooled})
	require.NoError(t, err)

	second, err := q.OldestUnfetched(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 1, second.ID, "cursor advances past non-queued items")

	// The cursor is monotone: items behind it are never returned again.
	queued := StatusQueued
	_, err = q.Update(ctx, 1, Change{Status: &spooled})
	require.NoError(t, err)
	_, err = q.Update(ctx, 2, Change{Status: &spooled})
	require.NoError(t, err)
	_, err = q.Update(ctx, 0, Change{Status: &queued})
	require.NoError(t, err)

	third, err := q.OldestUnfetched(ctx)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestMemoryStatistics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("unknown statistic refused", func(t *testing.T) {
		q := NewMemory()
		_, err := q.Max(ctx, "depth")
		require.ErrorIs(t, err, ErrInvalidStatistic)
	})

	t.Run("empty set yields zero for max and min, NaN for avg", func(t *testing.T) {
		q := NewMemory()
		max, err := q.Max(ctx, "requestTime")
		require.NoError(t, err)
		assert.Zero(t, max)

		min, err := q.Min(ctx, "requestTime")
		require.NoError(t, err)
		assert.Zero(t, min)

		avg, err := q.Avg(ctx, "requestTime")
		require.NoError(t, err)
		assert.True(t, math.IsNaN(avg))
	})

	t.Run("aggregates only fetched items with finite values", func(t *testing.T) {
		q := NewMemory()
		fetched := true
		for i, ms := range []float64{100, 300, 200} {
			item := newItem("http://example.com/" + string(rune('a'+i)))
			_, err := q.Add(ctx, item, false)
			require.NoError(t, err)
			status := StatusDownloaded
			_, err = q.Update(ctx, item.ID, Change{
				Fetched:   &fetched,
				Status:    &status,
				StateData: StateData{"requestTime": ms},
			})
			require.NoError(t, err)
		}
		unfetched := newItem("http://example.com/pending")
		unfetched.StateData = StateData{"requestTime": 9999.0}
		_, err := q.Add(ctx, unfetched, false)
		require.NoError(t, err)

		max, err := q.Max(ctx, "requestTime")
		require.NoError(t, err)
		assert.Equal(t, 300.0, max)

		min, err := q.Min(ctx, "requestTime")
		require.NoError(t, err)
		assert.Equal(t, 100.0, min)

		avg, err := q.Avg(ctx, "requestTime")
		require.NoError(t, err)
		assert.Equal(t, 200.0, avg)
	})
}

func TestMemoryComparators(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := NewMemory()

	fetched := true
	downloaded := StatusDownloaded
	for i := 0; i < 3; i++ {
		item := newItem("http://example.com/" + string(rune('a'+i)))
		_, err := q.Add(ctx, item, false)
		require.NoError(t, err)
	}
	_, err := q.Update(ctx, 0, Change{
		Fetched:   &fetched,
		Status:    &downloaded,
		StateData: StateData{"code": 200},
	})
	require.NoError(t, err)
	_, err = q.Update(ctx, 1, Change{
		Fetched:   &fetched,
		Status:    &downloaded,
		StateData: StateData{"code": 404},
	})
	require.NoError(t, err)

	count, err := q.CountItems(ctx, Comparator{"fetched": true})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = q.CountItems(ctx, Comparator{"fetched": true, "stateData": map[string]any{"code": 200}})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// A type mismatch at any level disqualifies.
	count, err = q.CountItems(ctx, Comparator{"fetched": "true"})
	require.NoError(t, err)
	assert.Zero(t, count)

	matches, err := q.FilterItems(ctx, Comparator{"status": StatusQueued})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, 2, matches[0].ID)
}

func TestMemoryFreezeDefrost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "queue.json")

	q := NewMemory()
	fetched := true
	downloaded := StatusDownloaded
	spooled := StatusSpooled
	for _, url := range []string{"http://example.com/", "http://example.com/a", "http://example.com/b"} {
		_, err := q.Add(ctx, newItem(url), false)
		require.NoError(t, err)
	}
	_, err := q.Update(ctx, 0, Change{
		Fetched:   &fetched,
		Status:    &downloaded,
		StateData: StateData{"requestTime": 120},
	})
	require.NoError(t, err)
	_, err = q.Update(ctx, 1, Change{Status: &spooled})
	require.NoError(t, err)

	require.NoError(t, q.Freeze(ctx, filename))

	restored := NewMemory()
	require.NoError(t, restored.Defrost(ctx, filename))

	length, err := restored.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, length)

	for i := 0; i < length; i++ {
		item, getErr := restored.Get(ctx, i)
		require.NoError(t, getErr)
		assert.Equal(t, i, item.ID, "ids and positions stay equal after defrost")
	}

	// The in-flight spooled item was rewritten to queued before the write.
	next, err := restored.OldestUnfetched(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.ID)

	exists, err := restored.Exists(ctx, "http://example.com/a")
	require.NoError(t, err)
	assert.True(t, exists, "scan index is rebuilt")

	max, err := restored.Max(ctx, "requestTime")
	require.NoError(t, err)
	assert.Equal(t, 120.0, max, "numeric state survives the JSON round trip")
}
