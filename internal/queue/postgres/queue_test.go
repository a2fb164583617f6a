package postgres

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webspider/internal/queue"
)

func newItem(url string) *queue.Item {
	return &queue.Item{
		URL:       url,
		Protocol:  "http",
		Host:      "example.com",
		Port:      80,
		Path:      "/",
		Depth:     1,
		Status:    queue.StatusCreated,
		StateData: queue.StateData{},
	}
}

func TestAdd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("inserts with id equal to length", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		q := NewWithDB(mock)

		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("http://example.com/").
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery(`SELECT COUNT`).
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))
		mock.ExpectExec(`INSERT INTO queue_items`).
			WithArgs(2, "http://example.com/", string(queue.StatusQueued), false, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		added, err := q.Add(ctx, newItem("http://example.com/"), false)
		require.NoError(t, err)
		assert.Equal(t, 2, added.ID)
		assert.Equal(t, queue.StatusQueued, added.Status)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate URL rejected without force", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		q := NewWithDB(mock)

		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("http://example.com/").
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

		_, err = q.Add(ctx, newItem("http://example.com/"), false)
		require.ErrorIs(t, err, queue.ErrDuplicate)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("same object rejected even with force", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		q := NewWithDB(mock)
		item := newItem("http://example.com/")

		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("http://example.com/").
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectQuery(`SELECT COUNT`).
			WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec(`INSERT INTO queue_items`).
			WithArgs(0, "http://example.com/", string(queue.StatusQueued), false, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		_, err = q.Add(ctx, item, false)
		require.NoError(t, err)

		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("http://example.com/").
			WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
		_, err = q.Add(ctx, item, true)
		require.ErrorIs(t, err, queue.ErrAddedTwice)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOldestUnfetched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("returns next queued item and advances the cursor", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		q := NewWithDB(mock)

		item := newItem("http://example.com/a")
		item.ID = 3
		item.Status = queue.StatusQueued
		payload, err := json.Marshal(item)
		require.NoError(t, err)

		mock.ExpectQuery(`SELECT id, item FROM queue_items`).
			WithArgs(string(queue.StatusQueued), 0).
			WillReturnRows(pgxmock.NewRows([]string{"id", "item"}).AddRow(3, payload))

		picked, err := q.OldestUnfetched(ctx)
		require.NoError(t, err)
		require.NotNil(t, picked)
		assert.Equal(t, 3, picked.ID)

		// The next pick scans from the advanced cursor.
		mock.ExpectQuery(`SELECT id, item FROM queue_items`).
			WithArgs(string(queue.StatusQueued), 3).
			WillReturnRows(pgxmock.NewRows([]string{"id", "item"}))

		picked, err = q.OldestUnfetched(ctx)
		require.NoError(t, err)
		assert.Nil(t, picked)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	q := NewWithDB(mock)

	stored := newItem("http://example.com/")
	stored.ID = 1
	stored.Status = queue.StatusSpooled
	payload, err := json.Marshal(stored)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT item FROM queue_items WHERE id`).
		WithArgs(1).
		WillReturnRows(pgxmock.NewRows([]string{"item"}).AddRow(payload))
	mock.ExpectExec(`UPDATE queue_items SET`).
		WithArgs(1, string(queue.StatusDownloaded), true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	fetched := true
	downloaded := queue.StatusDownloaded
	updated, err := q.Update(ctx, 1, queue.Change{
		Fetched:   &fetched,
		Status:    &downloaded,
		StateData: queue.StateData{"code": 200},
	})
	require.NoError(t, err)
	assert.True(t, updated.Fetched)
	assert.Equal(t, queue.StatusDownloaded, updated.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatisticsValidation(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	q := NewWithDB(mock)

	_, err = q.Avg(context.Background(), "bogus")
	require.ErrorIs(t, err, queue.ErrInvalidStatistic)
	require.NoError(t, mock.ExpectationsWereMet())
}
