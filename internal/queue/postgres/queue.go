// Package postgres provides a Postgres-backed fetch queue so crawls can
// survive process restarts. It satisfies the same asynchronous contract as
// the in-memory queue; the engine never knows the difference.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/webspider/internal/queue"
)

// DB is the subset of pgxpool.Pool the queue needs; pgxmock satisfies it in
// tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queue stores items in a single jsonb-backed table. Object identity for
// the forced double-add check and the oldest-unfetched cursor are kept in
// memory; both are per-engine concerns, not shared state.
type Queue struct {
	db DB

	mu              sync.Mutex
	known           map[*queue.Item]struct{}
	oldestUnfetched int
}

const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
	id      INTEGER PRIMARY KEY,
	url     TEXT NOT NULL UNIQUE,
	status  TEXT NOT NULL,
	fetched BOOLEAN NOT NULL DEFAULT FALSE,
	item    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS queue_items_status_idx ON queue_items (status, id);
`

// New connects to dsn and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Queue, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	q := NewWithDB(pool)
	if _, err := q.db.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure queue schema: %w", err)
	}
	return q, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db DB) *Queue {
	return &Queue{
		db:    db,
		known: make(map[*queue.Item]struct{}),
	}
}

var _ queue.Queue = (*Queue)(nil)

// Add implements queue.Queue.
func (q *Queue) Add(ctx context.Context, item *queue.Item, force bool) (*queue.Item, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM queue_items WHERE url = $1)`, item.URL,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check queue for %s: %w", item.URL, err)
	}
	if exists {
		if !force {
			return nil, fmt.Errorf("%w: %s", queue.ErrDuplicate, item.URL)
		}
		q.mu.Lock()
		_, added := q.known[item]
		q.mu.Unlock()
		if added {
			return nil, queue.ErrAddedTwice
		}
	}

	var length int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&length); err != nil {
		return nil, fmt.Errorf("count queue items: %w", err)
	}
	item.ID = length
	item.Status = queue.StatusQueued

	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal queue item: %w", err)
	}
	_, err = q.db.Exec(ctx,
		`INSERT INTO queue_items (id, url, status, fetched, item) VALUES ($1, $2, $3, $4, $5)`,
		item.ID, item.URL, string(item.Status), item.Fetched, payload,
	)
	if err != nil {
		return nil, fmt.Errorf("insert queue item: %w", err)
	}

	q.mu.Lock()
	q.known[item] = struct{}{}
	q.mu.Unlock()
	return item, nil
}

// Exists implements queue.Queue.
func (q *Queue) Exists(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM queue_items WHERE url = $1)`, url,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check queue for %s: %w", url, err)
	}
	return exists, nil
}

// Get implements queue.Queue. Ids equal insertion order, so the positional
// lookup is a primary key read.
func (q *Queue) Get(ctx context.Context, index int) (*queue.Item, error) {
	item, err := q.fetchByID(ctx, index)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", queue.ErrOutOfRange, index)
	}
	return item, err
}

func (q *Queue) fetchByID(ctx context.Context, id int) (*queue.Item, error) {
	var payload []byte
	if err := q.db.QueryRow(ctx,
		`SELECT item FROM queue_items WHERE id = $1`, id,
	).Scan(&payload); err != nil {
		return nil, err
	}
	var item queue.Item
	if err := json.Unmarshal(payload, &item); err != nil {
		return nil, fmt.Errorf("unmarshal queue item %d: %w", id, err)
	}
	return &item, nil
}

// Update implements queue.Queue with a read-merge-write cycle.
func (q *Queue) Update(ctx context.Context, id int, change queue.Change) (*queue.Item, error) {
	item, err := q.fetchByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: id %d", queue.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load queue item %d: %w", id, err)
	}
	item.Merge(change)

	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal queue item %d: %w", id, err)
	}
	_, err = q.db.Exec(ctx,
		`UPDATE queue_items SET status = $2, fetched = $3, item = $4 WHERE id = $1`,
		id, string(item.Status), item.Fetched, payload,
	)
	if err != nil {
		return nil, fmt.Errorf("update queue item %d: %w", id, err)
	}
	return item, nil
}

// OldestUnfetched implements queue.Queue, scanning forward from the cursor.
func (q *Queue) OldestUnfetched(ctx context.Context) (*queue.Item, error) {
	q.mu.Lock()
	cursor := q.oldestUnfetched
	q.mu.Unlock()

	var payload []byte
	var id int
	err := q.db.QueryRow(ctx,
		`SELECT id, item FROM queue_items WHERE status = $1 AND id >= $2 ORDER BY id LIMIT 1`,
		string(queue.StatusQueued), cursor,
	).Scan(&id, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pick oldest unfetched: %w", err)
	}
	var item queue.Item
	if err := json.Unmarshal(payload, &item); err != nil {
		return nil, fmt.Errorf("unmarshal queue item %d: %w", id, err)
	}

	q.mu.Lock()
	if id > q.oldestUnfetched {
		q.oldestUnfetched = id
	}
	q.mu.Unlock()
	return &item, nil
}

// Length implements queue.Queue.
func (q *Queue) Length(ctx context.Context) (int, error) {
	var length int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&length); err != nil {
		return 0, fmt.Errorf("count queue items: %w", err)
	}
	return length, nil
}

// CountCompleted implements queue.Queue.
func (q *Queue) CountCompleted(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_items WHERE fetched`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count completed items: %w", err)
	}
	return count, nil
}

// Max implements queue.Queue.
func (q *Queue) Max(ctx context.Context, statistic string) (float64, error) {
	return q.aggregate(ctx, statistic, func(values []float64) float64 {
		max := 0.0
		for i, v := range values {
			if i == 0 || v > max {
				max = v
			}
		}
		return max
	})
}

// Min implements queue.Queue.
func (q *Queue) Min(ctx context.Context, statistic string) (float64, error) {
	return q.aggregate(ctx, statistic, func(values []float64) float64 {
		min := 0.0
		for i, v := range values {
			if i == 0 || v < min {
				min = v
			}
		}
		return min
	})
}

// Avg implements queue.Queue.
func (q *Queue) Avg(ctx context.Context, statistic string) (float64, error) {
	return q.aggregate(ctx, statistic, func(values []float64) float64 {
		if len(values) == 0 {
			return math.NaN()
		}
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	})
}

func (q *Queue) aggregate(ctx context.Context, statistic string, reduce func([]float64) float64) (float64, error) {
	if !queue.ValidStatistic(statistic) {
		return 0, fmt.Errorf("%w: %s", queue.ErrInvalidStatistic, statistic)
	}
	items, err := q.selectItems(ctx, `SELECT item FROM queue_items WHERE fetched ORDER BY id`)
	if err != nil {
		return 0, err
	}
	var values []float64
	for _, item := range items {
		if v, ok := item.StatisticValue(statistic); ok {
			values = append(values, v)
		}
	}
	return reduce(values), nil
}

// CountItems implements queue.Queue.
func (q *Queue) CountItems(ctx context.Context, comparator queue.Comparator) (int, error) {
	matches, err := q.FilterItems(ctx, comparator)
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// FilterItems implements queue.Queue. Comparator matching happens client
// side so semantics stay identical to the in-memory queue.
func (q *Queue) FilterItems(ctx context.Context, comparator queue.Comparator) ([]*queue.Item, error) {
	items, err := q.selectItems(ctx, `SELECT item FROM queue_items ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var matches []*queue.Item
	for _, item := range items {
		if item.Matches(comparator) {
			matches = append(matches, item)
		}
	}
	return matches, nil
}

// Freeze implements queue.Queue.
func (q *Queue) Freeze(ctx context.Context, filename string) error {
	if _, err := q.db.Exec(ctx,
		`UPDATE queue_items SET status = $1, item = jsonb_set(item, '{status}', to_jsonb($1::text)) WHERE NOT fetched`,
		string(queue.StatusQueued),
	); err != nil {
		return fmt.Errorf("reset in-flight statuses: %w", err)
	}
	items, err := q.selectItems(ctx, `SELECT item FROM queue_items ORDER BY id`)
	if err != nil {
		return err
	}
	payload, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	if err := os.WriteFile(filename, payload, 0o644); err != nil {
		return fmt.Errorf("write frozen queue: %w", err)
	}
	return nil
}

// Defrost implements queue.Queue, replacing the table contents with the
// snapshot.
func (q *Queue) Defrost(ctx context.Context, filename string) error {
	payload, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read frozen queue: %w", err)
	}
	var items []*queue.Item
	if err := json.Unmarshal(payload, &items); err != nil {
		return fmt.Errorf("unmarshal frozen queue: %w", err)
	}

	if _, err := q.db.Exec(ctx, `DELETE FROM queue_items`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	for _, item := range items {
		row, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal queue item %d: %w", item.ID, err)
		}
		if _, err := q.db.Exec(ctx,
			`INSERT INTO queue_items (id, url, status, fetched, item) VALUES ($1, $2, $3, $4, $5)`,
			item.ID, item.URL, string(item.Status), item.Fetched, row,
		); err != nil {
			return fmt.Errorf("restore queue item %d: %w", item.ID, err)
		}
	}

	q.mu.Lock()
	q.oldestUnfetched = 0
	q.known = make(map[*queue.Item]struct{})
	q.mu.Unlock()
	return nil
}

func (q *Queue) selectItems(ctx context.Context, sql string, args ...any) ([]*queue.Item, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("select queue items: %w", err)
	}
	defer rows.Close()

	var items []*queue.Item
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		var item queue.Item
		if err := json.Unmarshal(payload, &item); err != nil {
			return nil, fmt.Errorf("unmarshal queue item: %w", err)
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}
	return items, nil
}
