// Package queue defines the fetch queue contract shared by the crawl engine
// and its pluggable backends. Implementations may complete operations on a
// different goroutine or against a remote store; callers must not assume
// same-turn completion.
package queue

import (
	"context"
	"errors"
	"math"
)

// Status is the lifecycle state of a queue item.
type Status string

// Item lifecycle states. The happy path is created -> queued -> spooled ->
// headers -> downloaded; the remaining values are alternate terminals.
const (
	StatusCreated           Status = "created"
	StatusQueued            Status = "queued"
	StatusSpooled           Status = "spooled"
	StatusHeaders           Status = "headers"
	StatusDownloaded        Status = "downloaded"
	StatusRedirected        Status = "redirected"
	StatusNotFound          Status = "notfound"
	StatusFailed            Status = "failed"
	StatusTimeout           Status = "timeout"
	StatusDisallowed        Status = "disallowed"
	StatusDownloadPrevented Status = "downloadprevented"
)

// Terminal reports whether the status may accompany fetched=true. A fetched
// item never transitions again except through Freeze/Defrost.
func (s Status) Terminal() bool {
	switch s {
	case StatusDownloaded, StatusRedirected, StatusNotFound, StatusFailed,
		StatusTimeout, StatusDisallowed, StatusDownloadPrevented:
		return true
	default:
		return false
	}
}

// StateData is the per-item bag populated across the request lifecycle.
// Keys include requestLatency, requestTime, downloadTime, contentLength,
// contentType, code, headers, actualDataSize and sentIncorrectSize.
type StateData map[string]any

// Item is the unit of work tracked by a Queue.
type Item struct {
	ID        int       `json:"id"`
	URL       string    `json:"url"`
	Protocol  string    `json:"protocol"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Path      string    `json:"path"`
	URIPath   string    `json:"uriPath"`
	Depth     int       `json:"depth"`
	Referrer  string    `json:"referrer"`
	Fetched   bool      `json:"fetched"`
	Status    Status    `json:"status"`
	StateData StateData `json:"stateData"`
}

// Change is a partial update applied to an item. Nil pointer fields are left
// untouched; StateData is merged key by key, recursing into nested maps
// rather than replacing them wholesale.
type Change struct {
	Fetched   *bool
	Status    *Status
	Depth     *int
	StateData StateData
}

// Comparator is a partial item shape. An item matches when every property in
// the comparator equals the same property on the item, recursively for
// nested maps. A type mismatch at any level disqualifies the item.
type Comparator map[string]any

// Errors returned by Queue implementations.
var (
	// ErrDuplicate signals an Add without force for a URL already queued.
	ErrDuplicate = errors.New("resource already exists in queue")
	// ErrAddedTwice signals a forced Add of an item object already queued.
	ErrAddedTwice = errors.New("same queue item cannot be added twice")
	// ErrInvalidStatistic signals an aggregate query for an unknown field.
	ErrInvalidStatistic = errors.New("invalid statistic")
	// ErrOutOfRange signals a Get with an index outside the queue.
	ErrOutOfRange = errors.New("index out of range")
	// ErrNotFound signals an Update against an id not present in the queue.
	ErrNotFound = errors.New("queue item not found")
)

// allowedStatistics names the numeric stateData fields aggregate queries may
// target.
var allowedStatistics = map[string]struct{}{
	"actualDataSize": {},
	"contentLength":  {},
	"downloadTime":   {},
	"requestLatency": {},
	"requestTime":    {},
}

// ValidStatistic reports whether name may be passed to Max, Min or Avg.
func ValidStatistic(name string) bool {
	_, ok := allowedStatistics[name]
	return ok
}

// Queue is an ordered store of queue items. The contract is asynchronous by
// design so that durable backends can satisfy it; even in-memory
// implementations must tolerate concurrent callers.
type Queue interface {
	// Add appends item with id equal to the current length and status
	// queued. Without force a URL already present fails with ErrDuplicate;
	// with force only re-adding the identical item object fails, with
	// ErrAddedTwice.
	Add(ctx context.Context, item *Item, force bool) (*Item, error)

	// Exists reports whether a queued item holds the given URL.
	Exists(ctx context.Context, url string) (bool, error)

	// Get returns the item at index, or ErrOutOfRange.
	Get(ctx context.Context, index int) (*Item, error)

	// Update merges change into the item with the given id and returns the
	// mutated item.
	Update(ctx context.Context, id int, change Change) (*Item, error)

	// OldestUnfetched returns the first queued item at or after the scan
	// cursor and advances the cursor. The absence of unfetched work is not
	// an error: it returns (nil, nil).
	OldestUnfetched(ctx context.Context) (*Item, error)

	// Length returns the number of items in the queue.
	Length(ctx context.Context) (int, error)

	// CountCompleted returns the number of items with fetched=true.
	CountCompleted(ctx context.Context) (int, error)

	// Max, Min and Avg aggregate a whitelisted numeric stateData field
	// across fetched items, considering only finite values. An empty set
	// yields 0 for Max and Min, and NaN for Avg.
	Max(ctx context.Context, statistic string) (float64, error)
	Min(ctx context.Context, statistic string) (float64, error)
	Avg(ctx context.Context, statistic string) (float64, error)

	// CountItems and FilterItems match items against a partial shape.
	CountItems(ctx context.Context, comparator Comparator) (int, error)
	FilterItems(ctx context.Context, comparator Comparator) ([]*Item, error)

	// Freeze writes the item sequence to filename as JSON, rewriting any
	// non-fetched status back to queued first so a restored crawl resumes
	// cleanly. Defrost reloads the file, rebuilds the scan index and
	// recomputes the cursor.
	Freeze(ctx context.Context, filename string) error
	Defrost(ctx context.Context, filename string) error
}

// asMap renders an item as the nested map shape comparators are matched
// against.
func (it *Item) asMap() map[string]any {
	return map[string]any{
		"id":        it.ID,
		"url":       it.URL,
		"protocol":  it.Protocol,
		"host":      it.Host,
		"port":      it.Port,
		"path":      it.Path,
		"uriPath":   it.URIPath,
		"depth":     it.Depth,
		"referrer":  it.Referrer,
		"fetched":   it.Fetched,
		"status":    string(it.Status),
		"stateData": map[string]any(it.StateData),
	}
}

// Matches reports whether the item satisfies the comparator.
func (it *Item) Matches(comparator Comparator) bool {
	return matchMap(it.asMap(), comparator)
}

func matchMap(candidate map[string]any, want map[string]any) bool {
	for key, wantValue := range want {
		haveValue, ok := candidate[key]
		if !ok {
			return false
		}
		if !matchValue(haveValue, wantValue) {
			return false
		}
	}
	return true
}

func matchValue(have, want any) bool {
	if wantMap, ok := toAnyMap(want); ok {
		haveMap, ok := toAnyMap(have)
		if !ok {
			return false
		}
		return matchMap(haveMap, wantMap)
	}
	if wantNum, ok := numeric(want); ok {
		haveNum, ok := numeric(have)
		return ok && haveNum == wantNum
	}
	if wantStr, ok := toString(want); ok {
		haveStr, ok := toString(have)
		return ok && haveStr == wantStr
	}
	return have == want
}

func toAnyMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case StateData:
		return map[string]any(m), true
	case Comparator:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case Status:
		return string(s), true
	default:
		return "", false
	}
}

// numeric widens any numeric value to float64 so comparators and statistics
// do not depend on how a value was stored (int from code, float64 from a
// defrosted JSON document).
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// StatisticValue extracts a finite numeric statistic from the item, if any.
func (it *Item) StatisticValue(statistic string) (float64, bool) {
	if it.StateData == nil {
		return 0, false
	}
	value, ok := numeric(it.StateData[statistic])
	if !ok {
		return 0, false
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	return value, true
}

// Merge applies the change to the item in place. Nested maps inside
// StateData are merged recursively so that header maps and similar bags are
// extended rather than replaced.
func (it *Item) Merge(change Change) {
	if change.Fetched != nil {
		it.Fetched = *change.Fetched
	}
	if change.Status != nil {
		it.Status = *change.Status
	}
	if change.Depth != nil {
		it.Depth = *change.Depth
	}
	if len(change.StateData) > 0 {
		if it.StateData == nil {
			it.StateData = make(StateData, len(change.StateData))
		}
		mergeMap(it.StateData, change.StateData)
	}
}

func mergeMap(dst map[string]any, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := toAnyMap(value)
		if srcIsMap {
			if dstMap, ok := toAnyMap(dst[key]); ok {
				mergeMap(dstMap, srcMap)
				continue
			}
			fresh := make(map[string]any, len(srcMap))
			mergeMap(fresh, srcMap)
			dst[key] = fresh
			continue
		}
		dst[key] = value
	}
}
