package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/webspider/internal/queue"
)

// FetchCondition is evaluated during URL admission, before queueing. A
// returned error maps to a fetchconditionerror event; a false verdict maps
// to fetchprevented. Conditions performing their own I/O should honor ctx.
type FetchCondition func(ctx context.Context, item, referrer *queue.Item) (bool, error)

// DownloadCondition is evaluated after response headers, before body
// streaming. A returned error maps to downloadconditionerror; a false
// verdict to downloadprevented.
type DownloadCondition func(ctx context.Context, item *queue.Item, response *Response) (bool, error)

// ErrNoLiveSlot signals a Remove against an id whose slot is already empty
// or was never assigned.
var ErrNoLiveSlot = errors.New("no condition found with the given id")

// fetchConditionSet stores predicates in stable slots: removal nullifies a
// slot rather than renumbering later ones, and iteration skips empties.
type fetchConditionSet struct {
	mu    sync.Mutex
	slots []FetchCondition
}

func (s *fetchConditionSet) add(cond FetchCondition) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = append(s.slots, cond)
	return len(s.slots) - 1
}

func (s *fetchConditionSet) remove(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.slots) || s.slots[id] == nil {
		return fmt.Errorf("%w: %d", ErrNoLiveSlot, id)
	}
	s.slots[id] = nil
	return nil
}

func (s *fetchConditionSet) snapshot() []FetchCondition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FetchCondition(nil), s.slots...)
}

type downloadConditionSet struct {
	mu    sync.Mutex
	slots []DownloadCondition
}

func (s *downloadConditionSet) add(cond DownloadCondition) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots = append(s.slots, cond)
	return len(s.slots) - 1
}

func (s *downloadConditionSet) remove(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= len(s.slots) || s.slots[id] == nil {
		return fmt.Errorf("%w: %d", ErrNoLiveSlot, id)
	}
	s.slots[id] = nil
	return nil
}

func (s *downloadConditionSet) snapshot() []DownloadCondition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DownloadCondition(nil), s.slots...)
}

// AddFetchCondition registers a fetch condition and returns its stable id.
func (c *Crawler) AddFetchCondition(cond FetchCondition) (int, error) {
	if cond == nil {
		return 0, errors.New("fetch condition must be a function")
	}
	return c.fetchConditions.add(cond), nil
}

// RemoveFetchCondition nullifies the slot with the given id.
func (c *Crawler) RemoveFetchCondition(id int) error {
	return c.fetchConditions.remove(id)
}

// AddDownloadCondition registers a download condition and returns its stable
// id.
func (c *Crawler) AddDownloadCondition(cond DownloadCondition) (int, error) {
	if cond == nil {
		return 0, errors.New("download condition must be a function")
	}
	return c.downloadConditions.add(cond), nil
}

// RemoveDownloadCondition nullifies the slot with the given id.
func (c *Crawler) RemoveDownloadCondition(id int) error {
	return c.downloadConditions.remove(id)
}

// QueueURL admits a raw URL discovered relative to referrer. The fixed
// pipeline is: parse, domain validity, robots rules, depth cap (when MaxDepth
// is set), fetch conditions, queue add. A URL that cannot be parsed is dropped
// without an event; every later rejection surfaces as an event, never as an
// error. The return value reports whether the URL was queued.
func (c *Crawler) QueueURL(raw string, referrer *queue.Item, force bool) bool {
	return c.queueURL(c.baseContext(), raw, referrer, force)
}

func (c *Crawler) queueURL(ctx context.Context, raw string, referrer *queue.Item, force bool) bool {
	item, ok := c.processURL(raw, referrer)
	if !ok {
		c.logger.Debug("discarding unparseable URL", zap.String("url", raw))
		return false
	}

	if !c.domainValid(item.Host) {
		c.emit(Event{Name: EventInvalidDomain, Item: item, Referrer: referrer})
		return false
	}

	if c.cfg.RespectRobotsTxt && !c.urlAllowed(item) {
		c.emit(Event{Name: EventFetchDisallowed, Item: item, Referrer: referrer})
		return false
	}

	if c.cfg.MaxDepth > 0 && item.Depth > c.cfg.MaxDepth {
		c.emit(Event{Name: EventFetchPrevented, Item: item, Referrer: referrer})
		return false
	}

	for _, cond := range c.fetchConditions.snapshot() {
		if cond == nil {
			continue
		}
		pass, err := cond(ctx, item, referrer)
		if err != nil {
			c.emit(Event{Name: EventFetchConditionError, Item: item, Referrer: referrer, Err: err})
			return false
		}
		if !pass {
			c.emit(Event{Name: EventFetchPrevented, Item: item, Referrer: referrer})
			return false
		}
	}

	added, err := c.queue.Add(ctx, item, force)
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		c.emit(Event{Name: EventQueueDuplicate, Item: item, Referrer: referrer})
		return false
	case err != nil:
		c.emit(Event{Name: EventQueueError, Item: item, Referrer: referrer, Err: err})
		return false
	}

	c.emit(Event{Name: EventQueueAdd, Item: added, Referrer: referrer})
	return true
}

// domainValid applies the OR-combined scope rules to a candidate host.
func (c *Crawler) domainValid(host string) bool {
	if !c.cfg.FilterByDomain {
		return true
	}
	host = strings.ToLower(host)
	engineHost := strings.ToLower(c.Host())

	sameAs := func(a, b string) bool {
		if a == b {
			return true
		}
		if c.cfg.IgnoreWWWDomain {
			return strings.TrimPrefix(a, "www.") == strings.TrimPrefix(b, "www.")
		}
		return false
	}

	if sameAs(host, engineHost) {
		return true
	}
	for _, allowed := range c.cfg.DomainWhitelist {
		if sameAs(host, strings.ToLower(allowed)) {
			return true
		}
	}
	if c.cfg.ScanSubdomains && strings.HasSuffix(host, "."+engineHost) {
		return true
	}
	return false
}
