package crawler

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/webspider/internal/cache"
	"github.com/JakeFAU/webspider/internal/metrics"
	"github.com/JakeFAU/webspider/internal/queue"
)

// EventName identifies an observable crawl transition.
type EventName string

// The full event surface. Every admission and fetch outcome a caller may
// want to observe is an event; none of them are also returned as errors.
const (
	EventCrawlStart          EventName = "crawlstart"
	EventQueueAdd            EventName = "queueadd"
	EventQueueDuplicate      EventName = "queueduplicate"
	EventQueueError          EventName = "queueerror"
	EventInvalidDomain       EventName = "invaliddomain"
	EventFetchDisallowed     EventName = "fetchdisallowed"
	EventFetchConditionError EventName = "fetchconditionerror"
	EventFetchPrevented      EventName = "fetchprevented"
	EventFetchStart          EventName = "fetchstart"
	EventFetchHeaders        EventName = "fetchheaders"
	EventFetchComplete       EventName = "fetchcomplete"
	EventFetchRedirect       EventName = "fetchredirect"
	EventNotModified         EventName = "notmodified"
	EventFetch404            EventName = "fetch404"
	EventFetch410            EventName = "fetch410"
	EventFetchError          EventName = "fetcherror"
	EventFetchDataError      EventName = "fetchdataerror"
	EventFetchTimeout        EventName = "fetchtimeout"
	EventFetchClientError    EventName = "fetchclienterror"
	EventGzipError           EventName = "gziperror"
	EventCookieError         EventName = "cookieerror"
	EventAddCookie           EventName = "addcookie"
	EventRemoveCookie        EventName = "removecookie"
	EventDownloadCondError   EventName = "downloadconditionerror"
	EventDownloadPrevented   EventName = "downloadprevented"
	EventRobotsTxtError      EventName = "robotstxterror"
	EventDiscoveryComplete   EventName = "discoverycomplete"
	EventComplete            EventName = "complete"
)

// Response carries the header-phase view of an HTTP response in event
// payloads.
type Response struct {
	Code          int
	Headers       http.Header
	ContentLength int64
	ContentType   string
}

// Event is the payload delivered to handlers. Fields are populated per
// event; unused ones are zero.
type Event struct {
	Name     EventName
	RunID    uuid.UUID
	Item     *queue.Item
	Referrer *queue.Item
	// Target is the redirect destination item, nil when it could not be
	// processed.
	Target         *queue.Item
	Response       *Response
	RequestOptions *RequestOptions
	Body           []byte
	URLs           []string
	Err            error
	SetCookie      string
	Timeout        time.Duration
	CacheObject    *cache.Object
}

// Handler observes events. Handlers run synchronously on the emitting
// goroutine, so per-item ordering guarantees hold; long work belongs behind
// a wait hold.
type Handler func(Event)

type handlerSlot struct {
	id int
	fn Handler
}

// Emitter is the engine's synchronous event dispatcher.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventName][]handlerSlot
	anys     []handlerSlot
	nextID   int
}

// NewEmitter constructs an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventName][]handlerSlot)}
}

// On registers a handler for the named event and returns its id.
func (e *Emitter) On(name EventName, fn Handler) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.handlers[name] = append(e.handlers[name], handlerSlot{id: e.nextID, fn: fn})
	return e.nextID
}

// OnAny registers a handler for every event and returns its id.
func (e *Emitter) OnAny(fn Handler) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.anys = append(e.anys, handlerSlot{id: e.nextID, fn: fn})
	return e.nextID
}

// Off removes a handler by id. Unknown ids are ignored.
func (e *Emitter) Off(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, slots := range e.handlers {
		e.handlers[name] = removeSlot(slots, id)
	}
	e.anys = removeSlot(e.anys, id)
}

func removeSlot(slots []handlerSlot, id int) []handlerSlot {
	for i, slot := range slots {
		if slot.id == id {
			return append(slots[:i:i], slots[i+1:]...)
		}
	}
	return slots
}

// Emit dispatches the event to all handlers registered for its name, then to
// any-handlers, in registration order.
func (e *Emitter) Emit(evt Event) {
	e.mu.RLock()
	named := append([]handlerSlot(nil), e.handlers[evt.Name]...)
	anys := append([]handlerSlot(nil), e.anys...)
	e.mu.RUnlock()

	metrics.ObserveEvent(string(evt.Name))
	for _, slot := range named {
		slot.fn(evt)
	}
	for _, slot := range anys {
		slot.fn(evt)
	}
}
