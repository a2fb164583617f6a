// Package crawler implements an event-driven, single-seed web crawler. Given
// one starting URL it discovers linked resources, enforces scoping rules
// (domain, protocol, MIME type, depth, robots.txt, caller predicates),
// fetches each admitted resource with bounded concurrency, and surfaces
// every lifecycle transition as an observable event.
package crawler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/webspider/internal/cache"
	"github.com/JakeFAU/webspider/internal/cookies"
	"github.com/JakeFAU/webspider/internal/metrics"
	"github.com/JakeFAU/webspider/internal/queue"
	"github.com/JakeFAU/webspider/internal/ratelimit"
)

// ErrNoSeed signals a Crawler constructed without a starting URL. This is a
// caller bug, so it is returned rather than emitted.
var ErrNoSeed = errors.New("a seed URL is required")

// Crawler is the crawl engine. Construct with New, observe transitions with
// On, then Start. All exported methods are safe for concurrent use.
type Crawler struct {
	cfg     Config
	logger  *zap.Logger
	queue   queue.Queue
	jar     *cookies.Jar
	cache   cache.Cache
	limiter *ratelimit.Limiter
	emitter *Emitter
	client  *http.Client
	robots  *robotsRegistry
	runID   uuid.UUID

	fetchConditions    *fetchConditionSet
	downloadConditions *downloadConditionSet

	mu                sync.Mutex
	host              string
	running           bool
	stopCh            chan struct{}
	openRequests      []*openRequest
	openListeners     int
	fetchingRobots    bool
	fetchingQueueItem bool
	touchedOrigins    map[string]struct{}
	completeEmitted   bool
}

// Option customises a Crawler beyond its Config.
type Option func(*Crawler)

// WithQueue swaps the default in-memory queue for another implementation,
// such as the Postgres backend.
func WithQueue(q queue.Queue) Option {
	return func(c *Crawler) { c.queue = q }
}

// WithCache attaches the optional cache collaborator used for conditional
// fetches.
func WithCache(store cache.Cache) Option {
	return func(c *Crawler) { c.cache = store }
}

// WithCookieJar replaces the default empty jar, e.g. to seed session state.
func WithCookieJar(jar *cookies.Jar) Option {
	return func(c *Crawler) { c.jar = jar }
}

// New builds a Crawler for cfg.Seed. A nil logger is replaced with a no-op
// one.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Crawler, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Seed) == "" {
		return nil, ErrNoSeed
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	c := &Crawler{
		cfg:                cfg,
		logger:             logger,
		queue:              queue.NewMemory(),
		jar:                cookies.NewJar(),
		emitter:            NewEmitter(),
		robots:             &robotsRegistry{},
		runID:              uuid.New(),
		fetchConditions:    &fetchConditionSet{},
		downloadConditions: &downloadConditionSet{},
		touchedOrigins:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	seed, err := url.Parse(cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("parse seed URL: %w", err)
	}
	if seed.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrNoSeed, cfg.Seed)
	}
	c.host = strings.ToLower(seed.Hostname())

	c.client = &http.Client{
		Transport: c.buildTransport(),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			// Redirects are handled by the request engine itself.
			return http.ErrUseLastResponse
		},
	}
	if cfg.RateLimitRPS > 0 {
		c.limiter = ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RateLimitRPS})
	}

	c.jar.SetListener(func(transition cookies.Transition, changed []*cookies.Cookie) {
		name := EventAddCookie
		if transition == cookies.TransitionRemove {
			name = EventRemoveCookie
		}
		for _, cookie := range changed {
			c.emit(Event{Name: name, SetCookie: cookie.SetCookieString()})
		}
	})
	return c, nil
}

func (c *Crawler) buildTransport() *http.Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: c.cfg.Timeout,
		DisableCompression:    true,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: c.cfg.IgnoreInvalidSSL},
	}
	if c.cfg.UseProxy && c.cfg.ProxyHostname != "" {
		proxyURL := &url.URL{
			Scheme: "http",
			Host:   c.cfg.ProxyHostname + ":" + strconv.Itoa(c.cfg.ProxyPort),
		}
		if c.cfg.ProxyUser != "" {
			proxyURL.User = url.UserPassword(c.cfg.ProxyUser, c.cfg.ProxyPass)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return transport
}

// On registers an event handler and returns its id for Off.
func (c *Crawler) On(name EventName, fn Handler) int {
	return c.emitter.On(name, fn)
}

// OnAny registers a handler invoked for every event.
func (c *Crawler) OnAny(fn Handler) int {
	return c.emitter.OnAny(fn)
}

// Off removes a previously registered handler.
func (c *Crawler) Off(id int) {
	c.emitter.Off(id)
}

// Host returns the engine's canonical host.
func (c *Crawler) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

func (c *Crawler) adoptHost(host string) {
	c.mu.Lock()
	c.host = strings.ToLower(host)
	c.mu.Unlock()
}

// Queue exposes the underlying queue, e.g. for statistics or freezing.
func (c *Crawler) Queue() queue.Queue {
	return c.queue
}

// CookieJar exposes the jar carrying session state across requests.
func (c *Crawler) CookieJar() *cookies.Jar {
	return c.jar
}

// RunID identifies this crawler instance on events and logs.
func (c *Crawler) RunID() uuid.UUID {
	return c.runID
}

func (c *Crawler) baseContext() context.Context {
	return context.Background()
}

func (c *Crawler) emit(evt Event) {
	evt.RunID = c.runID
	c.emitter.Emit(evt)
}

// Start begins (or resumes) crawling. It is idempotent while running. The
// seed is enqueued on the first start against an empty queue; after a Stop,
// Start resumes with the same queue state. crawlstart fires each time.
func (c *Crawler) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.completeEmitted = false
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	ctx := c.baseContext()
	length, err := c.queue.Length(ctx)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return fmt.Errorf("inspect queue: %w", err)
	}
	if length == 0 {
		c.queueURL(ctx, c.cfg.Seed, seedReferrer(c.cfg.Seed), false)
	}

	c.emit(Event{Name: EventCrawlStart})
	c.logger.Info("crawl started",
		zap.String("seed", c.cfg.Seed),
		zap.String("run_id", c.runID.String()),
	)

	go c.loop(ctx, stopCh)
	return nil
}

// Stop halts scheduling. With abort=true every tracked in-flight request is
// additionally cancelled; those cancellations are silent.
func (c *Crawler) Stop(abort bool) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	var open []*openRequest
	if abort {
		open = append(open, c.openRequests...)
		c.openRequests = nil
		metrics.SetOpenRequests(0)
	}
	c.mu.Unlock()

	for _, req := range open {
		req.abort()
	}
}

// Running reports whether the control loop is active.
func (c *Crawler) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Wait declares that asynchronous discovery is in progress and returns the
// release function. While any hold is open the crawl will not complete. A
// hold expires on its own after ListenerTTL.
func (c *Crawler) Wait() func() {
	c.mu.Lock()
	c.openListeners++
	c.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			if c.openListeners > 0 {
				c.openListeners--
			}
			c.mu.Unlock()
		})
	}
	timer := time.AfterFunc(c.cfg.ListenerTTL, release)
	return func() {
		timer.Stop()
		release()
	}
}

// loop is the periodic scheduler.
func (c *Crawler) loop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.crawlTick(ctx)
		}
	}
}

// crawlTick issues at most one new fetch. Re-entrancy is guarded with the
// in-flight flags so a slow queue or robots fetch cannot cause the same item
// to be issued twice.
func (c *Crawler) crawlTick(ctx context.Context) {
	c.mu.Lock()
	if !c.running ||
		len(c.openRequests) >= c.cfg.MaxConcurrency ||
		c.fetchingRobots || c.fetchingQueueItem {
		c.mu.Unlock()
		return
	}
	c.fetchingQueueItem = true
	c.mu.Unlock()

	item, err := c.queue.OldestUnfetched(ctx)
	if err != nil {
		c.clearQueuePick()
		c.logger.Error("queue pick failed", zap.Error(err))
		return
	}
	if item == nil {
		c.clearQueuePick()
		c.maybeComplete(ctx)
		return
	}

	if length, lenErr := c.queue.Length(ctx); lenErr == nil {
		metrics.SetQueueLength(length)
	}

	if c.cfg.RespectRobotsTxt {
		origin := originOf(item)
		c.mu.Lock()
		_, touched := c.touchedOrigins[origin]
		if !touched {
			c.touchedOrigins[origin] = struct{}{}
			c.fetchingRobots = true
		}
		c.mu.Unlock()

		if !touched {
			c.fetchRobotsTxt(ctx, item.Protocol+"://"+hostPort(item))
			c.mu.Lock()
			c.fetchingRobots = false
			c.mu.Unlock()
		}

		if !c.urlAllowed(item) {
			c.setTerminal(ctx, item, queue.StatusDisallowed, nil)
			c.emit(Event{Name: EventFetchDisallowed, Item: item})
			c.clearQueuePick()
			return
		}
	}

	c.fetchQueueItem(ctx, item)
	c.clearQueuePick()
}

func (c *Crawler) clearQueuePick() {
	c.mu.Lock()
	c.fetchingQueueItem = false
	c.mu.Unlock()
}

// maybeComplete emits complete and stops once the queue holds no unfetched
// items and no requests or wait holds are outstanding.
func (c *Crawler) maybeComplete(ctx context.Context) {
	c.mu.Lock()
	busy := len(c.openRequests) > 0 || c.openListeners > 0
	alreadyEmitted := c.completeEmitted
	c.mu.Unlock()
	if busy || alreadyEmitted {
		return
	}

	completed, err := c.queue.CountCompleted(ctx)
	if err != nil {
		return
	}
	length, err := c.queue.Length(ctx)
	if err != nil {
		return
	}
	if completed != length {
		return
	}

	c.mu.Lock()
	if c.completeEmitted {
		c.mu.Unlock()
		return
	}
	c.completeEmitted = true
	c.mu.Unlock()

	c.logger.Info("crawl complete",
		zap.Int("items", length),
		zap.String("run_id", c.runID.String()),
	)
	c.emit(Event{Name: EventComplete})
	c.Stop(false)
}

func (c *Crawler) trackRequest(open *openRequest) {
	c.mu.Lock()
	c.openRequests = append(c.openRequests, open)
	metrics.SetOpenRequests(len(c.openRequests))
	c.mu.Unlock()
}

func (c *Crawler) untrackRequest(open *openRequest) {
	open.done.Do(func() {
		c.mu.Lock()
		for i, tracked := range c.openRequests {
			if tracked == open {
				c.openRequests = append(c.openRequests[:i], c.openRequests[i+1:]...)
				break
			}
		}
		metrics.SetOpenRequests(len(c.openRequests))
		c.mu.Unlock()
	})
}

// OpenRequests reports how many requests are currently tracked.
func (c *Crawler) OpenRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.openRequests)
}

func hostPort(item *queue.Item) string {
	return item.Host + ":" + strconv.Itoa(item.Port)
}
