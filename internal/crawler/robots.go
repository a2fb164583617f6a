package crawler

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/webspider/internal/metrics"
	"github.com/JakeFAU/webspider/internal/queue"
)

const (
	robotsBodyLimit        = 1 << 20
	robotsRedirectLimit    = 5
	robotsSitemapDirective = "sitemap:"
)

// robotsEntry is a parsed robots.txt scoped to one origin.
type robotsEntry struct {
	origin string
	data   *robotstxt.RobotsData
}

// robotsRegistry is an ordered list of parsed robots.txt documents.
// Admission walks the list and takes the first definitive answer; an entry
// whose user-agent groups say nothing defers to later entries, and a fully
// undefined URL is allowed.
type robotsRegistry struct {
	mu      sync.Mutex
	entries []*robotsEntry
}

func (r *robotsRegistry) add(origin string, data *robotstxt.RobotsData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &robotsEntry{origin: origin, data: data})
}

func (r *robotsRegistry) allowed(origin, path, userAgent string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.origin != origin || entry.data == nil {
			continue
		}
		group := entry.data.FindGroup(userAgent)
		if group == nil {
			continue
		}
		return group.Test(path)
	}
	return true
}

func (r *robotsRegistry) crawlDelay(origin, userAgent string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.origin != origin || entry.data == nil {
			continue
		}
		if group := entry.data.FindGroup(userAgent); group != nil {
			return group.CrawlDelay
		}
	}
	return 0
}

// urlAllowed consults the cached robots rules for the item's origin.
func (c *Crawler) urlAllowed(item *queue.Item) bool {
	return c.robots.allowed(originOf(item), item.Path, c.cfg.UserAgent)
}

// CrawlDelay exposes the robots.txt crawl-delay cached for the item's
// origin, zero when none was declared.
func (c *Crawler) CrawlDelay(item *queue.Item) time.Duration {
	return c.robots.crawlDelay(originOf(item), c.cfg.UserAgent)
}

// fetchRobotsTxt retrieves and registers ${origin}/robots.txt through the
// same request options the engine uses for page fetches. Redirects are
// followed only while the target host stays domain-valid. Sitemaps named in
// the document are enqueued with the robots.txt item as referrer.
func (c *Crawler) fetchRobotsTxt(ctx context.Context, origin string) {
	metrics.ObserveRobotsFetch()

	robotsItem, ok := c.processURL(origin+"/robots.txt", &queue.Item{URL: origin + "/", Depth: 0})
	if !ok {
		c.emit(Event{Name: EventRobotsTxtError, Err: fmt.Errorf("cannot process robots.txt URL for origin %s", origin)})
		return
	}

	status, body, err := c.fetchRobotsBody(ctx, robotsItem)
	if err != nil {
		c.emit(Event{Name: EventRobotsTxtError, Item: robotsItem, Err: err})
		return
	}

	data := parseRobots(status, body)
	c.robots.add(origin, data)
	c.logger.Debug("registered robots.txt",
		zap.String("origin", origin),
		zap.Int("status", status),
	)

	for _, sitemap := range sitemapURLs(body) {
		c.queueURL(ctx, sitemap, robotsItem, false)
	}
}

func (c *Crawler) fetchRobotsBody(ctx context.Context, robotsItem *queue.Item) (int, []byte, error) {
	current := robotsItem
	for redirects := 0; redirects <= robotsRedirectLimit; redirects++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current.URL, nil)
		if err != nil {
			return 0, nil, fmt.Errorf("build robots request: %w", err)
		}
		c.applyRequestHeaders(req, current, nil)

		resp, err := c.client.Do(req)
		if err != nil {
			return 0, nil, fmt.Errorf("fetch robots.txt: %w", err)
		}

		if location := resp.Header.Get("Location"); resp.StatusCode >= 300 && resp.StatusCode < 400 && location != "" {
			drainAndClose(resp.Body)
			target, ok := c.processURL(location, current)
			if !ok {
				return 0, nil, fmt.Errorf("robots.txt redirected to unparseable location %q", location)
			}
			if !c.domainValid(target.Host) {
				return 0, nil, fmt.Errorf("robots.txt redirected to a disallowed domain: %s", target.Host)
			}
			current = target
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, robotsBodyLimit))
		drainAndClose(resp.Body)
		if err != nil {
			return 0, nil, fmt.Errorf("read robots.txt body: %w", err)
		}
		return resp.StatusCode, body, nil
	}
	return 0, nil, fmt.Errorf("robots.txt redirect limit exceeded")
}

// parseRobots maps a terminal response to rules. Non-2xx responses yield no
// rules, so the origin is treated as permissive.
func parseRobots(status int, body []byte) *robotstxt.RobotsData {
	if status < 200 || status > 299 {
		data, err := robotstxt.FromString("")
		if err != nil {
			return nil
		}
		return data
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil
	}
	return data
}

func sitemapURLs(body []byte) []string {
	var sitemaps []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) < len(robotsSitemapDirective) {
			continue
		}
		if !strings.EqualFold(line[:len(robotsSitemapDirective)], robotsSitemapDirective) {
			continue
		}
		target := strings.TrimSpace(line[len(robotsSitemapDirective):])
		if target != "" {
			sitemaps = append(sitemaps, target)
		}
	}
	return sitemaps
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, robotsBodyLimit))
	_ = body.Close()
}
