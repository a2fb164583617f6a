package crawler

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/webspider/internal/metrics"
	"github.com/JakeFAU/webspider/internal/queue"
)

// socket-level failures are recorded with a synthetic status code.
const clientErrorCode = 600

const readChunkSize = 32 * 1024

// RequestOptions describes an outgoing request; it rides on the fetchstart
// event so listeners can audit exactly what is sent.
type RequestOptions struct {
	Method  string
	URL     string
	Headers http.Header
}

// openRequest is the transient handle for an in-flight request, kept so
// Stop(abort) can cancel it.
type openRequest struct {
	item    *queue.Item
	cancel  context.CancelFunc
	aborted atomic.Bool
	done    sync.Once
}

func (r *openRequest) abort() {
	r.aborted.Store(true)
	r.cancel()
}

// fetchQueueItem runs the per-item request state machine on its own
// goroutine. The item is tracked in the open-requests list for the whole
// lifecycle; exactly one terminal transition occurs and the list shrinks by
// exactly one.
func (c *Crawler) fetchQueueItem(ctx context.Context, item *queue.Item) {
	// The spool transition happens before the goroutine starts so the next
	// loop tick can never pick the same item again.
	c.updateItem(ctx, item, statusChange(queue.StatusSpooled))

	reqCtx, cancel := context.WithCancel(ctx)
	open := &openRequest{item: item, cancel: cancel}
	c.trackRequest(open)
	go func() {
		defer c.untrackRequest(open)
		c.executeRequest(reqCtx, open)
	}()
}

func (c *Crawler) executeRequest(ctx context.Context, open *openRequest) {
	item := open.item

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, item.Host); err != nil {
			if open.aborted.Load() {
				return
			}
			c.setTerminal(ctx, item, queue.StatusFailed, queue.StateData{"code": clientErrorCode})
			c.emit(Event{Name: EventFetchClientError, Item: item, Err: err})
			return
		}
	}

	req, opts, err := c.buildRequest(ctx, item)
	if err != nil {
		c.setTerminal(ctx, item, queue.StatusFailed, queue.StateData{"code": clientErrorCode})
		c.emit(Event{Name: EventFetchClientError, Item: item, Err: err})
		return
	}

	timeCommenced := time.Now()
	c.emit(Event{Name: EventFetchStart, Item: item, RequestOptions: opts})

	resp, err := c.client.Do(req)
	if err != nil {
		if open.aborted.Load() {
			return
		}
		if isTimeout(err) {
			c.setTerminal(ctx, item, queue.StatusTimeout, nil)
			c.emit(Event{Name: EventFetchTimeout, Item: item, Timeout: c.cfg.Timeout})
			return
		}
		c.setTerminal(ctx, item, queue.StatusFailed, queue.StateData{"code": clientErrorCode})
		c.emit(Event{Name: EventFetchClientError, Item: item, Err: err})
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, readChunkSize))
		_ = resp.Body.Close()
	}()

	headersAt := time.Now()
	latency := headersAt.Sub(timeCommenced)
	declared := resp.ContentLength
	contentType := resp.Header.Get("Content-Type")

	c.updateItem(ctx, item, queue.Change{StateData: queue.StateData{
		"requestLatency": latency.Milliseconds(),
		"requestTime":    headersAt.Sub(timeCommenced).Milliseconds(),
		"contentLength":  declared,
		"contentType":    contentType,
		"code":           resp.StatusCode,
		"headers":        headerMap(resp.Header),
	}})

	if c.cfg.AcceptCookies {
		for _, setCookie := range resp.Header.Values("Set-Cookie") {
			if err := c.jar.AddFromString(setCookie); err != nil {
				c.emit(Event{Name: EventCookieError, Item: item, Err: err, SetCookie: setCookie})
			}
		}
	}

	response := &Response{
		Code:          resp.StatusCode,
		Headers:       resp.Header.Clone(),
		ContentLength: declared,
		ContentType:   contentType,
	}
	c.emit(Event{Name: EventFetchHeaders, Item: item, Response: response})

	if declared > c.cfg.MaxResourceSize {
		open.cancel()
		c.setTerminal(ctx, item, queue.StatusFailed, nil)
		c.emit(Event{Name: EventFetchDataError, Item: item, Response: response})
		return
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		c.handleDownload(ctx, open, resp, response, timeCommenced, headersAt)
	case resp.StatusCode == http.StatusNotModified:
		c.handleNotModified(ctx, item, response)
	case resp.StatusCode >= 300 && resp.StatusCode <= 399 && resp.Header.Get("Location") != "":
		c.handleRedirect(ctx, item, resp.Header.Get("Location"), response)
	case resp.StatusCode == http.StatusNotFound:
		c.setTerminal(ctx, item, queue.StatusNotFound, nil)
		c.emit(Event{Name: EventFetch404, Item: item, Response: response})
	case resp.StatusCode == http.StatusGone:
		c.setTerminal(ctx, item, queue.StatusNotFound, nil)
		c.emit(Event{Name: EventFetch410, Item: item, Response: response})
	default:
		c.setTerminal(ctx, item, queue.StatusFailed, nil)
		c.emit(Event{Name: EventFetchError, Item: item, Response: response})
	}
}

// handleDownload runs download conditions, streams the body under the
// resource-size cap, and funnels discovered URLs back through admission.
func (c *Crawler) handleDownload(
	ctx context.Context,
	open *openRequest,
	resp *http.Response,
	response *Response,
	timeCommenced time.Time,
	headersAt time.Time,
) {
	item := open.item

	for _, cond := range c.downloadConditions.snapshot() {
		if cond == nil {
			continue
		}
		pass, err := cond(ctx, item, response)
		if err != nil {
			c.emit(Event{Name: EventDownloadCondError, Item: item, Err: err})
			c.setTerminal(ctx, item, queue.StatusDownloadPrevented, nil)
			c.emit(Event{Name: EventDownloadPrevented, Item: item, Response: response})
			return
		}
		if !pass {
			c.setTerminal(ctx, item, queue.StatusDownloadPrevented, nil)
			c.emit(Event{Name: EventDownloadPrevented, Item: item, Response: response})
			return
		}
	}

	supported := c.supportedMIME(response.ContentType)
	if !supported && !c.cfg.DownloadUnsupported {
		c.setTerminal(ctx, item, queue.StatusDownloaded, queue.StateData{
			"actualDataSize":    0,
			"sentIncorrectSize": false,
		})
		c.emit(Event{Name: EventFetchComplete, Item: item, Response: response})
		return
	}

	c.updateItem(ctx, item, statusChange(queue.StatusHeaders))

	body, ok := c.readBody(ctx, open, resp, response)
	if !ok {
		return
	}

	completedAt := time.Now()
	actual := int64(len(body))
	sentIncorrectSize := response.ContentLength >= 0 && actual != response.ContentLength
	c.setTerminal(ctx, item, queue.StatusDownloaded, queue.StateData{
		"downloadTime":      completedAt.Sub(headersAt).Milliseconds(),
		"requestTime":       completedAt.Sub(timeCommenced).Milliseconds(),
		"actualDataSize":    actual,
		"sentIncorrectSize": sentIncorrectSize,
	})

	if c.cache != nil {
		if err := c.cache.SetCacheData(item, body, resp.Header); err != nil {
			c.logger.Warn("cache write failed", zap.String("url", item.URL), zap.Error(err))
		}
	}

	// The extractor always receives the decompressed bytes, even when the
	// caller asked for raw delivery.
	decoded := body
	if encoding := resp.Header.Get("Content-Encoding"); isCompressed(encoding) {
		inflated, err := decompress(body, encoding)
		if err != nil {
			c.emit(Event{Name: EventGzipError, Item: item, Err: err, Body: body})
		} else {
			decoded = inflated
		}
	}
	if c.cfg.DecodeResponses {
		if recoded, err := decodeCharset(decoded, response.ContentType); err == nil {
			decoded = recoded
		}
	}

	delivered := body
	if c.cfg.DecompressResponses {
		delivered = decoded
	}
	c.emit(Event{Name: EventFetchComplete, Item: item, Body: delivered, Response: response})

	if supported {
		urls := c.discoverResources(decoded, item)
		for _, discovered := range urls {
			c.queueURL(ctx, discovered, item, false)
		}
		c.emit(Event{Name: EventDiscoveryComplete, Item: item, URLs: urls})
	}
}

// readBody streams the response into a growing buffer. The buffer starts at
// the declared content length and grows in place when the server
// under-declared, up to MaxResourceSize.
func (c *Crawler) readBody(ctx context.Context, open *openRequest, resp *http.Response, response *Response) ([]byte, bool) {
	item := open.item
	initial := response.ContentLength
	if initial < 0 || initial > c.cfg.MaxResourceSize {
		initial = readChunkSize
	}
	buf := bytes.NewBuffer(make([]byte, 0, initial))

	chunk := make([]byte, readChunkSize)
	var total int64
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			total += int64(n)
			if total > c.cfg.MaxResourceSize {
				open.cancel()
				c.setTerminal(ctx, item, queue.StatusFailed, queue.StateData{"actualDataSize": total})
				c.emit(Event{Name: EventFetchDataError, Item: item, Response: response})
				return nil, false
			}
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if open.aborted.Load() {
				return nil, false
			}
			c.setTerminal(ctx, item, queue.StatusFailed, queue.StateData{"code": clientErrorCode})
			c.emit(Event{Name: EventFetchClientError, Item: item, Err: err})
			return nil, false
		}
	}
	return buf.Bytes(), true
}

func (c *Crawler) handleNotModified(ctx context.Context, item *queue.Item, response *Response) {
	c.setTerminal(ctx, item, queue.StatusDownloaded, nil)
	if c.cache != nil {
		obj, err := c.cache.GetCacheData(item)
		if err != nil {
			c.logger.Debug("cache read failed on 304", zap.String("url", item.URL), zap.Error(err))
		}
		c.emit(Event{Name: EventNotModified, Item: item, Response: response, CacheObject: obj})
		return
	}
	c.emit(Event{Name: EventNotModified, Item: item, Response: response})
}

// handleRedirect marks the item redirected and re-admits the target through
// the normal pipeline. If this was the very first request and the engine
// allows an initial domain change, the target's host becomes the canonical
// host and its depth resets to 1 so the initial chain does not inflate
// depth.
func (c *Crawler) handleRedirect(ctx context.Context, item *queue.Item, location string, response *Response) {
	c.setTerminal(ctx, item, queue.StatusRedirected, nil)

	target, ok := c.processURL(location, item)
	if !ok {
		c.emit(Event{Name: EventFetchRedirect, Item: item, Response: response})
		return
	}
	c.emit(Event{Name: EventFetchRedirect, Item: item, Target: target, Response: response})

	referrer := item
	// The seed is always item 0; other requests may complete around it, so
	// the check must not depend on issue order.
	if c.cfg.AllowInitialDomainChange && item.ID == 0 {
		c.adoptHost(target.Host)
		referrer = seedReferrer(item.URL)
	}
	c.queueURL(ctx, location, referrer, false)
}

func (c *Crawler) buildRequest(ctx context.Context, item *queue.Item) (*http.Request, *RequestOptions, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, item.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request for %s: %w", item.URL, err)
	}
	c.applyRequestHeaders(req, item, nil)

	if c.cache != nil {
		obj, err := c.cache.GetCacheData(item)
		if err == nil && obj != nil {
			if obj.ETag != "" {
				req.Header.Set("If-None-Match", obj.ETag)
			}
			if obj.LastModified != "" {
				req.Header.Set("If-Modified-Since", obj.LastModified)
			}
		}
	}

	opts := &RequestOptions{
		Method:  http.MethodGet,
		URL:     item.URL,
		Headers: req.Header.Clone(),
	}
	return req, opts, nil
}

// applyRequestHeaders sets the engine-level headers shared by page and
// robots.txt requests.
func (c *Crawler) applyRequestHeaders(req *http.Request, item *queue.Item, extra http.Header) {
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", c.cfg.AcceptHeader)
	if c.cfg.DecompressResponses {
		req.Header.Set("Accept-Encoding", "gzip, deflate")
	}
	if c.cfg.AcceptCookies {
		if pairs := c.jar.HeaderFor(item.Host, item.URIPath); len(pairs) > 0 {
			req.Header.Set("Cookie", strings.Join(pairs, "; "))
		}
	}
	if c.cfg.NeedsAuth {
		req.SetBasicAuth(c.cfg.AuthUser, c.cfg.AuthPass)
	}
	if c.cfg.UseProxy && c.cfg.ProxyUser != "" {
		credentials := c.cfg.ProxyUser + ":" + c.cfg.ProxyPass
		req.Header.Set("Proxy-Authorization",
			"Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))
	}
	for key, values := range c.cfg.CustomHeaders {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	for key, values := range extra {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
}

// updateItem merges a change through the queue; items not yet (or no
// longer) resolvable there are merged locally so lifecycle state is never
// lost.
func (c *Crawler) updateItem(ctx context.Context, item *queue.Item, change queue.Change) {
	if _, err := c.queue.Update(ctx, item.ID, change); err != nil {
		item.Merge(change)
		c.logger.Debug("queue update fell back to local merge",
			zap.Int("id", item.ID), zap.Error(err))
	}
}

// setTerminal records the one terminal transition for an item. The status
// is stored before any event fires so listeners observe consistent state.
func (c *Crawler) setTerminal(ctx context.Context, item *queue.Item, status queue.Status, extra queue.StateData) {
	fetched := true
	c.updateItem(ctx, item, queue.Change{Fetched: &fetched, Status: &status, StateData: extra})

	var bytesFetched int
	if size, ok := item.StatisticValue("actualDataSize"); ok {
		bytesFetched = int(size)
	}
	var duration time.Duration
	if ms, ok := item.StatisticValue("requestTime"); ok {
		duration = time.Duration(ms) * time.Millisecond
	}
	metrics.ObservePage(item.Host, string(status), bytesFetched, duration)
}

func statusChange(status queue.Status) queue.Change {
	return queue.Change{Status: &status}
}

func headerMap(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for key, values := range h {
		if len(values) == 1 {
			out[key] = values[0]
			continue
		}
		anyValues := make([]any, len(values))
		for i, v := range values {
			anyValues[i] = v
		}
		out[key] = anyValues
	}
	return out
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "timeout awaiting response headers")
}

func isCompressed(encoding string) bool {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip", "deflate":
		return true
	default:
		return false
	}
}

func decompress(body []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer reader.Close()
		inflated, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("inflate gzip stream: %w", err)
		}
		return inflated, nil
	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()
		inflated, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("inflate deflate stream: %w", err)
		}
		return inflated, nil
	default:
		return body, nil
	}
}

// decodeCharset converts body bytes to UTF-8 using the charset named by the
// Content-Type header or a meta tag near the top of the document, defaulting
// to UTF-8.
func decodeCharset(body []byte, contentType string) ([]byte, error) {
	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, fmt.Errorf("resolve charset: %w", err)
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decode charset: %w", err)
	}
	return decoded, nil
}
