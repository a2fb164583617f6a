package crawler

import (
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/JakeFAU/webspider/internal/queue"
)

// processURL canonicalises a raw URL into a queue-item shape. The returned
// item has status created and fetched=false; insertion happens in queueURL.
// The second return is false when the input is empty after trimming, cannot
// be parsed, or has no scheme or host after resolution against the referrer.
func (c *Crawler) processURL(raw string, referrer *queue.Item) (*queue.Item, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	if c.cfg.URLEncoding == "iso8859" {
		if encoded, _, err := transform.String(charmap.ISO8859_1.NewEncoder(), raw); err == nil {
			raw = encoded
		}
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	if referrer != nil && referrer.URL != "" {
		if base, baseErr := url.Parse(referrer.URL); baseErr == nil {
			parsed = base.ResolveReference(parsed)
		}
	}

	normalizeURL(parsed)
	if c.cfg.StripWWWDomain {
		parsed.Host = stripHostPrefix(parsed.Host, "www.")
	}
	if c.cfg.StripQuerystring {
		parsed.RawQuery = ""
	} else if c.cfg.SortQueryParameters && parsed.RawQuery != "" {
		// url.Values.Encode writes parameters in alphabetical key order.
		parsed.RawQuery = parsed.Query().Encode()
	}
	if parsed.Host == "" || parsed.Scheme == "" {
		return nil, false
	}

	depth := 1
	referrerURL := ""
	if referrer != nil {
		depth = referrer.Depth + 1
		referrerURL = referrer.URL
	}

	item := &queue.Item{
		URL:       parsed.String(),
		Protocol:  parsed.Scheme,
		Host:      parsed.Hostname(),
		Port:      portOf(parsed),
		Path:      parsed.RequestURI(),
		URIPath:   parsed.EscapedPath(),
		Depth:     depth,
		Referrer:  referrerURL,
		Status:    queue.StatusCreated,
		StateData: queue.StateData{},
	}
	return item, true
}

// normalizeURL lowercases the scheme and host, removes the default port for
// the scheme, drops the fragment, and ensures a non-empty path.
func normalizeURL(u *url.URL) {
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if port := u.Port(); port != "" && port == defaultPortFor(u.Scheme) {
		u.Host = u.Hostname()
	}
	if u.Path == "" {
		u.Path = "/"
	}
}

func defaultPortFor(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}

func portOf(u *url.URL) int {
	if raw := u.Port(); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil {
			return port
		}
	}
	switch u.Scheme {
	case "http":
		return 80
	case "https":
		return 443
	default:
		return 0
	}
}

// stripHostPrefix removes prefix from the hostname while preserving an
// explicit port.
func stripHostPrefix(host, prefix string) string {
	hostname, port, found := strings.Cut(host, ":")
	hostname = strings.TrimPrefix(hostname, prefix)
	if found {
		return hostname + ":" + port
	}
	return hostname
}

// seedReferrer is the synthetic referrer used for the initial URL so the
// seed's depth becomes 1.
func seedReferrer(seed string) *queue.Item {
	return &queue.Item{URL: seed, Depth: 0}
}

// originOf renders the scheme+host+port triple used to key robots.txt state.
func originOf(item *queue.Item) string {
	return item.Protocol + "://" + strings.ToLower(item.Host) + ":" + strconv.Itoa(item.Port)
}
