// Package cookies implements the cookie model and jar used to carry session
// state across crawl requests.
package cookies

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrNoName signals a cookie constructed without the mandatory name.
var ErrNoName = errors.New("cookie name is required")

// ErrUnparseable signals a Set-Cookie string with no name=value segment.
var ErrUnparseable = errors.New("could not parse Set-Cookie string")

// SessionExpiry marks a cookie that never expires on its own.
const SessionExpiry = int64(-1)

// Cookie models a single HTTP cookie. Expires is epoch milliseconds;
// SessionExpiry means the cookie lives for the session.
type Cookie struct {
	Name     string
	Value    string
	Expires  int64
	Path     string
	Domain   string
	HTTPOnly bool
}

// New builds a cookie, applying the default path "/" and wildcard domain.
func New(name, value string, expires int64, path, domain string, httpOnly bool) (*Cookie, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrNoName
	}
	if path == "" {
		path = "/"
	}
	if domain == "" {
		domain = "*"
	}
	return &Cookie{
		Name:     name,
		Value:    value,
		Expires:  expires,
		Path:     path,
		Domain:   domain,
		HTTPOnly: httpOnly,
	}, nil
}

var (
	setCookiePrefix = regexp.MustCompile(`(?i)^\s*set-cookie:\s*`)
	attrKeyCleaner  = regexp.MustCompile(`[^a-z0-9]`)
)

// FromString parses a Set-Cookie header value. The optional leading
// "Set-Cookie:" label is stripped, the first ;-segment is name=value (the
// value may itself contain "="), and the remaining segments are attributes.
// Attribute keys are lowercased and stripped of non-alphanumerics, which
// makes "expires" and "expiry" interchangeable and lets a bare "httponly"
// set the flag.
func FromString(raw string) (*Cookie, error) {
	raw = setCookiePrefix.ReplaceAllString(strings.TrimSpace(raw), "")
	if raw == "" {
		return nil, ErrUnparseable
	}

	segments := strings.Split(raw, ";")
	name, value, found := strings.Cut(strings.TrimSpace(segments[0]), "=")
	if !found || strings.TrimSpace(name) == "" {
		return nil, ErrUnparseable
	}

	cookie := &Cookie{
		Name:    strings.TrimSpace(name),
		Value:   strings.TrimSpace(value),
		Expires: SessionExpiry,
		Path:    "/",
		Domain:  "*",
	}

	for _, segment := range segments[1:] {
		key, attrValue, _ := strings.Cut(segment, "=")
		key = attrKeyCleaner.ReplaceAllString(strings.ToLower(key), "")
		attrValue = strings.TrimSpace(attrValue)
		switch key {
		case "expires", "expiry":
			cookie.Expires = parseExpiry(attrValue)
		case "maxage":
			if seconds, err := strconv.ParseInt(attrValue, 10, 64); err == nil {
				cookie.Expires = time.Now().UnixMilli() + seconds*1000
			}
		case "path":
			if attrValue != "" {
				cookie.Path = attrValue
			}
		case "domain":
			if attrValue != "" {
				cookie.Domain = attrValue
			}
		case "httponly":
			cookie.HTTPOnly = true
		}
	}
	return cookie, nil
}

func parseExpiry(raw string) int64 {
	if raw == "" {
		return SessionExpiry
	}
	if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return epoch
	}
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, time.RFC850, time.ANSIC} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UnixMilli()
		}
	}
	return SessionExpiry
}

// Expired reports whether the cookie has passed its expiry at the given
// time. Session cookies never expire.
func (c *Cookie) Expired(now time.Time) bool {
	return c.Expires >= 0 && c.Expires < now.UnixMilli()
}

// MatchDomain reports whether the cookie applies to the candidate domain.
// The wildcard "*" matches everything; otherwise, ignoring a leading dot, the
// candidate must equal the stored domain or end with "." plus the stored
// domain, so a suffix that splits a label does not match.
func (c *Cookie) MatchDomain(domain string) bool {
	if c.Domain == "*" || domain == "*" {
		return true
	}
	stored := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
	candidate := strings.ToLower(strings.TrimPrefix(domain, "."))
	if stored == candidate {
		return true
	}
	return strings.HasSuffix(candidate, "."+stored)
}

// MatchPath reports whether the cookie applies to the candidate path. An
// empty stored path matches everything.
func (c *Cookie) MatchPath(path string) bool {
	if c.Path == "" {
		return true
	}
	return strings.HasPrefix(path, c.Path)
}

// String renders the outbound "name=value" pair.
func (c *Cookie) String() string {
	return fmt.Sprintf("%s=%s", c.Name, c.Value)
}

// SetCookieString renders the cookie as a full Set-Cookie value, the inverse
// of FromString.
func (c *Cookie) SetCookieString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%s", c.Name, c.Value)
	if c.Expires >= 0 {
		fmt.Fprintf(&b, "; expires=%d", c.Expires)
	}
	if c.Path != "" {
		fmt.Fprintf(&b, "; path=%s", c.Path)
	}
	if c.Domain != "" {
		fmt.Fprintf(&b, "; domain=%s", c.Domain)
	}
	if c.HTTPOnly {
		b.WriteString("; httponly")
	}
	return b.String()
}
