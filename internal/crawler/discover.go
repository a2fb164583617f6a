package crawler

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/JakeFAU/webspider/internal/queue"
)

// The built-in extractor is a sequence of matchers over the (decompressed)
// document bytes. Each matcher yields candidate URL strings which are then
// cleaned, expanded against the referrer and de-duplicated.
var (
	hrefSrcRegex = regexp.MustCompile(`(?i)\s(?:href|src)\s*=\s*("[^"]*"|'[^']*'|[^"'\s>]+)`)
	cssURLRegex  = regexp.MustCompile(`(?i)url\(\s*("[^"]*"|'[^']*'|[^"')]*)\s*\)`)
	bareURLRegex = regexp.MustCompile(`https?://[^\s"'<>\\]+`)
	srcsetRegex  = regexp.MustCompile(`(?i)\ssrcset\s*=\s*("[^"]*"|'[^']*')`)

	metaRefreshContentFirst = regexp.MustCompile(
		`(?i)<meta[^>]*content\s*=\s*["'][^"']*;\s*url=([^"']+)["'][^>]*http-equiv\s*=\s*["']refresh["']`)
	metaRefreshEquivFirst = regexp.MustCompile(
		`(?i)<meta[^>]*http-equiv\s*=\s*["']refresh["'][^>]*content\s*=\s*["'][^"']*;\s*url=([^"']+)["']`)

	metaRobotsNofollow = regexp.MustCompile(
		`(?i)<meta[^>]*name\s*=\s*["']robots["'][^>]*content\s*=\s*["'][^"']*nofollow[^"']*["']`)

	htmlCommentRegex = regexp.MustCompile(`(?s)<!--.*?-->`)
	scriptBlockRegex = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)

	attributeFluffRegex = regexp.MustCompile(`(?i)^(?:href|src)\s*=\s*`)
	jsWrapperRegex      = regexp.MustCompile(`(?i)^javascript:\s*[\w$.]+\(\s*["']([^"']*)["']`)
)

// htmlEntityReplacer decodes the handful of entities that show up inside
// attribute values often enough to break URL resolution.
var htmlEntityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&#38;", "&",
	"&#x00026;", "&",
	"&#x2f;", "/",
	"&#47;", "/",
)

// discoverResources extracts candidate URL strings from a document fetched
// for item. When the document opts out via a robots nofollow meta tag and
// the engine respects robots.txt, nothing is returned.
func (c *Crawler) discoverResources(body []byte, item *queue.Item) []string {
	if c.cfg.RespectRobotsTxt && metaRobotsNofollow.Match(body) {
		return nil
	}
	if !c.cfg.ParseHTMLComments {
		body = htmlCommentRegex.ReplaceAll(body, nil)
	}
	if !c.cfg.ParseScriptTags {
		body = scriptBlockRegex.ReplaceAll(body, nil)
	}

	var candidates []string
	for _, match := range hrefSrcRegex.FindAllSubmatch(body, -1) {
		candidates = append(candidates, string(match[1]))
	}
	for _, match := range cssURLRegex.FindAllSubmatch(body, -1) {
		candidates = append(candidates, string(match[1]))
	}
	for _, match := range bareURLRegex.FindAll(body, -1) {
		candidates = append(candidates, string(match))
	}
	candidates = append(candidates, srcsetCandidates(body)...)
	for _, re := range []*regexp.Regexp{metaRefreshContentFirst, metaRefreshEquivFirst} {
		for _, match := range re.FindAllSubmatch(body, -1) {
			candidates = append(candidates, string(match[1]))
		}
	}
	for _, re := range c.cfg.DiscoverRegex {
		for _, match := range re.FindAll(body, -1) {
			candidates = append(candidates, string(match))
		}
	}

	return c.cleanExpandResources(candidates, item)
}

// srcsetCandidates takes the first URL of each comma-separated srcset
// candidate, dropping the density/width descriptor.
func srcsetCandidates(body []byte) []string {
	var out []string
	for _, match := range srcsetRegex.FindAllSubmatch(body, -1) {
		set := strings.Trim(string(match[1]), `"'`)
		for _, candidate := range strings.Split(set, ",") {
			fields := strings.Fields(strings.TrimSpace(candidate))
			if len(fields) > 0 {
				out = append(out, fields[0])
			}
		}
	}
	return out
}

// cleanExpandResources strips attribute fluff from raw candidates, decodes
// the hard-coded HTML entities, expands protocol-relative URLs with the
// referrer's protocol, drops fragments, rejects schemes outside the allowed
// protocols and de-duplicates while preserving discovery order.
func (c *Crawler) cleanExpandResources(raw []string, referrer *queue.Item) []string {
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, candidate := range raw {
		cleaned, ok := c.cleanResource(candidate, referrer)
		if !ok {
			continue
		}
		if _, dup := seen[cleaned]; dup {
			continue
		}
		seen[cleaned] = struct{}{}
		out = append(out, cleaned)
	}
	return out
}

func (c *Crawler) cleanResource(candidate string, referrer *queue.Item) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	candidate = attributeFluffRegex.ReplaceAllString(candidate, "")
	candidate = strings.Trim(candidate, `"'`)
	if strings.HasPrefix(strings.ToLower(candidate), "url(") {
		candidate = strings.TrimSuffix(candidate[4:], ")")
		candidate = strings.Trim(candidate, `"' `)
	}
	candidate = htmlEntityReplacer.Replace(candidate)

	if match := jsWrapperRegex.FindStringSubmatch(candidate); match != nil {
		candidate = match[1]
	} else if strings.HasPrefix(strings.ToLower(candidate), "javascript:") {
		return "", false
	}

	if strings.HasPrefix(candidate, "//") && referrer != nil {
		candidate = referrer.Protocol + ":" + candidate
	}
	if hash := strings.IndexByte(candidate, '#'); hash >= 0 {
		candidate = candidate[:hash]
	}
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", false
	}

	parsed, err := url.Parse(candidate)
	if err != nil {
		return "", false
	}
	if parsed.Scheme != "" && !c.protocolAllowed(parsed.Scheme) {
		return "", false
	}
	return candidate, true
}

func (c *Crawler) protocolAllowed(scheme string) bool {
	for _, re := range c.cfg.AllowedProtocols {
		if re.MatchString(scheme) {
			return true
		}
	}
	return false
}

// supportedMIME reports whether a content type should be handed to the
// extractor.
func (c *Crawler) supportedMIME(contentType string) bool {
	contentType = strings.TrimSpace(contentType)
	for _, re := range c.cfg.SupportedMimeTypes {
		if re.MatchString(contentType) {
			return true
		}
	}
	return false
}
