package modsec

import (
	"regexp"
	"strings"

	"github.com/edamame-systems/edamame-stack/common/logparser"
)

// urlPattern extracts a request target from one ModSecurity line layout.
type urlPattern struct {
	re    *regexp.Regexp
	group int
}

var urlPatterns = []urlPattern{
	{regexp.MustCompile(`\[uri "([^"]+)"\]`), 1},
	{regexp.MustCompile(`\[request_uri "([^"]+)"\]`), 1},
	{regexp.MustCompile(`\[data "[^"]*?(?:GET|POST|PUT|DELETE)\s+([^\s"]+)[^"]*"\]`), 1},
	{regexp.MustCompile(`request:\s*"[^"]*?\s+([^\s"]+)\s+[^"]*?"`), 1},
	{regexp.MustCompile(`(?:GET|POST|PUT|DELETE)\s+([^\s]+)\s+HTTP`), 1},
}

// ExtractURL returns the request target named in an alert line, or "".
func ExtractURL(line string) string {
	for _, p := range urlPatterns {
		m := p.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if u := normalizeExtracted(m[p.group]); u != "" {
			return u
		}
	}
	return ""
}

func normalizeExtracted(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	if strings.Contains(u, "ARGS:") || strings.Contains(u, "REQUEST_") {
		return ""
	}
	u = logparser.DecodeURL(u)
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return u
}

var entityReplacer = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&")

func normalizeForComparison(u string) string {
	s := logparser.DecodeURL(strings.TrimSpace(u))
	s = strings.ToLower(entityReplacer.Replace(s))
	if len(s) > 1 && strings.HasSuffix(s, "/") {
		s = s[:len(s)-1]
	}
	return s
}

// URLMatches reports whether an alert's extracted URL refers to requestURL:
// exact match, same path, containment either way, or overlapping query strings.
// Comparison ignores case, percent-encoding, basic HTML entities and a trailing slash.
func URLMatches(alertURL, requestURL string) bool {
	if alertURL == "" {
		return false
	}
	a := normalizeForComparison(alertURL)
	r := normalizeForComparison(requestURL)

	if a == r {
		return true
	}

	aPath, aQuery, _ := strings.Cut(a, "?")
	rPath, rQuery, _ := strings.Cut(r, "?")
	if aPath != "" && aPath == rPath {
		return true
	}

	if a != "" && strings.Contains(r, a) {
		return true
	}
	if r != "" && strings.Contains(a, r) {
		return true
	}

	if aQuery != "" && rQuery != "" {
		return strings.Contains(rQuery, aQuery) || strings.Contains(aQuery, rQuery)
	}
	return false
}
