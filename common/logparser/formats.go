package logparser

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Format names one supported line layout.
type Format string

const (
	FormatSyslogError    Format = "syslog_error"
	FormatSyslogAccess   Format = "syslog_access"
	FormatSyslogRepeated Format = "syslog_repeated"
	FormatCombined       Format = "combined"
	FormatCommon         Format = "common"
	FormatSimplified     Format = "simplified"
	FormatGeneric        Format = "generic"
)

const (
	syslogPrefix = `^[A-Za-z]{3}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2}\s+\S+\s+\S+\[\d+\]:\s+`
	ipGroup      = `(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}|[a-fA-F0-9:]+)`
)

// fields is what an extractor pulls out of a match before validation.
type fields struct {
	ip      string
	method  string
	url     string
	status  string
	time    time.Time
	timeSet bool
}

// format pairs a matcher with its extractor. The extractor receives the
// submatches, the full line and the reference clock.
type format struct {
	name    Format
	re      *regexp.Regexp
	extract func(m []string, line string, now time.Time) fields
}

// defaultFormats is the priority-ordered cascade. More structured layouts come
// before the generic fallback.
func defaultFormats() []format {
	return []format{
		{
			name: FormatSyslogError,
			re:   regexp.MustCompile(syslogPrefix + `.*?client:\s+` + ipGroup + `.*?request:\s+"([^"]*)"`),
			extract: func(m []string, line string, now time.Time) fields {
				method, url := splitErrorRequest(m[2])
				t, ok := parseSyslogTime(line, now)
				return fields{ip: m[1], method: method, url: url, status: "404", time: t, timeSet: ok}
			},
		},
		{
			name:    FormatSyslogAccess,
			re:      regexp.MustCompile(syslogPrefix + ipGroup + `\s+\S+\s+\S+\s+\[([^\]]+)\]\s+"([^"]*)"\s+(\d+)`),
			extract: requestFields,
		},
		{
			name:    FormatSyslogRepeated,
			re:      regexp.MustCompile(syslogPrefix + `message repeated \d+ times?: \[\s*` + ipGroup + `\s+\S+\s+\S+\s+\[([^\]]+)\]\s+"([^"]*)"\s+(\d+)`),
			extract: requestFields,
		},
		{
			name:    FormatCombined,
			re:      regexp.MustCompile(`^` + ipGroup + `\s+\S+\s+\S+\s+\[([^\]]+)\]\s+"([^"]*)"\s+(\d+)\s+(\d+|-)\s+"([^"]*)"\s+"([^"]*)"`),
			extract: requestFields,
		},
		{
			name:    FormatCommon,
			re:      regexp.MustCompile(`^` + ipGroup + `\s+\S+\s+\S+\s+\[([^\]]+)\]\s+"([^"]*)"\s+(\d+)\s+(\d+|-)`),
			extract: requestFields,
		},
		{
			name: FormatSimplified,
			re:   regexp.MustCompile(`^` + ipGroup + `\s+\S+\s+\S+\s+\[([^\]]+)\]\s+"(\S+)\s+(\S+)[^"]*"\s+(\d+)`),
			extract: func(m []string, _ string, _ time.Time) fields {
				t, ok := parseNginxTime(m[2])
				return fields{ip: m[1], method: m[3], url: m[4], status: m[5], time: t, timeSet: ok}
			},
		},
		{
			name:    FormatGeneric,
			re:      regexp.MustCompile(`^(\S+)\s+\S+\s+\S+\s+\[([^\]]+)\]\s+"([^"]*)"\s+(\d+)`),
			extract: requestFields,
		},
	}
}

// requestFields handles every layout shaped as ip, [time], "request", status.
func requestFields(m []string, _ string, _ time.Time) fields {
	method, url := SplitRequest(m[3])
	t, ok := parseNginxTime(m[2])
	return fields{ip: m[1], method: method, url: url, status: m[4], time: t, timeSet: ok}
}

var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"HEAD": true, "OPTIONS": true, "PATCH": true,
}

// SplitRequest splits an HTTP request line into method and URL, defaulting to
// GET and / when either is missing.
func SplitRequest(request string) (method, url string) {
	parts := strings.Fields(request)
	switch {
	case len(parts) >= 2:
		return parts[0], parts[1]
	case len(parts) == 1:
		if knownMethods[parts[0]] {
			return parts[0], "/"
		}
		return "GET", parts[0]
	default:
		return "GET", "/"
	}
}

// splitErrorRequest mirrors SplitRequest for the request: field of nginx error
// lines, where a lone token is always treated as the URL.
func splitErrorRequest(request string) (method, url string) {
	parts := strings.Fields(request)
	if len(parts) >= 2 {
		return parts[0], parts[1]
	}
	if request == "" {
		return "GET", "/"
	}
	return "GET", request
}

var syslogTimeRe = regexp.MustCompile(`^([A-Za-z]{3})\s+(\d{1,2})\s+(\d{2}:\d{2}:\d{2})`)

// parseSyslogTime reads the "Mon D HH:MM:SS" prefix, assuming the year of now.
func parseSyslogTime(line string, now time.Time) (time.Time, bool) {
	m := syslogTimeRe.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, false
	}
	stamp := m[1] + " " + m[2] + " " + m[3] + " " + strconv.Itoa(now.Year())
	t, err := time.ParseInLocation("Jan 2 15:04:05 2006", stamp, now.Location())
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// parseNginxTime parses $time_local ("10/Jul/2025:02:29:57 +0900"). A value
// without a zone is read in local time.
func parseNginxTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("02/Jan/2006:15:04:05 -0700", s); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("02/Jan/2006:15:04:05", s, time.Local); err == nil {
		return t, true
	}
	return time.Time{}, false
}
