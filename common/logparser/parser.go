// Package logparser turns raw nginx access and error log lines into LogEntry records.
//
// Lines are matched against an ordered list of formats and the first match wins:
// syslog-wrapped error, syslog-wrapped access, syslog "message repeated" access,
// Combined, Common, simplified and a generic fallback. The parser holds no mutable
// state and is safe for concurrent use.
package logparser

import (
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/models"
)

// noisePatterns are nginx [error] fragments that carry no security signal.
var noisePatterns = []string{
	"open()",
	"failed (2: No such file or directory)",
	"failed (13: Permission denied)",
	"failed (20: Not a directory)",
	"No such file or directory",
	"Permission denied",
	"Not a directory",
	"connect() failed",
}

var requestLikeRe = regexp.MustCompile(`"\w+ /`)

// Parser parses log lines. The zero value is not usable; use New.
type Parser struct {
	formats []format
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Parser.
type Option func(*Parser)

// WithClock overrides the clock used for default timestamps and the syslog year.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		p.now = now
	}
}

// New creates a Parser with the default format cascade.
func New(logger *slog.Logger, opts ...Option) *Parser {
	p := &Parser{
		formats: defaultFormats(),
		logger:  logging.OrDefault(logger),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse returns the entry for line, or false when the line is not an HTTP
// request record. A false result is not an error.
func (p *Parser) Parse(line string) (models.LogEntry, bool) {
	entry, _, ok := p.ParseFormat(line)
	return entry, ok
}

// ParseFormat is Parse that also reports which format matched.
func (p *Parser) ParseFormat(line string) (models.LogEntry, Format, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return models.LogEntry{}, "", false
	}

	if p.isNoise(line) {
		return models.LogEntry{}, "", false
	}

	now := p.now()
	for _, f := range p.formats {
		m := f.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		fl := f.extract(m, line, now)
		if !ValidIP(fl.ip) {
			p.logger.Debug("rejected line with invalid ip",
				logging.IP(fl.ip), slog.String("format", string(f.name)), slog.String("line", truncate(line, 80)))
			return models.LogEntry{}, "", false
		}

		status, err := strconv.Atoi(fl.status)
		if err != nil {
			continue
		}

		accessTime := fl.time
		if !fl.timeSet {
			accessTime = now
		}

		return models.LogEntry{
			Method:     fl.method,
			FullURL:    DecodeURL(fl.url),
			StatusCode: status,
			IPAddress:  fl.ip,
			AccessTime: accessTime,
		}, f.name, true
	}

	p.logger.Debug("unrecognized log line", slog.String("line", truncate(line, 100)))
	return models.LogEntry{}, "", false
}

// isNoise reports lines dropped before the cascade runs.
func (p *Parser) isNoise(line string) bool {
	// "message repeated" lines are only kept when they wrap an access record.
	if strings.Contains(line, "message repeated") && strings.Contains(line, "times:") {
		if !p.matches(FormatSyslogRepeated, line) {
			p.logger.Debug("skipped syslog repeat line", slog.String("line", truncate(line, 50)))
			return true
		}
	}

	if strings.Contains(line, "[error]") {
		for _, pattern := range noisePatterns {
			if strings.Contains(line, pattern) {
				p.logger.Debug("skipped nginx error noise", slog.String("line", truncate(line, 80)))
				return true
			}
		}
		if !requestLikeRe.MatchString(line) {
			return true
		}
	}
	return false
}

func (p *Parser) matches(name Format, line string) bool {
	for _, f := range p.formats {
		if f.name == name {
			return f.re.MatchString(line)
		}
	}
	return false
}

var (
	ipv4Re = regexp.MustCompile(`^(\d{1,3})\.(\d{1,3})\.(\d{1,3})\.(\d{1,3})$`)
	ipv6Re = regexp.MustCompile(`^[a-fA-F0-9:]+$`)
)

// ValidIP accepts dotted IPv4 with octets in 0-255, or a loosely shaped IPv6
// address (hex digits and colons with "::" or at least two colons).
func ValidIP(s string) bool {
	if m := ipv4Re.FindStringSubmatch(s); m != nil {
		for _, octet := range m[1:] {
			n, err := strconv.Atoi(octet)
			if err != nil || n < 0 || n > 255 {
				return false
			}
		}
		return true
	}
	if !ipv6Re.MatchString(s) {
		return false
	}
	return strings.Contains(s, "::") || strings.Count(s, ":") >= 2
}

// maxDecodePasses bounds how many layers of percent-encoding DecodeURL removes.
const maxDecodePasses = 5

// DecodeURL percent-decodes u repeatedly until it stops changing, no '%'
// is left or maxDecodePasses is reached. '+' becomes a space. A pass that
// hits invalid percent-encoding keeps the result of the previous pass.
// Invalid UTF-8 in the result is replaced with U+FFFD.
func DecodeURL(u string) string {
	prev, decoded := u, u
	for i := 0; i < maxDecodePasses; i++ {
		if !strings.ContainsAny(decoded, "%+") {
			break
		}
		next, err := url.QueryUnescape(decoded)
		if err != nil {
			decoded = prev
			break
		}
		decoded = next
		if decoded == prev || !strings.Contains(decoded, "%") {
			break
		}
		prev = decoded
	}
	return strings.ToValidUTF8(decoded, "\uFFFD")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
