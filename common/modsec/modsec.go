// Package modsec recognizes ModSecurity alert lines and extracts their rule fields.
package modsec

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/edamame-systems/edamame-stack/common/models"
)

// Fallback values used when a banner line carries no structured fields.
const (
	UnknownRuleID   = "unknown"
	FallbackMessage = "ModSecurity Alert Detected"
	UnknownSeverity = "unknown"
	maxFallbackData = 500
)

var bannerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ModSecurity: Access denied`),
	regexp.MustCompile(`(?i)ModSecurity.*blocked`),
	regexp.MustCompile(`(?i)ModSecurity.*denied`),
}

var (
	ruleIDRe   = regexp.MustCompile(`\[id "(\d+)"\]`)
	msgRe      = regexp.MustCompile(`\[msg "([^"]+)"\]`)
	dataRe     = regexp.MustCompile(`\[data "([^"]+)"\]`)
	severityRe = regexp.MustCompile(`\[severity "([^"]+)"\]`)
)

// IsAlert reports whether line is a ModSecurity block banner.
func IsAlert(line string) bool {
	for _, re := range bannerPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Extract returns one alert per rule found in line. Values of the four tag
// kinds are paired by position; a kind with fewer values than the longest list
// is padded with empty strings. A line with no tags yields a single fallback
// alert carrying the truncated line as its data.
func Extract(line, serverName string, detectedAt time.Time) []models.ModSecAlert {
	ids := submatches(ruleIDRe, line)
	msgs := submatches(msgRe, line)
	data := submatches(dataRe, line)
	severities := submatches(severityRe, line)
	url := ExtractURL(line)

	n := max(len(ids), len(msgs), len(data), len(severities))
	if n == 0 {
		return []models.ModSecAlert{{
			ServerName:   serverName,
			RuleID:       UnknownRuleID,
			Severity:     UnknownSeverity,
			SeverityCode: SeverityCode(UnknownSeverity),
			Message:      FallbackMessage,
			DataValue:    truncate(line, maxFallbackData),
			ExtractedURL: url,
			RawLog:       line,
			DetectedAt:   detectedAt,
		}}
	}

	alerts := make([]models.ModSecAlert, 0, n)
	for i := 0; i < n; i++ {
		severity := at(severities, i)
		alerts = append(alerts, models.ModSecAlert{
			ServerName:   serverName,
			RuleID:       at(ids, i),
			Severity:     severity,
			SeverityCode: SeverityCode(severity),
			Message:      at(msgs, i),
			DataValue:    at(data, i),
			ExtractedURL: url,
			RawLog:       line,
			DetectedAt:   detectedAt,
		})
	}
	return alerts
}

func submatches(re *regexp.Regexp, line string) []string {
	matches := re.FindAllStringSubmatch(line, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func at(values []string, i int) string {
	if i < len(values) {
		return values[i]
	}
	return ""
}

// SeverityCode maps a ModSecurity severity name (or digit) to its syslog level.
// Unknown names map to 2 (critical).
func SeverityCode(severity string) int {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "emergency", "0":
		return 0
	case "alert", "1":
		return 1
	case "critical", "2":
		return 2
	case "error", "3":
		return 3
	case "warning", "4":
		return 4
	case "notice", "5":
		return 5
	case "info", "6":
		return 6
	case "debug", "7":
		return 7
	default:
		return 2
	}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
