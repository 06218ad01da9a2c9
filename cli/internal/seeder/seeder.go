// Package seeder generates fake nginx traffic: access lines and, for attack
// requests, the ModSecurity error line that blocked them.
package seeder

import (
	"fmt"
	"net/url"
	"time"

	"github.com/brianvoe/gofakeit/v6"
)

const accessTimeLayout = "02/Jan/2006:15:04:05 -0700"

// Line is one generated log line and the file it belongs to.
type Line struct {
	Text     string
	ErrorLog bool
}

// rule is a ModSecurity rule the generator can fire.
type rule struct {
	ID       string
	Msg      string
	Severity string
	Payloads []string
}

var rules = []rule{
	{"942100", "SQL Injection Attack Detected via libinjection", "CRITICAL", []string{"1' OR '1'='1", "1 UNION SELECT password FROM users--", "admin'--"}},
	{"941100", "XSS Attack Detected via libinjection", "CRITICAL", []string{"<script>alert(1)</script>", "<img src=x onerror=alert(1)>"}},
	{"930100", "Path Traversal Attack (/../)", "CRITICAL", []string{"../../../../etc/passwd", "..%2f..%2fetc%2fshadow"}},
	{"932160", "Remote Command Execution: Unix Shell Code Found", "CRITICAL", []string{"; cat /etc/passwd", "| id"}},
	{"920350", "Host header is a numeric IP address", "WARNING", []string{""}},
}

var (
	pages   = []string{"/", "/index.html", "/products", "/products/42", "/cart", "/login", "/search", "/static/app.js", "/static/style.css", "/api/v1/items"}
	params  = []string{"id", "q", "page", "file", "cmd", "user"}
	methods = []string{"GET", "GET", "GET", "GET", "POST", "HEAD"}
	codes   = []int{200, 200, 200, 200, 304, 301, 404, 500}
)

type Config struct {
	// Server is the nginx server_name written into error lines.
	Server string
	// AttackRatio is the share of requests that trigger a rule, 0 to 1.
	AttackRatio float64
	// Spread places timestamps evenly over the window ending at Now.
	Spread time.Duration
	Seed   int64
	Now    func() time.Time
}

type Generator struct {
	cfg   Config
	faker *gofakeit.Faker
}

func New(cfg Config) *Generator {
	if cfg.Server == "" {
		cfg.Server = "localhost"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{cfg: cfg, faker: gofakeit.New(cfg.Seed)}
}

// Generate returns lines for n requests. Attack requests produce two lines:
// the ModSecurity error line followed by the 403 access line, both with the
// same client and URI.
func (g *Generator) Generate(n int) []Line {
	now := g.cfg.Now()
	out := make([]Line, 0, n)
	for i := 0; i < n; i++ {
		at := now
		if g.cfg.Spread > 0 && n > 1 {
			at = now.Add(-g.cfg.Spread + time.Duration(i)*g.cfg.Spread/time.Duration(n-1))
		}
		if g.faker.Float64Range(0, 1) < g.cfg.AttackRatio {
			out = append(out, g.attack(at)...)
			continue
		}
		out = append(out, g.request(at))
	}
	return out
}

func (g *Generator) request(at time.Time) Line {
	uri := g.faker.RandomString(pages)
	status := codes[g.faker.Number(0, len(codes)-1)]
	return Line{Text: g.access(g.faker.IPv4Address(), g.faker.RandomString(methods), uri, status, at)}
}

func (g *Generator) attack(at time.Time) []Line {
	r := rules[g.faker.Number(0, len(rules)-1)]
	ip := g.faker.IPv4Address()
	uri := g.faker.RandomString(pages)
	if payload := g.faker.RandomString(r.Payloads); payload != "" {
		uri += "?" + g.faker.RandomString(params) + "=" + url.QueryEscape(payload)
	}

	errLine := fmt.Sprintf(`%s [error] %d#%d: *%d [client %s] ModSecurity: Access denied with code 403 (phase 2). `+
		`Matched "Operator `+"`"+`Rx' against variable `+"`"+`ARGS'" [file "/etc/nginx/modsec/crs/rules.conf"] `+
		`[line "%d"] [id "%s"] [rev ""] [msg "%s"] [data "%s"] [severity "%s"] [ver "OWASP_CRS/3.3.4"] `+
		`[hostname "%s"] [uri "%s"] [unique_id "%s"], client: %s, server: %s, request: "GET %s HTTP/1.1", host: "%s"`,
		at.Format("2006/01/02 15:04:05"),
		g.faker.Number(100, 9999), 0, g.faker.Number(1, 99999), ip,
		g.faker.Number(100, 2000), r.ID, r.Msg, r.Msg, r.Severity,
		g.cfg.Server, uri, g.faker.UUID(), ip, g.cfg.Server, uri, g.cfg.Server)

	return []Line{
		{Text: errLine, ErrorLog: true},
		{Text: g.access(ip, "GET", uri, 403, at)},
	}
}

func (g *Generator) access(ip, method, uri string, status int, at time.Time) string {
	return fmt.Sprintf(`%s - - [%s] "%s %s HTTP/1.1" %d %d "-" "%s"`,
		ip, at.Format(accessTimeLayout), method, uri, status, g.faker.Number(0, 40000), g.faker.UserAgent())
}
