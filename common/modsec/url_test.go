package modsec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractURL(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"uri tag", `ModSecurity: Access denied [uri "/wp-login.php"]`, "/wp-login.php"},
		{"request_uri tag", `ModSecurity: Access denied [request_uri "/a%20b"]`, "/a b"},
		{"data with request line", `ModSecurity: Access denied [data "POST /upload HTTP/1.1"]`, "/upload"},
		{"nginx request field", `ModSecurity: Access denied, client: 1.2.3.4, request: "GET /vuln?id=1 HTTP/1.1", host: "x"`, "/vuln?id=1"},
		{"bare request line", `ModSecurity: Access denied while handling GET /x.php HTTP/1.1`, "/x.php"},
		{"args are not urls", `ModSecurity: Access denied [uri "ARGS:id"]`, ""},
		{"nothing", `ModSecurity: Access denied`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractURL(tt.line))
		})
	}
}

func TestURLMatches(t *testing.T) {
	tests := []struct {
		name    string
		alert   string
		request string
		want    bool
	}{
		{"exact", "/vuln?id=1", "/vuln?id=1", true},
		{"case and slash", "/Admin/", "/admin", true},
		{"same path different query", "/vuln?id=2", "/vuln?id=1", true},
		{"alert contained in request", "/vuln", "/app/vuln/x", true},
		{"encoded", "/search?q=%3Cscript%3E", "/search?q=<script>", true},
		{"entities", "/q?x=&lt;a&gt;", "/q?x=<a>", true},
		{"query overlap", "/a?token=abc", "/b?token=abcdef", true},
		{"unrelated", "/login", "/static/app", false},
		{"empty alert url", "", "/anything", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, URLMatches(tt.alert, tt.request))
		})
	}
}
