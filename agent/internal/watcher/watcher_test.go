package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/models"
)

const (
	modsecLine = `2025/07/10 02:29:57 [error] 812#812: *9 [client 198.51.100.23] ModSecurity: Access denied with code 403 (phase 2). ` +
		`[id "942100"] [msg "SQL Injection Attack Detected"] [severity "CRITICAL"] [uri "/vuln"], client: 198.51.100.23, server: shop`
	noiseLine     = `2025/07/10 02:30:00 [error] 812#812: *10 open() "/usr/share/nginx/html/favicon.ico" failed (2: No such file or directory), client: 203.0.113.7`
	blockedAccess = `198.51.100.23 - - [10/Jul/2025:02:29:57 +0900] "GET /vuln?id=1 HTTP/1.1" 403 153 "-" "curl/8.0"`
	cleanAccess   = `203.0.113.7 - - [10/Jul/2025:02:30:01 +0900] "GET /index.html HTTP/1.1" 200 512 "-" "Mozilla/5.0"`
)

type collected struct {
	mu      sync.Mutex
	batches [][]models.LogEntry
}

func (c *collected) handle(_ context.Context, batch []models.LogEntry) {
	c.mu.Lock()
	c.batches = append(c.batches, batch)
	c.mu.Unlock()
}

func (c *collected) entries() []models.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.LogEntry
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

type runner struct {
	cancel context.CancelFunc
	done   chan error
}

func (r *runner) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func start(t *testing.T, cfg Config, c *collected) *runner {
	t.Helper()
	cfg.Poll = true
	cfg.FromStart = true
	cfg.FlushInterval = 20 * time.Millisecond
	cfg.Logger = logging.Discard()

	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{cancel: cancel, done: make(chan error, 1)}
	w := New(cfg)
	go func() { r.done <- w.Run(ctx, c.handle) }()
	return r
}

func TestEntry(t *testing.T) {
	w := New(Config{Logger: logging.Discard()})
	access := Source{Server: "shop", Path: "/var/log/nginx/shop/access.log"}
	errLog := Source{Server: "shop", Path: "/var/log/nginx/shop/error.log"}

	t.Run("access line is parsed", func(t *testing.T) {
		e, ok := w.Entry(access, cleanAccess)
		require.True(t, ok)
		assert.Equal(t, "GET", e.Method)
		assert.Equal(t, "/index.html", e.FullURL)
		assert.Equal(t, 200, e.StatusCode)
		assert.Equal(t, "shop", e.ServerName)
		assert.Equal(t, access.Path, e.SourcePath)
		assert.Empty(t, e.RawLogLine)
	})

	t.Run("modsecurity line is forwarded raw", func(t *testing.T) {
		e, ok := w.Entry(errLog, modsecLine)
		require.True(t, ok)
		assert.Equal(t, modsecLine, e.RawLogLine)
		assert.Empty(t, e.FullURL)
		assert.Equal(t, "shop", e.ServerName)
	})

	t.Run("other error log lines are dropped", func(t *testing.T) {
		_, ok := w.Entry(errLog, noiseLine)
		assert.False(t, ok)
	})

	t.Run("blank line", func(t *testing.T) {
		_, ok := w.Entry(access, "   \r\n")
		assert.False(t, ok)
	})
}

func TestRun_BatchesInStreamOrder(t *testing.T) {
	dir := t.TempDir()
	accessPath := filepath.Join(dir, "access.log")
	errorPath := filepath.Join(dir, "error.log")
	writeLines(t, accessPath, blockedAccess, cleanAccess)
	writeLines(t, errorPath, noiseLine, modsecLine)

	c := &collected{}
	r := start(t, Config{
		Sources: []Source{
			{Server: "shop", Path: accessPath},
			{Server: "shop", Path: errorPath},
		},
		MaxBatchSize: 10,
	}, c)

	require.Eventually(t, func() bool { return len(c.entries()) == 3 }, 5*time.Second, 20*time.Millisecond)
	r.stop(t)

	var urls []string
	raw := 0
	for _, e := range c.entries() {
		if e.RawLogLine != "" {
			raw++
			continue
		}
		urls = append(urls, e.FullURL)
	}
	assert.Equal(t, 1, raw)
	assert.Equal(t, []string{"/vuln?id=1", "/index.html"}, urls, "lines of one file keep their order")
}

func TestRun_MaxBatchSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	writeLines(t, path, cleanAccess, cleanAccess, cleanAccess, cleanAccess, cleanAccess)

	c := &collected{}
	r := start(t, Config{Sources: []Source{{Server: "shop", Path: path}}, MaxBatchSize: 2}, c)

	require.Eventually(t, func() bool { return len(c.entries()) == 5 }, 5*time.Second, 20*time.Millisecond)
	r.stop(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.batches {
		assert.LessOrEqual(t, len(b), 2)
	}
}

func TestRun_ResumesFromSavedPosition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	posFile := filepath.Join(dir, "positions.json")
	writeLines(t, path, cleanAccess, blockedAccess)

	pos, err := LoadPositions(posFile)
	require.NoError(t, err)
	first := &collected{}
	r := start(t, Config{Sources: []Source{{Server: "shop", Path: path}}, Positions: pos}, first)
	require.Eventually(t, func() bool { return len(first.entries()) == 2 }, 5*time.Second, 20*time.Millisecond)
	r.stop(t)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	reloaded, err := LoadPositions(posFile)
	require.NoError(t, err)
	off, ok := reloaded.Get(path)
	require.True(t, ok)
	assert.Equal(t, fi.Size(), off)

	const newLine = `203.0.113.9 - - [10/Jul/2025:02:31:00 +0900] "GET /after-restart HTTP/1.1" 200 10 "-" "curl/8.0"`
	writeLines(t, path, newLine)

	second := &collected{}
	r = start(t, Config{Sources: []Source{{Server: "shop", Path: path}}, Positions: reloaded}, second)
	require.Eventually(t, func() bool { return len(second.entries()) == 1 }, 5*time.Second, 20*time.Millisecond)
	r.stop(t)

	assert.Equal(t, "/after-restart", second.entries()[0].FullURL)
}

func TestRun_TruncatedFileRestartsAtZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "access.log")
	writeLines(t, path, cleanAccess)

	pos, err := LoadPositions(filepath.Join(dir, "positions.json"))
	require.NoError(t, err)
	pos.Set(path, 1<<20)

	c := &collected{}
	r := start(t, Config{Sources: []Source{{Server: "shop", Path: path}}, Positions: pos}, c)
	require.Eventually(t, func() bool { return len(c.entries()) == 1 }, 5*time.Second, 20*time.Millisecond)
	r.stop(t)

	assert.Equal(t, "/index.html", c.entries()[0].FullURL)
}

func TestRun_NoSources(t *testing.T) {
	w := New(Config{Logger: logging.Discard()})
	assert.Error(t, w.Run(context.Background(), func(context.Context, []models.LogEntry) {}))
}

func TestPositions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "positions.json")

	p, err := LoadPositions(path)
	require.NoError(t, err)
	_, ok := p.Get("/var/log/nginx/access.log")
	assert.False(t, ok)

	p.Set("/var/log/nginx/access.log", 4096)
	require.NoError(t, p.Save())

	q, err := LoadPositions(path)
	require.NoError(t, err)
	off, ok := q.Get("/var/log/nginx/access.log")
	require.True(t, ok)
	assert.Equal(t, int64(4096), off)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err = LoadPositions(path)
	assert.Error(t, err)
}

func TestIsErrorLog(t *testing.T) {
	assert.True(t, IsErrorLog("/var/log/nginx/error.log"))
	assert.True(t, IsErrorLog("/var/log/nginx/shop.error.log.1"))
	assert.False(t, IsErrorLog("/var/log/nginx/access.log"))
}
