// Package correlation links ModSecurity alerts to the access entries they blocked.
//
// Alerts are queued per server name. In adjacency mode an alert line is claimed
// by the next access entry seen on the same stream for the same server. In
// window mode any stream may claim it when the entry's access time lies within
// the window of the alert and the URLs match. Either way an alert is removed
// from the queue on its first match, and alerts nobody claims expire.
package correlation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/edamame-systems/edamame-stack/collector/internal/metrics"
	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/models"
	"github.com/edamame-systems/edamame-stack/common/modsec"
)

type Mode int

const (
	ModeAdjacency Mode = iota
	ModeWindow
)

// ParseMode maps a config value to a Mode. Anything but "window" is adjacency.
func ParseMode(s string) Mode {
	if s == "window" {
		return ModeWindow
	}
	return ModeAdjacency
}

func (m Mode) String() string {
	if m == ModeWindow {
		return "window"
	}
	return "adjacency"
}

type Config struct {
	Mode            Mode
	Window          time.Duration
	CleanupInterval time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

type pending struct {
	id       uint64
	alert    models.ModSecAlert
	queuedAt time.Time
}

type streamKey struct {
	stream string
	server string
}

type Engine struct {
	mode   Mode
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	nextID uint64
	queues map[string][]*pending // by server name, oldest first
	groups map[streamKey][]uint64

	cleanupCh chan struct{}
	closeOnce sync.Once
	done      sync.WaitGroup
}

func NewEngine(cfg Config) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Engine{
		mode:      cfg.Mode,
		window:    cfg.Window,
		logger:    logging.OrDefault(cfg.Logger).With(logging.Service("correlation")),
		now:       cfg.Now,
		queues:    make(map[string][]*pending),
		groups:    make(map[streamKey][]uint64),
		cleanupCh: make(chan struct{}),
	}

	e.done.Add(1)
	go e.cleanupLoop(cfg.CleanupInterval)

	return e
}

// Mode returns the matching rule in effect.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Observe queues the alerts extracted from one alert line received on stream.
// They become that stream's pending group for their server, replacing any
// earlier group; alerts of the replaced group stay queued until they expire.
func (e *Engine) Observe(stream string, alerts []models.ModSecAlert) {
	if len(alerts) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	ids := make([]uint64, 0, len(alerts))
	for _, a := range alerts {
		e.nextID++
		p := &pending{id: e.nextID, alert: a, queuedAt: now}
		e.queues[a.ServerName] = append(e.queues[a.ServerName], p)
		ids = append(ids, p.id)
	}
	e.groups[streamKey{stream, alerts[0].ServerName}] = ids

	metrics.AlertsDetected.Add(float64(len(alerts)))
	metrics.AlertsPending.Add(float64(len(alerts)))
}

// Match returns the alerts claimed by entry and removes them from the queue.
// An empty result means the entry was not blocked.
func (e *Engine) Match(stream string, entry models.LogEntry) []models.ModSecAlert {
	e.mu.Lock()
	defer e.mu.Unlock()

	var matched []models.ModSecAlert
	switch e.mode {
	case ModeWindow:
		matched = e.matchWindow(entry)
	default:
		matched = e.matchAdjacent(stream, entry)
	}

	if len(matched) > 0 {
		metrics.AlertsMatched.Add(float64(len(matched)))
		metrics.AlertsPending.Sub(float64(len(matched)))
	}
	return matched
}

func (e *Engine) matchAdjacent(stream string, entry models.LogEntry) []models.ModSecAlert {
	key := streamKey{stream, entry.ServerName}
	ids, ok := e.groups[key]
	if !ok {
		return nil
	}
	delete(e.groups, key)

	want := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	return e.take(entry.ServerName, func(p *pending) bool {
		_, ok := want[p.id]
		return ok
	})
}

func (e *Engine) matchWindow(entry models.LogEntry) []models.ModSecAlert {
	var anchor *pending
	for _, p := range e.queues[entry.ServerName] {
		if e.withinWindow(p.alert.DetectedAt, entry.AccessTime) &&
			modsec.URLMatches(p.alert.ExtractedURL, entry.FullURL) {
			anchor = p
			break
		}
	}
	if anchor == nil {
		return nil
	}

	// Rules reported on the same alert line belong to the same request.
	return e.take(entry.ServerName, func(p *pending) bool {
		return p == anchor || (p.alert.RawLog == anchor.alert.RawLog && p.alert.DetectedAt.Equal(anchor.alert.DetectedAt))
	})
}

func (e *Engine) withinWindow(detectedAt, accessTime time.Time) bool {
	d := detectedAt.Sub(accessTime)
	if d < 0 {
		d = -d
	}
	return d <= e.window
}

// take removes and returns the queued alerts of server selected by keep.
// Caller holds e.mu.
func (e *Engine) take(server string, keep func(*pending) bool) []models.ModSecAlert {
	queue := e.queues[server]
	var out []models.ModSecAlert
	rest := queue[:0]
	for _, p := range queue {
		if keep(p) {
			out = append(out, p.alert)
			continue
		}
		rest = append(rest, p)
	}
	e.setQueue(server, rest)
	return out
}

func (e *Engine) setQueue(server string, q []*pending) {
	if len(q) == 0 {
		delete(e.queues, server)
		return
	}
	e.queues[server] = q
}

// Forget drops the pending groups of a closed stream. Their alerts remain
// queued for window matching and expiry.
func (e *Engine) Forget(stream string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for key := range e.groups {
		if key.stream == stream {
			delete(e.groups, key)
		}
	}
}

// Pending returns the number of queued alerts per server.
func (e *Engine) Pending() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]int, len(e.queues))
	for server, q := range e.queues {
		out[server] = len(q)
	}
	return out
}

func (e *Engine) cleanupLoop(interval time.Duration) {
	defer e.done.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Expire()
		case <-e.cleanupCh:
			return
		}
	}
}

// Expire discards alerts queued longer than the window and returns how many
// were dropped.
func (e *Engine) Expire() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.window)
	expired := 0
	for server, queue := range e.queues {
		rest := queue[:0]
		for _, p := range queue {
			if p.queuedAt.Before(cutoff) {
				expired++
				e.logger.Warn("Discarding unmatched ModSecurity alert",
					logging.Server(server),
					logging.RuleID(p.alert.RuleID),
					slog.String("extracted_url", p.alert.ExtractedURL),
					slog.Time("detected_at", p.alert.DetectedAt),
				)
				continue
			}
			rest = append(rest, p)
		}
		e.setQueue(server, rest)
	}

	if expired > 0 {
		e.pruneGroups()
		metrics.AlertsExpired.Add(float64(expired))
		metrics.AlertsPending.Sub(float64(expired))
	}
	return expired
}

// pruneGroups removes groups whose alerts have all left the queue.
// Caller holds e.mu.
func (e *Engine) pruneGroups() {
	live := make(map[uint64]struct{})
	for _, queue := range e.queues {
		for _, p := range queue {
			live[p.id] = struct{}{}
		}
	}
	for key, ids := range e.groups {
		alive := false
		for _, id := range ids {
			if _, ok := live[id]; ok {
				alive = true
				break
			}
		}
		if !alive {
			delete(e.groups, key)
		}
	}
}

// Close stops the cleanup goroutine.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.cleanupCh)
	})
	e.done.Wait()
}
