// Package watcher tails the configured nginx logs and turns new lines into
// batches of log entries.
//
// Access lines are parsed on the agent. ModSecurity lines are forwarded raw
// so the collector can correlate them with the access lines around them.
// Other error-log lines are dropped here.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nxadm/tail"

	"github.com/edamame-systems/edamame-stack/agent/internal/metrics"
	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/logparser"
	"github.com/edamame-systems/edamame-stack/common/models"
	"github.com/edamame-systems/edamame-stack/common/modsec"
)

const (
	DefaultMaxBatchSize  = 100
	DefaultFlushInterval = 10 * time.Second

	finalFlushTimeout = 5 * time.Second
)

// Source is one log file written by a monitored server.
type Source struct {
	Server string
	Path   string
}

type Config struct {
	Sources   []Source
	Positions *Positions
	// Poll uses stat polling instead of inotify.
	Poll bool
	// FromStart reads files without a saved position from the beginning
	// instead of only following new lines.
	FromStart     bool
	MaxBatchSize  int
	FlushInterval time.Duration
	Parser        *logparser.Parser
	Logger        *slog.Logger
}

// Handler receives each batch. Positions are advanced after it returns.
type Handler func(ctx context.Context, batch []models.LogEntry)

type Watcher struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Watcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	logger := logging.OrDefault(cfg.Logger)
	if cfg.Parser == nil {
		cfg.Parser = logparser.New(logger)
	}
	if cfg.Positions == nil {
		cfg.Positions, _ = LoadPositions("")
	}
	return &Watcher{cfg: cfg, logger: logger}
}

type item struct {
	entry  models.LogEntry
	keep   bool
	path   string
	offset int64
}

// Run tails every source until ctx is done. The batch in progress is
// handed to handle one last time before Run returns.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	if len(w.cfg.Sources) == 0 {
		return errors.New("no log sources configured")
	}

	tails := make([]*tail.Tail, 0, len(w.cfg.Sources))
	stopTails := func() {
		for _, t := range tails {
			_ = t.Stop()
			t.Cleanup()
		}
	}

	for _, src := range w.cfg.Sources {
		t, err := tail.TailFile(src.Path, w.tailConfig(src.Path))
		if err != nil {
			stopTails()
			return fmt.Errorf("failed to tail %s: %w", src.Path, err)
		}
		tails = append(tails, t)
		w.logger.Info("Watching log file", logging.Server(src.Server), logging.SourcePath(src.Path))
	}

	tailCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	items := make(chan item, 256)
	var wg sync.WaitGroup
	for i, src := range w.cfg.Sources {
		wg.Add(1)
		go func(src Source, t *tail.Tail) {
			defer wg.Done()
			w.follow(tailCtx, src, t, items)
		}(src, tails[i])
	}

	b := &batcher{w: w, handle: handle, offsets: make(map[string]int64)}
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case it := <-items:
			b.add(ctx, it)
		case <-ticker.C:
			b.flush(ctx)
		case <-ctx.Done():
			cancel()
			stopTails()
			wg.Wait()

			// Lines already read but not yet batched are re-read on restart
			// because their offsets were never saved.
			final, done := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			b.flush(final)
			done()
			return nil
		}
	}
}

func (w *Watcher) tailConfig(path string) tail.Config {
	cfg := tail.Config{
		Follow:        true,
		ReOpen:        true,
		MustExist:     false,
		Poll:          w.cfg.Poll,
		CompleteLines: true,
		Logger:        slog.NewLogLogger(w.logger.Handler(), slog.LevelDebug),
	}

	if off, ok := w.cfg.Positions.Get(path); ok {
		if fi, err := os.Stat(path); err == nil && fi.Size() < off {
			w.logger.Info("Log file shrank since last run, reading from the start",
				logging.SourcePath(path), slog.Int64("saved_offset", off), slog.Int64("size", fi.Size()))
			off = 0
		}
		cfg.Location = &tail.SeekInfo{Offset: off, Whence: io.SeekStart}
	} else if !w.cfg.FromStart {
		cfg.Location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	}
	return cfg
}

func (w *Watcher) follow(ctx context.Context, src Source, t *tail.Tail, out chan<- item) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-t.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				w.logger.Warn("Error while tailing", logging.SourcePath(src.Path), logging.Error(line.Err))
				continue
			}
			metrics.LinesRead.WithLabelValues(src.Server).Inc()

			entry, keep := w.Entry(src, line.Text)
			select {
			case out <- item{entry: entry, keep: keep, path: src.Path, offset: line.SeekInfo.Offset}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Entry converts one line from src. The second result is false for lines
// that are not sent to the collector.
func (w *Watcher) Entry(src Source, line string) (models.LogEntry, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return models.LogEntry{}, false
	}

	if modsec.IsAlert(line) {
		return models.LogEntry{ServerName: src.Server, SourcePath: src.Path, RawLogLine: line}, true
	}
	if IsErrorLog(src.Path) {
		return models.LogEntry{}, false
	}

	entry, ok := w.cfg.Parser.Parse(line)
	if !ok {
		return models.LogEntry{}, false
	}
	entry.ServerName = src.Server
	entry.SourcePath = src.Path
	return entry, true
}

// IsErrorLog reports whether path names an nginx error log.
func IsErrorLog(path string) bool {
	return strings.Contains(path, "error.log")
}

// batcher groups entries across sources and records which offsets a
// delivered batch covers.
type batcher struct {
	w       *Watcher
	handle  Handler
	batch   []models.LogEntry
	offsets map[string]int64
}

func (b *batcher) add(ctx context.Context, it item) {
	b.offsets[it.path] = it.offset
	if !it.keep {
		return
	}
	b.batch = append(b.batch, it.entry)
	if len(b.batch) >= b.w.cfg.MaxBatchSize {
		b.flush(ctx)
	}
}

func (b *batcher) flush(ctx context.Context) {
	if len(b.batch) > 0 {
		batch := b.batch
		b.batch = nil
		b.handle(ctx, batch)
	}
	if len(b.offsets) == 0 {
		return
	}
	for path, off := range b.offsets {
		b.w.cfg.Positions.Set(path, off)
	}
	clear(b.offsets)
	if err := b.w.cfg.Positions.Save(); err != nil {
		b.w.logger.Warn("Failed to save read positions", logging.Error(err))
	}
}
