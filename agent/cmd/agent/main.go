package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edamame-systems/edamame-stack/agent/internal/blocker"
	"github.com/edamame-systems/edamame-stack/agent/internal/config"
	"github.com/edamame-systems/edamame-stack/agent/internal/hostinfo"
	"github.com/edamame-systems/edamame-stack/agent/internal/scheduler"
	"github.com/edamame-systems/edamame-stack/agent/internal/spool"
	"github.com/edamame-systems/edamame-stack/agent/internal/transmitter"
	"github.com/edamame-systems/edamame-stack/agent/internal/watcher"
	"github.com/edamame-systems/edamame-stack/common/httputil"
	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/logparser"
	"github.com/edamame-systems/edamame-stack/common/models"
	"github.com/edamame-systems/edamame-stack/common/protocol"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("agent"), logging.Agent(cfg.Agent.Name))
	logging.SetDefault(logger)

	slog.Info("Starting Edamame agent",
		slog.String("version", version),
		slog.String("collector", cfg.Collector.Addr()),
		slog.Int("servers", len(cfg.Servers)),
		slog.Bool("iptables", cfg.Iptables.Enabled),
	)

	if err := run(cfg, logger.Logger); err != nil {
		slog.Error("Agent failed", logging.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host := hostinfo.Collector{Logger: logger}.Collect(ctx)
	logger.Info("Collected host information",
		slog.String("hostname", host.Hostname), logging.IP(host.IP),
		slog.String("os", host.OSName), slog.String("os_version", host.OSVersion))

	registration := host.Registration(cfg.Agent.ID, cfg.Agent.Name, version, cfg.LogPaths(), cfg.Iptables.Enabled)

	tx := transmitter.New(transmitter.Config{
		Addr:              cfg.Collector.Addr(),
		APIKey:            cfg.Collector.APIKey,
		AgentName:         cfg.Agent.Name,
		ConnectTimeout:    cfg.Collector.ConnectTimeout,
		ReadTimeout:       cfg.Collector.ReadTimeout,
		InitialDelay:      cfg.Reconnect.InitialDelay,
		ReconnectInterval: cfg.Reconnect.Interval,
		QueueCapacity:     cfg.Queue.Capacity,
		MaxBatchSize:      cfg.Collection.MaxBatchSize,
		Info:              func() protocol.RegistrationInfo { return registration },
		Logger:            logger,
	})

	sp := spool.New(cfg.Queue.SpoolDir)
	spilled, err := sp.Load()
	if err != nil {
		logger.Warn("Spooled entries were partially recovered", logging.Error(err))
	}
	if len(spilled) > 0 {
		tx.Restore(spilled)
		logger.Info("Restored spooled entries", logging.Count(len(spilled)))
	}

	if err := tx.Start(ctx); err != nil {
		// Start already switched to reconnect mode; lines are queued meanwhile.
		logger.Warn("Collector unavailable at startup, will keep retrying", logging.Error(err))
	} else {
		tx.Flush()
	}

	var (
		wg  sync.WaitGroup
		blk *blocker.Blocker
	)

	sched := scheduler.New(logger, scheduler.Task{
		Name:     "heartbeat",
		Interval: cfg.Heartbeat.Interval,
		Run: func(ctx context.Context) {
			if err := tx.SendHeartbeat(ctx); err != nil {
				logger.Debug("Heartbeat failed", logging.Error(err))
			}
		},
	})

	if cfg.Iptables.Enabled {
		blk = blocker.New(blocker.Config{
			Source:   tx,
			Executor: blocker.NewIptables(logger),
			Chain:    cfg.Iptables.Chain,
			Duration: cfg.Iptables.BlockDuration,
			Logger:   logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			blk.Run(ctx)
		}()
		sched.Add(scheduler.Task{
			Name:     "block-poll",
			Interval: cfg.Iptables.CheckInterval,
			Run:      blk.Poll,
		})
	}

	go sched.Start(ctx)

	checks := map[string]httputil.Check{
		"collector": func(context.Context) error {
			if tx.State() != transmitter.StateConnected {
				return errors.New(tx.State().String())
			}
			return nil
		},
	}
	go func() {
		ops := httputil.NewOpsHandler("agent", checks)
		if err := httputil.ServeOps(ctx, cfg.Metrics.Listen, ops, logger); err != nil {
			logger.Error("Ops endpoint failed", logging.Error(err))
		}
	}()

	positions, err := watcher.LoadPositions(cfg.Collection.PositionsFile)
	if err != nil {
		logger.Warn("Ignoring unreadable positions file, following from the end", logging.Error(err))
		positions, _ = watcher.LoadPositions("")
	}

	w := watcher.New(watcher.Config{
		Sources:       sources(cfg),
		Positions:     positions,
		Poll:          cfg.Collection.Poll,
		MaxBatchSize:  cfg.Collection.MaxBatchSize,
		FlushInterval: cfg.Collection.Interval,
		Parser:        logparser.New(logger),
		Logger:        logger,
	})

	watchErr := w.Run(ctx, func(ctx context.Context, batch []models.LogEntry) {
		if _, err := tx.TransmitLogs(ctx, batch); err != nil {
			logger.Warn("Batch rejected by collector", logging.Count(len(batch)), logging.Error(err))
		}
	})
	if watchErr != nil {
		stop()
	}

	logger.Info("Shutting down agent...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	sched.Stop()
	wg.Wait()

	if tx.RegistrationID() != "" {
		if err := tx.UnregisterServer(shutdownCtx, ""); err != nil {
			logger.Warn("Failed to unregister from collector", logging.Error(err))
		}
	}
	if blk != nil {
		if n := blk.RemoveAll(shutdownCtx); n > 0 {
			logger.Info("Removed active blocks", logging.Count(n))
		}
	}

	remaining := tx.Close(shutdownCtx)
	if err := sp.Save(remaining); err != nil {
		logger.Error("Failed to spool unsent entries", logging.Count(len(remaining)), logging.Error(err))
	} else if len(remaining) > 0 {
		logger.Info("Spooled unsent entries", logging.Count(len(remaining)), slog.String("path", sp.Path()))
	}

	return watchErr
}

func sources(cfg *config.Config) []watcher.Source {
	var out []watcher.Source
	for _, s := range cfg.Servers {
		for _, p := range s.LogPaths {
			out = append(out, watcher.Source{Server: s.Name, Path: p})
		}
	}
	return out
}
