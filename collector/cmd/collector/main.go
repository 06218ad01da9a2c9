package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edamame-systems/edamame-stack/collector/internal/action"
	"github.com/edamame-systems/edamame-stack/collector/internal/auth"
	"github.com/edamame-systems/edamame-stack/collector/internal/config"
	"github.com/edamame-systems/edamame-stack/collector/internal/correlation"
	"github.com/edamame-systems/edamame-stack/collector/internal/presence"
	"github.com/edamame-systems/edamame-stack/collector/internal/processor"
	"github.com/edamame-systems/edamame-stack/collector/internal/repository"
	"github.com/edamame-systems/edamame-stack/collector/internal/server"
	"github.com/edamame-systems/edamame-stack/common/httputil"
	"github.com/edamame-systems/edamame-stack/common/logging"
	"github.com/edamame-systems/edamame-stack/common/logparser"
	"github.com/edamame-systems/edamame-stack/common/messaging"

	natsclient "github.com/edamame-systems/edamame-stack/common/messaging/nats"
)

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
	).With(logging.Service("collector"))
	logging.SetDefault(logger)

	slog.Info("Starting Edamame collector",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Backend),
		slog.String("correlation_mode", cfg.Correlation.Mode),
		slog.String("log_level", cfg.Logging.Level),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	if err := run(cfg, logger.Logger); err != nil {
		slog.Error("Collector failed", logging.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	validator, err := auth.NewValidator(cfg.Auth.APIKey, cfg.Auth.APIKeyHash)
	if err != nil {
		return fmt.Errorf("failed to configure API key: %w", err)
	}

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	checks := map[string]httputil.Check{"storage": repo.Ping}

	var store *presence.Store
	if cfg.Redis.Enabled {
		client, err := presence.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Warn("Redis unavailable, agent presence will not be published", logging.Error(err))
		} else {
			defer client.Close()
			store = presence.NewStore(client, cfg.Redis.PresenceTTL)
			checks["redis"] = store.Ping
			logger.Info("Agent presence enabled", slog.String("redis_url", cfg.Redis.URL))
		}
	}

	var publisher messaging.Publisher = messaging.Nop{}
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		client, err := natsclient.NewClient(natsCfg, logger)
		if err != nil {
			logger.Warn("NATS unavailable, actions will only be logged", logging.Error(err))
		} else {
			publisher = client
			checks["nats"] = func(ctx context.Context) error {
				if st := messaging.CheckHealth(ctx, client); st.Error != "" {
					return errors.New(st.Error)
				}
				return nil
			}
		}
	}
	defer publisher.Close()

	var (
		actions action.Sink   = action.LogSink{Logger: logger}
		events  action.Events = action.LogSink{Logger: logger}
	)
	if publisher.IsConnected() {
		sink := action.NewPublisherSink(publisher, cfg.NATS.Subject)
		actions, events = sink, sink
	}

	whitelist, err := action.NewCIDRWhitelist(cfg.Whitelist.CIDRs)
	if err != nil {
		return err
	}

	engine := correlation.NewEngine(correlation.Config{
		Mode:            correlation.ParseMode(cfg.Correlation.Mode),
		Window:          cfg.Correlation.Window,
		CleanupInterval: cfg.Correlation.CleanupInterval,
		Logger:          logger,
	})
	defer engine.Close()

	proc := processor.New(processor.Config{
		Parser:     logparser.New(logger),
		Engine:     engine,
		Sink:       repo,
		Blocks:     repo,
		Classifier: action.NopClassifier{},
		Whitelist:  whitelist,
		Actions:    actions,
		Events:     events,
		Blocking: processor.BlockPolicy{
			Enabled:  cfg.Blocking.Enabled,
			Duration: cfg.Blocking.Duration,
			Chain:    cfg.Blocking.Chain,
		},
		Logger: logger,
	})

	srvCfg := server.Config{
		Workers:        cfg.Server.Workers,
		SessionTimeout: cfg.Server.SessionTimeout,
		SweepInterval:  cfg.Server.SweepInterval,
		MaxMessageSize: cfg.Server.MaxMessageSize,
		Validator:      validator,
		Repo:           repo,
		Processor:      proc,
		Engine:         engine,
		Events:         events,
		Logger:         logger,
	}
	if store != nil {
		srvCfg.Presence = store
	}
	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	go func() {
		ops := httputil.NewOpsHandler("collector", checks)
		if err := httputil.ServeOps(ctx, cfg.Metrics.Listen, ops, logger); err != nil {
			logger.Error("Ops endpoint failed", logging.Error(err))
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Server.Port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down collector...")
	select {
	case err := <-errCh:
		return err
	case <-time.After(cfg.Server.ShutdownTimeout):
		return errors.New("collector did not stop within the shutdown timeout")
	}
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Repository, error) {
	var repo repository.Repository
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		logger.Warn("Using in-memory storage, records are lost on restart")
		repo = repository.NewInMemoryRepository()
	default:
		if err := repository.Migrate(cfg.Database.URL); err != nil {
			return nil, err
		}
		pg, err := repository.NewPostgresRepository(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		logger.Info("Connected to PostgreSQL")
		repo = pg
	}

	if !cfg.OpenSearch.Enabled {
		return repo, nil
	}
	mirror, err := repository.NewOpenSearchMirror(repository.OpenSearchConfig{
		URL:           cfg.OpenSearch.URL,
		Username:      cfg.OpenSearch.Username,
		Password:      cfg.OpenSearch.Password,
		Index:         cfg.OpenSearch.Index,
		TLSSkipVerify: cfg.OpenSearch.TLSSkipVerify,
	})
	if err != nil {
		logger.Warn("OpenSearch mirror disabled", logging.Error(err))
		return repo, nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := mirror.Ping(pingCtx); err != nil {
		logger.Warn("OpenSearch not reachable yet, indexing will be retried per record", logging.Error(err))
	}
	logger.Info("OpenSearch mirror enabled", slog.String("index", cfg.OpenSearch.Index))
	return repository.NewMirrored(repo, mirror, logger), nil
}
