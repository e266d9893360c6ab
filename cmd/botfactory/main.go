// Package main is the bot factory entry point: one process serving the
// primary bot, every child bot it has created, the widget dashboard and
// the funnel analytics API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/modularbot/bot-factory/config"
	"github.com/modularbot/bot-factory/internal/application/analytics"
	"github.com/modularbot/bot-factory/internal/application/creation"
	"github.com/modularbot/bot-factory/internal/application/dispatch"
	"github.com/modularbot/bot-factory/internal/application/synth"
	"github.com/modularbot/bot-factory/internal/domain/registry"
	"github.com/modularbot/bot-factory/internal/domain/shared"
	"github.com/modularbot/bot-factory/internal/infrastructure/external/anthropic"
	"github.com/modularbot/bot-factory/internal/infrastructure/external/github"
	"github.com/modularbot/bot-factory/internal/infrastructure/external/telegram"
	"github.com/modularbot/bot-factory/internal/infrastructure/messaging"
	"github.com/modularbot/bot-factory/internal/infrastructure/persistence/mongo"
	"github.com/modularbot/bot-factory/internal/infrastructure/scheduler"
	"github.com/modularbot/bot-factory/internal/infrastructure/scheduler/jobs"
	"github.com/modularbot/bot-factory/internal/infrastructure/service"
	httpserver "github.com/modularbot/bot-factory/internal/interface/http"
	"github.com/modularbot/bot-factory/internal/plugin"
	"github.com/modularbot/bot-factory/pkg/circuitbreaker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	// .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting bot factory",
		"name", cfg.App.Name,
		"env", string(cfg.App.Environment),
		"version", cfg.App.Version,
		"debug", cfg.App.Debug,
	)
	for key, value := range cfg.Redacted() {
		log.Debug("config", "key", key, "value", value)
	}
	if cfg.Admin.DashboardAllowOpen {
		log.Warn("analytics API is served WITHOUT authentication (DASHBOARD_ALLOW_OPEN)")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. PERSISTENCE (MongoDB)
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("connecting to MongoDB...")
	gateway, err := mongo.NewGateway(ctx, mongo.Config{
		URI:                    cfg.Mongo.URI,
		Database:               cfg.Mongo.Database,
		ServerSelectionTimeout: cfg.Mongo.ServerSelectionTimeout,
		QueryTimeout:           cfg.Mongo.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	defer func() {
		log.Info("closing MongoDB connection...")
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = gateway.Close(closeCtx)
	}()

	if err := gateway.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("failed to ensure indexes: %w", err)
	}
	log.Info("MongoDB ready", "database", cfg.Mongo.Database)

	flowRepo := mongo.NewFlowRepository(gateway)
	registryRepo := mongo.NewRegistryRepository(gateway)
	eventRepo := mongo.NewEventRepository(gateway)
	actionRepo := mongo.NewActionRepository(gateway)
	stateStore := mongo.NewStateStore(gateway)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	busConfig := messaging.DefaultEventBusConfig()
	busConfig.Logger = log
	bus := messaging.NewInMemoryEventBus(busConfig)
	defer func() {
		log.Info("closing event bus...")
		_ = bus.Close()
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 5. EXTERNAL CLIENTS
	// ─────────────────────────────────────────────────────────────────────────
	tgConfig := telegram.DefaultClientConfig()
	tgConfig.BaseURL = cfg.Telegram.BaseURL
	tgConfig.Timeout = cfg.Telegram.RequestTimeout
	tgConfig.Logger = log
	tgConfig.Debug = cfg.App.Debug
	tgClient := telegram.NewClient(tgConfig)

	primaryToken, err := shared.NewBotToken(cfg.Telegram.Token)
	if err != nil {
		return fmt.Errorf("TELEGRAM_TOKEN is malformed: %w", err)
	}

	logBreakerState := func(name string, from, to circuitbreaker.State) {
		log.Warn("circuit breaker state change",
			"breaker", name, "from", from.String(), "to", to.String())
	}

	anthropicConfig := anthropic.DefaultClientConfig(cfg.Anthropic.APIKey)
	anthropicConfig.Model = cfg.Anthropic.Model
	anthropicConfig.MaxTokens = cfg.Anthropic.MaxTokens
	anthropicConfig.RequestTimeout = cfg.Anthropic.RequestTimeout
	anthropicConfig.Logger = log
	synthService := synth.NewService(
		anthropic.NewClient(anthropicConfig),
		circuitbreaker.SynthesisBreaker(logBreakerState),
		nil,
	)

	var artifacts creation.ArtifactStore
	if cfg.ArtifactStoreConfigured() {
		ghConfig := github.DefaultClientConfig(cfg.Artifact.Token, cfg.Artifact.Owner, cfg.Artifact.Repo)
		ghConfig.Branch = cfg.Artifact.Branch
		ghConfig.PathPrefix = cfg.Artifact.PathPrefix
		ghConfig.BaseURL = cfg.Artifact.BaseURL
		ghConfig.Timeout = cfg.Artifact.RequestTimeout
		ghConfig.Logger = log
		artifacts = &breakeredArtifacts{
			client:  github.NewClient(ghConfig),
			breaker: circuitbreaker.ArtifactStoreBreaker(logBreakerState),
		}
	} else {
		log.Warn("GitHub artifact store not configured; handlers are stored on disk only")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. PLUGIN CACHE & BUILT-INS
	// ─────────────────────────────────────────────────────────────────────────
	cache := plugin.NewCache(plugin.CacheConfig{
		Dir:    cfg.App.PluginsDir,
		Logger: log,
	}, stateStore, registryRepo, bus)

	creationService := creation.NewService(creation.Config{
		ExternalURL: cfg.Server.ExternalURL,
		AdminChatID: shared.TelegramID(cfg.Admin.ChatID),
	}, creation.Deps{
		Flows:     flowRepo,
		Events:    eventRepo,
		Registry:  registryRepo,
		Synth:     synthService,
		Installer: cache,
		Artifacts: artifacts,
		Telegram:  tgClient,
		Bus:       bus,
	})
	defer creationService.Close()

	cache.RegisterBuiltin(creationService)
	cache.RegisterBuiltin(plugin.NewStatusHandler(cache))

	loaded, failed, err := cache.Sync(ctx)
	if err != nil {
		return fmt.Errorf("initial plugin sync: %w", err)
	}
	log.Info("plugins loaded", "loaded", loaded, "quarantined", failed)

	// ─────────────────────────────────────────────────────────────────────────
	// 7. ADMIN NOTIFICATIONS
	// ─────────────────────────────────────────────────────────────────────────
	if cfg.Features.AdminNotifications && cfg.Admin.ChatID != 0 {
		notifier := service.NewAdminNotifier(
			&adminSender{client: tgClient}, primaryToken, cfg.Admin.ChatID, nil)
		defer notifier.Close()
		if err := notifier.Register(bus); err != nil {
			return fmt.Errorf("failed to register admin notifier: %w", err)
		}
	}

	if !cfg.SynthesisConfigured() {
		_ = bus.Publish(shared.NewConfigMissingEvent("ANTHROPIC_API_KEY", "bot creation is disabled"))
	}
	if cfg.Admin.ChatID == 0 {
		log.Warn("ADMIN_CHAT_ID not set; operator notifications disabled")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. APPLICATION SERVICES
	// ─────────────────────────────────────────────────────────────────────────
	dispatchService := dispatch.NewService(
		primaryToken, tgClient, registryRepo, cache, actionRepo, creationService, nil)

	analyticsService := analytics.NewService(flowRepo, eventRepo, nil)
	defer analyticsService.Close()

	// ─────────────────────────────────────────────────────────────────────────
	// 9. WEBHOOK SWEEP
	// ─────────────────────────────────────────────────────────────────────────
	// Webhook URLs change with the deployment host. Re-point the primary
	// bot and every registered child at this instance. Best-effort: a bot
	// whose install fails stays reachable once its creator's next deploy
	// or probe succeeds.
	if cfg.Server.ExternalURL != "" {
		sweepWebhooks(ctx, log, tgClient, registryRepo, primaryToken, cfg.Server.ExternalURL)
	} else {
		log.Warn("RENDER_EXTERNAL_URL not set; webhooks not installed")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 10. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		schedConfig := scheduler.DefaultSchedulerConfig()
		schedConfig.Logger = log
		schedConfig.JobTimeout = cfg.Scheduler.JobTimeout
		sched = scheduler.NewScheduler(schedConfig)

		if cfg.Features.PluginSync {
			if err := sched.Register(
				jobs.NewSyncPluginsJob(cache, log),
				scheduler.NewIntervalSchedule(cfg.Scheduler.PluginSyncInterval),
			); err != nil {
				return fmt.Errorf("failed to register plugin sync job: %w", err)
			}
		}
		if err := sched.Register(
			jobs.NewSweepConversationsJob(creationService, log),
			scheduler.NewIntervalSchedule(cfg.Scheduler.ConversationSweepInterval),
		); err != nil {
			return fmt.Errorf("failed to register conversation sweep job: %w", err)
		}

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 11. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	httpConfig := httpserver.DefaultConfig()
	httpConfig.Host = cfg.Server.Host
	httpConfig.Port = cfg.Server.Port
	httpConfig.ReadTimeout = cfg.Server.ReadTimeout
	httpConfig.WriteTimeout = cfg.Server.WriteTimeout
	httpConfig.IdleTimeout = cfg.Server.IdleTimeout
	httpConfig.APIRateLimit = cfg.Server.APIRateLimit
	httpConfig.APIRateBurst = cfg.Server.APIRateBurst
	httpConfig.BotName = cfg.App.Name
	httpConfig.AdminToken = cfg.Admin.DashboardToken
	httpConfig.AllowOpen = cfg.Admin.DashboardAllowOpen
	httpConfig.AnalyticsEnabled = cfg.Features.Analytics

	server := httpserver.NewServer(httpConfig, httpserver.Dependencies{
		Dispatcher: dispatchService,
		Widgets:    cache,
		Analytics:  analyticsService,
		Pinger:     gateway,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
		close(errCh)
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 12. RUNNING
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("bot factory is running",
		"bot", cfg.App.Name,
		"address", server.Address(),
		"debug", cfg.App.Debug,
		"plugins", cache.Count(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.Error("service error", "error", err)
			return err
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 13. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if sched != nil {
		log.Info("stopping scheduler...")
		if err := sched.Stop(); err != nil {
			log.Error("failed to stop scheduler", "error", err)
		}
	}

	log.Info("stopping HTTP server...")
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to stop HTTP server gracefully", "error", err)
		return err
	}

	log.Info("shutdown completed")
	return nil
}

// sweepWebhooks points the primary bot and every registered child bot
// at this deployment's public URL. Failures are logged and skipped; the
// activation probe recovers affected children later.
func sweepWebhooks(
	ctx context.Context,
	log *slog.Logger,
	tg *telegram.Client,
	reg registry.Repository,
	primary shared.BotToken,
	externalURL string,
) {
	installed, skipped := 0, 0

	install := func(token shared.BotToken) {
		if err := tg.InstallWebhook(ctx, token, externalURL+"/"+token.String()); err != nil {
			log.Warn("webhook install failed",
				"bot_token_id", token.TokenID().String(), "error", err)
			skipped++
			return
		}
		installed++
	}

	install(primary)

	entries, err := reg.List(ctx, 0)
	if err != nil {
		log.Error("webhook sweep: cannot list registered bots", "error", err)
	} else {
		for _, entry := range entries {
			install(entry.Token)
		}
	}

	log.Info("webhook sweep completed", "installed", installed, "skipped", skipped)
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// setupLogger builds the root slog logger from the observability config.
func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Observability.LogLevel),
	}

	var handler slog.Handler
	if cfg.Observability.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// ADAPTERS
// ══════════════════════════════════════════════════════════════════════════════

// adminSender narrows the Telegram client to the notifier's TextSender.
type adminSender struct {
	client *telegram.Client
}

func (s *adminSender) SendText(ctx context.Context, token shared.BotToken, chatID int64, text string) error {
	_, err := s.client.SendText(ctx, token, chatID, text)
	return err
}

// breakeredArtifacts wraps the GitHub client with a circuit breaker so
// a degraded contents API fails creations fast instead of hanging them.
type breakeredArtifacts struct {
	client  *github.Client
	breaker *circuitbreaker.CircuitBreaker
}

func (a *breakeredArtifacts) Exists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		exists, err = a.client.Exists(ctx, name)
		return err
	})
	return exists, err
}

func (a *breakeredArtifacts) Save(ctx context.Context, name string, content []byte, message string) (*github.File, error) {
	var file *github.File
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		file, err = a.client.Save(ctx, name, content, message)
		return err
	})
	return file, err
}
