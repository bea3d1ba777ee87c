package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/meschain/sync-core/internal/api"
	"github.com/meschain/sync-core/internal/cache"
	"github.com/meschain/sync-core/internal/config"
	"github.com/meschain/sync-core/internal/event"
	"github.com/meschain/sync-core/internal/marketplace"
	"github.com/meschain/sync-core/internal/model"
	"github.com/meschain/sync-core/internal/monitor"
	"github.com/meschain/sync-core/internal/ratelimit"
	"github.com/meschain/sync-core/internal/scheduler"
	"github.com/meschain/sync-core/internal/storage"
	"github.com/meschain/sync-core/internal/webhook"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("SYNC")
	viper.AutomaticEnv()
	viper.SetDefault("app.environment", "production")
	viper.SetDefault("db.path", "sync.db")
	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("scheduler.interval", time.Minute)
	viper.SetDefault("events.batch_size", 50)
	viper.SetDefault("ratelimit.fallback_requests", 60)
	viper.SetDefault("ratelimit.fallback_period", time.Minute)
	if err := viper.ReadInConfig(); err != nil {
		logger.Warn("No config file found, using defaults", zap.Error(err))
	}

	// Open database
	db, err := storage.Open(viper.GetString("db.path"))
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}
	defer db.Close()
	if err := storage.EnsureSchema(db); err != nil {
		logger.Fatal("Failed to ensure schema", zap.Error(err))
	}

	// Connect to NATS when configured. The bus degrades to local-only
	// delivery without it.
	var js nats.JetStreamContext
	if url := viper.GetString("nats.url"); url != "" {
		nc, err := connectNATS(url, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
		}
		defer nc.Close()

		js, err = nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}
		logger.Info("Connected to NATS", zap.String("url", nc.ConnectedUrl()))
	}

	// Wire components
	taskStore := storage.NewTaskStore(db, logger)
	eventStore := storage.NewEventStore(db, logger)
	configStore := storage.NewConfigStore(db, logger)
	metricStore := storage.NewMetricStore(db, logger)
	webhookStore := storage.NewWebhookStore(db, logger)

	bus := event.NewBus(eventStore, js, logger)
	if err := bus.SetupStreams(); err != nil {
		logger.Fatal("Failed to set up event streams", zap.Error(err))
	}

	cfgService, err := config.NewService(configStore, config.Options{
		Environment:   viper.GetString("app.environment"),
		EncryptionKey: []byte(viper.GetString("app.encryption_key")),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create config service", zap.Error(err))
	}

	limiter := ratelimit.NewLimiter(bus, ratelimit.Quota{
		Requests: viper.GetInt("ratelimit.fallback_requests"),
		Period:   viper.GetDuration("ratelimit.fallback_period"),
	}, logger)

	client := marketplace.NewClient(nil, logger)
	helpers := marketplace.NewRegistry(cfgService, limiter, bus, client, logger)
	verifiers := webhook.DefaultRegistry(cfgService, &http.Client{Timeout: 10 * time.Second}, logger)

	memCache := cache.NewMemory(1024, 5*time.Minute)
	mon := monitor.New(metricStore, bus, logger)

	var checkers []monitor.MarketplaceChecker
	for _, h := range helpers.All() {
		checkers = append(checkers, h)
	}
	health := monitor.NewHealthChecker(db, memCache, bus, viper.GetString("db.path"), checkers, logger)

	registry := scheduler.NewRegistry()
	runner := scheduler.NewRunner(taskStore, registry, bus, scheduler.Options{}, logger)
	registry.Register(model.TaskTypeSync, marketplace.NewSyncHandler(helpers, logger))
	registry.Register(model.TaskTypeHealthCheck, monitor.NewHealthCheckHandler(health))
	registry.Register(model.TaskTypeCleanup, scheduler.NewCleanupHandler(taskStore, logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runner.Bootstrap(ctx); err != nil {
		logger.Fatal("Failed to bootstrap default tasks", zap.Error(err))
	}

	// Scheduler and event queue loops
	go func() {
		ticker := time.NewTicker(viper.GetDuration("scheduler.interval"))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				summary, err := runner.Run(ctx)
				if err != nil {
					logger.Error("Scheduler run failed", zap.Error(err))
					continue
				}
				if summary.Executed > 0 || summary.Skipped > 0 {
					logger.Info("Scheduler run finished",
						zap.Int("executed", summary.Executed),
						zap.Int("skipped", summary.Skipped))
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		batch := viper.GetInt("events.batch_size")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, _, err := bus.ProcessQueue(ctx, batch); err != nil {
					logger.Error("Event queue processing failed", zap.Error(err))
				}
			}
		}
	}()

	go mon.Run(ctx)

	// HTTP server
	server := api.NewServer(verifiers, helpers, webhookStore, taskStore, runner, bus, health, logger)
	httpServer := &http.Server{
		Addr:    viper.GetString("http.addr"),
		Handler: server.Router(),
	}
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}

	logger.Info("Server shutting down gracefully")
}

// connectNATS dials with backoff; marketplace webhooks keep flowing into
// SQLite even while the broker is down, so startup tolerates a few misses.
func connectNATS(url string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("meschain-sync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < 5; i++ {
		nc, err = nats.Connect(url, opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}
