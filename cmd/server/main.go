package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/notifyhub/reminder-engine/internal/api"
	"github.com/notifyhub/reminder-engine/internal/config"
	"github.com/notifyhub/reminder-engine/internal/db"
	"github.com/notifyhub/reminder-engine/internal/dispatch"
	"github.com/notifyhub/reminder-engine/internal/engine"
	"github.com/notifyhub/reminder-engine/internal/metrics"
	"github.com/notifyhub/reminder-engine/internal/provider"
	"github.com/notifyhub/reminder-engine/internal/queue"
	"github.com/notifyhub/reminder-engine/internal/repository"
	"github.com/notifyhub/reminder-engine/internal/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- tracing ----
	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	// ---- domain store ----
	store, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	// ---- queue broker ----
	var broker queue.Broker
	switch cfg.Queue.Backend {
	case "memory":
		logger.Warn("using in-memory queue; jobs are lost on restart")
		broker = queue.NewMemoryBroker(queue.WithDeadLetterCap(cfg.Queue.DeadLetterCap))
	default:
		broker = queue.NewRedisBroker(queue.RedisOptions{
			Addr:          cfg.Queue.RedisAddr,
			Password:      cfg.Queue.RedisPassword,
			DB:            cfg.Queue.RedisDB,
			Prefix:        cfg.Queue.Prefix,
			DeadLetterCap: int64(cfg.Queue.DeadLetterCap),
		}, logger)
	}

	// ---- channel sinks ----
	sinks, err := buildSinks(ctx, cfg.Channels, logger)
	if err != nil {
		logger.Fatal("failed to configure channel sinks", zap.Error(err))
	}
	var alert provider.AlertSink
	if cfg.Alert.WebhookURL != "" {
		alert = provider.NewWebhookAlert(cfg.Alert.WebhookURL, cfg.Alert.Timeout)
	}

	// ---- engine ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	eng := engine.Build(cfg, engine.Deps{
		Store:   store,
		Broker:  broker,
		Sinks:   sinks,
		Alert:   alert,
		Metrics: m,
		Logger:  logger,
	})

	// Context for all background goroutines; cancelled after the HTTP server stops.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	eng.Start(workerCtx)
	go m.PollDepth(workerCtx, broker, cfg.Queue.DepthPollInterval, logger)

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewRouter(eng, broker, reg, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("ops server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
			stop()
		}
	}()

	// ---- graceful shutdown ----
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// 1. Stop accepting probe and scrape traffic.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", zap.Error(err))
	}

	// 2. Stop the scheduler and drain in-flight jobs. Anything still running
	// at the deadline is cancelled and left for redelivery.
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", zap.Error(err))
	}
	cancelWorkers()

	if err := broker.Close(); err != nil {
		logger.Error("queue broker close error", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}

	logger.Info("server stopped cleanly")
}

// openStore connects to Postgres and applies migrations. Without a database
// URL it falls back to the in-memory store, which only suits local runs.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, func()) {
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory store")
		return repository.NewMockStore(), func() {}
	}

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := db.Migrate(cfg.Database.MigrationsPath, cfg.Database.URL); err != nil {
		pool.Close()
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")
	return repository.NewPgStore(pool), pool.Close
}

// buildSinks enables each delivery channel only when its provider is
// configured. Dispatch jobs for a disabled channel are skipped.
func buildSinks(ctx context.Context, cfg config.ChannelsConfig, logger *zap.Logger) (dispatch.Sinks, error) {
	var sinks dispatch.Sinks

	if cfg.FCM.Endpoint != "" {
		sinks.Push = provider.NewFCMPush(cfg.FCM.Endpoint, cfg.FCM.ServerKey, cfg.FCM.Timeout)
	} else {
		logger.Warn("push channel disabled: no FCM endpoint")
	}

	if cfg.SES.From != "" {
		email, err := provider.NewSESEmail(ctx, cfg.SES.Region, cfg.SES.From, cfg.SES.ConfigurationSet)
		if err != nil {
			return sinks, err
		}
		sinks.Email = email
	} else {
		logger.Warn("email channel disabled: no SES sender")
	}

	if cfg.Twilio.AccountSID != "" {
		sinks.SMS = provider.NewTwilioSMS(cfg.Twilio.BaseURL, cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.From, cfg.Twilio.Timeout)
	} else {
		logger.Warn("sms channel disabled: no Twilio account")
	}
	return sinks, nil
}
