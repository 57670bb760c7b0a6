package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/audit"
	"github.com/baechuer/psychic-connect/services/session-service/internal/config"
	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/baechuer/psychic-connect/services/session-service/internal/infrastructure/postgres"
	"github.com/baechuer/psychic-connect/services/session-service/internal/infrastructure/rabbitmq"
	"github.com/baechuer/psychic-connect/services/session-service/internal/infrastructure/redis"
	"github.com/baechuer/psychic-connect/services/session-service/internal/metering"
	"github.com/baechuer/psychic-connect/services/session-service/internal/metrics"
	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
	"github.com/baechuer/psychic-connect/services/session-service/internal/realtime"
	"github.com/baechuer/psychic-connect/services/session-service/internal/security"
	"github.com/baechuer/psychic-connect/services/session-service/internal/service"
	"github.com/baechuer/psychic-connect/services/session-service/internal/tracing"
	"github.com/baechuer/psychic-connect/services/session-service/internal/transport/rest"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}

	logger.Init()
	log := logger.Logger.With().
		Str("service", "session-service").
		Str("env", cfg.AppEnv).
		Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Tracing ----
	tp, err := tracing.Init(rootCtx, tracing.Config{
		ServiceName:    "session-service",
		ServiceVersion: cfg.ServiceVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
	})
	if err != nil {
		log.Warn().Err(err).Msg("tracing init failed (continuing without export)")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	// ---- Postgres ----
	if cfg.AutoMigrate {
		m, err := postgres.NewMigrator(cfg.DBDSN, cfg.MigrationsDir)
		if err != nil {
			log.Fatal().Err(err).Msg("migrator config failed")
		}
		if err := m.Up(rootCtx); err != nil {
			log.Fatal().Err(err).Msg("auto migrate failed")
		}
	}

	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	repo := postgres.New(dbPool, cfg.Policy)
	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		err := repo.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	// ---- Redis ----
	cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	cache.PsychicTTL = cfg.PsychicCacheTTL
	defer cache.Client.Close()
	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		err := cache.Ping(pingCtx)
		cancel()
		// lock, cache and rate limit all fail open, so redis is not fatal
		if err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
	}
	locker := redis.NewLocker(cache.Client)

	// ---- Push channel ----
	hub := realtime.NewHub()
	var bus domain.PushPublisher
	if cfg.PushFanout == "redis" {
		b := redis.NewBus(cache.Client, redis.DefaultPushChannel)
		if err := b.Subscribe(rootCtx, hub.Dispatch); err != nil {
			log.Warn().Err(err).Msg("push bus subscribe failed; dispatching locally")
		} else {
			bus = b
			log.Info().Str("channel", b.Channel).Msg("push bus subscribed")
		}
	}
	push := realtime.NewFanout(hub, bus)

	// ---- Application service ----
	auditLog := audit.New(logger.Logger)
	svc := service.NewSessionService(repo, cache, locker, push, auditLog, cfg.SessionLockTTL)
	h := rest.NewHandler(svc)

	// ---- Metering worker ----
	metering.NewWorker(repo, svc, cfg.MeteringInterval, cfg.MeteringBatch).Start(rootCtx)
	log.Info().Dur("interval", cfg.MeteringInterval).Msg("metering worker started")

	// ---- MQ consumer (payments, psychic profiles) ----
	if cfg.ConsumerEnabled {
		mqConsumer := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, repo, svc)
		if err := mqConsumer.Start(rootCtx); err != nil {
			log.Error().Err(err).Msg("rabbitmq consumer start failed")
		} else {
			log.Info().Msg("rabbitmq consumer started")
		}
	}

	// ---- Outbox worker (outbound session.* / wallet.* events) ----
	if cfg.OutboxEnabled {
		repo.StartOutboxWorker(rootCtx, cfg.RabbitURL, cfg.RabbitExchange)
		log.Info().Msg("outbox worker started")
	}

	repo.StartCleanup(rootCtx, time.Hour)

	// ---- JWT verifier ----
	verifier := security.NewHS256Verifier(cfg.JWTSecret, cfg.JWTIssuer)

	// ---- Router ----
	deps := rest.RouterDeps{
		Cache:     cache,
		Handler:   h,
		Verifier:  verifier,
		JWTIssuer: cfg.JWTIssuer,
		Health: rest.NewHealthHandler(map[string]rest.Check{
			"postgres": repo.Ping,
			"redis":    cache.Ping,
		}),
		WebSocket:       realtime.NewHandler(hub, verifier, cfg.WSAllowedOrigins),
		RLEnabled:       cfg.RLEnabled,
		RLLimit:         cfg.RLLimit,
		RLWindow:        cfg.RLWindow,
		SessionRLLimit:  cfg.SessionRLLimit,
		SessionRLWindow: cfg.SessionRLWindow,
		CORSOrigins:     cfg.CORSAllowedOrigins,
	}
	if cfg.MetricsEnabled {
		deps.Metrics = metrics.Handler()
	}
	httpHandler := rest.NewRouter(deps)

	// ---- HTTP server ----
	// no WriteTimeout: it would cut long-lived websocket connections
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	stop()
	log.Info().Msg("shutdown complete")
}
