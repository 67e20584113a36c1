package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wheelpot/wheelpot/internal/coordinator"
	"github.com/wheelpot/wheelpot/internal/gateway"
	"github.com/wheelpot/wheelpot/internal/models"
	"github.com/wheelpot/wheelpot/internal/outbox"
	"github.com/wheelpot/wheelpot/internal/session"
	"github.com/wheelpot/wheelpot/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	cfg, err := loadConfig(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, db, err := setupDatabase(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	defer db.Close()

	if err := runMigrations(db, getEnv("MIGRATIONS_PATH", "migrations")); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Round store with its LISTEN/NOTIFY change feed.
	st := postgres.NewStore(pool)
	go func() {
		if err := st.Start(ctx); err != nil {
			log.Error().Err(err).Msg("change feed stopped")
		}
	}()

	clock := clockwork.NewRealClock()
	outboxRepo := outbox.NewRepository(db)

	coord := coordinator.New(st, clock, coordinator.WithOutbox(outboxRepo))
	if err := coord.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start coordinator")
	}

	// The table driver session owns the round timers: it fires the
	// lock-and-settle when the countdown expires and opens the next round
	// after the winner display window.
	driver := session.NewController(coord, clock, models.Identity{
		ExternalID:  "table-driver",
		DisplayName: "table",
	})
	go func() {
		if err := driver.Run(ctx); err != nil {
			log.Error().Err(err).Msg("session driver stopped")
		}
	}()
	go func() {
		for ann := range driver.Winners() {
			log.Info().
				Int64("sequence", ann.SequenceNumber).
				Str("winner", ann.DisplayName).
				Float64("pot", ann.Pot).
				Msg("round winner")
		}
	}()

	// Outbox relay to JetStream.
	reg := prometheus.NewRegistry()
	natsURL := getEnv("NATS_URL", nats.DefaultURL)

	jsCfg := outbox.DefaultJetStreamConfig()
	jsCfg.URL = natsURL
	jsCfg.StreamName = cfg.JetStream.Stream
	jsCfg.SubjectPrefix = cfg.JetStream.SubjectPrefix

	publisher, err := outbox.NewJetStreamPublisher(jsCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create JetStream publisher")
	}
	defer publisher.Close()

	workerCfg := outbox.DefaultConfig()
	workerCfg.PollInterval = cfg.outboxPollInterval()
	workerCfg.BatchSize = cfg.Outbox.BatchSize
	workerCfg.MaxRetries = cfg.Outbox.MaxRetries

	worker := outbox.NewWorker(db, publisher, workerCfg, outbox.NewPrometheusMetrics(reg))
	if err := worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start outbox worker")
	}
	defer worker.Stop()

	// Gateway: websocket fan-out plus the Redis snapshot cache.
	var cache *gateway.SnapshotCache
	if addr := getEnv("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   getEnvAsInt("REDIS_DB", 0),
		})
		defer rdb.Close()
		cache = gateway.NewSnapshotCache(rdb)
		log.Info().Str("addr", addr).Msg("snapshot cache enabled")
	}

	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	go cm.Start(ctx)

	consumerCfg := gateway.DefaultJetStreamConsumerConfig()
	consumerCfg.URL = natsURL
	consumerCfg.StreamName = cfg.JetStream.Stream
	consumerCfg.ConsumerName = cfg.JetStream.Consumer
	consumerCfg.SubjectFilter = cfg.JetStream.SubjectPrefix + ".>"

	consumer, err := gateway.NewEventConsumer(cm, coord, cache, consumerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event consumer")
	}
	defer consumer.Stop()
	go func() {
		if err := consumer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("event consumer stopped")
		}
	}()

	handler := gateway.NewHandler(cm, coord, cache)

	port := getEnv("PORT", cfg.Server.Port)
	server := setupServer(port, handler, reg)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	cancel()

	log.Info().Msg("shutdown complete")
}
