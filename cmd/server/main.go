package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"go-listing-chat/internal/blob"
	"go-listing-chat/internal/config"
	"go-listing-chat/internal/db"
	"go-listing-chat/internal/gateway"
	"go-listing-chat/internal/identity"
	"go-listing-chat/internal/logging"
	myMiddleware "go-listing-chat/internal/middleware"
	"go-listing-chat/internal/notify"
	"go-listing-chat/internal/realtime"
	"go-listing-chat/internal/scratch"
	"go-listing-chat/internal/session"
	"go-listing-chat/internal/store"
)

func main() {
	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", true)
		bootLog.Fatal().Err(err).Msg("❌ Invalid configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Database
	database, err := db.NewDatabase(cfg.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Failed to connect to DB")
	}
	defer database.Close()
	log.Info().Msg("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("❌ Migration failed")
	}
	log.Info().Msg("✅ Database Schema Initialized")

	// 3. Realtime fan-out
	transport, err := openTransport(ctx, cfg, logging.Component(log, "realtime"))
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.RealtimeBackend).Msg("❌ Failed to start realtime transport")
	}
	defer transport.Close()
	log.Info().Str("backend", cfg.RealtimeBackend).Msg("✅ Realtime transport ready")

	// 4. Device-local suppression markers
	markers, err := scratch.OpenPebble(cfg.ScratchDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.ScratchDir).Msg("❌ Failed to open marker store")
	}
	defer markers.Close()

	// 5. Attachments
	var blobs blob.Store
	if cfg.AttachmentsEnabled() {
		s3, err := blob.NewS3Store(ctx, cfg.S3Bucket, cfg.AWSRegion, cfg.AWSAccessKey, cfg.AWSSecretKey)
		if err != nil {
			log.Fatal().Err(err).Msg("❌ Failed to configure S3")
		}
		blobs = s3
		log.Info().Str("bucket", cfg.S3Bucket).Msg("✅ Attachments enabled")
	} else {
		log.Warn().Msg("⚠️ S3_BUCKET not set, attachments disabled")
	}

	// 6. Chat feature
	messages := store.NewPostgresStore(database.Conn, transport, logging.Component(log, "store"))
	hub := gateway.NewHub()
	go hub.Run()
	defer hub.Stop()

	chatHandler := gateway.NewHandler(hub, session.Deps{
		Store:     messages,
		Transport: transport,
		Markers:   markers,
		Blobs:     blobs,
		Directory: identity.NewPostgresDirectory(database.Conn),
		Bus:       notify.NewBus(),
	}, session.Options{
		Debounce:    cfg.DebounceWindow,
		SendTimeout: cfg.SendTimeout,
	}, gateway.Limits{
		CommandsPerSecond: cfg.RateLimit,
		Burst:             cfg.RateBurst,
	}, logging.Component(log, "gateway"))

	authMiddleware := myMiddleware.NewAuthMiddleware(identity.NewTokenValidator(cfg.JWTSecret))

	// 7. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(logging.RequestLogger(logging.Component(log, "http")))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", gateway.Health)
	r.Handle("/metrics", gateway.MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		chatHandler.Routes(r)
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.Addr).Msg("🚀 Server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("❌ Server failed")
	}
	log.Info().Msg("👋 Server stopped")
}

func openTransport(ctx context.Context, cfg *config.Config, log zerolog.Logger) (realtime.Transport, error) {
	switch cfg.RealtimeBackend {
	case config.BackendAMQP:
		return realtime.DialAMQP(cfg.AMQPURL, log)
	case config.BackendMemory:
		log.Warn().Msg("⚠️ in-memory realtime only reaches sessions on this instance")
		return realtime.NewBroker(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return realtime.NewRedisTransport(client, log), nil
}
