// Package main runs the live streaming HTTP server with WebSocket chat and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-live/backend/config"
	"github.com/aura-live/backend/internal/auth"
	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/progression"
	"github.com/aura-live/backend/internal/realtime"
	"github.com/aura-live/backend/internal/streams"
	"github.com/aura-live/backend/internal/zego"
	"github.com/aura-live/backend/pkg/database"
	"github.com/aura-live/backend/pkg/queue"
	"github.com/aura-live/backend/pkg/redis"
	"github.com/aura-live/backend/pkg/response"
	"github.com/aura-live/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.TranscriptsBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			TranscriptsBucket:    cfg.AWS.TranscriptsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Accounts
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Progression
	catalog := progression.DefaultCatalog()
	progress := progression.NewRegistry(progression.Options{
		Store:   progression.NewRedisStore(rdb.Client, logger),
		Stats:   authRepo,
		Catalog: catalog,
		Logger:  logger,
	})
	progress.Subscribe(progression.ObserverFunc(func(n progression.Notification) {
		logger.Info("progression notification",
			zap.String("kind", string(n.Kind)),
			zap.String("user_id", n.UserID.String()),
			zap.Int("new_level", n.NewLevel))
	}))
	activity := progression.NewActivity(progress, progression.DefaultRewards(), logger)
	progressionHandler := progression.NewHandler(progress, catalog)

	// Realtime chat
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	relay := realtime.NewRelay(hub, realtime.RelayOptions{
		MaxLength:   cfg.Stream.ChatMaxLength,
		HistorySize: cfg.Stream.RelayHistory,
		Activity:    activity,
		Logger:      logger,
	})

	// Sessions
	streamRepo := streams.NewRepository(pool)
	if n, err := streamRepo.AbandonUnfinished(ctx); err != nil {
		logger.Warn("abandon unfinished sessions failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("closed sessions left open by a previous run", zap.Int64("count", n))
	}
	jobQueue := queue.NewQueue(rdb.Client, logger)
	capability := streams.NewPolledCapability(cfg.Stream.CapturePoll, cfg.Stream.CaptureTimeout)
	registry := streams.NewRegistry(streams.Deps{
		Backend:       streamRepo,
		Capability:    capability,
		Activity:      activity,
		Finalizer:     streams.NewQueueFinalizer(jobQueue),
		Channel:       relay,
		InviteTTL:     cfg.Stream.InviteTTL,
		ChatMaxLength: cfg.Stream.ChatMaxLength,
		HistoryLimit:  cfg.Stream.HistoryLimit,
		Logger:        logger,
	})
	streamHandler := streams.NewHandler(registry, capability, streamRepo, logger)
	if s3Client != nil {
		streamHandler.SetTranscripts(streams.NewTranscripts(streamRepo, s3Client))
	}
	zegoHandler := zego.NewHandler(registry, cfg.Zego, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins()))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/auth/me", authHandler.Me)
		api.POST("/accounts/:id/follow", authHandler.Follow)
		api.DELETE("/accounts/:id/follow", authHandler.Unfollow)

		api.GET("/progression/me", progressionHandler.Me)
		api.GET("/progression/catalog", progressionHandler.Catalog)

		streamHandler.Register(api)
		api.GET("/streams/:id/media-token", zegoHandler.GetToken)
	}

	// WebSocket: anonymous viewers may watch; a token (header or ?token=) is needed to chat.
	router.GET("/ws", middleware.OptionalJWT(jwtService), realtime.ServeWs(hub, relay, cfg.Server.AllowedOrigins(), logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go registry.Run(bgCtx, cfg.Stream.TickInterval)
	go progress.Run(bgCtx, cfg.Progression.TickInterval)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	registry.Shutdown(shutdownCtx)
	bgCancel()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
