package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"etsy-penny/config"
	"etsy-penny/providers"
	"etsy-penny/providers/kafka"
	"etsy-penny/providers/webhook"
	"etsy-penny/services"
	"etsy-penny/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func apiKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APISecretKey == "" {
			c.Next()
			return
		}
		apiKey := c.GetHeader("X-API-KEY")
		if apiKey != cfg.APISecretKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid API Key"})
			return
		}
		c.Next()
	}
}

// workerAuthMiddleware schützt den Callback, über den der Worker Ergebnisse abliefert.
func workerAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.WorkerSecret == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-WORKER-SECRET") != cfg.WorkerSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid worker secret"})
			return
		}
		c.Next()
	}
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Setup Database
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to listings database.")

	store := storage.NewEvaluationStore(db, logging)
	if cfg.AutoMigrate {
		logging.Info("Running database auto-migration...")
		if err := store.Migrate(); err != nil {
			logging.Fatal("Auto-migration failed", zap.Error(err))
		}
	}

	// Setup Job Transport
	var trigger providers.JobTrigger
	switch cfg.JobTransport {
	case "webhook":
		if cfg.WorkerWebhookURL == "" {
			logging.Fatal("WORKER_WEBHOOK_URL is required for the webhook transport")
		}
		trigger = webhook.NewTrigger(cfg.WorkerWebhookURL, cfg.WorkerTimeout, logging)
	case "kafka":
		kt := kafka.NewTrigger(cfg.Brokers(), cfg.KafkaJobTopic, logging)
		defer kt.Close()
		trigger = kt
	default:
		logging.Fatal("Unknown job transport in config", zap.String("transport", cfg.JobTransport))
	}
	logging.Info("Job transport loaded", zap.String("transport", trigger.Name()))

	// Setup Push Channel
	deps := services.SessionDeps{
		Store:            store,
		Trigger:          trigger,
		Logger:           logging,
		PollInterval:     cfg.PollInterval,
		CompletionStatus: cfg.CompletionStatus,
		Now:              time.Now,
	}
	var publisher changePublisher
	feed, err := storage.NewRedisChangeFeed(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisChannelPrefix, logging)
	if err != nil {
		logging.Warn("Redis not reachable, completion detection falls back to polling", zap.Error(err))
	} else {
		defer feed.Close()
		deps.Feed = feed
		publisher = feed
	}

	// Setup Image URLs
	if cfg.S3Enabled() {
		s3Client, err := storage.NewS3Client(ctx, cfg)
		if err != nil {
			logging.Fatal("S3 client creation failed", zap.Error(err))
		}
		deps.Images = storage.NewImageURLs(s3Client, cfg.S3Bucket, cfg.ImageURLTTL)
	} else {
		logging.Info("S3 not configured, image references are passed through unchanged")
	}

	manager := services.NewSessionManager(deps, cfg.DefaultSEOMode)
	defer manager.CloseAll()

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/", apiKeyAuthMiddleware(cfg))
	setupListingRoutes(api, store, logging)
	setupSessionRoutes(api, manager, logging)

	worker := router.Group("/worker", workerAuthMiddleware(cfg))
	setupWorkerRoutes(worker, store, publisher, cfg.CompletionStatus, logging)

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("Failed to run server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logging.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("Server shutdown failed", zap.Error(err))
	}
}
