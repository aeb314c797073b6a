package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/config"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/handler"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/kafka"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/live"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/postgres"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/redis"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/service"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/websocket"
	"github.com/dada03jp/rossoneri-pixel-hub/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := repo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize the Redis change feed
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	feed, err := redis.NewFeed(&cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer feed.Close()
	logger.Info("connected to Redis")

	// Initialize the live session manager and WebSocket hub. The hub
	// retains a listener session per watched match; the manager pushes
	// every recompute back through the hub.
	changeFeed := live.ChangeFeedFunc(func(ctx context.Context, matchID string) (live.FeedSubscription, error) {
		return feed.Subscribe(ctx, matchID)
	})

	manager := live.NewManager(repo, changeFeed, nil, feed, cfg.Live, logger)
	wsHub := websocket.NewHub(manager, logger)
	manager.SetBroadcaster(wsHub)
	go wsHub.Run()
	logger.Info("WebSocket hub initialized")

	// Initialize services
	ratingService := service.NewRatingService(repo, feed, feed, manager, logger)

	// Initialize the status worker (kickoff transitions + snapshot warmup)
	statusWorker := worker.NewStatusWorker(repo, feed, &cfg.Worker, logger)
	if cfg.Worker.Enabled {
		if err := statusWorker.Start(ctx); err != nil {
			logger.Error("failed to start status worker", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Kafka consumer for bulk rating ingestion
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		var err error
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, ratingService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else {
			if err := kafkaConsumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				kafkaConsumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
		}
	}

	// Initialize HTTP handler
	verifier := postgres.NewTokenVerifier(repo)
	httpHandler := handler.NewHandler(ratingService, verifier, wsHub, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("WebSocket endpoint available at /ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown HTTP server first so no new websocket upgrade can land
	// after the hub loop exits
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	// Stop WebSocket hub
	wsHub.Stop()

	// Stop live listener sessions
	manager.Stop()

	// Stop Kafka consumer
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	// Stop status worker
	if err := statusWorker.Stop(); err != nil {
		logger.Error("failed to stop status worker", "error", err)
	}

	logger.Info("server stopped")
}
