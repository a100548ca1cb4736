package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"framegeist/internal/api"
	"framegeist/internal/ascii"
	"framegeist/internal/config"
	"framegeist/internal/db"
	"framegeist/internal/events"
	"framegeist/internal/repository"
	"framegeist/internal/service"
	"framegeist/pkg/ffmpeg"
	"framegeist/pkg/logger"
)

func main() {
	cfg, source, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("Starting framegeist...", "config", source, "decoder", cfg.Decoder.Backend)

	if cfg.Decoder.Backend == "" || cfg.Decoder.Backend == "ffmpeg" {
		if err := ffmpeg.CheckInstallation(cfg.Decoder.FFmpegPath); err != nil {
			slog.Error("FFmpeg check failed", "error", err)
			os.Exit(1)
		}
	}

	extractor, err := service.NewFrameExtractor(cfg.Decoder)
	if err != nil {
		slog.Error("Failed to set up decoder", "error", err)
		os.Exit(1)
	}
	converter, err := ascii.NewConverter(cfg.ConversionOptions())
	if err != nil {
		slog.Error("Invalid conversion settings", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Lifecycle publishers
	var (
		publishers []events.Publisher
		history    api.HistoryStore
	)

	if cfg.Postgres.Enabled {
		dbConn, err := db.ConnectPostgres(ctx, cfg.Postgres)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		slog.Info("Database connected successfully", "host", cfg.Postgres.Host, "schema", cfg.Postgres.Schema)
		repo := repository.NewSessionRepository(dbConn, cfg.Postgres.Schema)
		publishers = append(publishers, repo)
		history = repo
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		slog.Info("Redis connected successfully", "addr", cfg.Redis.Addr)
		store := repository.NewRedisStore(client, cfg.Redis.TTL)
		publishers = append(publishers, store)
		if history == nil {
			history = store
		}
	}

	if cfg.RabbitMQ.Enabled {
		rabbit, err := events.NewRabbitPublisher(events.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Exchange:   cfg.RabbitMQ.Exchange,
			Queue:      cfg.RabbitMQ.Queue,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
		})
		if err != nil {
			slog.Error("Failed to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		slog.Info("RabbitMQ connected successfully", "exchange", cfg.RabbitMQ.Exchange)
		publishers = append(publishers, rabbit)
	}

	dispatcher := events.NewDispatcher(events.Config{
		QueueSize:      cfg.Events.QueueSize,
		WorkerPoolSize: cfg.Events.WorkerPoolSize,
		PublishTimeout: cfg.Events.PublishTimeout,
	}, publishers...)
	dispatcher.Start()

	// Initialize services
	sessionService, err := service.NewSessionService(cfg, dispatcher)
	if err != nil {
		slog.Error("Failed to create session registry", "error", err)
		os.Exit(1)
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go service.NewSessionSweeper(sessionService).Start(sweepCtx)

	emitter := service.NewStreamEmitter(sessionService, converter, extractor, cfg.Server.FrameWriteTimeout)
	bulk := service.NewBulkConverter(converter, extractor, cfg.Limits.MaxImagePixels)

	var inspect api.InspectFunc
	if cfg.Decoder.Inspect {
		inspect = func(ctx context.Context, path string) (*ffmpeg.VideoInfo, error) {
			return ffmpeg.Inspect(ctx, cfg.Decoder.FFprobePath, path)
		}
	}

	// Setup HTTP server
	handler := api.NewHandler(cfg, sessionService, emitter, bulk, dispatcher, history, inspect)
	router := api.SetupRoutes(handler)
	server := api.NewHTTPServer(cfg, router)

	// Start server in goroutine
	go func() {
		slog.Info("Server starting", "address", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Server forced to shutdown", "error", err)
	}
	stopSweeper()
	sessionService.Shutdown()
	// Flushes queued lifecycle events and closes every publisher.
	dispatcher.Stop()

	slog.Info("Server exited gracefully")
}
