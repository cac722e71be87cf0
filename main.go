package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/husmancristian/resultsdb-updater/pkg/api"
	"github.com/husmancristian/resultsdb-updater/pkg/config"
	"github.com/husmancristian/resultsdb-updater/pkg/metrics"
	"github.com/husmancristian/resultsdb-updater/pkg/pipeline"
	"github.com/husmancristian/resultsdb-updater/pkg/queue"
	"github.com/husmancristian/resultsdb-updater/pkg/queue/kafka"
	"github.com/husmancristian/resultsdb-updater/pkg/queue/rabbitmq"
	"github.com/husmancristian/resultsdb-updater/pkg/resultsdb"
	"github.com/husmancristian/resultsdb-updater/pkg/storage"
	"github.com/husmancristian/resultsdb-updater/pkg/storage/persistent"
	"github.com/husmancristian/resultsdb-updater/pkg/worker"

	"github.com/joho/godotenv"
)

// drainTimeout bounds how long shutdown waits for messages already taken off the bus.
const drainTimeout = 30 * time.Second

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func main() {
	levelVar := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	// .env files are a local development convenience only
	if os.Getenv("APP_ENV") != "production" {
		if err := godotenv.Load(); err != nil {
			logger.Info("Could not load .env file, relying on environment variables", slog.String("error", err.Error()))
		} else {
			logger.Info("Loaded configuration from .env file for local development")
		}
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	levelVar.Set(parseLevel(cfg.LogLevel))

	logger.Info("Starting ResultsDB updater...",
		slog.String("log_level", cfg.LogLevel),
		slog.String("resultsdb", cfg.ResultsDB.APIURL),
		slog.String("bus_driver", cfg.Bus.Driver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Dependency Injection ---
	client, err := resultsdb.NewClient(cfg.ResultsDB, logger)
	if err != nil {
		logger.Error("Failed to initialize ResultsDB client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New()
	pipe := pipeline.New(client, cfg.Routes, logger, pipeline.WithMetrics(m))

	var journal storage.Journal = storage.Nop{}
	if cfg.Storage.Postgres_DSN != "" {
		store, err := persistent.NewStore(ctx, cfg.Storage, logger)
		if err != nil {
			logger.Error("Failed to initialize persistent journal", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer store.Close()
		journal = store
	} else {
		logger.Info("POSTGRES_DSN not set, processing journal disabled")
	}

	var (
		consumer  queue.Consumer
		inspector queue.Inspector
	)
	switch cfg.Bus.Driver {
	case config.DriverKafka:
		broker, err := kafka.NewBroker(cfg.Bus, logger)
		if err != nil {
			logger.Error("Failed to initialize Kafka consumer", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer broker.Close()
		consumer = broker
	default:
		manager, err := rabbitmq.NewManager(cfg.Bus, logger)
		if err != nil {
			logger.Error("Failed to initialize RabbitMQ consumer", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer manager.Close()
		consumer, inspector = manager, manager

		// Losing the connection ends consumption, so shut down and let the supervisor restart us
		lost := manager.NotifyClose()
		go func() {
			if amqpErr, ok := <-lost; ok && amqpErr != nil {
				stop()
			}
		}()
	}

	harness := worker.New(consumer, pipe, journal, cfg.Bus, m, logger)

	apiHandler := api.NewAPI(harness, journal, m, inspector, logger)
	router := api.SetupRouter(apiHandler, cfg)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.RequestTimeout + (5 * time.Second),
		WriteTimeout: cfg.RequestTimeout + (5 * time.Second),
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		var err error
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			logger.Info("Server starting on address", slog.String("protocol", "https"), slog.String("address", server.Addr))
			err = server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			logger.Info("Server starting on address", slog.String("protocol", "http"), slog.String("address", server.Addr))
			err = server.ListenAndServe()
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			logger.Error("Port is already in use. Is another instance already running?", slog.String("address", server.Addr))
			stop()
		} else if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed to start or unexpectedly closed", slog.String("error", err.Error()))
			stop()
		}
	}()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := harness.Run(ctx); err != nil {
			logger.Error("Consumer stopped", slog.String("error", err.Error()))
		}
		stop()
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server graceful shutdown failed", slog.String("error", err.Error()))
	} else {
		logger.Info("Server gracefully stopped")
	}

	// In-flight messages finish their retries; whatever is still unsettled
	// after the drain window is returned to the queue when the bus closes.
	select {
	case <-workersDone:
		logger.Info("Workers drained")
	case <-time.After(drainTimeout):
		logger.Warn("Timed out waiting for in-flight messages", slog.Duration("drain_timeout", drainTimeout))
	}

	logger.Info("Counters at shutdown", slog.Any("counters", m.Snapshot()))
	logger.Info("Shutdown complete.")
}
