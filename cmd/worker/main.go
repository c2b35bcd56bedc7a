// VidForge worker - runs the queue consumers, the outbox dispatcher, and the
// reservation janitor against shared PostgreSQL and Redis.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/vidforge/vidforge/internal/asset"
	"github.com/vidforge/vidforge/internal/config"
	"github.com/vidforge/vidforge/internal/eventbus"
	"github.com/vidforge/vidforge/internal/fanout"
	"github.com/vidforge/vidforge/internal/finalize"
	"github.com/vidforge/vidforge/internal/janitor"
	"github.com/vidforge/vidforge/internal/ledger"
	"github.com/vidforge/vidforge/internal/logging"
	"github.com/vidforge/vidforge/internal/metrics"
	"github.com/vidforge/vidforge/internal/operation"
	"github.com/vidforge/vidforge/internal/outbox"
	"github.com/vidforge/vidforge/internal/queue"
	"github.com/vidforge/vidforge/internal/storage"
	"github.com/vidforge/vidforge/internal/transcoder"
	"github.com/vidforge/vidforge/internal/worker"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("worker", "info", "text")

	logger.Info("starting vidforge worker",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	format := "json"
	if cfg.IsDevelopment() {
		format = "text"
	}
	logger = logging.New("worker", cfg.LogLevel, format)

	if cfg.DatabaseURL == "" {
		// Without shared storage there is nothing to consume; the api binary
		// runs the whole platform in one process in that mode.
		logger.Error("DATABASE_URL is required for the worker")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.DBPoolSize)
	db.SetMaxIdleConns(cfg.DBPoolSize / 5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	events := outbox.NewPostgresStore(db)
	ops := operation.NewPostgresStore(db)
	lg := ledger.NewPostgresStore(db, events)
	assets := asset.NewPostgresStore(db)

	q := queue.New(rdb, queue.Config{Attempts: cfg.JobAttempts}, logger)
	files := storage.New(cfg.StoragePath)
	runner := transcoder.New(cfg.TranscoderBin, logger)
	realtime := eventbus.NewRealtime(rdb, logger)
	fin := finalize.New(db, ops, lg, events, logger)

	runtime := worker.New(q, assets, ops, files, runner, fin, realtime, worker.Config{
		Concurrency:  cfg.QueueConcurrency,
		VideoTimeout: cfg.JobTimeout,
		ImageTimeout: cfg.ImageJobTimeout,
	}, logger)

	// Milestones go out over AMQP when a broker is configured, otherwise over
	// Redis pub/sub so socket subscribers still hear them.
	var bus *eventbus.Bus
	var pub outbox.Publisher = realtimePublisher{realtime}
	if cfg.EventBusURL != "" {
		bus, err = eventbus.Dial(cfg.EventBusURL, logger)
		if err != nil {
			logger.Error("failed to connect to event bus", "error", err)
			os.Exit(1)
		}
		defer bus.Close()
		pub = bus
		logger.Info("event bus connected")
	}

	dispatcher := outbox.NewDispatcher(events, pub, outbox.DispatcherConfig{
		PollInterval: cfg.DispatcherPollInterval,
		BatchSize:    cfg.DispatcherBatchSize,
		Lease:        cfg.DispatcherLease,
		MaxAttempts:  cfg.DispatcherMaxAttempts,
		PruneAfter:   time.Duration(cfg.OutboxRetentionDays) * 24 * time.Hour,
	}, logger)

	jan := janitor.New(lg, ops, cfg.ReservationTTL, cfg.JanitorInterval, logger)

	runtime.Start(ctx)
	dispatcher.Start()
	go jan.Start(ctx)
	metrics.StartDBStatsCollector(ctx, db, 15*time.Second)

	// Re-enqueue operations whose job was lost before a consumer saw it.
	if err := runtime.RecoverPending(ctx, q); err != nil {
		logger.Error("recovery pass failed", "error", err)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})
	router.GET("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("worker metrics listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()

	logger.Info("worker running", "concurrency", cfg.QueueConcurrency)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", "error", err)
	}
	jan.Stop()
	dispatcher.Stop()
	if err := runtime.Stop(shutdownCtx); err != nil {
		logger.Error("worker stop error", "error", err)
	}
	cancel()
	logger.Info("worker stopped")
}

// realtimePublisher delivers outbox milestones over Redis pub/sub. Durability
// stays with the outbox rows; this path only feeds live sockets.
type realtimePublisher struct {
	rt *eventbus.Realtime
}

func (p realtimePublisher) Publish(ctx context.Context, evt *outbox.Event) error {
	event, ok := fanout.SocketEvent(evt.EventType)
	if !ok {
		return nil
	}
	return p.rt.Publish(ctx, eventbus.Notification{
		Resource: evt.AggregateID,
		Event:    event,
		Payload:  evt.Payload,
	})
}
