// Package server assembles the HTTP API: uploads, operation submission,
// asset streaming, billing, admin, health, and the WebSocket endpoint.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
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
	"github.com/vidforge/vidforge/internal/idgen"
	"github.com/vidforge/vidforge/internal/janitor"
	"github.com/vidforge/vidforge/internal/ledger"
	"github.com/vidforge/vidforge/internal/logging"
	"github.com/vidforge/vidforge/internal/metrics"
	"github.com/vidforge/vidforge/internal/operation"
	"github.com/vidforge/vidforge/internal/outbox"
	"github.com/vidforge/vidforge/internal/queue"
	"github.com/vidforge/vidforge/internal/storage"
	"github.com/vidforge/vidforge/internal/submit"
	"github.com/vidforge/vidforge/internal/transcoder"
	"github.com/vidforge/vidforge/internal/user"
	"github.com/vidforge/vidforge/internal/worker"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Transcoder is the external binary surface the API process needs:
// upload-time probing plus the synchronous audio and thumbnail paths.
// Satisfied by *transcoder.Runner.
type Transcoder interface {
	Run(ctx context.Context, req transcoder.Request) error
	Probe(ctx context.Context, srcPath string) (int, int, error)
}

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg    *config.Config
	users  user.Store
	assets asset.Store
	ops    operation.Store
	ledger ledger.Store
	events outbox.Store
	submit *submit.Service
	files  *storage.Layout
	runner Transcoder

	// memLedger is set in in-memory mode only; admin user creation needs it
	// to provision a balance record before the first purchase.
	memLedger *ledger.MemoryStore

	hub      *fanout.Hub
	bridge   *fanout.Bridge
	bus      *eventbus.Bus
	realtime *eventbus.Realtime
	queue    *queue.Queue

	// In-memory mode runs the whole platform in one process; these stay nil
	// when a database is configured and the worker binary owns them.
	workerRuntime *worker.Runtime
	dispatcher    *outbox.Dispatcher
	janitor       *janitor.Janitor

	db           *sql.DB // nil if using in-memory stores
	rdb          *redis.Client
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	submitQueueOverride submit.Enqueuer

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithEnqueuer replaces the Redis-backed queue for submissions (for testing).
func WithEnqueuer(q submit.Enqueuer) Option {
	return func(s *Server) {
		s.submitQueueOverride = q
	}
}

// WithTranscoder sets a custom transcoder (for testing).
func WithTranscoder(t Transcoder) Option {
	return func(s *Server) {
		s.runner = t
	}
}

// New creates a new server instance. Storage is PostgreSQL when DATABASE_URL
// is set; otherwise everything runs on in-memory stores and the background
// machinery (worker, dispatcher, janitor) runs inside this process.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New("api", cfg.LogLevel, "json"),
	}

	// Apply options first (may set logger/transcoder).
	for _, opt := range opts {
		opt(s)
	}

	if s.runner == nil {
		s.runner = transcoder.New(cfg.TranscoderBin, s.logger)
	}
	s.files = storage.New(cfg.StoragePath)

	s.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	s.queue = queue.New(s.rdb, queue.Config{
		Attempts: cfg.JobAttempts,
		Lease:    60 * time.Second,
	}, s.logger)
	s.realtime = eventbus.NewRealtime(s.rdb, s.logger)

	if cfg.EventBusURL != "" {
		bus, err := eventbus.Dial(cfg.EventBusURL, s.logger)
		if err != nil {
			s.logger.Warn("event bus unavailable, continuing without it", "error", err)
		} else {
			s.bus = bus
			s.logger.Info("event bus connected")
		}
	}

	var enq submit.Enqueuer = s.queue
	if s.submitQueueOverride != nil {
		enq = s.submitQueueOverride
	}

	cost := func(t operation.Type) int64 { return cfg.Cost(string(t)) }

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBPoolSize)
		db.SetMaxIdleConns(cfg.DBPoolSize / 5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		events := outbox.NewPostgresStore(db)
		ops := operation.NewPostgresStore(db)
		lg := ledger.NewPostgresStore(db, events)
		s.users = user.NewPostgresStore(db)
		s.assets = asset.NewPostgresStore(db)
		s.ops = ops
		s.ledger = lg
		s.events = events
		s.submit = submit.New(db, s.assets, ops, lg, events, enq, cost, s.logger)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		events := outbox.NewMemoryStore()
		lg := ledger.NewMemoryStore(events)
		s.users = user.NewMemoryStore()
		s.assets = asset.NewMemoryStore()
		s.ops = operation.NewMemoryStore()
		s.ledger = lg
		s.memLedger = lg
		s.events = events
		s.submit = submit.NewMemory(s.assets, s.ops, lg, events, enq, cost, s.logger)

		s.seedDemoUser(lg)
		s.buildInProcessWorkers()
	}

	// Fan-out hub for WebSocket streaming.
	s.hub = fanout.NewHub(s.logger)
	s.bridge = fanout.NewBridge(s.hub, s.logger)
	s.logger.Info("realtime streaming enabled")

	// Configure gin.
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// seedDemoUser provisions a usable account for database-less runs. Credits
// arrive through the ledger so balance and entry sum stay equal.
func (s *Server) seedDemoUser(lg *ledger.MemoryStore) {
	demo := &user.User{ID: "usr_demo", Email: "demo@vidforge.local", Name: "Demo", Tier: user.TierFree}
	if err := s.users.Create(context.Background(), demo); err != nil {
		s.logger.Warn("failed to seed demo user", "error", err)
		return
	}
	lg.CreateUser(demo.ID, 0)
	if _, err := lg.AddCredits(context.Background(), demo.ID, 100, "seed-"+demo.ID, "demo starter credits"); err != nil {
		s.logger.Warn("failed to seed demo credits", "error", err)
		return
	}
	s.logger.Info("demo user seeded", "id", demo.ID, "credits", 100)
}

// buildInProcessWorkers sets up the worker runtime, outbox dispatcher, and
// reservation janitor for single-process in-memory mode. With a database the
// worker binary owns all three. No recovery pass here: memory mode starts
// with empty stores.
func (s *Server) buildInProcessWorkers() {
	fin := finalize.NewMemory(s.ops, s.ledger, s.events, s.logger)
	s.workerRuntime = worker.New(s.queue, s.assets, s.ops, s.files, s.runner, fin, s.realtime, worker.Config{
		Concurrency:  s.cfg.QueueConcurrency,
		VideoTimeout: s.cfg.JobTimeout,
		ImageTimeout: s.cfg.ImageJobTimeout,
	}, s.logger)

	// Without AMQP the dispatcher publishes straight into the fan-out
	// bridge, closing the event loop inside this process.
	var pub outbox.Publisher = loopbackPublisher{s}
	if s.bus != nil {
		pub = s.bus
	}
	s.dispatcher = outbox.NewDispatcher(s.events, pub, outbox.DispatcherConfig{
		PollInterval: s.cfg.DispatcherPollInterval,
		BatchSize:    s.cfg.DispatcherBatchSize,
		Lease:        s.cfg.DispatcherLease,
		MaxAttempts:  s.cfg.DispatcherMaxAttempts,
		PruneAfter:   time.Duration(s.cfg.OutboxRetentionDays) * 24 * time.Hour,
	}, s.logger)

	s.janitor = janitor.New(s.ledger, s.ops, s.cfg.ReservationTTL, s.cfg.JanitorInterval, s.logger)
}

// loopbackPublisher delivers outbox events directly to the fan-out bridge.
type loopbackPublisher struct {
	s *Server
}

func (p loopbackPublisher) Publish(ctx context.Context, evt *outbox.Event) error {
	return p.s.bridge.HandleDelivery(ctx, eventbus.Delivery{
		EventType:      evt.EventType,
		AggregateType:  evt.AggregateType,
		AggregateID:    evt.AggregateID,
		IdempotencyKey: evt.IdempotencyKey,
		OutboxID:       evt.ID,
		Payload:        evt.Payload,
	})
}

// maskDSN hides the password in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Preserve the id the load balancer assigned, if any.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.Hex(16)
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time job and billing events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API routes. Identity arrives as X-User-ID from the fronting gateway;
	// session handling itself lives outside this service.
	api := s.router.Group("/api")
	api.Use(s.identityMiddleware())
	{
		api.POST("/videos/upload", s.uploadAsset(asset.KindVideo))
		api.GET("/videos", s.listAssets(asset.KindVideo))
		api.GET("/videos/asset", s.streamAsset)
		api.DELETE("/videos/asset", s.deleteAsset)
		api.POST("/videos/resize", s.submitOperation(operation.TypeResize))
		api.POST("/videos/convert", s.submitOperation(operation.TypeConvert))
		api.POST("/videos/crop", s.submitOperation(operation.TypeCrop))
		api.POST("/videos/extract-audio", s.extractAudio)

		api.POST("/images/upload", s.uploadAsset(asset.KindImage))
		api.GET("/images", s.listAssets(asset.KindImage))
		api.GET("/images/asset", s.streamAsset)
		api.DELETE("/images/asset", s.deleteAsset)
		api.POST("/images/resize", s.submitOperation(operation.TypeResizeImage))
		api.POST("/images/convert", s.submitOperation(operation.TypeConvertImage))

		api.GET("/operations", s.listOperations)

		api.POST("/billing/buy-credits", s.buyCredits)
		api.GET("/billing/transactions", s.listTransactions)
		api.GET("/billing/balance", s.getBalance)
	}

	// Admin endpoints are gated by a shared secret, not user identity.
	admin := s.router.Group("/api/admin")
	admin.Use(s.adminMiddleware())
	{
		admin.GET("/users", s.adminListUsers)
		admin.POST("/users", s.adminCreateUser)
		admin.GET("/stats", s.adminStats)
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		checks["redis"] = "unhealthy"
	} else {
		checks["redis"] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	if err := s.bridge.Start(runCtx, s.bus, s.realtime); err != nil {
		s.logger.Error("failed to start event bridge", "error", err)
	}

	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Single-process in-memory mode runs the full platform here.
	if s.workerRuntime != nil {
		s.workerRuntime.Start(runCtx)
	}
	if s.dispatcher != nil {
		s.dispatcher.Start()
	}
	if s.janitor != nil {
		go s.janitor.Start(runCtx)
	}

	// Mark as ready after brief delay for startup.
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, bridge, workers).
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.janitor != nil {
		s.janitor.Stop()
		s.logger.Info("janitor stopped")
	}
	if s.dispatcher != nil {
		s.dispatcher.Stop()
		s.logger.Info("dispatcher stopped")
	}
	if s.workerRuntime != nil {
		if err := s.workerRuntime.Stop(ctx); err != nil {
			s.logger.Error("worker stop error", "error", err)
		}
	}

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.logger.Error("event bus close error", "error", err)
		}
	}
	if err := s.rdb.Close(); err != nil {
		s.logger.Error("redis close error", "error", err)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}
