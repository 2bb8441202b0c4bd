// Package server wires the risk engine, its stores and the HTTP API together.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/mbd888/siterisk/internal/alerts"
	"github.com/mbd888/siterisk/internal/archive"
	"github.com/mbd888/siterisk/internal/audit"
	"github.com/mbd888/siterisk/internal/cache"
	"github.com/mbd888/siterisk/internal/config"
	"github.com/mbd888/siterisk/internal/engine"
	"github.com/mbd888/siterisk/internal/evaluator"
	"github.com/mbd888/siterisk/internal/explain"
	"github.com/mbd888/siterisk/internal/health"
	"github.com/mbd888/siterisk/internal/ingest"
	"github.com/mbd888/siterisk/internal/logging"
	"github.com/mbd888/siterisk/internal/metrics"
	"github.com/mbd888/siterisk/internal/ratelimit"
	"github.com/mbd888/siterisk/internal/realtime"
	"github.com/mbd888/siterisk/internal/replay"
	"github.com/mbd888/siterisk/internal/rules"
	"github.com/mbd888/siterisk/internal/security"
	"github.com/mbd888/siterisk/internal/site"
	"github.com/mbd888/siterisk/internal/temporal"
	"github.com/mbd888/siterisk/internal/traces"
	"github.com/mbd888/siterisk/internal/validation"
	"github.com/mbd888/siterisk/internal/webhooks"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	registry    *site.Registry
	catalog     *rules.Catalog
	catalogDoc  *rules.Document
	inputs      temporal.Store
	records     audit.Store
	alertStore  alerts.Store
	webhookSt   webhooks.Store
	cache       cache.Cache
	engine      *engine.Engine
	recon       *replay.Reconstructor
	alerts      *alerts.Manager
	webhooks    *webhooks.Dispatcher
	realtimeHub *realtime.Hub
	timer       *engine.Timer
	kafka       *ingest.KafkaConsumer
	mqtt        *ingest.MQTTSubscriber
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger
	closers     []func(context.Context) error
	now         func() time.Time
	version     string

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry uses an already loaded site layout instead of SiteConfigPath.
func WithRegistry(reg *site.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithCatalogDocument activates doc instead of reading RulesConfigPath.
func WithCatalogDocument(doc *rules.Document) Option {
	return func(s *Server) {
		s.catalogDoc = doc
	}
}

// WithClock overrides the wall clock of the engine and its collaborators (tests).
// WithVersion sets the build version reported by /health and on spans.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		now:     time.Now,
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := logging.WithLogger(context.Background(), s.logger)

	if s.registry == nil {
		reg, err := site.LoadFile(cfg.SiteConfigPath)
		if err != nil {
			return nil, err
		}
		s.registry = reg
	}
	s.logger.Info("site layout loaded", "site", s.registry.SiteID(), "levels", len(s.registry.Levels()))

	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, traces.Config{
			Endpoint:    cfg.OTLPEndpoint,
			SiteID:      s.registry.SiteID(),
			Version:     s.version,
			SampleRatio: cfg.TraceSampleRatio,
		}, s.logger)
		if err != nil {
			s.logger.Warn("tracing disabled", "error", err)
		} else {
			s.closers = append(s.closers, shutdown)
		}
	}

	s.health = health.NewRegistry(2 * time.Second)

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var catalogStore rules.Store
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.inputs = temporal.NewPostgresStore(db)
		s.records = audit.NewPostgresStore(db)
		s.alertStore = alerts.NewPostgresStore(db)
		s.webhookSt = webhooks.NewPostgresStore(db)
		catalogStore = rules.NewPostgresStore(db)
		s.health.Register("postgres", true, db)
		if err := metrics.RegisterDB(db, "siterisk"); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.inputs = temporal.NewMemoryStore()
		s.records = audit.NewMemoryStore()
		s.alertStore = alerts.NewMemoryStore()
		s.webhookSt = webhooks.NewMemoryStore()
		catalogStore = rules.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if cfg.RedisURL != "" {
		client, err := cache.Dial(ctx, cfg.RedisURL)
		if err != nil {
			s.logger.Warn("redis unavailable, using in-process cache", "error", err)
			s.cache = cache.NewMemory()
		} else {
			rc := cache.NewRedis(client, "siterisk:"+s.registry.SiteID()+":")
			s.cache = rc
			s.health.Register("redis", false, health.PingFunc(rc.Ping))
			s.closers = append(s.closers, func(context.Context) error { return client.Close() })
			s.logger.Info("current-state cache on redis")
		}
	} else {
		s.cache = cache.NewMemory()
	}

	// Rules
	ev, err := evaluator.New(s.registry, explain.NewRenderer())
	if err != nil {
		return nil, err
	}
	s.catalog = rules.NewCatalog(catalogStore, rules.WithChecker(ev.CheckRule), rules.WithClock(s.now))
	if err := s.catalog.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load rule catalog: %w", err)
	}
	if err := s.ensureCatalog(ctx); err != nil {
		return nil, err
	}

	// Evaluation
	signer := audit.NewSigner(cfg.AuditHMACSecret)
	s.recon = replay.New(s.registry, s.inputs, s.catalog, ev, s.records,
		replay.WithTimeout(cfg.HistoryTimeout),
		replay.WithWorkers(cfg.Workers),
		replay.WithSigner(signer),
	)

	s.realtimeHub = realtime.NewHub(s.logger, realtime.WithOrigins(cfg.CORSOrigins))
	s.webhooks = webhooks.NewDispatcher(s.webhookSt, s.logger,
		webhooks.WithEndpointPolicy(security.EndpointPolicy{AllowHosts: cfg.WebhookAllowHosts}),
	)
	s.alerts = alerts.NewManager(s.alertStore,
		alerts.WithNotifier(s.realtimeHub),
		alerts.WithNotifier(s.webhooks),
		alerts.WithClock(s.now),
	)

	validator := temporal.NewValidator(s.registry, cfg.ClockSkew,
		temporal.WithRetention(temporal.KindEvents, cfg.EventRetention),
		temporal.WithRetention(temporal.KindMeasurements, cfg.MeasurementRetention),
		temporal.WithClock(s.now),
	)
	s.engine = engine.New(s.registry, s.inputs, validator, s.catalog, s.recon, s.records, s.alerts,
		engine.WithSigner(signer),
		engine.WithCache(s.cache),
		engine.WithPublisher(s.realtimeHub),
		engine.WithWorkers(cfg.Workers),
		engine.WithClock(s.now),
	)

	timerCfg := engine.TimerConfig{
		Reevaluate: cfg.ReevaluateInterval,
		Snapshot:   cfg.SnapshotInterval,
		Sweep:      cfg.RetentionSweep,
		Retention: engine.Retention{
			Events:       cfg.EventRetention,
			Measurements: cfg.MeasurementRetention,
			Snapshots:    cfg.SnapshotRetention,
			Alerts:       cfg.AlertRetention,
		},
	}
	if cfg.ArchiveBucket != "" {
		archiver, err := archive.NewS3Archiver(ctx, archive.S3Config{
			Bucket: cfg.ArchiveBucket,
			Prefix: cfg.ArchivePrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to configure snapshot archive: %w", err)
		}
		timerCfg.Archiver = archiver
		s.logger.Info("snapshot archive enabled", "bucket", cfg.ArchiveBucket)
	}
	s.timer = engine.NewTimer(s.engine, timerCfg, s.logger)

	// Ingestion transports
	if len(cfg.KafkaBrokers) > 0 {
		k, err := ingest.NewKafkaConsumer(ingest.KafkaConfig{
			Brokers:           cfg.KafkaBrokers,
			Group:             cfg.KafkaGroup,
			EventsTopic:       cfg.KafkaEventsTopic,
			MeasurementsTopic: cfg.KafkaMeasurementsTopic,
		}, s.engine, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		s.kafka = k
		s.logger.Info("kafka ingestion enabled", "brokers", cfg.KafkaBrokers)
	}
	if cfg.MQTTBroker != "" {
		s.mqtt = ingest.NewMQTTSubscriber(ingest.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Topic:    cfg.MQTTTopic,
			QoS:      1,
		}, s.engine, s.logger)
		s.logger.Info("mqtt ingestion enabled", "broker", cfg.MQTTBroker, "topic", cfg.MQTTTopic)
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// ensureCatalog publishes the configured catalog document unless the same
// version is already stored.
func (s *Server) ensureCatalog(ctx context.Context) error {
	doc := s.catalogDoc
	if doc == nil {
		var err error
		if doc, err = rules.LoadFile(s.cfg.RulesConfigPath); err != nil {
			return err
		}
	}
	effective := s.now().UTC()
	if doc.EffectiveFrom != nil {
		effective = doc.EffectiveFrom.UTC()
	}
	v, activated, err := s.catalog.Ensure(ctx, *doc, effective)
	if err != nil {
		return fmt.Errorf("failed to publish rule catalog: %w", err)
	}
	if activated {
		s.logger.Info("rule catalog activated", "version", v.Version, "effective_from", v.EffectiveFrom)
	} else {
		s.logger.Info("rule catalog up to date", "version", v.Version)
	}
	return nil
}

// maskDSN hides password in connection string for logging
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

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = float64(s.cfg.RateLimitRPS)
		rl.Burst = 2 * s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/site", s.siteHandler)

	temporal.NewHandler(s.inputs, s.engine).RegisterRoutes(v1)
	replay.NewHandler(s.recon, s.engine, s.alerts).RegisterRoutes(v1)
	audit.NewHandler(s.records).RegisterRoutes(v1)
	alerts.NewHandler(s.alerts).RegisterRoutes(v1)
	rules.NewHandler(s.catalog).RegisterRoutes(v1)
	webhooks.NewHandler(s.webhookSt, s.webhooks).RegisterRoutes(v1)
}

func (s *Server) siteHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"site": s.registry.Site()})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Site      string          `json:"site"`
	Version   string          `json:"version"`
	Catalog   string          `json:"catalog_version,omitempty"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		for _, st := range statuses {
			if !st.Healthy {
				status = "degraded"
				break
			}
		}
	}

	resp := HealthResponse{
		Status:    status,
		Site:      s.registry.SiteID(),
		Version:   s.version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if v := s.catalog.Latest(); v != nil {
		resp.Catalog = v.Version
	}
	c.JSON(httpStatus, resp)
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

// Start warms the engine and launches background work: the realtime hub, the
// evaluation timer and the ingestion transports. Run calls it; tests call it
// directly.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(logging.WithLogger(ctx, s.logger))
	s.cancelRunCtx = cancel

	since := s.now().Add(-24 * time.Hour)
	if v := s.catalog.Latest(); v != nil && v.MaxWindow() > 24*time.Hour {
		since = s.now().Add(-v.MaxWindow())
	}
	if err := s.engine.Warm(runCtx, since); err != nil {
		return err
	}

	go s.realtimeHub.Run(runCtx)
	go s.timer.Start(runCtx)

	if s.kafka != nil {
		go func() {
			if err := s.kafka.Run(runCtx); err != nil {
				s.logger.Error("kafka consumer stopped", "error", err)
			}
		}()
	}
	if s.mqtt != nil {
		if err := s.mqtt.Start(runCtx); err != nil {
			// The client reconnects on its own; ingestion resumes once the broker is up.
			s.logger.Error("mqtt connect failed", "error", err)
		}
	}

	s.ready.Store(true)
	s.logger.Info("server ready")
	return nil
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "site", s.registry.SiteID())
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if err := s.Start(ctx); err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("startup failed: %w", err)
	}

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop taking inputs before the HTTP side so nothing is half-ingested.
	if s.mqtt != nil {
		s.mqtt.Stop()
		s.logger.Info("mqtt subscriber stopped")
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
		}
	}

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.timer.Stop()
	s.webhooks.Wait()
	s.rateLimiter.Stop()

	for _, closeFn := range s.closers {
		if err := closeFn(ctx); err != nil {
			s.logger.Error("close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the risk engine.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
