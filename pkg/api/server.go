// Package api exposes the admin HTTP surface of a jobpipe process: the job
// catalog, manual triggers, active invocations and interrupts, schedules,
// and the persisted resource and run history.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"jobpipe/pkg/api/middleware"
	"jobpipe/pkg/auth"
	"jobpipe/pkg/executor"
	"jobpipe/pkg/interrupt"
	"jobpipe/pkg/logger"
	"jobpipe/pkg/pipeline"
	"jobpipe/pkg/scheduler"
	"jobpipe/pkg/storage"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	validator  *middleware.Validator

	catalog   *pipeline.Catalog
	executor  *executor.Executor
	scheduler *scheduler.Core
	relay     *interrupt.Relay
	active    *interrupt.Registry
	resources storage.ResourceStore
	runs      storage.RunRecorder
	archive   storage.SampleArchive
	keys      auth.APIKeyStore
	authOn    bool
	checks    map[string]HealthCheck
	log       *zap.Logger
}

// Config holds API server configuration. Executor and Scheduler are both
// optional: a scheduler process has no local executor and an executor
// process may run without a scheduler.
type Config struct {
	Port        string
	ServiceName string

	Catalog   *pipeline.Catalog
	Executor  *executor.Executor
	Scheduler *scheduler.Core
	Resources storage.ResourceStore
	Runs      storage.RunRecorder
	Archive   storage.SampleArchive

	Auth         middleware.AuthConfig
	RateLimit    middleware.RateLimiterConfig
	HealthChecks map[string]HealthCheck
	Logger       *zap.Logger
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	if cfg.ServiceName == "" {
		cfg.ServiceName = "jobpipe"
	}
	log := logger.OrNop(cfg.Logger)

	s := &Server{
		router:    gin.New(),
		limiter:   middleware.NewRateLimiter(cfg.RateLimit),
		validator: middleware.NewValidator(middleware.DefaultValidatorConfig()),
		catalog:   cfg.Catalog,
		executor:  cfg.Executor,
		scheduler: cfg.Scheduler,
		resources: cfg.Resources,
		runs:      cfg.Runs,
		archive:   cfg.Archive,
		keys:      cfg.Auth.APIKeyStore,
		authOn:    cfg.Auth.Enabled(),
		checks:    cfg.HealthChecks,
		log:       log,
	}
	if s.executor != nil {
		s.active = s.executor.Pipeline().Interrupts()
		s.relay = interrupt.NewRelay(s.active, log)
	}
	if !s.authOn {
		log.Warn("API authentication disabled; set JWT_SECRET to enable it")
	}

	// Middleware stack (order matters)
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestIDMiddleware())
	s.router.Use(middleware.SecurityHeadersMiddleware())
	s.router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	s.router.Use(middleware.MetricsMiddleware())
	s.router.Use(requestLogger(log))
	s.router.Use(s.limiter.Middleware())
	s.router.Use(middleware.BodySizeLimitMiddleware(middleware.DefaultValidatorConfig().MaxBodySize))

	s.registerRoutes(cfg.Auth)

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("API server starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("API server shutting down")
	s.limiter.Close()
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes(authCfg middleware.AuthConfig) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	if s.authOn {
		v1.Use(middleware.AuthMiddleware(authCfg))
	}

	keyParam := s.validator.Param("key", s.validator.ValidateJobKey)
	idParam := s.validator.Param("id", s.validator.ValidateInvocationID)

	jobs := v1.Group("/jobs")
	{
		jobs.GET("", s.listJobs)
		jobs.GET("/:key", keyParam, s.getJob)
		jobs.GET("/:key/resources", keyParam, s.listJobResources)
		jobs.GET("/:key/run", keyParam, s.getJobRun)
		jobs.POST("/:key/trigger", keyParam, s.require(auth.RoleOperator), s.triggerJob)
		jobs.POST("/:key/interrupt", keyParam, s.require(auth.RoleOperator), s.interruptJob)
	}

	invocations := v1.Group("/invocations")
	{
		invocations.GET("", s.listActive)
		invocations.GET("/recent", s.listRecent)
		invocations.POST("/:id/interrupt", idParam, s.require(auth.RoleOperator), s.interruptInvocation)
	}

	v1.GET("/schedules", s.listSchedules)

	if s.keys != nil {
		keys := v1.Group("/keys", s.require(auth.RoleAdmin))
		{
			keys.GET("", s.listKeys)
			keys.POST("", s.createKey)
			keys.DELETE("/:id", s.revokeKey)
		}
	}
}

// require enforces a role when authentication is configured.
func (s *Server) require(role auth.Role) gin.HandlerFunc {
	if !s.authOn {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.RequireRole(role)
}

// requestLogger is a middleware that logs HTTP requests.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String(middleware.ContextRequestIDKey, c.GetString(middleware.ContextRequestIDKey)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("API request", fields...)
			return
		}
		log.Debug("API request", fields...)
	}
}

// healthCheck returns server health status with dependency checks.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			healthy = false
			continue
		}
		deps[name] = "ok"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
