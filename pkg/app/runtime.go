// Package app wires configuration, stores and the pipeline into the
// runtime shared by the jobpipe binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	config "jobpipe/configs"
	"jobpipe/pkg/api"
	"jobpipe/pkg/api/middleware"
	"jobpipe/pkg/auth"
	"jobpipe/pkg/executor"
	"jobpipe/pkg/gate"
	"jobpipe/pkg/interceptor"
	"jobpipe/pkg/jobs"
	"jobpipe/pkg/logger"
	"jobpipe/pkg/monitor"
	tracing "jobpipe/pkg/observability"
	"jobpipe/pkg/pipeline"
	"jobpipe/pkg/resilience"
	"jobpipe/pkg/scheduler"
	"jobpipe/pkg/storage"
	"jobpipe/pkg/storage/etcd"
	"jobpipe/pkg/storage/memory"
	"jobpipe/pkg/storage/postgres"
	"jobpipe/pkg/storage/redis"
)

// Runtime holds everything a binary needs after startup.
type Runtime struct {
	Config   *config.Config
	Log      *zap.Logger
	Tracing  *tracing.Provider
	Stores   *Stores
	Catalog  *pipeline.Catalog
	Pipeline *pipeline.Pipeline
	Monitors *monitor.Registry
	Jobs     []*pipeline.Definition
}

// Open initializes logging, tracing and stores, then registers the jobs
// declared in the job file.
func Open(ctx context.Context, cfg *config.Config, service string) (*Runtime, error) {
	logCfg := logger.DefaultConfig(service)
	logCfg.Level = cfg.LogLevel
	logCfg.Encoding = cfg.LogEncoding
	log, err := logger.Init(logCfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	traceCfg := tracing.DefaultConfig(service)
	traceCfg.Enabled = cfg.TracingEnabled
	traceCfg.Endpoint = cfg.TracingEndpoint
	traceCfg.SamplingRate = cfg.SamplingRate
	provider, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	rt := &Runtime{Config: cfg, Log: log, Tracing: provider}

	rt.Stores, err = OpenStores(ctx, cfg, log)
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}

	if err := rt.buildPipeline(); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) buildPipeline() error {
	cfg := rt.Config

	policy, err := pipeline.ParseHookPolicy(cfg.HookPolicy)
	if err != nil {
		return err
	}
	gateCfg, err := GateConfig(cfg, rt.Log)
	if err != nil {
		return err
	}

	monCfg := monitor.DefaultConfig()
	monCfg.SampleInterval = cfg.SampleInterval
	monCfg.JoinTimeout = cfg.SamplerJoinTimeout
	rt.Monitors = monitor.NewRegistry(monCfg, rt.Log)

	stack := pipeline.Stack{
		Monitors:         rt.Monitors,
		Resources:        rt.Stores.Resources,
		Archive:          rt.Stores.Archive,
		ArchiveThreshold: cfg.ArchiveThreshold,
		Success:          rt.Stores.Runs,
		Runs:             rt.Stores.Runs,
		Gate:             gateCfg,
		Log:              rt.Log,
	}

	registry := interceptor.NewRegistry(rt.Log)
	rt.Catalog = pipeline.NewCatalog(registry, rt.Log)
	rt.Pipeline = pipeline.New(registry,
		pipeline.WithHookPolicy(policy),
		pipeline.WithTracer(rt.Tracing.Tracer()),
		pipeline.WithLogger(rt.Log),
	)

	if cfg.JobsFile == "" {
		rt.Log.Warn("No job file configured; catalog is empty")
		return nil
	}
	file, err := config.LoadJobFile(cfg.JobsFile)
	if err != nil {
		return err
	}
	rt.Jobs, err = jobs.RegisterFile(rt.Catalog, file, stack)
	if err != nil {
		return fmt.Errorf("register jobs: %w", err)
	}
	rt.Log.Info("Job catalog loaded",
		zap.String("file", cfg.JobsFile),
		zap.Int("jobs", len(rt.Jobs)))
	return nil
}

// GateConfig maps the gate settings of cfg.
func GateConfig(cfg *config.Config, log *zap.Logger) (gate.Config, error) {
	self, err := gate.ParseMissingPolicy(cfg.GateSelf)
	if err != nil {
		return gate.Config{}, err
	}
	deps, err := gate.ParseMissingPolicy(cfg.GateDependencies)
	if err != nil {
		return gate.Config{}, err
	}
	gc := gate.Config{Self: self, Dependencies: deps, SkipSelf: cfg.GateSkipSelf}
	if cfg.GateBreaker {
		gc.Breaker = gate.NewBreaker(resilience.DefaultCircuitBreakerConfig(), log)
	}
	return gc, nil
}

// Schedule plans every registered job that declares a schedule.
func (rt *Runtime) Schedule(core *scheduler.Core) error {
	var errs []error
	for _, def := range rt.Catalog.List() {
		if def.Schedule.IsZero() {
			continue
		}
		if err := core.Schedule(def.Descriptor, def.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", def.Key(), err))
		}
	}
	return errors.Join(errs...)
}

// APIServer builds the admin server. exec and sched may be nil.
func (rt *Runtime) APIServer(service string, exec *executor.Executor, sched *scheduler.Core) (*api.Server, error) {
	cfg := rt.Config
	authCfg := middleware.AuthConfig{}
	if cfg.JWTSecret != "" {
		jwtCfg := auth.DefaultJWTConfig()
		jwtCfg.SecretKey = cfg.JWTSecret
		svc, err := auth.NewJWTService(jwtCfg)
		if err != nil {
			return nil, err
		}
		authCfg.JWTService = svc
		if rt.Stores.Redis != nil {
			authCfg.APIKeyStore = auth.NewRedisAPIKeyStore(rt.Stores.Redis)
		}
	}

	limit := middleware.DefaultRateLimiterConfig()
	limit.RequestsPerSecond = float64(cfg.RateLimitRPS)
	limit.BurstSize = cfg.RateLimitBurst

	return api.NewServer(api.Config{
		Port:         cfg.APIPort,
		ServiceName:  service,
		Catalog:      rt.Catalog,
		Executor:     exec,
		Scheduler:    sched,
		Resources:    rt.Stores.Resources,
		Runs:         rt.Stores.Runs,
		Archive:      rt.Stores.Archive,
		Auth:         authCfg,
		RateLimit:    limit,
		HealthChecks: rt.Stores.Checks,
		Logger:       rt.Log.Named("api"),
	}), nil
}

// Close releases stores and flushes telemetry.
func (rt *Runtime) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if rt.Stores != nil {
		rt.Stores.Close()
	}
	if err := rt.Tracing.Shutdown(ctx); err != nil {
		rt.Log.Warn("Tracing shutdown failed", zap.Error(err))
	}
	_ = logger.Sync()
}

// Stores are the backends selected by configuration.
type Stores struct {
	Resources storage.ResourceStore
	Runs      storage.RunStore
	Archive   storage.SampleArchive
	Redis     *goredis.Client
	Checks    map[string]api.HealthCheck

	closers []func() error
	log     *zap.Logger
}

// OpenStores connects the run store, resource store and sample archive
// named by cfg. One postgres connection serves both stores when both
// select it.
func OpenStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Stores, error) {
	s := &Stores{Checks: make(map[string]api.HealthCheck), log: logger.OrNop(log)}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()
	var err error

	var pg *postgres.PostgresStore
	openPostgres := func() (*postgres.PostgresStore, error) {
		if pg != nil {
			return pg, nil
		}
		store, err := postgres.NewPostgresStore(cfg.PostgresDSN())
		if err != nil {
			return nil, err
		}
		pg = store
		s.closers = append(s.closers, store.Close)
		s.Checks["postgres"] = store.Ping
		s.log.Info("Postgres connected", zap.String("host", cfg.DBHost))
		return store, nil
	}

	var mem *memory.Store
	openMemory := func() *memory.Store {
		if mem == nil {
			mem = memory.NewStore()
		}
		return mem
	}

	switch cfg.RunStore {
	case "postgres":
		if s.Runs, err = openPostgres(); err != nil {
			return nil, err
		}
	case "redis":
		if _, err = s.redis(cfg); err != nil {
			return nil, err
		}
		s.Runs = redis.NewRunStore(s.Redis)
	case "etcd":
		store, err := etcd.NewRunStore(cfg.EtcdEndpoints, 5*time.Second)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		s.Checks["etcd"] = store.Ping
		s.Runs = store
		s.log.Info("Etcd connected", zap.Strings("endpoints", cfg.EtcdEndpoints))
	case "memory":
		s.Runs = openMemory()
	default:
		return nil, fmt.Errorf("unknown run store %q", cfg.RunStore)
	}

	switch cfg.ResourceStore {
	case "postgres":
		if s.Resources, err = openPostgres(); err != nil {
			return nil, err
		}
	case "memory":
		s.Resources = openMemory()
	case "none", "":
	default:
		return nil, fmt.Errorf("unknown resource store %q", cfg.ResourceStore)
	}

	switch {
	case cfg.S3Bucket != "":
		s.Archive, err = storage.NewS3Archive(ctx, storage.S3ArchiveConfig{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			LocalCacheDir:   cfg.ArchiveDir,
		})
		if err != nil {
			return nil, err
		}
	case cfg.ArchiveDir != "":
		if s.Archive, err = storage.NewLocalArchive(cfg.ArchiveDir); err != nil {
			return nil, err
		}
	}
	ok = true
	return s, nil
}

// redis opens the shared redis client on first use.
func (s *Stores) redis(cfg *config.Config) (*goredis.Client, error) {
	if s.Redis != nil {
		return s.Redis, nil
	}
	rc := redis.DefaultRedisQueueConfig(cfg.RedisAddr())
	rc.Password = cfg.RedisPassword
	client, err := redis.NewClient(rc)
	if err != nil {
		return nil, err
	}
	s.Redis = client
	s.closers = append(s.closers, client.Close)
	s.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	s.log.Info("Redis connected", zap.String("addr", rc.Addr))
	return client, nil
}

// Queue returns the trigger stream on the shared redis client.
func (s *Stores) Queue(cfg *config.Config) (storage.TriggerQueue, error) {
	client, err := s.redis(cfg)
	if err != nil {
		return nil, err
	}
	return redis.NewQueueFromClient(client, "", 0), nil
}

// Close closes every opened backend in reverse order.
func (s *Stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn("Store close failed", zap.Error(err))
		}
	}
	s.closers = nil
}
