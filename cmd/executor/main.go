package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	config "jobpipe/configs"
	"jobpipe/pkg/app"
	"jobpipe/pkg/executor"
	"jobpipe/pkg/logger"
)

const service = "jobpipe-executor"

func main() {
	cfg := config.LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, service)
	if err != nil {
		logger.Get().Fatal("Startup failed", zap.Error(err))
	}
	defer rt.Close(context.Background())
	log := rt.Log

	queue, err := rt.Stores.Queue(cfg)
	if err != nil {
		log.Fatal("Failed to open trigger queue", zap.Error(err))
	}

	exec := executor.NewExecutor(executor.Config{
		Concurrency: cfg.ExecutorConcurrency,
		Group:       cfg.ExecutorGroup,
	}, rt.Catalog, rt.Pipeline, queue, log)

	server, err := rt.APIServer(service, exec, nil)
	if err != nil {
		log.Fatal("Failed to build API server", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return exec.Start(gctx) })
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Info("Executor started",
		zap.String("executor_id", exec.ID),
		zap.Int("jobs", len(rt.Jobs)))

	if err := g.Wait(); err != nil {
		log.Error("Executor stopped with error", zap.Error(err))
		rt.Close(context.Background())
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}
