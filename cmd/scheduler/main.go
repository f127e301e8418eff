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
	"jobpipe/pkg/logger"
	"jobpipe/pkg/scheduler"
)

const service = "jobpipe-scheduler"

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

	core := scheduler.NewCore(scheduler.QueueDispatcher{Queue: queue}, log)
	if err := rt.Schedule(core); err != nil {
		log.Fatal("Failed to plan jobs", zap.Error(err))
	}

	server, err := rt.APIServer(service, nil, core)
	if err != nil {
		log.Fatal("Failed to build API server", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return core.Run(gctx) })
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	log.Info("Scheduler started", zap.Int("planned", len(core.Entries())))

	if err := g.Wait(); err != nil {
		log.Error("Scheduler stopped with error", zap.Error(err))
		rt.Close(context.Background())
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}
