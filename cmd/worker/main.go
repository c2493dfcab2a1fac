package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"actsync/internal/app"
	"actsync/internal/engine/syncer"
	"actsync/internal/pkg/logger"
	"actsync/internal/pkg/metrics"
	"actsync/internal/platform/config"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	metricsAddr := flag.String("metrics-addr", "", "Optional address to expose /metrics on")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger.Init(cfg.Logging)
	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	orchestrator := syncer.New(a.DB, a.Store, a.Registry, a.Pipeline, a.Notifier, syncer.Options{
		Workers:       cfg.Sync.Workers,
		PollInterval:  cfg.Sync.PollInterval,
		LeaseDuration: cfg.Sync.LeaseDuration,
		JobTimeout:    cfg.Sync.JobTimeout,
		MaxBackoff:    cfg.Sync.MaxBackoff,
	})

	log.Info().Int("workers", cfg.Sync.Workers).Msg("Starting sync workers")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orchestrator.Run(gctx)
	})
	g.Go(func() error {
		return a.Scheduler.Run(gctx, cfg.Sync.ScheduleInterval)
	})
	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler()}
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Worker failed")
	}
	log.Info().Msg("Workers stopped")
}
