package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"actsync/internal/api"
	"actsync/internal/api/handlers"
	"actsync/internal/api/middleware"
	"actsync/internal/app"
	"actsync/internal/engine/webhooks"
	"actsync/internal/pkg/logger"
	"actsync/internal/pkg/metrics"
	"actsync/internal/platform/config"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	// .env is optional
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

	receiver := webhooks.NewReceiver(a.DB, a.Registry, webhooks.Options{
		Secrets:      app.WebhookSecrets(cfg),
		ReplayWindow: cfg.Webhooks.ReplayWindow,
		MaxRetries:   cfg.Sync.MaxRetries,
	})

	rateLimiter := middleware.NewRateLimiter(map[string]int{
		middleware.ClassWebhook:  cfg.RateLimit.WebhookPerMinute,
		middleware.ClassAPIRead:  cfg.RateLimit.APIReadPerMinute,
		middleware.ClassAPIWrite: cfg.RateLimit.APIWritePerMinute,
	})

	router := api.NewRouter(&api.Dependencies{
		WebhookHandler:     handlers.NewWebhookHandler(receiver, cfg.Webhooks.MaxBodyBytes),
		IntegrationHandler: handlers.NewIntegrationHandler(a.Store, a.Registry, a.Tokens, a.Scheduler, a.Integrations, a.Jobs),
		HealthHandler:      handlers.NewHealthHandler(a.DB),
		MetricsHandler:     handlers.NewMetricsHandler(),
		AuthMiddleware:     middleware.NewAuthMiddleware(a.Tokens),
		RateLimiter:        rateLimiter,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rateLimiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Server stopped")
}
