// Package app wires the components shared by the server and worker binaries.
package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"actsync/internal/engine/credentials"
	"actsync/internal/engine/ingest"
	"actsync/internal/engine/insights"
	"actsync/internal/engine/providers"
	"actsync/internal/engine/providers/fireflies"
	"actsync/internal/engine/providers/gdocs"
	"actsync/internal/engine/providers/linear"
	"actsync/internal/engine/providers/slack"
	"actsync/internal/engine/webhooks"
	"actsync/internal/platform/auth"
	"actsync/internal/platform/config"
	"actsync/internal/platform/database"
	"actsync/internal/platform/models"
	"actsync/internal/platform/repositories"
	"actsync/internal/workers"
)

type App struct {
	Config       *config.Config
	DB           *database.DB
	Integrations *repositories.IntegrationRepository
	Jobs         *repositories.SyncJobRepository
	Store        *credentials.Store
	Registry     *providers.Registry
	Pipeline     *ingest.Pipeline
	Notifier     *webhooks.Notifier
	Scheduler    *workers.Scheduler
	Tokens       *auth.TokenService
}

// New opens the database, applies migrations when enabled and builds the engine.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	cipher, err := auth.NewTokenCipher(cfg.Security.TokenEncryptionKey)
	if err != nil {
		db.Close()
		return nil, err
	}
	if cipher == nil {
		log.Warn().Msg("security.token_encryption_key is empty; provider tokens are stored unsealed")
	}

	httpClient := &http.Client{Timeout: cfg.Sync.HTTPTimeout}
	integrations := repositories.NewIntegrationRepository(db)

	store := credentials.NewStore(integrations, credentials.Options{
		OAuth:         credentials.OAuthConfigs(cfg.Providers),
		APIKeys:       credentials.APIKeys(cfg.Providers),
		Cipher:        cipher,
		RefreshMargin: cfg.Sync.RefreshMargin,
		HTTPClient:    httpClient,
	})

	registry := NewRegistry(cfg, httpClient)

	var summarizer ingest.Summarizer
	var tagger ingest.Tagger
	client, err := insights.New(cfg.Insights, nil)
	switch {
	case err == nil:
		summarizer, tagger = client, client
	case errors.Is(err, insights.ErrNotConfigured):
		log.Info().Msg("insights.base_url not set; ingesting without summaries or model tags")
	default:
		db.Close()
		return nil, err
	}

	return &App{
		Config:       cfg,
		DB:           db,
		Integrations: integrations,
		Jobs:         repositories.NewSyncJobRepository(db),
		Store:        store,
		Registry:     registry,
		Pipeline:     ingest.NewPipeline(repositories.NewActivityRepository(db), summarizer, tagger, cfg.Pipeline.SummaryThreshold),
		Notifier:     webhooks.NewNotifier(cfg.Webhooks.NotifyURL, cfg.Webhooks.NotifySecret, httpClient),
		Scheduler: workers.NewScheduler(db, workers.Options{
			RecurringInterval: cfg.Sync.RecurringInterval,
			MaxRetries:        cfg.Sync.MaxRetries,
			Retention:         cfg.Webhooks.Retention,
		}),
		Tokens: auth.NewTokenService(cfg.JWT),
	}, nil
}

// NewRegistry builds one adapter per supported provider.
func NewRegistry(cfg *config.Config, httpClient *http.Client) *providers.Registry {
	ff := cfg.Provider(string(models.ProviderFireflies))
	lin := cfg.Provider(string(models.ProviderLinear))
	sl := cfg.Provider(string(models.ProviderSlack))
	gd := cfg.Provider(string(models.ProviderGoogleDocs))

	return providers.NewRegistry(
		fireflies.New(ff.BaseURL, ff.MinRequestInterval, httpClient),
		linear.New(lin.BaseURL, lin.MinRequestInterval, httpClient),
		slack.New(sl.BaseURL, sl.MinRequestInterval, httpClient),
		gdocs.New(gd.BaseURL, gd.MinRequestInterval, httpClient),
	)
}

// WebhookSecrets returns the configured signing secret per provider.
func WebhookSecrets(cfg *config.Config) map[models.Provider]string {
	out := make(map[models.Provider]string)
	for _, p := range models.AllProviders {
		if secret := cfg.Provider(string(p)).WebhookSecret; secret != "" {
			out[p] = secret
		}
	}
	return out
}

func (a *App) Close() error {
	return a.DB.Close()
}
