// Package syncer claims sync jobs and drives them through the adapter and the
// ingest pipeline.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"actsync/internal/engine/credentials"
	"actsync/internal/engine/ingest"
	"actsync/internal/engine/jobs"
	"actsync/internal/engine/providers"
	"actsync/internal/engine/syncerr"
	"actsync/internal/engine/webhooks"
	"actsync/internal/pkg/metrics"
	"actsync/internal/platform/database"
	"actsync/internal/platform/models"
	"actsync/internal/platform/repositories"
)

type Options struct {
	// WorkerID prefixes the lease owner of every worker goroutine. Defaults to hostname:pid.
	WorkerID      string
	Workers       int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	JobTimeout    time.Duration
	MaxBackoff    time.Duration
}

type Orchestrator struct {
	db           *database.DB
	jobs         *repositories.SyncJobRepository
	integrations *repositories.IntegrationRepository
	events       *repositories.WebhookEventRepository
	store        *credentials.Store
	registry     *providers.Registry
	pipeline     *ingest.Pipeline
	notifier     *webhooks.Notifier
	opts         Options
	now          func() time.Time
}

func New(db *database.DB, store *credentials.Store, registry *providers.Registry, pipeline *ingest.Pipeline,
	notifier *webhooks.Notifier, opts Options) *Orchestrator {
	if opts.WorkerID == "" {
		host, _ := os.Hostname()
		opts.WorkerID = host + ":" + strconv.Itoa(os.Getpid())
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 15 * time.Minute
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 6 * time.Hour
	}
	return &Orchestrator{
		db:           db,
		jobs:         repositories.NewSyncJobRepository(db),
		integrations: repositories.NewIntegrationRepository(db),
		events:       repositories.NewWebhookEventRepository(db),
		store:        store,
		registry:     registry,
		pipeline:     pipeline,
		notifier:     notifier,
		opts:         opts,
		now:          time.Now,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.opts.Workers; i++ {
		workerID := fmt.Sprintf("%s/%d", o.opts.WorkerID, i)
		g.Go(func() error {
			return o.work(ctx, workerID)
		})
	}
	log.Info().Int("workers", o.opts.Workers).Str("worker_id", o.opts.WorkerID).Msg("sync workers started")
	return g.Wait()
}

func (o *Orchestrator) work(ctx context.Context, workerID string) error {
	for {
		ran, err := o.RunOnce(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("worker_id", workerID).Msg("claim failed")
		}
		if ran && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(o.opts.PollInterval):
		}
	}
}

// RunOnce claims and executes at most one due job. It reports whether a job ran.
func (o *Orchestrator) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := o.jobs.ClaimNext(ctx, workerID, o.now(), o.opts.LeaseDuration)
	if err != nil || job == nil {
		return false, err
	}
	o.execute(ctx, job, workerID)
	return true, nil
}

func (o *Orchestrator) execute(ctx context.Context, job *models.SyncJob, workerID string) {
	start := o.now()
	logger := log.With().Str("job_id", job.ID).Str("job_type", string(job.Type)).
		Str("integration_id", job.IntegrationID).Str("worker_id", workerID).Logger()

	jobCtx, cancel := context.WithTimeout(ctx, o.opts.JobTimeout)
	defer cancel()

	in, err := o.store.Get(jobCtx, job.IntegrationID)
	if errors.Is(err, repositories.ErrNotFound) {
		logger.Error().Msg("integration not found, dropping job")
		o.finishFailed(ctx, job, workerID, job.RetryCount, fmt.Errorf("load integration: %w", err), "unknown")
		return
	}
	if err != nil {
		// Timeouts and busy errors from the store are transient.
		o.handleFailure(ctx, job, nil, workerID, fmt.Errorf("load integration: %w", err), logger)
		return
	}
	provider := string(in.Provider)
	logger = logger.With().Str("provider", provider).Logger()
	defer func() {
		metrics.JobDuration.WithLabelValues(provider, string(job.Type)).Observe(o.now().Sub(start).Seconds())
	}()

	if !in.IsActive {
		logger.Info().Msg("integration disconnected, dropping job")
		o.finishFailed(ctx, job, workerID, job.RetryCount, errors.New("integration is disconnected"), provider)
		return
	}

	adapter, err := o.registry.Get(in.Provider)
	if err != nil {
		o.finishFailed(ctx, job, workerID, job.RetryCount, err, provider)
		return
	}

	switch job.Type {
	case models.JobFullSync, models.JobIncrementalSync:
		err = o.syncPages(jobCtx, job, in, adapter, workerID, start, logger)
	case models.JobWebhookEvent:
		err = o.processWebhookEvent(jobCtx, job, in, adapter)
	default:
		err = syncerr.Wrapf(syncerr.KindMalformed, provider, "dispatch", "unknown job type %q", job.Type)
	}

	if errors.Is(err, repositories.ErrLeaseLost) {
		logger.Warn().Msg("lease lost, another worker owns the job")
		return
	}
	if err != nil {
		o.handleFailure(ctx, job, in, workerID, err, logger)
		return
	}
	o.complete(ctx, job, workerID, provider, logger)
}

func (o *Orchestrator) syncPages(ctx context.Context, job *models.SyncJob, in *models.Integration, adapter providers.Adapter,
	workerID string, start time.Time, logger zerolog.Logger) error {
	var since *time.Time
	if job.Type == models.JobIncrementalSync && in.LastSyncAt > 0 {
		t := time.Unix(in.LastSyncAt, 0)
		since = &t
	}

	// Only the job's own checkpoint is resumed; another job's position says
	// nothing about which pages this one has ingested.
	cursor := job.Cursor
	total := 0
	for {
		token, err := o.store.EnsureFreshToken(ctx, in)
		if err != nil {
			return err
		}

		page, err := adapter.ListPage(ctx, providers.ListRequest{AccessToken: token, Cursor: cursor, Since: since, Config: in.Config})
		if err != nil {
			return err
		}

		for _, raw := range page.Items {
			rec, err := adapter.Normalize(raw)
			if err != nil {
				return err
			}
			if _, err := o.pipeline.Ingest(ctx, rec, in.UserID, in.ID); err != nil {
				return fmt.Errorf("ingest %s: %w", rec.ExternalID, err)
			}
		}
		total += len(page.Items)

		cursor = page.NextCursor
		if err := o.checkpoint(ctx, job, in.ID, cursor, workerID); err != nil {
			return err
		}
		if !page.HasMore {
			break
		}
	}

	logger.Info().Int("items", total).Msg("sync finished")
	// The cursor only resumes an interrupted run; the next one starts from last_sync_at.
	return o.integrations.MarkSynced(ctx, in.ID, "", start.Unix(), o.now().Unix())
}

// checkpoint stores the cursor of a fully ingested page on the job and extends
// the lease. The integration's sync_cursor mirrors it for status reporting.
func (o *Orchestrator) checkpoint(ctx context.Context, job *models.SyncJob, integrationID, cursor, workerID string) error {
	now := o.now()
	return o.db.InTx(ctx, func(tx database.DBTX) error {
		err := repositories.NewSyncJobRepository(tx).Checkpoint(ctx, job.ID, workerID, cursor, now.Add(o.opts.LeaseDuration).Unix(), now.Unix())
		if err != nil {
			return err
		}
		return repositories.NewIntegrationRepository(tx).UpdateCursor(ctx, integrationID, cursor, now.Unix())
	})
}

func (o *Orchestrator) processWebhookEvent(ctx context.Context, job *models.SyncJob, in *models.Integration, adapter providers.Adapter) error {
	evt, err := o.events.GetByID(ctx, job.Payload.WebhookEventID)
	if errors.Is(err, repositories.ErrNotFound) {
		return syncerr.Wrapf(syncerr.KindMalformed, string(in.Provider), "webhook_event", "event %s not found", job.Payload.WebhookEventID)
	}
	if err != nil {
		return err
	}
	if evt.Processed {
		return nil
	}

	token, err := o.store.EnsureFreshToken(ctx, in)
	if err != nil {
		return err
	}

	rec, err := adapter.NormalizeWebhook(ctx, providers.WebhookInput{
		AccessToken: token,
		EventType:   evt.EventType,
		Action:      evt.Action,
		ExternalID:  evt.ExternalID,
		Body:        evt.Payload,
	})
	if err != nil {
		return err
	}
	if rec != nil {
		if _, err := o.pipeline.Ingest(ctx, rec, in.UserID, in.ID); err != nil {
			return fmt.Errorf("ingest %s: %w", rec.ExternalID, err)
		}
	}
	return o.events.MarkProcessed(ctx, evt.ID, o.now().Unix())
}

func (o *Orchestrator) complete(ctx context.Context, job *models.SyncJob, workerID, provider string, logger zerolog.Logger) {
	now := o.now()
	next := jobs.NextOccurrence(job, now)

	err := o.db.InTx(ctx, func(tx database.DBTX) error {
		repo := repositories.NewSyncJobRepository(tx)
		if err := repo.Complete(ctx, job.ID, workerID, now.Unix()); err != nil {
			return err
		}
		if next != nil {
			if _, err := repo.EnqueueOnce(ctx, next, now.Unix()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to complete job")
		return
	}

	metrics.JobsProcessedTotal.WithLabelValues(provider, string(job.Type), string(models.JobCompleted)).Inc()
	event := logger.Info()
	if next != nil {
		event = event.Str("next_job_id", next.ID).Int64("next_scheduled_at", next.ScheduledAt)
	}
	event.Msg("job completed")
}

// handleFailure retries or fails the job. in is nil when the integration could
// not be loaded.
func (o *Orchestrator) handleFailure(ctx context.Context, job *models.SyncJob, in *models.Integration, workerID string, cause error, logger zerolog.Logger) {
	provider := "unknown"
	if in != nil {
		provider = string(in.Provider)
	}
	d := jobs.OnFailure(job, cause, o.now(), o.opts.MaxBackoff)

	if d.Status == models.JobRetrying {
		if err := o.jobs.Retry(ctx, job.ID, workerID, d.RetryCount, d.ScheduledAt.Unix(), d.Error, o.now().Unix()); err != nil {
			logger.Error().Err(err).Msg("failed to schedule retry")
			return
		}
		metrics.JobsProcessedTotal.WithLabelValues(provider, string(job.Type), string(models.JobRetrying)).Inc()
		logger.Warn().Err(cause).Str("kind", syncerr.KindOf(cause).String()).Int("retry_count", d.RetryCount).
			Time("scheduled_at", d.ScheduledAt).Msg("job failed, retrying")
		return
	}

	if !o.finishFailed(ctx, job, workerID, d.RetryCount, cause, provider) || in == nil {
		return
	}
	if job.Type != models.JobWebhookEvent {
		// A failed run does not leave a half-walked cursor for the next one.
		if err := o.integrations.UpdateCursor(ctx, in.ID, "", o.now().Unix()); err != nil {
			logger.Error().Err(err).Msg("failed to reset cursor")
		}
	}

	event := webhooks.EventSyncFailed
	if syncerr.IsFatal(cause) {
		event = webhooks.EventNeedsReauth
		if err := o.store.MarkNeedsReauth(ctx, in.ID, cause.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to flag integration for re-authorization")
		}
	}
	err := o.notifier.Notify(ctx, event, in.UserID, map[string]interface{}{
		"integration_id": in.ID,
		"provider":       provider,
		"job_id":         job.ID,
		"error":          cause.Error(),
	})
	if err != nil {
		logger.Warn().Err(err).Str("event", event).Msg("notification failed")
	}
}

func (o *Orchestrator) finishFailed(ctx context.Context, job *models.SyncJob, workerID string, retryCount int, cause error, provider string) bool {
	if err := o.jobs.Fail(ctx, job.ID, workerID, retryCount, cause.Error(), o.now().Unix()); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failed to mark job failed")
		return false
	}
	metrics.JobsProcessedTotal.WithLabelValues(provider, string(job.Type), string(models.JobFailed)).Inc()
	log.Warn().Err(cause).Str("job_id", job.ID).Str("provider", provider).Str("kind", syncerr.KindOf(cause).String()).
		Int("retry_count", retryCount).Msg("job failed")
	return true
}
