// Package workers holds the periodic maintenance tasks and the helpers that
// put sync jobs on the queue outside the orchestrator.
package workers

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"actsync/internal/engine/jobs"
	"actsync/internal/platform/database"
	"actsync/internal/platform/models"
	"actsync/internal/platform/repositories"
)

// ErrAlreadyQueued is returned when a sync of the same type is still open.
var ErrAlreadyQueued = errors.New("sync already queued")

type Options struct {
	RecurringInterval time.Duration
	MaxRetries        int
	Retention         time.Duration
}

type Scheduler struct {
	db           *database.DB
	integrations *repositories.IntegrationRepository
	events       *repositories.WebhookEventRepository
	opts         Options
	now          func() time.Time
}

func NewScheduler(db *database.DB, opts Options) *Scheduler {
	if opts.RecurringInterval <= 0 {
		opts.RecurringInterval = time.Hour
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	return &Scheduler{
		db:           db,
		integrations: repositories.NewIntegrationRepository(db),
		events:       repositories.NewWebhookEventRepository(db),
		opts:         opts,
		now:          time.Now,
	}
}

// ScheduleConnected queues the initial full sync for a newly connected
// integration and starts its recurring incremental chain.
func (s *Scheduler) ScheduleConnected(ctx context.Context, integrationID string) error {
	now := s.now()
	return s.db.InTx(ctx, func(tx database.DBTX) error {
		repo := repositories.NewSyncJobRepository(tx)

		full := &models.SyncJob{
			IntegrationID: integrationID,
			Type:          models.JobFullSync,
			MaxRetries:    s.opts.MaxRetries,
			Payload:       models.JobPayload{Trigger: "connect"},
		}
		if _, err := repo.EnqueueOnce(ctx, full, now.Unix()); err != nil {
			return err
		}
		_, err := s.ensureRecurring(ctx, repo, integrationID, now)
		return err
	})
}

// EnqueueManual queues a user requested full sync.
func (s *Scheduler) EnqueueManual(ctx context.Context, integrationID string) (*models.SyncJob, error) {
	job := &models.SyncJob{
		IntegrationID: integrationID,
		Type:          models.JobFullSync,
		MaxRetries:    s.opts.MaxRetries,
		Payload:       models.JobPayload{Trigger: "manual"},
	}
	added, err := repositories.NewSyncJobRepository(s.db).EnqueueOnce(ctx, job, s.now().Unix())
	if err != nil {
		return nil, err
	}
	if !added {
		return nil, ErrAlreadyQueued
	}
	return job, nil
}

// ScheduleRecurringSyncs restarts the incremental chain for every schedulable
// integration that has none open, e.g. after a reconnect or a failed run.
// Every worker process runs it; the open job index keeps one chain per integration.
func (s *Scheduler) ScheduleRecurringSyncs(ctx context.Context) (int, error) {
	integrations, err := s.integrations.ListSchedulable(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	repo := repositories.NewSyncJobRepository(s.db)
	scheduled := 0
	for _, in := range integrations {
		added, err := s.ensureRecurring(ctx, repo, in.ID, now)
		if err != nil {
			log.Error().Err(err).Str("integration_id", in.ID).Msg("Failed to schedule recurring sync")
			continue
		}
		if added {
			scheduled++
		}
	}
	return scheduled, nil
}

func (s *Scheduler) ensureRecurring(ctx context.Context, repo *repositories.SyncJobRepository, integrationID string, now time.Time) (bool, error) {
	job := jobs.Recurring(integrationID, s.opts.RecurringInterval, s.opts.MaxRetries, now.Add(s.opts.RecurringInterval))
	return repo.EnqueueOnce(ctx, job, now.Unix())
}

// PruneWebhookEvents deletes processed deliveries older than the retention.
func (s *Scheduler) PruneWebhookEvents(ctx context.Context) (int64, error) {
	return s.events.DeleteProcessedBefore(ctx, s.now().Add(-s.opts.Retention).Unix())
}

// Run executes the maintenance tasks every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if n, err := s.ScheduleRecurringSyncs(ctx); err != nil {
		log.Error().Err(err).Msg("Worker: recurring sync scheduling failed")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("Worker: scheduled recurring syncs")
	}

	if n, err := s.PruneWebhookEvents(ctx); err != nil {
		log.Error().Err(err).Msg("Worker: webhook event pruning failed")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("Worker: pruned processed webhook events")
	}
}
