package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"actsync/internal/engine/providers"
	"actsync/internal/pkg/metrics"
	"actsync/internal/platform/database"
	"actsync/internal/platform/models"
	"actsync/internal/platform/repositories"
)

const defaultReplayWindow = 60 * time.Second

// Result describes how a delivery was handled. Accepted deliveries are always
// deferred to a webhook_event job, so Processed is false.
type Result struct {
	Processed bool
	Duplicate bool
	Ignored   bool
	Challenge string
	EventID   string
	JobID     string
	Message   string
}

type Options struct {
	Secrets      map[models.Provider]string
	ReplayWindow time.Duration
	MaxRetries   int
}

// Receiver authenticates inbound deliveries, records them once and queues them.
type Receiver struct {
	db           *database.DB
	registry     *providers.Registry
	integrations *repositories.IntegrationRepository
	secrets      map[models.Provider]string
	replayWindow time.Duration
	maxRetries   int
	now          func() time.Time
}

func NewReceiver(db *database.DB, registry *providers.Registry, opts Options) *Receiver {
	window := opts.ReplayWindow
	if window <= 0 {
		window = defaultReplayWindow
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Receiver{
		db:           db,
		registry:     registry,
		integrations: repositories.NewIntegrationRepository(db),
		secrets:      opts.Secrets,
		replayWindow: window,
		maxRetries:   maxRetries,
		now:          time.Now,
	}
}

// Receive runs verification, the replay check and dedup for one delivery.
// integrationHint is an optional integration id supplied by the caller.
func (r *Receiver) Receive(ctx context.Context, provider models.Provider, header http.Header, body []byte, integrationHint string) (*Result, error) {
	adapter, err := r.registry.Get(provider)
	if err != nil {
		return nil, err
	}

	if err := adapter.VerifyWebhook(header, body, r.secrets[provider]); err != nil {
		metrics.WebhooksReceivedTotal.WithLabelValues(string(provider), "signature_invalid").Inc()
		return nil, ErrSignatureInvalid
	}

	d, err := adapter.DescribeWebhook(header, body)
	if err != nil {
		metrics.WebhooksReceivedTotal.WithLabelValues(string(provider), "malformed").Inc()
		return nil, err
	}

	now := r.now()
	if !d.SentAt.IsZero() {
		age := now.Sub(d.SentAt)
		if age > r.replayWindow || age < -r.replayWindow {
			metrics.WebhooksReceivedTotal.WithLabelValues(string(provider), "replay_too_old").Inc()
			return nil, ErrReplayTooOld
		}
	}

	if d.Challenge != "" {
		return &Result{Challenge: d.Challenge, Message: "challenge"}, nil
	}
	if d.Ignore {
		metrics.WebhooksReceivedTotal.WithLabelValues(string(provider), "ignored").Inc()
		return &Result{Ignored: true, Message: "ignored"}, nil
	}

	integration, err := r.resolve(ctx, provider, d, integrationHint)
	if errors.Is(err, repositories.ErrNotFound) {
		log.Warn().Str("provider", string(provider)).Str("team_id", d.TeamID).Str("delivery_id", d.ID).
			Msg("webhook for unknown integration")
		metrics.WebhooksReceivedTotal.WithLabelValues(string(provider), "unmatched").Inc()
		return &Result{Ignored: true, Message: "no matching integration"}, nil
	}
	if err != nil {
		return nil, err
	}

	payload := json.RawMessage(body)
	if !json.Valid(body) {
		payload = json.RawMessage(`{}`)
	}
	evt := &models.WebhookEvent{
		Provider:      provider,
		IntegrationID: integration.ID,
		EventType:     d.EventType,
		Action:        d.Action,
		ExternalID:    d.ExternalID,
		DeliveryID:    d.ID,
		Payload:       payload,
	}

	result := &Result{}
	err = r.db.InTx(ctx, func(tx database.DBTX) error {
		inserted, err := repositories.NewWebhookEventRepository(tx).Insert(ctx, evt, now.Unix())
		if err != nil {
			return err
		}
		if !inserted {
			result.Duplicate = true
			result.Message = "duplicate delivery"
			return nil
		}

		job := &models.SyncJob{
			IntegrationID: integration.ID,
			Type:          models.JobWebhookEvent,
			Payload:       models.JobPayload{WebhookEventID: evt.ID, Trigger: "webhook"},
			MaxRetries:    r.maxRetries,
		}
		if err := repositories.NewSyncJobRepository(tx).Enqueue(ctx, job, now.Unix()); err != nil {
			return err
		}
		result.EventID = evt.ID
		result.JobID = job.ID
		result.Message = "queued"
		return nil
	})
	if err != nil {
		return nil, err
	}

	outcome := "queued"
	if result.Duplicate {
		outcome = "duplicate"
	}
	metrics.WebhooksReceivedTotal.WithLabelValues(string(provider), outcome).Inc()
	log.Info().Str("provider", string(provider)).Str("integration_id", integration.ID).Str("delivery_id", d.ID).
		Str("event_type", d.EventType).Str("outcome", outcome).Msg("webhook received")
	return result, nil
}

func (r *Receiver) resolve(ctx context.Context, provider models.Provider, d *providers.Delivery, hint string) (*models.Integration, error) {
	for _, id := range []string{d.IntegrationID, hint} {
		if id == "" {
			continue
		}
		in, err := r.integrations.GetByID(ctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if in.Provider == provider && in.IsActive {
			return in, nil
		}
	}
	if d.TeamID == "" {
		return nil, repositories.ErrNotFound
	}
	return r.integrations.FindActiveByTeam(ctx, provider, d.TeamID)
}
