package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"actsync/internal/platform/database"
	"actsync/internal/platform/models"
)

type WebhookEventRepository struct {
	db database.DBTX
}

func NewWebhookEventRepository(db database.DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Insert records a delivery. It returns false without error when the
// (provider, delivery_id) pair was already recorded.
func (r *WebhookEventRepository) Insert(ctx context.Context, evt *models.WebhookEvent, now int64) (bool, error) {
	if evt.ID == "" {
		evt.ID = "whe_" + uuid.New().String()
	}
	evt.ReceivedAt = now

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, provider, integration_id, event_type, action, external_id, delivery_id, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, delivery_id) DO NOTHING
	`, evt.ID, string(evt.Provider), evt.IntegrationID, evt.EventType, evt.Action, evt.ExternalID, evt.DeliveryID, string(evt.Payload), now)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *WebhookEventRepository) GetByID(ctx context.Context, id string) (*models.WebhookEvent, error) {
	var evt models.WebhookEvent
	var provider, payload string
	var processedAt sql.NullInt64

	err := r.db.QueryRowContext(ctx, `
		SELECT id, provider, integration_id, event_type, action, external_id, delivery_id, payload, processed, processed_at, received_at
		FROM webhook_events WHERE id = ?
	`, id).Scan(&evt.ID, &provider, &evt.IntegrationID, &evt.EventType, &evt.Action, &evt.ExternalID, &evt.DeliveryID, &payload,
		&evt.Processed, &processedAt, &evt.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	evt.Provider = models.Provider(provider)
	evt.Payload = []byte(payload)
	if processedAt.Valid {
		evt.ProcessedAt = processedAt.Int64
	}
	return &evt, nil
}

func (r *WebhookEventRepository) CountByDelivery(ctx context.Context, provider models.Provider, deliveryID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_events WHERE provider = ? AND delivery_id = ?`,
		string(provider), deliveryID).Scan(&count)
	return count, err
}

func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, id string, now int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE webhook_events SET processed = TRUE, processed_at = ? WHERE id = ?`, now, id)
	return err
}

// DeleteProcessedBefore prunes audit rows that were processed before cutoff.
func (r *WebhookEventRepository) DeleteProcessedBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE processed = TRUE AND processed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
