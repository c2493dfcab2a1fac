package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"actsync/internal/platform/database"
	"actsync/internal/platform/models"
)

type ActivityRepository struct {
	db database.DBTX
}

func NewActivityRepository(db database.DBTX) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Insert writes the activity unless (user, source, external id) already exists,
// in which case it reports false and no error.
func (r *ActivityRepository) Insert(ctx context.Context, a *models.Activity) (bool, error) {
	if a.ID == "" {
		a.ID = "act_" + uuid.New().String()
	}

	metadataJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return false, err
	}
	if a.Metadata == nil {
		metadataJSON = []byte("{}")
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
	tagsJSON, err := json.Marshal(a.Tags)
	if err != nil {
		return false, err
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO activities (id, user_id, integration_id, source, external_id, record_type, content, summarized,
			source_url, source_name, author, channel, metadata, tags, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, source, external_id) DO NOTHING
	`, a.ID, a.UserID, a.IntegrationID, string(a.Source), a.ExternalID, a.RecordType, a.Content, a.Summarized,
		a.SourceURL, a.SourceName, a.Author, a.Channel, string(metadataJSON), string(tagsJSON), a.OccurredAt, a.CreatedAt)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *ActivityRepository) GetByExternalID(ctx context.Context, userID string, source models.Provider, externalID string) (*models.Activity, error) {
	var a models.Activity
	var src, metadataStr, tagsStr string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, integration_id, source, external_id, record_type, content, summarized,
			source_url, source_name, author, channel, metadata, tags, occurred_at, created_at
		FROM activities WHERE user_id = ? AND source = ? AND external_id = ?
	`, userID, string(source), externalID).Scan(&a.ID, &a.UserID, &a.IntegrationID, &src, &a.ExternalID, &a.RecordType, &a.Content,
		&a.Summarized, &a.SourceURL, &a.SourceName, &a.Author, &a.Channel, &metadataStr, &tagsStr, &a.OccurredAt, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Source = models.Provider(src)
	if err := json.Unmarshal([]byte(metadataStr), &a.Metadata); err != nil {
		return nil, fmt.Errorf("activity %s: decode metadata: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(tagsStr), &a.Tags); err != nil {
		return nil, fmt.Errorf("activity %s: decode tags: %w", a.ID, err)
	}
	return &a, nil
}

func (r *ActivityRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities WHERE user_id = ?`, userID).Scan(&count)
	return count, err
}
