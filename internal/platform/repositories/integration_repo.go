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

var ErrNotFound = errors.New("not found")

const integrationColumns = `id, user_id, service, is_active, needs_reauth, access_token, refresh_token, token_expires_at,
	team_id, team_name, user_email, scopes, last_sync_at, sync_cursor, config, last_error, created_at, updated_at`

type IntegrationRepository struct {
	db database.DBTX
}

func NewIntegrationRepository(db database.DBTX) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntegration(row rowScanner) (*models.Integration, error) {
	var i models.Integration
	var service, scopesStr, configStr string

	err := row.Scan(&i.ID, &i.UserID, &service, &i.IsActive, &i.NeedsReauth, &i.AccessToken, &i.RefreshToken, &i.TokenExpiresAt,
		&i.TeamID, &i.TeamName, &i.UserEmail, &scopesStr, &i.LastSyncAt, &i.SyncCursor, &configStr, &i.LastError, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}

	i.Provider = models.Provider(service)
	if err := json.Unmarshal([]byte(scopesStr), &i.Scopes); err != nil {
		return nil, fmt.Errorf("integration %s: decode scopes: %w", i.ID, err)
	}
	if err := json.Unmarshal([]byte(configStr), &i.Config); err != nil {
		return nil, fmt.Errorf("integration %s: decode config: %w", i.ID, err)
	}
	return &i, nil
}

// Upsert creates the integration or reactivates the existing row for the same
// (user, service, team). An empty refresh token keeps the stored one.
func (r *IntegrationRepository) Upsert(ctx context.Context, in *models.Integration, now int64) (string, error) {
	scopesJSON, err := json.Marshal(in.Scopes)
	if err != nil {
		return "", err
	}
	configJSON, err := json.Marshal(in.Config)
	if err != nil {
		return "", err
	}
	if in.Config == nil {
		configJSON = []byte("{}")
	}

	query := `
		INSERT INTO integrations (id, user_id, service, is_active, needs_reauth, access_token, refresh_token, token_expires_at,
			team_id, team_name, user_email, scopes, config, created_at, updated_at)
		VALUES (?, ?, ?, TRUE, FALSE, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, service, team_id) DO UPDATE SET
			is_active = TRUE,
			needs_reauth = FALSE,
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token = '' THEN integrations.refresh_token ELSE excluded.refresh_token END,
			token_expires_at = excluded.token_expires_at,
			team_name = excluded.team_name,
			user_email = excluded.user_email,
			scopes = excluded.scopes,
			last_error = '',
			updated_at = excluded.updated_at
		RETURNING id
	`
	var id string
	err = r.db.QueryRowContext(ctx, query, "int_"+uuid.New().String(), in.UserID, string(in.Provider), in.AccessToken, in.RefreshToken,
		in.TokenExpiresAt, in.TeamID, in.TeamName, in.UserEmail, string(scopesJSON), string(configJSON), now, now).Scan(&id)
	return id, err
}

func (r *IntegrationRepository) GetByID(ctx context.Context, id string) (*models.Integration, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE id = ?`, id)
	i, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return i, err
}

// FindActiveByTeam resolves the integration a provider-initiated webhook belongs to.
func (r *IntegrationRepository) FindActiveByTeam(ctx context.Context, provider models.Provider, teamID string) (*models.Integration, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+integrationColumns+` FROM integrations
		WHERE service = ? AND team_id = ? AND is_active = TRUE
		ORDER BY updated_at DESC LIMIT 1
	`, string(provider), teamID)
	i, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return i, err
}

func (r *IntegrationRepository) ListByUser(ctx context.Context, userID string) ([]*models.Integration, error) {
	return r.list(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

// ListSchedulable returns active integrations that are not waiting on re-authorization.
func (r *IntegrationRepository) ListSchedulable(ctx context.Context) ([]*models.Integration, error) {
	return r.list(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE is_active = TRUE AND needs_reauth = FALSE ORDER BY created_at`)
}

func (r *IntegrationRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Integration, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var integrations []*models.Integration
	for rows.Next() {
		i, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, i)
	}
	return integrations, rows.Err()
}

func (r *IntegrationRepository) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt, now int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE integrations SET access_token = ?, refresh_token = ?, token_expires_at = ?, updated_at = ? WHERE id = ?
	`, accessToken, refreshToken, expiresAt, now, id)
	return err
}

// UpdateCursor records pagination progress inside a running sync.
func (r *IntegrationRepository) UpdateCursor(ctx context.Context, id, cursor string, now int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE integrations SET sync_cursor = ?, updated_at = ? WHERE id = ?`, cursor, now, id)
	return err
}

// MarkSynced stores the final cursor and the time the finished sync started.
func (r *IntegrationRepository) MarkSynced(ctx context.Context, id, cursor string, syncedAt, now int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE integrations SET sync_cursor = ?, last_sync_at = ?, last_error = '', updated_at = ? WHERE id = ?
	`, cursor, syncedAt, now, id)
	return err
}

func (r *IntegrationRepository) MarkNeedsReauth(ctx context.Context, id, reason string, now int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE integrations SET needs_reauth = TRUE, last_error = ?, updated_at = ? WHERE id = ?
	`, reason, now, id)
	return err
}

func (r *IntegrationRepository) Deactivate(ctx context.Context, id string, now int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE integrations SET is_active = FALSE, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
