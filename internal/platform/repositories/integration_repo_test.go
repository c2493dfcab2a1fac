package repositories

import (
	"context"
	"errors"
	"testing"

	"actsync/internal/platform/database/dbtest"
	"actsync/internal/platform/models"
)

func TestIntegrationRepository_UpsertReactivates(t *testing.T) {
	db := dbtest.New(t)
	repo := NewIntegrationRepository(db)
	ctx := context.Background()

	first := &models.Integration{
		UserID:       "user_1",
		Provider:     models.ProviderSlack,
		TeamID:       "T123",
		TeamName:     "Acme",
		AccessToken:  "xoxb-1",
		RefreshToken: "refresh-1",
		Scopes:       []string{"channels:history"},
	}
	id, err := repo.Upsert(ctx, first, 1000)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := repo.MarkNeedsReauth(ctx, id, "token revoked", 1100); err != nil {
		t.Fatalf("MarkNeedsReauth() error = %v", err)
	}
	if err := repo.Deactivate(ctx, id, 1200); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}

	second := &models.Integration{
		UserID:      "user_1",
		Provider:    models.ProviderSlack,
		TeamID:      "T123",
		TeamName:    "Acme Inc",
		AccessToken: "xoxb-2",
	}
	id2, err := repo.Upsert(ctx, second, 1300)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if id2 != id {
		t.Fatalf("expected the same row to be reused, got %s and %s", id, id2)
	}

	got, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !got.IsActive || got.NeedsReauth {
		t.Errorf("expected reconnect to reactivate, got active=%v needs_reauth=%v", got.IsActive, got.NeedsReauth)
	}
	if got.AccessToken != "xoxb-2" || got.RefreshToken != "refresh-1" {
		t.Errorf("unexpected tokens: access=%s refresh=%s", got.AccessToken, got.RefreshToken)
	}
	if got.TeamName != "Acme Inc" || got.Status() != models.StatusConnected {
		t.Errorf("unexpected state: %+v", got)
	}
}

func TestIntegrationRepository_FindActiveByTeam(t *testing.T) {
	db := dbtest.New(t)
	repo := NewIntegrationRepository(db)
	ctx := context.Background()

	id, _ := repo.Upsert(ctx, &models.Integration{UserID: "user_1", Provider: models.ProviderLinear, TeamID: "org_1"}, 1000)

	got, err := repo.FindActiveByTeam(ctx, models.ProviderLinear, "org_1")
	if err != nil || got.ID != id {
		t.Fatalf("FindActiveByTeam() = %v, %v", got, err)
	}

	if _, err := repo.FindActiveByTeam(ctx, models.ProviderSlack, "org_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other provider, got %v", err)
	}

	repo.Deactivate(ctx, id, 1100)
	if _, err := repo.FindActiveByTeam(ctx, models.ProviderLinear, "org_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after deactivation, got %v", err)
	}
}

func TestIntegrationRepository_ListSchedulable(t *testing.T) {
	db := dbtest.New(t)
	repo := NewIntegrationRepository(db)
	ctx := context.Background()

	healthy, _ := repo.Upsert(ctx, &models.Integration{UserID: "user_1", Provider: models.ProviderLinear, TeamID: "a"}, 1000)
	flagged, _ := repo.Upsert(ctx, &models.Integration{UserID: "user_1", Provider: models.ProviderSlack, TeamID: "b"}, 1001)
	inactive, _ := repo.Upsert(ctx, &models.Integration{UserID: "user_1", Provider: models.ProviderFireflies, TeamID: "c"}, 1002)

	repo.MarkNeedsReauth(ctx, flagged, "revoked", 1100)
	repo.Deactivate(ctx, inactive, 1100)

	list, err := repo.ListSchedulable(ctx)
	if err != nil {
		t.Fatalf("ListSchedulable() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != healthy {
		t.Errorf("expected only %s, got %d integrations", healthy, len(list))
	}
}

func TestIntegrationRepository_CorruptConfig(t *testing.T) {
	db := dbtest.New(t)
	repo := NewIntegrationRepository(db)
	ctx := context.Background()

	id, _ := repo.Upsert(ctx, &models.Integration{UserID: "user_1", Provider: models.ProviderLinear, TeamID: "a"}, 1000)
	if _, err := db.ExecContext(ctx, `UPDATE integrations SET config = ? WHERE id = ?`, `{"channels":`, id); err != nil {
		t.Fatal(err)
	}

	if _, err := repo.GetByID(ctx, id); err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected a decode error, got %v", err)
	}
}
