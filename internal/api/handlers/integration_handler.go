package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	apiContext "actsync/internal/api/context"
	"actsync/internal/api/middleware"
	"actsync/internal/engine/credentials"
	"actsync/internal/engine/providers"
	"actsync/internal/engine/syncerr"
	"actsync/internal/pkg/errors"
	"actsync/internal/platform/auth"
	"actsync/internal/platform/models"
	"actsync/internal/platform/repositories"
	"actsync/internal/workers"
)

const jobListLimit = 20

type IntegrationHandler struct {
	store        *credentials.Store
	registry     *providers.Registry
	tokens       *auth.TokenService
	scheduler    *workers.Scheduler
	integrations *repositories.IntegrationRepository
	jobs         *repositories.SyncJobRepository
	timeout      time.Duration
}

func NewIntegrationHandler(store *credentials.Store, registry *providers.Registry, tokens *auth.TokenService,
	scheduler *workers.Scheduler, integrations *repositories.IntegrationRepository, jobs *repositories.SyncJobRepository) *IntegrationHandler {
	return &IntegrationHandler{
		store:        store,
		registry:     registry,
		tokens:       tokens,
		scheduler:    scheduler,
		integrations: integrations,
		jobs:         jobs,
		timeout:      30 * time.Second,
	}
}

type integrationView struct {
	*models.Integration
	Status string `json:"status"`
}

func param(r *http.Request, name string) string {
	return r.Context().Value(apiContext.Params).(httprouter.Params).ByName(name)
}

func (h *IntegrationHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFrom(r.Context())

	list, err := h.integrations.ListByUser(r.Context(), claims.UserID)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list integrations", nil)
		return
	}

	views := make([]integrationView, 0, len(list))
	for _, in := range list {
		views = append(views, integrationView{Integration: in, Status: in.Status()})
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"integrations": views})
}

// Connect returns the provider's authorize URL with a signed state.
func (h *IntegrationHandler) Connect(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFrom(r.Context())
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	state, err := h.tokens.GenerateState(claims.UserID, provider)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to create state", nil)
		return
	}

	url, err := h.store.AuthCodeURL(provider, state)
	if stderrors.Is(err, credentials.ErrProviderNotConfigured) {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeProviderDisabled, "Provider has no OAuth client configured", nil)
		return
	}
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to build authorize URL", nil)
		return
	}

	errors.WriteJSON(w, http.StatusOK, map[string]string{"authorize_url": url})
}

// Callback completes the authorization code flow. The state token identifies the user.
func (h *IntegrationHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Authorization denied: "+reason, nil)
		return
	}

	state, err := h.tokens.ParseState(q.Get("state"), provider)
	if err != nil {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid or expired state", nil)
		return
	}
	code := q.Get("code")
	if code == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Missing authorization code", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	tok, err := h.store.Exchange(ctx, provider, code)
	if err != nil {
		h.writeUpstreamError(w, provider, "exchange", err)
		return
	}

	h.connect(ctx, w, state.UserID, provider, tok)
}

// ConnectAPIKey connects a provider that authenticates with a static key.
func (h *IntegrationHandler) ConnectAPIKey(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFrom(r.Context())
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	var req struct {
		APIKey string `json:"api_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.APIKey) == "" {
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "api_key is required", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	h.connect(ctx, w, claims.UserID, provider, &oauth2.Token{AccessToken: strings.TrimSpace(req.APIKey)})
}

func (h *IntegrationHandler) connect(ctx context.Context, w http.ResponseWriter, userID string, provider models.Provider, tok *oauth2.Token) {
	adapter, err := h.registry.Get(provider)
	if err != nil {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Provider not enabled", nil)
		return
	}

	account, err := adapter.Account(ctx, tok)
	if err != nil {
		h.writeUpstreamError(w, provider, "account", err)
		return
	}

	id, err := h.store.Save(ctx, userID, provider, tok, account)
	if err != nil {
		log.Error().Err(err).Str("provider", string(provider)).Msg("Failed to save integration")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to save integration", nil)
		return
	}

	if err := h.scheduler.ScheduleConnected(ctx, id); err != nil {
		log.Error().Err(err).Str("integration_id", id).Msg("Failed to schedule initial sync")
	}

	errors.WriteJSON(w, http.StatusOK, map[string]string{
		"integration_id": id,
		"service":        string(provider),
		"team_name":      account.TeamName,
		"status":         models.StatusConnected,
	})
}

func (h *IntegrationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	in, ok := h.owned(w, r)
	if !ok {
		return
	}

	if err := h.store.Deactivate(r.Context(), in.ID); err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to disconnect integration", nil)
		return
	}

	log.Info().Str("integration_id", in.ID).Str("provider", string(in.Provider)).Msg("Integration disconnected")
	w.WriteHeader(http.StatusNoContent)
}

// Sync queues a manual full sync.
func (h *IntegrationHandler) Sync(w http.ResponseWriter, r *http.Request) {
	in, ok := h.owned(w, r)
	if !ok {
		return
	}
	if in.Status() != models.StatusConnected {
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeConflict, "Integration is "+in.Status(), nil)
		return
	}

	job, err := h.scheduler.EnqueueManual(r.Context(), in.ID)
	if stderrors.Is(err, workers.ErrAlreadyQueued) {
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeConflict, "A full sync is already queued", nil)
		return
	}
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to queue sync", nil)
		return
	}

	errors.WriteJSON(w, http.StatusAccepted, job)
}

func (h *IntegrationHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	in, ok := h.owned(w, r)
	if !ok {
		return
	}

	list, err := h.jobs.ListByIntegration(r.Context(), in.ID, jobListLimit)
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list jobs", nil)
		return
	}
	if list == nil {
		list = []*models.SyncJob{}
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": list})
}

func (h *IntegrationHandler) provider(w http.ResponseWriter, r *http.Request) (models.Provider, bool) {
	provider, err := models.ParseProvider(param(r, "id"))
	if err != nil {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Unknown provider", nil)
		return "", false
	}
	return provider, true
}

// owned loads the integration named in the path and hides other users' rows.
func (h *IntegrationHandler) owned(w http.ResponseWriter, r *http.Request) (*models.Integration, bool) {
	claims := middleware.ClaimsFrom(r.Context())

	in, err := h.integrations.GetByID(r.Context(), param(r, "id"))
	if stderrors.Is(err, repositories.ErrNotFound) || (err == nil && in.UserID != claims.UserID) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Integration not found", nil)
		return nil, false
	}
	if err != nil {
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to load integration", nil)
		return nil, false
	}
	return in, true
}

func (h *IntegrationHandler) writeUpstreamError(w http.ResponseWriter, provider models.Provider, op string, err error) {
	log.Warn().Err(err).Str("provider", string(provider)).Str("op", op).Msg("Provider call failed while connecting")
	switch {
	case stderrors.Is(err, credentials.ErrProviderNotConfigured):
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeProviderDisabled, "Provider has no OAuth client configured", nil)
	case syncerr.IsFatal(err):
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeCredentialsInvalid, "Provider rejected the credentials", nil)
	default:
		errors.WriteError(w, http.StatusBadGateway, errors.ErrCodeBadGateway, "Provider request failed", nil)
	}
}
