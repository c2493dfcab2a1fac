package handlers

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	apiContext "actsync/internal/api/context"
	"actsync/internal/engine/providers"
	"actsync/internal/engine/syncerr"
	"actsync/internal/engine/webhooks"
	"actsync/internal/pkg/errors"
	"actsync/internal/platform/models"
)

const defaultMaxBodyBytes = 1 << 20

type WebhookHandler struct {
	receiver     *webhooks.Receiver
	maxBodyBytes int64
	timeout      time.Duration
}

func NewWebhookHandler(receiver *webhooks.Receiver, maxBodyBytes int64) *WebhookHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &WebhookHandler{receiver: receiver, maxBodyBytes: maxBodyBytes, timeout: 10 * time.Second}
}

type webhookResponse struct {
	OK        bool   `json:"ok"`
	Processed bool   `json:"processed"`
	Message   string `json:"message"`
	EventID   string `json:"event_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

// Receive handles POST /webhooks/:provider. Accepted deliveries are queued,
// never processed inline.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	params := r.Context().Value(apiContext.Params).(httprouter.Params)
	provider, err := models.ParseProvider(params.ByName("provider"))
	if err != nil {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Unknown provider", nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		errors.WriteError(w, http.StatusRequestEntityTooLarge, errors.ErrCodeInvalidInput, "Request body too large", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.receiver.Receive(ctx, provider, r.Header, body, r.URL.Query().Get("integration"))
	if err != nil {
		h.writeReceiveError(w, provider, err)
		return
	}

	if res.Challenge != "" {
		errors.WriteJSON(w, http.StatusOK, map[string]string{"challenge": res.Challenge})
		return
	}

	errors.WriteJSON(w, http.StatusOK, webhookResponse{
		OK:        true,
		Processed: res.Processed,
		Message:   res.Message,
		EventID:   res.EventID,
		JobID:     res.JobID,
	})
}

func (h *WebhookHandler) writeReceiveError(w http.ResponseWriter, provider models.Provider, err error) {
	switch {
	case stderrors.Is(err, webhooks.ErrSignatureInvalid):
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeSignatureInvalid, "Invalid webhook signature", nil)
	case stderrors.Is(err, webhooks.ErrReplayTooOld):
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeReplayTooOld, "Webhook timestamp outside the replay window", nil)
	case stderrors.Is(err, providers.ErrUnknownProvider):
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Provider not enabled", nil)
	case syncerr.KindOf(err) == syncerr.KindMalformed:
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Malformed webhook payload", nil)
	default:
		log.Error().Err(err).Str("provider", string(provider)).Msg("Failed to accept webhook")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to accept webhook", nil)
	}
}
