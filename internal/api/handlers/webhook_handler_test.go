package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"

	apiContext "actsync/internal/api/context"
	"actsync/internal/engine/providers"
	"actsync/internal/engine/providers/linear"
	"actsync/internal/engine/webhooks"
	"actsync/internal/platform/database"
	"actsync/internal/platform/database/dbtest"
	"actsync/internal/platform/models"
	"actsync/internal/platform/repositories"
)

const linearSecret = "whsec_test"

func withParams(req *http.Request, kv ...string) *http.Request {
	var ps httprouter.Params
	for i := 0; i+1 < len(kv); i += 2 {
		ps = append(ps, httprouter.Param{Key: kv[i], Value: kv[i+1]})
	}
	return req.WithContext(context.WithValue(req.Context(), apiContext.Params, ps))
}

func linearBody(sentAt time.Time, issueID string) []byte {
	return []byte(fmt.Sprintf(`{"action":"update","type":"Issue","organizationId":"org-1","webhookTimestamp":%d,"data":{"id":%q}}`,
		sentAt.UnixMilli(), issueID))
}

func newWebhookFixture(t *testing.T, maxBody int64) (*WebhookHandler, *database.DB, string) {
	db := dbtest.New(t)
	integrationID, err := repositories.NewIntegrationRepository(db).Upsert(context.Background(), &models.Integration{
		UserID:      "user_1",
		Provider:    models.ProviderLinear,
		TeamID:      "org-1",
		AccessToken: "token",
	}, time.Now().Unix())
	if err != nil {
		t.Fatalf("Failed to seed integration: %v", err)
	}

	registry := providers.NewRegistry(linear.New("", -1, nil))
	receiver := webhooks.NewReceiver(db, registry, webhooks.Options{
		Secrets: map[models.Provider]string{models.ProviderLinear: linearSecret},
	})
	return NewWebhookHandler(receiver, maxBody), db, integrationID
}

func postWebhook(h *WebhookHandler, provider, delivery string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, bytes.NewReader(body))
	req.Header.Set("Linear-Delivery", delivery)
	if signature != "" {
		req.Header.Set("Linear-Signature", signature)
	}
	rr := httptest.NewRecorder()
	h.Receive(rr, withParams(req, "provider", provider))
	return rr
}

func TestWebhookHandler_QueuesOnceAndAcknowledgesReplays(t *testing.T) {
	h, db, integrationID := newWebhookFixture(t, 0)
	body := linearBody(time.Now(), "iss-1")
	sig := webhooks.Sign(linearSecret, body)

	for i, want := range []string{"queued", "duplicate delivery", "duplicate delivery"} {
		rr := postWebhook(h, "linear", "dlv-1", body, sig)
		if rr.Code != http.StatusOK {
			t.Fatalf("delivery %d: status %d: %s", i, rr.Code, rr.Body.String())
		}
		var resp webhookResponse
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if !resp.OK || resp.Processed || resp.Message != want {
			t.Errorf("delivery %d: unexpected response %+v", i, resp)
		}
	}

	jobs, err := repositories.NewSyncJobRepository(db).ListByIntegration(context.Background(), integrationID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Type != models.JobWebhookEvent {
		t.Errorf("expected exactly one webhook_event job, got %d", len(jobs))
	}
}

func TestWebhookHandler_Rejections(t *testing.T) {
	fresh := linearBody(time.Now(), "iss-2")
	stale := linearBody(time.Now().Add(-5*time.Minute), "iss-3")
	tampered := bytes.Replace(fresh, []byte("iss-2"), []byte("iss-9"), 1)
	badEnvelope := []byte(`{"type":"Issue","data":{}}`)

	tests := []struct {
		name      string
		provider  string
		body      []byte
		signature string
		maxBody   int64
		want      int
	}{
		{"Tampered body", "linear", tampered, webhooks.Sign(linearSecret, fresh), 0, http.StatusUnauthorized},
		{"Missing signature", "linear", fresh, "", 0, http.StatusUnauthorized},
		{"Wrong secret", "linear", fresh, webhooks.Sign("other", fresh), 0, http.StatusUnauthorized},
		{"Outside replay window", "linear", stale, webhooks.Sign(linearSecret, stale), 0, http.StatusUnauthorized},
		{"Unknown provider", "github", fresh, webhooks.Sign(linearSecret, fresh), 0, http.StatusNotFound},
		{"Provider not registered", "slack", fresh, webhooks.Sign(linearSecret, fresh), 0, http.StatusNotFound},
		{"Malformed envelope", "linear", badEnvelope, webhooks.Sign(linearSecret, badEnvelope), 0, http.StatusBadRequest},
		{"Body too large", "linear", fresh, webhooks.Sign(linearSecret, fresh), 16, http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, db, _ := newWebhookFixture(t, tt.maxBody)

			rr := postWebhook(h, tt.provider, "dlv-"+tt.name, tt.body, tt.signature)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rr.Code, tt.want, rr.Body.String())
			}

			n, err := repositories.NewWebhookEventRepository(db).CountByDelivery(context.Background(), models.ProviderLinear, "dlv-"+tt.name)
			if err != nil {
				t.Fatal(err)
			}
			if n != 0 {
				t.Errorf("rejected delivery must not be recorded")
			}
		})
	}
}

func TestWebhookHandler_UnknownTeamIsAcknowledged(t *testing.T) {
	h, db, _ := newWebhookFixture(t, 0)
	body := []byte(fmt.Sprintf(`{"action":"create","type":"Issue","organizationId":"org-unknown","webhookTimestamp":%d,"data":{"id":"iss-5"}}`,
		time.Now().UnixMilli()))

	rr := postWebhook(h, "linear", "dlv-unknown", body, webhooks.Sign(linearSecret, body))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp webhookResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Message != "no matching integration" || resp.JobID != "" {
		t.Errorf("unexpected response %+v", resp)
	}

	n, _ := repositories.NewWebhookEventRepository(db).CountByDelivery(context.Background(), models.ProviderLinear, "dlv-unknown")
	if n != 0 {
		t.Error("unrouted delivery must not be recorded")
	}
}
