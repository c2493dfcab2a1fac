package fireflies

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"actsync/internal/engine/providers"
	"actsync/internal/engine/syncerr"
	"actsync/internal/engine/webhooks"
)

const transcriptJSON = `{
	"id": "mtg-1",
	"title": "Weekly sync",
	"date": 1709380000000,
	"duration": 75,
	"transcript_url": "https://app.fireflies.ai/view/mtg-1",
	"organizer_email": "ada@acme.io",
	"participants": ["ada@acme.io", "bo@acme.io"],
	"summary": {"overview": "Discussed roadmap", "action_items": "Bo: draft plan", "keywords": ["Roadmap", "Q2 Planning"]}
}`

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

func newServer(t *testing.T, handler func(req gqlRequest) string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ff-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		var req gqlRequest
		require.NoError(t, json.Unmarshal(body, &req))
		w.Write([]byte(handler(req)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNormalize(t *testing.T) {
	rec, err := New("", -1, nil).Normalize(json.RawMessage(transcriptJSON))
	require.NoError(t, err)

	assert.Equal(t, "fireflies:mtg-1", rec.ExternalID)
	assert.Equal(t, "meeting", rec.Type)
	assert.Equal(t, "Weekly sync\n\nDiscussed roadmap\n\nAction items:\nBo: draft plan", rec.Content)
	assert.Equal(t, "ada@acme.io", rec.Author)
	assert.Equal(t, time.UnixMilli(1709380000000).UTC(), rec.Timestamp)
	assert.Equal(t, []string{"meeting", "roadmap", "q2-planning", "has_action_items", "long_meeting"}, rec.Tags)
}

func TestListPage(t *testing.T) {
	full := "[" + strings.TrimSuffix(strings.Repeat(transcriptJSON+",", pageSize), ",") + "]"

	tests := []struct {
		name        string
		cursor      string
		response    string
		wantSkip    float64
		wantNext    string
		wantHasMore bool
	}{
		{"full page", "", `{"data":{"transcripts":` + full + `}}`, 0, "25", true},
		{"short page", "25", `{"data":{"transcripts":[` + transcriptJSON + `]}}`, 25, "26", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, func(req gqlRequest) string {
				assert.Equal(t, tt.wantSkip, req.Variables["skip"])
				return tt.response
			})
			page, err := New(srv.URL, -1, srv.Client()).ListPage(context.Background(), providers.ListRequest{AccessToken: "ff-key", Cursor: tt.cursor})
			require.NoError(t, err)
			assert.Equal(t, tt.wantNext, page.NextCursor)
			assert.Equal(t, tt.wantHasMore, page.HasMore)
		})
	}

	_, err := New("", -1, nil).ListPage(context.Background(), providers.ListRequest{Cursor: "abc"})
	assert.ErrorIs(t, err, syncerr.ErrMalformed)
}

func TestWebhook(t *testing.T) {
	body := []byte(`{"meetingId":"mtg-1","eventType":"Transcription completed","clientReferenceId":"int_123"}`)

	srv := newServer(t, func(req gqlRequest) string {
		assert.Equal(t, "mtg-1", req.Variables["id"])
		return `{"data":{"transcript":` + transcriptJSON + `}}`
	})
	a := New(srv.URL, -1, srv.Client())

	t.Run("Verify", func(t *testing.T) {
		h := http.Header{}
		h.Set("x-hub-signature", "sha256="+webhooks.Sign("sec", body))
		assert.NoError(t, a.VerifyWebhook(h, body, "sec"))

		h.Set("x-hub-signature", webhooks.Sign("sec", body))
		assert.NoError(t, a.VerifyWebhook(h, body, "sec"))
		assert.ErrorIs(t, a.VerifyWebhook(h, append(body, ' '), "sec"), webhooks.ErrSignatureInvalid)
	})

	t.Run("Describe", func(t *testing.T) {
		d, err := a.DescribeWebhook(http.Header{}, body)
		require.NoError(t, err)
		assert.Equal(t, "mtg-1:Transcription completed", d.ID)
		assert.Equal(t, "int_123", d.IntegrationID)
		assert.True(t, d.SentAt.IsZero())
	})

	t.Run("Normalize fetches the transcript", func(t *testing.T) {
		rec, err := a.NormalizeWebhook(context.Background(), providers.WebhookInput{AccessToken: "ff-key", Body: body})
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "fireflies:mtg-1", rec.ExternalID)
	})

	t.Run("Other events are ignored", func(t *testing.T) {
		rec, err := a.NormalizeWebhook(context.Background(), providers.WebhookInput{
			Body: []byte(`{"meetingId":"mtg-1","eventType":"Meeting started"}`),
		})
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func TestAccount(t *testing.T) {
	srv := newServer(t, func(req gqlRequest) string {
		return `{"data":{"user":{"user_id":"u-1","email":"ada@acme.io","name":"Ada"}}}`
	})
	info, err := New(srv.URL, -1, srv.Client()).Account(context.Background(), &oauth2.Token{AccessToken: "ff-key"})
	require.NoError(t, err)
	assert.Equal(t, "u-1", info.TeamID)
	assert.Equal(t, "ada@acme.io", info.UserEmail)
}
