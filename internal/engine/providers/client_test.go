package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actsync/internal/engine/syncerr"
	"actsync/internal/platform/models"
)

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     map[string]string
		body       string
		wantKind   syncerr.Kind
		retryAfter time.Duration
	}{
		{name: "unauthorized", status: 401, body: `{}`, wantKind: syncerr.KindCredentialsInvalid},
		{name: "forbidden", status: 403, body: `{"error":"insufficient scope"}`, wantKind: syncerr.KindCredentialsInvalid},
		{name: "google auth reason", status: 403, body: `{"error":{"errors":[{"reason":"authError"}]}}`, wantKind: syncerr.KindCredentialsInvalid},
		{name: "google export refused", status: 403, body: `{"error":{"code":403,"errors":[{"reason":"exportSizeLimitExceeded"}]}}`, wantKind: syncerr.KindMalformed},
		{name: "google download refused", status: 403, body: `{"error":{"errors":[{"reason":"cannotDownloadFile"}]}}`, wantKind: syncerr.KindMalformed},
		{name: "google quota", status: 403, body: `{"error":{"errors":[{"reason":"userRateLimitExceeded"}]}}`, wantKind: syncerr.KindRateLimited},
		{name: "too many requests", status: 429, header: map[string]string{"Retry-After": "120"}, body: `{}`, wantKind: syncerr.KindRateLimited, retryAfter: 2 * time.Minute},
		{name: "server error", status: 503, body: `oops`, wantKind: syncerr.KindTransientNetwork},
		{name: "bad request", status: 400, body: `{}`, wantKind: syncerr.KindMalformed},
		{name: "undecodable body", status: 200, body: `{not json`, wantKind: syncerr.KindMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(models.ProviderLinear, srv.URL, 0, srv.Client())
			var out map[string]interface{}
			err := c.GetJSON(context.Background(), "list", "/items", nil, "tok", &out)

			require.Error(t, err)
			assert.Equal(t, tt.wantKind, syncerr.KindOf(err))
			assert.Equal(t, tt.retryAfter, syncerr.RetryAfter(err))
			assert.Equal(t, tt.status == http.StatusForbidden && tt.wantKind == syncerr.KindMalformed, Refused(err))
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(models.ProviderSlack, srv.URL, 0, &http.Client{Timeout: 20 * time.Millisecond})
	err := c.GetJSON(context.Background(), "list", "/", nil, "tok", nil)

	require.Error(t, err)
	assert.Equal(t, syncerr.KindTimeout, syncerr.KindOf(err))
}

func TestClient_Pacing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(models.ProviderFireflies, srv.URL, 100*time.Millisecond, srv.Client())
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.GetJSON(context.Background(), "list", "/", nil, "", nil))
	}
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
}

func TestClient_GraphQLErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind syncerr.Kind
		wantErr  bool
	}{
		{
			name:     "authentication error with 400",
			status:   400,
			body:     `{"errors":[{"message":"Authentication required, not authenticated","extensions":{"code":"AUTHENTICATION_ERROR"}}]}`,
			wantKind: syncerr.KindCredentialsInvalid,
			wantErr:  true,
		},
		{
			name:     "rate limited with 200",
			status:   200,
			body:     `{"errors":[{"message":"slow down","extensions":{"code":"RATELIMITED"}}]}`,
			wantKind: syncerr.KindRateLimited,
			wantErr:  true,
		},
		{
			name:     "null data",
			status:   200,
			body:     `{"data":null}`,
			wantKind: syncerr.KindMalformed,
			wantErr:  true,
		},
		{
			name:   "data",
			status: 200,
			body:   `{"data":{"viewer":{"id":"u1"}}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(models.ProviderLinear, srv.URL, 0, srv.Client())
			var out struct {
				Viewer struct {
					ID string `json:"id"`
				} `json:"viewer"`
			}
			err := c.GraphQL(context.Background(), "viewer", "/graphql", "tok", `query { viewer { id } }`, nil, &out)

			if !tt.wantErr {
				require.NoError(t, err)
				assert.Equal(t, "u1", out.Viewer.ID)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, syncerr.KindOf(err))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}

type stubAdapter struct {
	Adapter
	p models.Provider
}

func (s stubAdapter) Provider() models.Provider { return s.p }

func TestRegistry(t *testing.T) {
	r := NewRegistry(stubAdapter{p: models.ProviderSlack}, stubAdapter{p: models.ProviderLinear})

	a, err := r.Get(models.ProviderSlack)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderSlack, a.Provider())

	_, err = r.Get(models.ProviderFireflies)
	assert.True(t, errors.Is(err, ErrUnknownProvider))

	assert.Equal(t, []models.Provider{models.ProviderLinear, models.ProviderSlack}, r.Providers())

	assert.Panics(t, func() {
		NewRegistry(stubAdapter{p: models.ProviderSlack}, stubAdapter{p: models.ProviderSlack})
	})
}

func TestConfigStrings(t *testing.T) {
	cfg := map[string]interface{}{
		"channels": []interface{}{"C1", "", "C2"},
		"csv":      "a,b",
	}
	assert.Equal(t, []string{"C1", "C2"}, ConfigStrings(cfg, "channels"))
	assert.Equal(t, []string{"a", "b"}, ConfigStrings(cfg, "csv"))
	assert.Nil(t, ConfigStrings(cfg, "missing"))
}
