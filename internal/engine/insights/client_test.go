package insights

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actsync/internal/engine/syncerr"
	"actsync/internal/platform/config"
)

func newClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(config.InsightsConfig{BaseURL: srv.URL, APIKey: "k"}, srv.Client())
	require.NoError(t, err)
	return c
}

func TestSummarize(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/summarize", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "long text", body["content"])
		w.Write([]byte(`{"summary":"short"}`))
	})

	got, err := c.Summarize(context.Background(), "long text")
	require.NoError(t, err)
	assert.Equal(t, "short", got)
}

func TestTag(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tag", r.URL.Path)
		w.Write([]byte(`{"tags":["planning","q2"]}`))
	})

	got, err := c.Tag(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []string{"planning", "q2"}, got)
}

func TestResponseValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing summary", `{"text":"x"}`},
		{"empty summary", `{"summary":""}`},
		{"tags not strings", `{"summary":"s","tags":[1,2]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			_, errSummary := c.Summarize(context.Background(), "x")
			_, errTag := c.Tag(context.Background(), "x")
			assert.True(t, errSummary != nil || errTag != nil)
			for _, err := range []error{errSummary, errTag} {
				if err != nil {
					assert.ErrorIs(t, err, syncerr.ErrMalformed)
				}
			}
		})
	}
}

func TestServerError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.Summarize(context.Background(), "x")
	assert.ErrorIs(t, err, syncerr.ErrTransient)
}

func TestNew_NotConfigured(t *testing.T) {
	_, err := New(config.InsightsConfig{}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}
