package gdocs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"actsync/internal/engine/providers"
	"actsync/internal/engine/syncerr"
	"actsync/internal/engine/webhooks"
)

const fileJSON = `{"id":"doc1","name":"Design notes","mimeType":"application/vnd.google-apps.document",
	"createdTime":"2024-03-01T09:00:00Z","modifiedTime":"2024-03-02T10:00:00.123Z","webViewLink":"https://docs.google.com/document/d/doc1",
	"starred":true,"shared":true,"version":"17","owners":[{"displayName":"Ada","emailAddress":"ada@acme.io"}],
	"lastModifyingUser":{"displayName":"Bo","emailAddress":"bo@acme.io"}}`

func newDrive(t *testing.T) (*httptest.Server, *[]string) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		switch {
		case r.URL.Path == "/drive/v3/files":
			if r.URL.Query().Get("pageToken") == "" {
				w.Write([]byte(`{"nextPageToken":"p2","files":[` + fileJSON + `]}`))
				return
			}
			w.Write([]byte(`{"files":[]}`))
		case r.URL.Path == "/drive/v3/files/doc1/export":
			assert.Equal(t, "text/plain", r.URL.Query().Get("mimeType"))
			w.Write([]byte("\ufeffHello world"))
		case r.URL.Path == "/drive/v3/files/doc1":
			w.Write([]byte(fileJSON))
		case r.URL.Path == "/drive/v3/files/sheet1":
			w.Write([]byte(`{"id":"sheet1","mimeType":"application/vnd.google-apps.spreadsheet"}`))
		case r.URL.Path == "/drive/v3/files/huge":
			w.Write([]byte(`{"id":"huge","mimeType":"application/vnd.google-apps.document"}`))
		case r.URL.Path == "/drive/v3/files/huge/export":
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":{"code":403,"message":"This file is too large to be exported.","errors":[{"reason":"exportSizeLimitExceeded"}]}}`))
		case r.URL.Path == "/drive/v3/files/gone":
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":{"errors":[{"reason":"insufficientPermissions"}]}}`))
		case r.URL.Path == "/drive/v3/about":
			w.Write([]byte(`{"user":{"displayName":"Ada","emailAddress":"ada@acme.io","permissionId":"perm-1"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestListPageAndNormalize(t *testing.T) {
	srv, _ := newDrive(t)
	a := New(srv.URL, -1, srv.Client())

	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	page, err := a.ListPage(context.Background(), providers.ListRequest{AccessToken: "ya29", Since: &since})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "p2", page.NextCursor)
	assert.True(t, page.HasMore)

	rec, err := a.Normalize(page.Items[0])
	require.NoError(t, err)
	assert.Equal(t, "google_docs:doc1:17", rec.ExternalID)
	assert.Equal(t, "Design notes\n\nHello world", rec.Content)
	assert.Equal(t, "bo@acme.io", rec.Author)
	assert.Equal(t, "ada@acme.io", rec.Metadata["owner"])
	assert.Equal(t, []string{"document", "starred", "shared"}, rec.Tags)

	page, err = a.ListPage(context.Background(), providers.ListRequest{AccessToken: "ya29", Cursor: "p2"})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.False(t, page.HasMore)
}

func TestListPage_SkipsRefusedExport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/drive/v3/files":
			w.Write([]byte(`{"files":[{"id":"huge","name":"Big","mimeType":"application/vnd.google-apps.document"},` + fileJSON + `]}`))
		case "/drive/v3/files/huge/export":
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":{"code":403,"errors":[{"reason":"exportSizeLimitExceeded"}]}}`))
		case "/drive/v3/files/doc1/export":
			w.Write([]byte("Hello world"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	page, err := New(srv.URL, -1, srv.Client()).ListPage(context.Background(), providers.ListRequest{AccessToken: "ya29"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	rec, err := New("", -1, nil).Normalize(page.Items[0])
	require.NoError(t, err)
	assert.Equal(t, "google_docs:doc1:17", rec.ExternalID)
}

func TestListPage_AuthRefusalIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"errors":[{"reason":"authError"}]}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, -1, srv.Client()).ListPage(context.Background(), providers.ListRequest{AccessToken: "ya29"})
	assert.True(t, syncerr.IsFatal(err))
}

func TestNormalize_Malformed(t *testing.T) {
	_, err := New("", -1, nil).Normalize(json.RawMessage(`{"file":{}}`))
	assert.ErrorIs(t, err, syncerr.ErrMalformed)
}

func pushHeaders(secret, channel, state string) http.Header {
	h := http.Header{}
	h.Set("X-Goog-Channel-ID", channel)
	h.Set("X-Goog-Channel-Token", ChannelToken(secret, channel))
	h.Set("X-Goog-Resource-State", state)
	h.Set("X-Goog-Message-Number", "7")
	h.Set("X-Goog-Resource-URI", "https://www.googleapis.com/drive/v3/files/doc1?acknowledgeAbuse=false&alt=json")
	h.Set("X-Goog-Changed", "content")
	return h
}

func TestWebhook(t *testing.T) {
	srv, calls := newDrive(t)
	a := New(srv.URL, -1, srv.Client())

	t.Run("Verify", func(t *testing.T) {
		assert.NoError(t, a.VerifyWebhook(pushHeaders("sec", "int_1", "update"), nil, "sec"))

		forged := pushHeaders("sec", "int_1", "update")
		forged.Set("X-Goog-Channel-ID", "int_2")
		assert.ErrorIs(t, a.VerifyWebhook(forged, nil, "sec"), webhooks.ErrSignatureInvalid)
	})

	t.Run("Describe", func(t *testing.T) {
		d, err := a.DescribeWebhook(pushHeaders("sec", "int_1", "update"), nil)
		require.NoError(t, err)
		assert.Equal(t, "int_1:7", d.ID)
		assert.Equal(t, "doc1", d.ExternalID)
		assert.Equal(t, "int_1", d.IntegrationID)
		assert.False(t, d.Ignore)

		d, err = a.DescribeWebhook(pushHeaders("sec", "int_1", "sync"), nil)
		require.NoError(t, err)
		assert.True(t, d.Ignore)

		unnumbered := pushHeaders("sec", "int_1", "update")
		unnumbered.Del("X-Goog-Message-Number")
		_, err = a.DescribeWebhook(unnumbered, nil)
		assert.ErrorIs(t, err, syncerr.ErrMalformed)
	})

	t.Run("Normalize fetches file and export", func(t *testing.T) {
		*calls = nil
		rec, err := a.NormalizeWebhook(context.Background(), providers.WebhookInput{
			AccessToken: "ya29", EventType: "update", ExternalID: "doc1",
		})
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "google_docs:doc1:17", rec.ExternalID)
		assert.Equal(t, []string{"/drive/v3/files/doc1", "/drive/v3/files/doc1/export"}, *calls)
	})

	t.Run("Ignored states and non-documents", func(t *testing.T) {
		rec, err := a.NormalizeWebhook(context.Background(), providers.WebhookInput{EventType: "trash", ExternalID: "doc1"})
		require.NoError(t, err)
		assert.Nil(t, rec)

		rec, err = a.NormalizeWebhook(context.Background(), providers.WebhookInput{EventType: "update", ExternalID: "sheet1"})
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("Export refusal skips the document", func(t *testing.T) {
		rec, err := a.NormalizeWebhook(context.Background(), providers.WebhookInput{EventType: "update", ExternalID: "huge"})
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("Permission loss is fatal", func(t *testing.T) {
		_, err := a.NormalizeWebhook(context.Background(), providers.WebhookInput{EventType: "update", ExternalID: "gone"})
		assert.True(t, syncerr.IsFatal(err))
	})
}

func TestAccount(t *testing.T) {
	srv, _ := newDrive(t)
	info, err := New(srv.URL, -1, srv.Client()).Account(context.Background(), &oauth2.Token{AccessToken: "ya29"})
	require.NoError(t, err)
	assert.Equal(t, "perm-1", info.TeamID)
	assert.Equal(t, "ada@acme.io", info.UserEmail)
}

func TestFileIDFromURI(t *testing.T) {
	assert.Equal(t, "abc", fileIDFromURI("https://www.googleapis.com/drive/v3/files/abc?alt=json"))
	assert.Equal(t, "", fileIDFromURI("https://www.googleapis.com/drive/v3/changes"))
}
