// Package gdocs adapts Google Docs through the Drive v3 API.
package gdocs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"actsync/internal/engine/providers"
	"actsync/internal/engine/syncerr"
	"actsync/internal/engine/webhooks"
	"actsync/internal/platform/models"
)

const (
	DefaultBaseURL = "https://www.googleapis.com"
	docMimeType    = "application/vnd.google-apps.document"
	pageSize       = 50

	fileFields = "id,name,mimeType,createdTime,modifiedTime,webViewLink,starred,shared,version,headRevisionId," +
		"owners(displayName,emailAddress),lastModifyingUser(displayName,emailAddress)"
)

type Adapter struct {
	client *providers.Client
}

func New(baseURL string, minInterval time.Duration, httpClient *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if minInterval == 0 {
		minInterval = time.Second
	}
	return &Adapter{client: providers.NewClient(models.ProviderGoogleDocs, baseURL, minInterval, httpClient)}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderGoogleDocs
}

type user struct {
	DisplayName  string `json:"displayName"`
	EmailAddress string `json:"emailAddress"`
}

type file struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	MimeType          string `json:"mimeType"`
	CreatedTime       string `json:"createdTime"`
	ModifiedTime      string `json:"modifiedTime"`
	WebViewLink       string `json:"webViewLink"`
	Starred           bool   `json:"starred"`
	Shared            bool   `json:"shared"`
	Version           string `json:"version"`
	HeadRevisionID    string `json:"headRevisionId"`
	Owners            []user `json:"owners"`
	LastModifyingUser *user  `json:"lastModifyingUser"`
}

// item is one listed document together with its plain text export.
type item struct {
	File file   `json:"file"`
	Text string `json:"text"`
}

func (a *Adapter) ListPage(ctx context.Context, req providers.ListRequest) (*providers.Page, error) {
	q := "mimeType='" + docMimeType + "' and trashed=false"
	if req.Since != nil {
		q += " and modifiedTime > '" + req.Since.UTC().Format(time.RFC3339) + "'"
	}
	query := url.Values{
		"q":        {q},
		"orderBy":  {"modifiedTime"},
		"pageSize": {strconv.Itoa(pageSize)},
		"fields":   {"nextPageToken,files(" + fileFields + ")"},
	}
	if req.Cursor != "" {
		query.Set("pageToken", req.Cursor)
	}

	var resp struct {
		NextPageToken string `json:"nextPageToken"`
		Files         []file `json:"files"`
	}
	if err := a.client.GetJSON(ctx, "list_files", "/drive/v3/files", query, req.AccessToken, &resp); err != nil {
		return nil, err
	}

	page := &providers.Page{NextCursor: resp.NextPageToken, HasMore: resp.NextPageToken != ""}
	for _, f := range resp.Files {
		text, err := a.export(ctx, req.AccessToken, f.ID)
		if providers.Refused(err) {
			log.Warn().Err(err).Str("file_id", f.ID).Msg("skipping document Drive refused to export")
			continue
		}
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(item{File: f, Text: text})
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, raw)
	}
	return page, nil
}

func (a *Adapter) export(ctx context.Context, token, fileID string) (string, error) {
	body, err := a.client.Get(ctx, "export", "/drive/v3/files/"+url.PathEscape(fileID)+"/export",
		url.Values{"mimeType": {"text/plain"}}, token)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(string(body), "\ufeff"), nil
}

func (a *Adapter) Normalize(raw json.RawMessage) (*models.Record, error) {
	var it item
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderGoogleDocs), "normalize", err)
	}
	if it.File.ID == "" {
		return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderGoogleDocs), "normalize", "file without id")
	}
	return normalizeFile(&it.File, it.Text), nil
}

// Each revision of a document is its own activity, so the revision is part of
// the external id.
func normalizeFile(f *file, text string) *models.Record {
	revision := f.HeadRevisionID
	if revision == "" {
		revision = f.Version
	}
	extID := f.ID
	if revision != "" {
		extID += ":" + revision
	}

	tags := []string{"document"}
	if f.Starred {
		tags = append(tags, "starred")
	}
	if f.Shared {
		tags = append(tags, "shared")
	}

	owner := ""
	if len(f.Owners) > 0 {
		owner = f.Owners[0].EmailAddress
	}
	author := owner
	if f.LastModifyingUser != nil && f.LastModifyingUser.EmailAddress != "" {
		author = f.LastModifyingUser.EmailAddress
	}

	ts := providers.ParseTime(f.ModifiedTime)
	if ts.IsZero() {
		ts = providers.ParseTime(f.CreatedTime)
	}

	content := f.Name
	if t := strings.TrimSpace(text); t != "" {
		content += "\n\n" + t
	}

	return &models.Record{
		Provider:   models.ProviderGoogleDocs,
		ExternalID: providers.ExternalID(models.ProviderGoogleDocs, extID),
		Type:       "document",
		Content:    content,
		SourceURL:  f.WebViewLink,
		SourceName: "Google Docs",
		Metadata: map[string]interface{}{
			"file_id":  f.ID,
			"title":    f.Name,
			"owner":    owner,
			"revision": revision,
		},
		Timestamp: ts,
		Author:    author,
		Tags:      tags,
	}
}

// Drive push notifications carry no body. Channels are registered with the
// integration id as channel id and HMAC(secret, channel id) as channel token.
func (a *Adapter) VerifyWebhook(header http.Header, body []byte, secret string) error {
	channelID := header.Get("X-Goog-Channel-ID")
	if channelID == "" {
		return webhooks.ErrSignatureInvalid
	}
	return webhooks.Verify(secret, []byte(channelID), header.Get("X-Goog-Channel-Token"))
}

// ChannelToken is the token to register a push channel with.
func ChannelToken(secret, channelID string) string {
	return webhooks.Sign(secret, []byte(channelID))
}

func (a *Adapter) DescribeWebhook(header http.Header, body []byte) (*providers.Delivery, error) {
	channelID := header.Get("X-Goog-Channel-ID")
	state := header.Get("X-Goog-Resource-State")
	msgNumber := header.Get("X-Goog-Message-Number")
	if channelID == "" || state == "" || msgNumber == "" {
		return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderGoogleDocs), "describe_webhook", "missing channel headers")
	}
	return &providers.Delivery{
		ID:            channelID + ":" + msgNumber,
		EventType:     state,
		Action:        header.Get("X-Goog-Changed"),
		ExternalID:    fileIDFromURI(header.Get("X-Goog-Resource-URI")),
		IntegrationID: channelID,
		Ignore:        state == "sync",
	}, nil
}

// fileIDFromURI extracts the id from ".../drive/v3/files/<id>?...".
func fileIDFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	_, id, ok := strings.Cut(u.Path, "/files/")
	if !ok {
		return ""
	}
	id, _, _ = strings.Cut(id, "/")
	return id
}

func (a *Adapter) NormalizeWebhook(ctx context.Context, in providers.WebhookInput) (*models.Record, error) {
	switch in.EventType {
	case "remove", "trash", "sync":
		return nil, nil
	}
	if in.ExternalID == "" {
		return nil, nil
	}

	var f file
	err := a.client.GetJSON(ctx, "get_file", "/drive/v3/files/"+url.PathEscape(in.ExternalID),
		url.Values{"fields": {fileFields}}, in.AccessToken, &f)
	if err == nil && f.MimeType != docMimeType {
		return nil, nil
	}
	var text string
	if err == nil {
		text, err = a.export(ctx, in.AccessToken, f.ID)
	}
	if providers.Refused(err) {
		log.Warn().Err(err).Str("file_id", in.ExternalID).Msg("skipping document Drive refused to serve")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return normalizeFile(&f, text), nil
}

func (a *Adapter) Account(ctx context.Context, token *oauth2.Token) (*models.AccountInfo, error) {
	var resp struct {
		User struct {
			DisplayName  string `json:"displayName"`
			EmailAddress string `json:"emailAddress"`
			PermissionID string `json:"permissionId"`
		} `json:"user"`
	}
	err := a.client.GetJSON(ctx, "about", "/drive/v3/about", url.Values{"fields": {"user(displayName,emailAddress,permissionId)"}},
		token.AccessToken, &resp)
	if err != nil {
		return nil, err
	}
	if resp.User.PermissionID == "" {
		return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderGoogleDocs), "about", "about without user")
	}
	return &models.AccountInfo{
		TeamID:    resp.User.PermissionID,
		TeamName:  resp.User.DisplayName,
		UserEmail: resp.User.EmailAddress,
	}, nil
}
