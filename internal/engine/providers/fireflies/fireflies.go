// Package fireflies adapts the Fireflies.ai transcript GraphQL API.
package fireflies

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"actsync/internal/engine/providers"
	"actsync/internal/engine/syncerr"
	"actsync/internal/engine/webhooks"
	"actsync/internal/platform/models"
)

const (
	DefaultBaseURL = "https://api.fireflies.ai"
	graphqlPath    = "/graphql"
	pageSize       = 25

	eventTranscriptionCompleted = "Transcription completed"
	longMeetingMinutes          = 60
)

const transcriptFields = `
	id title date duration transcript_url organizer_email participants
	summary { overview action_items keywords }`

const transcriptsQuery = `query Transcripts($limit: Int, $skip: Int, $fromDate: DateTime) {
	transcripts(limit: $limit, skip: $skip, fromDate: $fromDate) {` + transcriptFields + `}
}`

const transcriptQuery = `query Transcript($id: String!) { transcript(id: $id) {` + transcriptFields + `} }`

const userQuery = `query { user { user_id email name } }`

type Adapter struct {
	client *providers.Client
}

func New(baseURL string, minInterval time.Duration, httpClient *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if minInterval == 0 {
		minInterval = 2 * time.Second
	}
	return &Adapter{client: providers.NewClient(models.ProviderFireflies, baseURL, minInterval, httpClient)}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderFireflies
}

type transcript struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Date           float64  `json:"date"` // epoch milliseconds
	Duration       float64  `json:"duration"`
	TranscriptURL  string   `json:"transcript_url"`
	OrganizerEmail string   `json:"organizer_email"`
	Participants   []string `json:"participants"`
	Summary        *struct {
		Overview    string   `json:"overview"`
		ActionItems string   `json:"action_items"`
		Keywords    []string `json:"keywords"`
	} `json:"summary"`
}

// ListPage pages with skip/limit; the cursor is the skip offset.
func (a *Adapter) ListPage(ctx context.Context, req providers.ListRequest) (*providers.Page, error) {
	skip := 0
	if req.Cursor != "" {
		n, err := strconv.Atoi(req.Cursor)
		if err != nil || n < 0 {
			return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderFireflies), "list_transcripts", "bad cursor %q", req.Cursor)
		}
		skip = n
	}

	vars := map[string]interface{}{"limit": pageSize, "skip": skip}
	if req.Since != nil {
		vars["fromDate"] = req.Since.UTC().Format(time.RFC3339)
	}

	var data struct {
		Transcripts []json.RawMessage `json:"transcripts"`
	}
	if err := a.client.GraphQL(ctx, "list_transcripts", graphqlPath, req.AccessToken, transcriptsQuery, vars, &data); err != nil {
		return nil, err
	}

	return &providers.Page{
		Items:      data.Transcripts,
		NextCursor: strconv.Itoa(skip + len(data.Transcripts)),
		HasMore:    len(data.Transcripts) == pageSize,
	}, nil
}

func (a *Adapter) Normalize(raw json.RawMessage) (*models.Record, error) {
	var tr transcript
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderFireflies), "normalize", err)
	}
	if tr.ID == "" {
		return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderFireflies), "normalize", "transcript without id")
	}
	return normalizeTranscript(&tr), nil
}

func normalizeTranscript(tr *transcript) *models.Record {
	var b strings.Builder
	b.WriteString(tr.Title)

	tags := []string{"meeting"}
	var actionItems string
	if tr.Summary != nil {
		if o := strings.TrimSpace(tr.Summary.Overview); o != "" {
			b.WriteString("\n\n")
			b.WriteString(o)
		}
		actionItems = strings.TrimSpace(tr.Summary.ActionItems)
		if actionItems != "" {
			b.WriteString("\n\nAction items:\n")
			b.WriteString(actionItems)
		}
		for _, k := range tr.Summary.Keywords {
			if t := providers.Tag(k); t != "" {
				tags = append(tags, t)
			}
		}
	}
	if actionItems != "" {
		tags = append(tags, "has_action_items")
	}
	if tr.Duration >= longMeetingMinutes {
		tags = append(tags, "long_meeting")
	}

	var ts time.Time
	if tr.Date > 0 {
		ts = time.UnixMilli(int64(tr.Date)).UTC()
	}

	return &models.Record{
		Provider:   models.ProviderFireflies,
		ExternalID: providers.ExternalID(models.ProviderFireflies, tr.ID),
		Type:       "meeting",
		Content:    b.String(),
		SourceURL:  tr.TranscriptURL,
		SourceName: "Fireflies",
		Metadata: map[string]interface{}{
			"duration_minutes": tr.Duration,
			"participants":     tr.Participants,
			"action_items":     actionItems,
		},
		Timestamp: ts,
		Author:    tr.OrganizerEmail,
		Tags:      tags,
	}
}

type webhookPayload struct {
	MeetingID         string `json:"meetingId"`
	EventType         string `json:"eventType"`
	ClientReferenceID string `json:"clientReferenceId"`
}

func (a *Adapter) VerifyWebhook(header http.Header, body []byte, secret string) error {
	return webhooks.Verify(secret, body, header.Get("X-Hub-Signature"))
}

func (a *Adapter) DescribeWebhook(header http.Header, body []byte) (*providers.Delivery, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderFireflies), "describe_webhook", err)
	}
	if p.MeetingID == "" {
		return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderFireflies), "describe_webhook", "payload without meetingId")
	}
	return &providers.Delivery{
		ID:            p.MeetingID + ":" + p.EventType,
		EventType:     p.EventType,
		ExternalID:    p.MeetingID,
		IntegrationID: p.ClientReferenceID,
	}, nil
}

func (a *Adapter) NormalizeWebhook(ctx context.Context, in providers.WebhookInput) (*models.Record, error) {
	var p webhookPayload
	if err := json.Unmarshal(in.Body, &p); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderFireflies), "normalize_webhook", err)
	}
	if p.EventType != eventTranscriptionCompleted || p.MeetingID == "" {
		return nil, nil
	}

	var data struct {
		Transcript *transcript `json:"transcript"`
	}
	err := a.client.GraphQL(ctx, "fetch_transcript", graphqlPath, in.AccessToken, transcriptQuery, map[string]interface{}{"id": p.MeetingID}, &data)
	if err != nil {
		return nil, err
	}
	if data.Transcript == nil {
		return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderFireflies), "fetch_transcript", "transcript %s not returned", p.MeetingID)
	}
	return normalizeTranscript(data.Transcript), nil
}

func (a *Adapter) Account(ctx context.Context, token *oauth2.Token) (*models.AccountInfo, error) {
	var data struct {
		User struct {
			UserID string `json:"user_id"`
			Email  string `json:"email"`
			Name   string `json:"name"`
		} `json:"user"`
	}
	if err := a.client.GraphQL(ctx, "user", graphqlPath, token.AccessToken, userQuery, nil, &data); err != nil {
		return nil, err
	}
	if data.User.UserID == "" {
		return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderFireflies), "user", "user without id")
	}
	return &models.AccountInfo{TeamID: data.User.UserID, TeamName: data.User.Name, UserEmail: data.User.Email}, nil
}
