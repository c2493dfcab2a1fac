// Package slack adapts the Slack Web API and Events API.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"actsync/internal/engine/providers"
	"actsync/internal/engine/syncerr"
	"actsync/internal/engine/webhooks"
	"actsync/internal/pkg/schema"
	"actsync/internal/platform/models"
)

const (
	DefaultBaseURL = "https://slack.com/api"
	historyLimit   = 100
	channelLimit   = 200

	// A sync walks every channel page by page; the list is reused across its pages.
	channelCacheTTL = 10 * time.Minute
)

var envelope = schema.MustCompile("slack-event", `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"enum": ["url_verification", "event_callback", "app_rate_limited"]},
		"challenge": {"type": "string"},
		"event_id": {"type": "string"},
		"team_id": {"type": "string"},
		"event": {
			"type": "object",
			"required": ["type"],
			"properties": {"type": {"type": "string"}}
		}
	},
	"if": {"properties": {"type": {"const": "event_callback"}}},
	"then": {"required": ["event_id", "event"]}
}`)

// Error codes that mean the token can no longer be used.
var authErrors = map[string]bool{
	"invalid_auth":     true,
	"not_authed":       true,
	"token_revoked":    true,
	"token_expired":    true,
	"account_inactive": true,
	"missing_scope":    true,
}

var ignoredSubtypes = map[string]bool{
	"channel_join":    true,
	"channel_leave":   true,
	"channel_topic":   true,
	"channel_purpose": true,
	"message_deleted": true,
	"message_changed": true,
}

var (
	positiveReactions = map[string]bool{"+1": true, "thumbsup": true, "heart": true, "tada": true, "raised_hands": true,
		"white_check_mark": true, "rocket": true, "fire": true, "100": true, "clap": true}
	negativeReactions = map[string]bool{"-1": true, "thumbsdown": true, "x": true, "disappointed": true, "rage": true,
		"cry": true, "confused": true, "warning": true}
)

type Adapter struct {
	client *providers.Client

	mu       sync.Mutex
	channels map[string]cachedChannels
	now      func() time.Time
}

type cachedChannels struct {
	list      []channel
	fetchedAt time.Time
}

func New(baseURL string, minInterval time.Duration, httpClient *http.Client) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if minInterval == 0 {
		minInterval = 1200 * time.Millisecond
	}
	return &Adapter{
		client:   providers.NewClient(models.ProviderSlack, baseURL, minInterval, httpClient),
		channels: make(map[string]cachedChannels),
		now:      time.Now,
	}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderSlack
}

type apiResponse struct {
	OK               bool   `json:"ok"`
	Error            string `json:"error"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// call issues a GET and maps Slack's ok:false envelope to the failure taxonomy.
func (a *Adapter) call(ctx context.Context, op, method string, query url.Values, token string, out interface{}) error {
	body, err := a.client.Get(ctx, op, "/"+method, query, token)
	if err != nil {
		return err
	}

	var base apiResponse
	if err := json.Unmarshal(body, &base); err != nil {
		return syncerr.Malformed(string(models.ProviderSlack), op, err)
	}
	if !base.OK {
		cause := fmt.Errorf("%s: %s", method, base.Error)
		switch {
		case authErrors[base.Error]:
			return syncerr.CredentialsInvalid(string(models.ProviderSlack), op, cause)
		case base.Error == "ratelimited":
			return syncerr.RateLimited(string(models.ProviderSlack), op, 0, cause)
		default:
			return syncerr.Malformed(string(models.ProviderSlack), op, cause)
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return syncerr.Malformed(string(models.ProviderSlack), op, err)
	}
	return nil
}

type channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// listChannels returns the channels to sync sorted by id.
func (a *Adapter) listChannels(ctx context.Context, token string, cfg map[string]interface{}) ([]channel, error) {
	if ids := providers.ConfigStrings(cfg, "channels"); len(ids) > 0 {
		out := make([]channel, len(ids))
		for i, id := range ids {
			out[i] = channel{ID: strings.TrimSpace(id)}
		}
		sortChannels(out)
		return out, nil
	}

	a.mu.Lock()
	cached, ok := a.channels[token]
	a.mu.Unlock()
	if ok && a.now().Sub(cached.fetchedAt) < channelCacheTTL {
		return cached.list, nil
	}

	all, err := a.fetchChannels(ctx, token)
	if err != nil {
		return nil, err
	}
	sortChannels(all)

	a.mu.Lock()
	now := a.now()
	for key, c := range a.channels {
		if now.Sub(c.fetchedAt) >= channelCacheTTL {
			delete(a.channels, key)
		}
	}
	a.channels[token] = cachedChannels{list: all, fetchedAt: now}
	a.mu.Unlock()
	return all, nil
}

func (a *Adapter) fetchChannels(ctx context.Context, token string) ([]channel, error) {
	var all []channel
	cursor := ""
	for {
		q := url.Values{
			"types":            {"public_channel,private_channel"},
			"exclude_archived": {"true"},
			"limit":            {strconv.Itoa(channelLimit)},
		}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp struct {
			apiResponse
			Channels []channel `json:"channels"`
		}
		if err := a.call(ctx, "list_channels", "conversations.list", q, token, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Channels...)
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			return all, nil
		}
	}
}

func sortChannels(chans []channel) {
	sort.Slice(chans, func(i, j int) bool { return chans[i].ID < chans[j].ID })
}

// Cursors are "<channel id>|<slack cursor>" so a sync can resume inside the
// history of a channel even when channels were added or archived meanwhile.
func parseCursor(c string) (string, string) {
	id, rest, ok := strings.Cut(c, "|")
	if !ok {
		return "", ""
	}
	return id, rest
}

func formatCursor(channelID, cursor string) string {
	return channelID + "|" + cursor
}

type reaction struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type message struct {
	Type       string     `json:"type"`
	Subtype    string     `json:"subtype"`
	User       string     `json:"user"`
	BotID      string     `json:"bot_id"`
	Text       string     `json:"text"`
	TS         string     `json:"ts"`
	ThreadTS   string     `json:"thread_ts"`
	ReplyCount int        `json:"reply_count"`
	Reactions  []reaction `json:"reactions"`
	Files      []struct {
		Name string `json:"name"`
	} `json:"files"`
}

type item struct {
	Channel     string  `json:"channel"`
	ChannelName string  `json:"channel_name,omitempty"`
	Message     message `json:"message"`
}

func (a *Adapter) ListPage(ctx context.Context, req providers.ListRequest) (*providers.Page, error) {
	chans, err := a.listChannels(ctx, req.AccessToken, req.Config)
	if err != nil {
		return nil, err
	}

	channelID, cursor := parseCursor(req.Cursor)
	idx := sort.Search(len(chans), func(i int) bool { return chans[i].ID >= channelID })
	if idx == len(chans) {
		return &providers.Page{}, nil
	}
	ch := chans[idx]
	if ch.ID != channelID {
		// The channel is gone; its history cursor means nothing for the next one.
		cursor = ""
	}

	q := url.Values{"channel": {ch.ID}, "limit": {strconv.Itoa(historyLimit)}}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if req.Since != nil {
		q.Set("oldest", strconv.FormatInt(req.Since.Unix(), 10))
	}

	var resp struct {
		apiResponse
		Messages []message `json:"messages"`
		HasMore  bool      `json:"has_more"`
	}
	if err := a.call(ctx, "history", "conversations.history", q, req.AccessToken, &resp); err != nil {
		return nil, err
	}

	page := &providers.Page{}
	for _, m := range resp.Messages {
		if ignoredSubtypes[m.Subtype] {
			continue
		}
		raw, err := json.Marshal(item{Channel: ch.ID, ChannelName: ch.Name, Message: m})
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, raw)
	}

	switch {
	case resp.HasMore && resp.ResponseMetadata.NextCursor != "":
		page.NextCursor = formatCursor(ch.ID, resp.ResponseMetadata.NextCursor)
		page.HasMore = true
	case idx+1 < len(chans):
		page.NextCursor = formatCursor(chans[idx+1].ID, "")
		page.HasMore = true
	}
	return page, nil
}

func (a *Adapter) Normalize(raw json.RawMessage) (*models.Record, error) {
	var it item
	if err := json.Unmarshal(raw, &it); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderSlack), "normalize", err)
	}
	if it.Channel == "" || it.Message.TS == "" {
		return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderSlack), "normalize", "message without channel or ts")
	}
	return normalizeMessage(it.Channel, it.ChannelName, &it.Message), nil
}

func normalizeMessage(channelID, channelName string, m *message) *models.Record {
	var tags []string
	if m.ThreadTS != "" || m.ReplyCount > 0 {
		tags = append(tags, "thread")
	}
	if len(m.Files) > 0 {
		tags = append(tags, "has_files")
	}
	if s := sentiment(m.Reactions); s != "" {
		tags = append(tags, "sentiment:"+s)
	}

	files := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		files = append(files, f.Name)
	}
	reactions := make(map[string]interface{}, len(m.Reactions))
	for _, r := range m.Reactions {
		reactions[r.Name] = r.Count
	}

	name := channelName
	if name == "" {
		name = channelID
	}
	author := m.User
	if author == "" {
		author = m.BotID
	}

	return &models.Record{
		Provider:   models.ProviderSlack,
		ExternalID: providers.ExternalID(models.ProviderSlack, channelID+":"+m.TS),
		Type:       "message",
		Content:    m.Text,
		SourceURL:  "https://slack.com/archives/" + channelID + "/p" + strings.Replace(m.TS, ".", "", 1),
		SourceName: "Slack",
		Metadata: map[string]interface{}{
			"channel_id":  channelID,
			"ts":          m.TS,
			"thread_ts":   m.ThreadTS,
			"reply_count": m.ReplyCount,
			"reactions":   reactions,
			"files":       files,
		},
		Timestamp: parseTS(m.TS),
		Author:    author,
		Channel:   name,
		Tags:      tags,
	}
}

func sentiment(reactions []reaction) string {
	var pos, neg int
	for _, r := range reactions {
		name, _, _ := strings.Cut(r.Name, "::") // skin tone variants
		switch {
		case positiveReactions[name]:
			pos += r.Count
		case negativeReactions[name]:
			neg += r.Count
		}
	}
	switch {
	case pos > neg:
		return "positive"
	case neg > pos:
		return "negative"
	}
	return ""
}

func parseTS(ts string) time.Time {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC().Truncate(time.Microsecond)
}

type eventEnvelope struct {
	Type      string          `json:"type"`
	Challenge string          `json:"challenge"`
	TeamID    string          `json:"team_id"`
	EventID   string          `json:"event_id"`
	EventTime int64           `json:"event_time"`
	Event     json.RawMessage `json:"event"`
}

type event struct {
	message
	Channel string `json:"channel"`
}

func (a *Adapter) VerifyWebhook(header http.Header, body []byte, secret string) error {
	sig := header.Get("X-Slack-Signature")
	ts := header.Get("X-Slack-Request-Timestamp")
	if !strings.HasPrefix(sig, "v0=") || ts == "" {
		return webhooks.ErrSignatureInvalid
	}
	base := make([]byte, 0, len(ts)+len(body)+4)
	base = append(base, "v0:"+ts+":"...)
	base = append(base, body...)
	return webhooks.Verify(secret, base, strings.TrimPrefix(sig, "v0="))
}

func (a *Adapter) DescribeWebhook(header http.Header, body []byte) (*providers.Delivery, error) {
	if err := envelope.Validate(body); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderSlack), "describe_webhook", err)
	}
	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderSlack), "describe_webhook", err)
	}

	d := &providers.Delivery{EventType: env.Type, TeamID: env.TeamID}
	if secs, err := strconv.ParseInt(header.Get("X-Slack-Request-Timestamp"), 10, 64); err == nil {
		d.SentAt = time.Unix(secs, 0)
	}

	switch env.Type {
	case "url_verification":
		d.ID = "url_verification"
		d.Challenge = env.Challenge
		return d, nil
	case "app_rate_limited":
		d.ID = "app_rate_limited"
		d.Ignore = true
		return d, nil
	}

	var ev event
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderSlack), "describe_webhook", err)
	}
	d.ID = env.EventID
	d.EventType = ev.Type
	d.Action = ev.Subtype
	if ev.Channel != "" && ev.TS != "" {
		d.ExternalID = ev.Channel + ":" + ev.TS
	}
	return d, nil
}

func (a *Adapter) NormalizeWebhook(ctx context.Context, in providers.WebhookInput) (*models.Record, error) {
	var env eventEnvelope
	if err := json.Unmarshal(in.Body, &env); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderSlack), "normalize_webhook", err)
	}
	if env.Type != "event_callback" || len(env.Event) == 0 {
		return nil, nil
	}

	var ev event
	if err := json.Unmarshal(env.Event, &ev); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderSlack), "normalize_webhook", err)
	}
	if ev.Type != "message" || ignoredSubtypes[ev.Subtype] {
		return nil, nil
	}
	if ev.Channel == "" || ev.TS == "" {
		return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderSlack), "normalize_webhook", "message event without channel or ts")
	}
	return normalizeMessage(ev.Channel, "", &ev.message), nil
}

// Account reads the team from the OAuth v2 access response, falling back to auth.test.
func (a *Adapter) Account(ctx context.Context, token *oauth2.Token) (*models.AccountInfo, error) {
	if team, ok := token.Extra("team").(map[string]interface{}); ok {
		id, _ := team["id"].(string)
		name, _ := team["name"].(string)
		if id != "" {
			return &models.AccountInfo{TeamID: id, TeamName: name}, nil
		}
	}

	var resp struct {
		apiResponse
		TeamID string `json:"team_id"`
		Team   string `json:"team"`
	}
	if err := a.call(ctx, "auth_test", "auth.test", nil, token.AccessToken, &resp); err != nil {
		return nil, err
	}
	return &models.AccountInfo{TeamID: resp.TeamID, TeamName: resp.Team}, nil
}
