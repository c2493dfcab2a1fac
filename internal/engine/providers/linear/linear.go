// Package linear adapts the Linear GraphQL API.
package linear

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"actsync/internal/engine/providers"
	"actsync/internal/engine/syncerr"
	"actsync/internal/engine/webhooks"
	"actsync/internal/pkg/schema"
	"actsync/internal/platform/models"
)

const (
	DefaultBaseURL = "https://api.linear.app"
	graphqlPath    = "/graphql"
	pageSize       = 50
)

const issueFields = `
	id identifier title description url priority priorityLabel createdAt updatedAt
	state { name type }
	assignee { name email }
	creator { name }
	team { id key name }
	labels { nodes { name } }`

const issuesQuery = `query Issues($first: Int!, $after: String, $filter: IssueFilter) {
	issues(first: $first, after: $after, filter: $filter, orderBy: updatedAt) {
		nodes {` + issueFields + `}
		pageInfo { hasNextPage endCursor }
	}
}`

const issueQuery = `query Issue($id: String!) { issue(id: $id) {` + issueFields + `} }`

const viewerQuery = `query { viewer { email name organization { id name } } }`

var envelope = schema.MustCompile("linear-webhook", `{
	"type": "object",
	"required": ["type", "action", "data"],
	"properties": {
		"type": {"type": "string"},
		"action": {"type": "string"},
		"organizationId": {"type": "string"},
		"webhookTimestamp": {"type": "number"},
		"data": {
			"type": "object",
			"required": ["id"],
			"properties": {"id": {"type": "string"}}
		}
	}
}`)

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
	return &Adapter{client: providers.NewClient(models.ProviderLinear, baseURL, minInterval, httpClient)}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderLinear
}

type person struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type issue struct {
	ID            string  `json:"id"`
	Identifier    string  `json:"identifier"`
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	URL           string  `json:"url"`
	Priority      float64 `json:"priority"`
	PriorityLabel string  `json:"priorityLabel"`
	CreatedAt     string  `json:"createdAt"`
	UpdatedAt     string  `json:"updatedAt"`
	State         struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"state"`
	Assignee *person `json:"assignee"`
	Creator  *person `json:"creator"`
	Team     struct {
		ID   string `json:"id"`
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"team"`
	Labels struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	} `json:"labels"`
}

func (a *Adapter) ListPage(ctx context.Context, req providers.ListRequest) (*providers.Page, error) {
	vars := map[string]interface{}{"first": pageSize}
	if req.Cursor != "" {
		vars["after"] = req.Cursor
	}
	if req.Since != nil {
		vars["filter"] = map[string]interface{}{
			"updatedAt": map[string]interface{}{"gt": req.Since.UTC().Format(time.RFC3339)},
		}
	}

	var data struct {
		Issues struct {
			Nodes    []json.RawMessage `json:"nodes"`
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
		} `json:"issues"`
	}
	if err := a.client.GraphQL(ctx, "list_issues", graphqlPath, req.AccessToken, issuesQuery, vars, &data); err != nil {
		return nil, err
	}

	next := data.Issues.PageInfo.EndCursor
	if next == "" {
		next = req.Cursor
	}
	return &providers.Page{
		Items:      data.Issues.Nodes,
		NextCursor: next,
		HasMore:    data.Issues.PageInfo.HasNextPage,
	}, nil
}

func (a *Adapter) Normalize(raw json.RawMessage) (*models.Record, error) {
	var is issue
	if err := json.Unmarshal(raw, &is); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderLinear), "normalize", err)
	}
	if is.ID == "" {
		return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderLinear), "normalize", "issue without id")
	}
	return normalizeIssue(&is), nil
}

func normalizeIssue(is *issue) *models.Record {
	content := is.Title
	if is.Identifier != "" {
		content = is.Identifier + ": " + is.Title
	}
	if desc := strings.TrimSpace(is.Description); desc != "" {
		content += "\n\n" + desc
	}

	labels := make([]string, 0, len(is.Labels.Nodes))
	for _, l := range is.Labels.Nodes {
		labels = append(labels, l.Name)
	}

	var tags []string
	if is.Team.Key != "" {
		tags = append(tags, providers.Tag(is.Team.Key))
	}
	tags = append(tags, "priority:"+priorityBand(is.Priority))
	if is.State.Type != "" {
		tags = append(tags, providers.Tag(is.State.Type))
	}
	for _, l := range labels {
		tags = append(tags, providers.Tag(l))
	}

	ts := providers.ParseTime(is.UpdatedAt)
	if ts.IsZero() {
		ts = providers.ParseTime(is.CreatedAt)
	}

	author := ""
	switch {
	case is.Assignee != nil:
		author = is.Assignee.Name
	case is.Creator != nil:
		author = is.Creator.Name
	}

	meta := map[string]interface{}{
		"identifier": is.Identifier,
		"state":      is.State.Name,
		"state_type": is.State.Type,
		"priority":   is.PriorityLabel,
		"team":       is.Team.Name,
		"labels":     labels,
	}
	if is.Assignee != nil {
		meta["assignee_email"] = is.Assignee.Email
	}

	return &models.Record{
		Provider:   models.ProviderLinear,
		ExternalID: providers.ExternalID(models.ProviderLinear, is.ID),
		Type:       "issue",
		Content:    content,
		SourceURL:  is.URL,
		SourceName: "Linear",
		Metadata:   meta,
		Timestamp:  ts,
		Author:     author,
		Channel:    is.Team.Key,
		Tags:       tags,
	}
}

func priorityBand(p float64) string {
	switch int(p) {
	case 1:
		return "urgent"
	case 2:
		return "high"
	case 3:
		return "medium"
	case 4:
		return "low"
	default:
		return "none"
	}
}

type webhookPayload struct {
	Type             string          `json:"type"`
	Action           string          `json:"action"`
	OrganizationID   string          `json:"organizationId"`
	WebhookID        string          `json:"webhookId"`
	WebhookTimestamp int64           `json:"webhookTimestamp"`
	URL              string          `json:"url"`
	Data             json.RawMessage `json:"data"`
}

func (a *Adapter) VerifyWebhook(header http.Header, body []byte, secret string) error {
	return webhooks.Verify(secret, body, header.Get("Linear-Signature"))
}

func (a *Adapter) DescribeWebhook(header http.Header, body []byte) (*providers.Delivery, error) {
	if err := envelope.Validate(body); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderLinear), "describe_webhook", err)
	}
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderLinear), "describe_webhook", err)
	}
	var data struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(p.Data, &data); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderLinear), "describe_webhook", err)
	}

	id := header.Get("Linear-Delivery")
	if id == "" {
		id = fmt.Sprintf("%s:%s:%d", p.WebhookID, data.ID, p.WebhookTimestamp)
	}

	d := &providers.Delivery{
		ID:         id,
		EventType:  p.Type,
		Action:     p.Action,
		ExternalID: data.ID,
		TeamID:     p.OrganizationID,
	}
	if p.WebhookTimestamp > 0 {
		d.SentAt = time.UnixMilli(p.WebhookTimestamp)
	}
	return d, nil
}

type comment struct {
	ID        string  `json:"id"`
	Body      string  `json:"body"`
	IssueID   string  `json:"issueId"`
	CreatedAt string  `json:"createdAt"`
	UpdatedAt string  `json:"updatedAt"`
	User      *person `json:"user"`
	Issue     *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"issue"`
}

func (a *Adapter) NormalizeWebhook(ctx context.Context, in providers.WebhookInput) (*models.Record, error) {
	var p webhookPayload
	if err := json.Unmarshal(in.Body, &p); err != nil {
		return nil, syncerr.Malformed(string(models.ProviderLinear), "normalize_webhook", err)
	}
	if p.Action == "remove" {
		return nil, nil
	}

	switch p.Type {
	case "Issue":
		var data struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(p.Data, &data); err != nil || data.ID == "" {
			return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderLinear), "normalize_webhook", "issue event without id")
		}
		var resp struct {
			Issue *issue `json:"issue"`
		}
		err := a.client.GraphQL(ctx, "fetch_issue", graphqlPath, in.AccessToken, issueQuery, map[string]interface{}{"id": data.ID}, &resp)
		if err != nil {
			return nil, err
		}
		if resp.Issue == nil {
			return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderLinear), "fetch_issue", "issue %s not returned", data.ID)
		}
		return normalizeIssue(resp.Issue), nil

	case "Comment":
		var c comment
		if err := json.Unmarshal(p.Data, &c); err != nil || c.ID == "" {
			return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderLinear), "normalize_webhook", "comment event without id")
		}
		return normalizeComment(&c, p.URL), nil
	}
	return nil, nil
}

func normalizeComment(c *comment, url string) *models.Record {
	issueID := c.IssueID
	meta := map[string]interface{}{}
	if c.Issue != nil {
		issueID = c.Issue.ID
		meta["issue_title"] = c.Issue.Title
	}
	meta["issue_id"] = issueID

	ts := providers.ParseTime(c.UpdatedAt)
	if ts.IsZero() {
		ts = providers.ParseTime(c.CreatedAt)
	}
	author := ""
	if c.User != nil {
		author = c.User.Name
	}

	return &models.Record{
		Provider:   models.ProviderLinear,
		ExternalID: providers.ExternalID(models.ProviderLinear, c.ID),
		Type:       "comment",
		Content:    c.Body,
		SourceURL:  url,
		SourceName: "Linear",
		Metadata:   meta,
		Timestamp:  ts,
		Author:     author,
		Tags:       []string{"comment"},
	}
}

func (a *Adapter) Account(ctx context.Context, token *oauth2.Token) (*models.AccountInfo, error) {
	var data struct {
		Viewer struct {
			Email        string `json:"email"`
			Organization struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"organization"`
		} `json:"viewer"`
	}
	if err := a.client.GraphQL(ctx, "viewer", graphqlPath, token.AccessToken, viewerQuery, nil, &data); err != nil {
		return nil, err
	}
	if data.Viewer.Organization.ID == "" {
		return nil, syncerr.Wrapf(syncerr.KindMalformed, string(models.ProviderLinear), "viewer", "viewer without organization")
	}
	return &models.AccountInfo{
		TeamID:    data.Viewer.Organization.ID,
		TeamName:  data.Viewer.Organization.Name,
		UserEmail: data.Viewer.Email,
	}, nil
}
