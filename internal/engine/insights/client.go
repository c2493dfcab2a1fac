// Package insights calls the external summarization and tagging service.
package insights

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"actsync/internal/engine/providers"
	"actsync/internal/engine/syncerr"
	"actsync/internal/pkg/schema"
	"actsync/internal/platform/config"
	"actsync/internal/platform/models"
)

const service = "insights"

var ErrNotConfigured = errors.New("insights service not configured")

var (
	summaryResponse = schema.MustCompile("insights-summary", `{
		"type": "object",
		"required": ["summary"],
		"properties": {"summary": {"type": "string", "minLength": 1}}
	}`)
	tagResponse = schema.MustCompile("insights-tags", `{
		"type": "object",
		"required": ["tags"],
		"properties": {"tags": {"type": "array", "items": {"type": "string"}}}
	}`)
)

type Client struct {
	http   *providers.Client
	apiKey string
}

func New(cfg config.InsightsConfig, httpClient *http.Client) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		http:   providers.NewClient(models.Provider(service), cfg.BaseURL, 0, httpClient),
		apiKey: cfg.APIKey,
	}, nil
}

func (c *Client) Summarize(ctx context.Context, content string) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	if err := c.post(ctx, "summarize", "/v1/summarize", content, summaryResponse, &resp); err != nil {
		return "", err
	}
	return resp.Summary, nil
}

func (c *Client) Tag(ctx context.Context, content string) ([]string, error) {
	var resp struct {
		Tags []string `json:"tags"`
	}
	if err := c.post(ctx, "tag", "/v1/tag", content, tagResponse, &resp); err != nil {
		return nil, err
	}
	return resp.Tags, nil
}

func (c *Client) post(ctx context.Context, op, path, content string, v *schema.Validator, out interface{}) error {
	payload, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.http.BaseURL()+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.http.Do(req, op, c.apiKey)
	if err != nil {
		return err
	}
	if err := v.Validate(body); err != nil {
		return syncerr.Malformed(service, op, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return syncerr.Malformed(service, op, err)
	}
	return nil
}
