package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"actsync/internal/engine/syncerr"
	"actsync/internal/platform/models"
)

const maxResponseBytes = 16 << 20

// StatusError carries a rejected response that did not map to a more specific
// kind. It is always wrapped in a Malformed syncerr.Error.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	body := string(e.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("http %d: %s", e.Code, body)
}

// Client is the paced HTTP client shared by adapters.
type Client struct {
	provider string
	baseURL  string
	http     *http.Client
	limiter  *rate.Limiter
}

func NewClient(provider models.Provider, baseURL string, minInterval time.Duration, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Client{
		provider: string(provider),
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) GetJSON(ctx context.Context, op, path string, query url.Values, token string, out interface{}) error {
	body, err := c.Get(ctx, op, path, query, token)
	if err != nil {
		return err
	}
	return c.decode(op, body, out)
}

func (c *Client) Get(ctx context.Context, op, path string, query url.Values, token string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req, op, token)
}

func (c *Client) PostJSON(ctx context.Context, op, path, token string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.Do(req, op, token)
	if err != nil {
		return err
	}
	return c.decode(op, body, out)
}

// Do waits for the pacing limiter, sends req with a bearer token and maps the
// response status to a syncerr kind. The body of a 2xx response is returned.
func (c *Client) Do(req *http.Request, op, token string) ([]byte, error) {
	ctx := req.Context()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, syncerr.FromTransport(c.provider, op, err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	req.Header.Set("User-Agent", "actsync/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncerr.FromTransport(c.provider, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, syncerr.FromTransport(c.provider, op, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, c.classify(op, resp, body)
}

func (c *Client) classify(op string, resp *http.Response, body []byte) error {
	statusErr := &StatusError{Code: resp.StatusCode, Body: body}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return syncerr.CredentialsInvalid(c.provider, op, statusErr)
	case resp.StatusCode == http.StatusTooManyRequests:
		return syncerr.RateLimited(c.provider, op, ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), statusErr)
	case resp.StatusCode == http.StatusForbidden:
		return c.classifyForbidden(op, resp, body, statusErr)
	case resp.StatusCode >= 500:
		return syncerr.New(syncerr.KindTransientNetwork, c.provider, op, statusErr)
	default:
		return syncerr.Malformed(c.provider, op, statusErr)
	}
}

// classifyForbidden splits 403s by the reasons in a Google style error body.
// Quota reasons are rate limits and auth reasons revoke the credentials. Any
// other reason refuses one resource only. A 403 without reasons is treated as
// an auth failure.
func (c *Client) classifyForbidden(op string, resp *http.Response, body []byte, statusErr *StatusError) error {
	if bytes.Contains(body, []byte("ateLimitExceeded")) {
		return syncerr.RateLimited(c.provider, op, ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), statusErr)
	}

	reasons := errorReasons(body)
	for _, r := range reasons {
		switch r {
		case "quotaExceeded", "dailyLimitExceeded":
			return syncerr.RateLimited(c.provider, op, ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), statusErr)
		case "authError", "insufficientPermissions", "invalidCredentials":
			return syncerr.CredentialsInvalid(c.provider, op, statusErr)
		}
	}
	if len(reasons) > 0 {
		return syncerr.Malformed(c.provider, op, statusErr)
	}
	return syncerr.CredentialsInvalid(c.provider, op, statusErr)
}

// errorReasons reads error.errors[].reason and error.details[].reason.
func errorReasons(body []byte) []string {
	var env struct {
		Error struct {
			Errors []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
			Details []struct {
				Reason string `json:"reason"`
			} `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) != nil {
		return nil
	}
	var reasons []string
	for _, e := range env.Error.Errors {
		if e.Reason != "" {
			reasons = append(reasons, e.Reason)
		}
	}
	for _, d := range env.Error.Details {
		if d.Reason != "" {
			reasons = append(reasons, d.Reason)
		}
	}
	return reasons
}

// Refused reports whether err is a non-auth rejection of a single resource,
// such as a 403 with a per-file reason or a 404.
func Refused(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || syncerr.KindOf(err) != syncerr.KindMalformed {
		return false
	}
	return statusErr.Code == http.StatusForbidden || statusErr.Code == http.StatusNotFound
}

func (c *Client) decode(op string, body []byte, out interface{}) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return syncerr.Malformed(c.provider, op, err)
	}
	return nil
}

type GraphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
		Type string `json:"type"`
	} `json:"extensions"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors"`
}

// GraphQL posts a query and decodes its data field into out. Error entries are
// mapped to the failure taxonomy, including when they arrive with a 4xx status.
func (c *Client) GraphQL(ctx context.Context, op, path, token, query string, variables map[string]interface{}, out interface{}) error {
	var resp graphQLResponse
	err := c.PostJSON(ctx, op, path, token, map[string]interface{}{"query": query, "variables": variables}, &resp)

	var statusErr *StatusError
	if err != nil && errors.As(err, &statusErr) && syncerr.KindOf(err) == syncerr.KindMalformed {
		if json.Unmarshal(statusErr.Body, &resp) != nil || len(resp.Errors) == 0 {
			return err
		}
	} else if err != nil {
		return err
	}

	if len(resp.Errors) > 0 {
		return c.classifyGraphQL(op, resp.Errors)
	}
	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return syncerr.Wrapf(syncerr.KindMalformed, c.provider, op, "graphql response without data")
	}
	return c.decode(op, resp.Data, out)
}

func (c *Client) classifyGraphQL(op string, errs []GraphQLError) error {
	first := errs[0]
	cause := fmt.Errorf("graphql: %s", first.Message)
	code := strings.ToUpper(first.Extensions.Code + " " + first.Extensions.Type)
	msg := strings.ToLower(first.Message)

	switch {
	case strings.Contains(code, "AUTHENTICATION") || strings.Contains(code, "UNAUTHENTICATED") ||
		strings.Contains(code, "FORBIDDEN") || strings.Contains(msg, "not authenticated") ||
		strings.Contains(msg, "invalid api key"):
		return syncerr.CredentialsInvalid(c.provider, op, cause)
	case strings.Contains(code, "RATELIMITED") || strings.Contains(code, "RATE_LIMIT") ||
		strings.Contains(code, "TOO_MANY_REQUESTS"):
		return syncerr.RateLimited(c.provider, op, 0, cause)
	default:
		return syncerr.Malformed(c.provider, op, cause)
	}
}

// ParseRetryAfter reads a Retry-After header in either seconds or HTTP-date form.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
