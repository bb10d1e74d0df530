// Package rest is a plain net/http transport for GitHub's REST API.
//
// It speaks the page/per_page convention directly and turns every response
// into a client.Outcome, so any list endpoint can be harvested without a
// dedicated binding:
//
//	api, _ := rest.New(rest.DefaultConfig())
//	stargazers := rest.Pages[User](api, "stargazers", "/repos/octo/repo/stargazers", nil)
//	for u, err := range pagination.FetchAll(ctx, fetcher, stargazers) { ... }
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/gh-harvester/pkg/client"
	"github.com/Sternrassler/gh-harvester/pkg/pagination"
	"github.com/Sternrassler/gh-harvester/pkg/ratelimit"
	"github.com/google/go-querystring/query"
)

const (
	// DefaultBaseURL is the public GitHub API.
	DefaultBaseURL = "https://api.github.com/"

	// DefaultUserAgent identifies the harvester.
	DefaultUserAgent = "gh-harvester"

	maxErrorBody = 1024
)

// Config holds the transport configuration.
type Config struct {
	// BaseURL of the API, e.g. "https://api.github.com/" or a GHES "/api/v3/" root.
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout per request (default 30s). Ignored when HTTPClient is set.
	Timeout time.Duration

	// HTTPClient overrides the default client, e.g. to add a cache.Transport.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		UserAgent: DefaultUserAgent,
		Timeout:   30 * time.Second,
	}
}

// Client performs authenticated GitHub REST calls.
type Client struct {
	baseURL    *url.URL
	userAgent  string
	httpClient *http.Client
}

// New creates a new REST transport.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:    base,
		userAgent:  cfg.UserAgent,
		httpClient: hc,
	}, nil
}

// newRequest creates a GET request for path with the query encoded from params.
func (c *Client) newRequest(ctx context.Context, secret, path string, params url.Values) (*http.Request, error) {
	rel := &url.URL{Path: strings.TrimLeft(path, "/")}
	u := c.baseURL.ResolveReference(rel)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.userAgent)
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	return req, nil
}

// encode merges the query values of every non-nil option struct.
func encode(opts ...any) (url.Values, error) {
	out := url.Values{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		v, err := query.Values(opt)
		if err != nil {
			return nil, fmt.Errorf("encode query: %w", err)
		}
		for k, vals := range v {
			out[k] = vals
		}
	}
	return out, nil
}

// Get fetches path and decodes the JSON body into T.
// params is a struct with `url` tags, or nil.
func Get[T any](ctx context.Context, c *Client, secret, path string, params any) (T, client.Outcome) {
	values, err := encode(params)
	if err != nil {
		var zero T
		return zero, client.Fatal(0, err)
	}
	return get[T](ctx, c, secret, path, values)
}

func get[T any](ctx context.Context, c *Client, secret, path string, values url.Values) (T, client.Outcome) {
	var zero T

	req, err := c.newRequest(ctx, secret, path, values)
	if err != nil {
		return zero, client.Fatal(0, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return zero, client.Fatal(0, fmt.Errorf("%w: %v", client.ErrUnclassified, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return zero, client.FromResponse(resp.StatusCode, resp.Header, errorMessage(body, resp.Status))
	}

	var quota *ratelimit.Quota
	if q, ok := ratelimit.ParseHeaders(resp.Header); ok {
		quota = &q
	}

	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		out := client.Fatal(resp.StatusCode, fmt.Errorf("%w: %s: %v", client.ErrMalformedResponse, path, err))
		out.Quota = quota
		return zero, out
	}

	return v, client.Success(quota)
}

// Pages describes the collection at path as a paginated resource.
// params holds the endpoint filters; page and per_page come from the cursor.
func Pages[T any](c *Client, name, path string, params any) pagination.Resource[T] {
	return pagination.Resource[T]{
		Name:   strings.TrimSpace(name + " " + strings.Trim(path, "/")),
		Metric: name,
		Fetch: func(ctx context.Context, secret string, cur pagination.Cursor) ([]T, client.Outcome) {
			values, err := encode(params, cur)
			if err != nil {
				return nil, client.Fatal(0, err)
			}
			return get[[]T](ctx, c, secret, path, values)
		},
	}
}

type rateLimitResponse struct {
	Resources struct {
		Core struct {
			Limit     int   `json:"limit"`
			Remaining int   `json:"remaining"`
			Used      int   `json:"used"`
			Reset     int64 `json:"reset"`
		} `json:"core"`
	} `json:"resources"`
}

// Quota queries /rate_limit for secret. The call itself is not counted by GitHub.
func (c *Client) Quota(ctx context.Context, secret string) (ratelimit.Quota, error) {
	rl, out := Get[rateLimitResponse](ctx, c, secret, "/rate_limit", nil)
	if out.Kind != client.KindSuccess {
		if out.Err != nil {
			return ratelimit.Quota{}, fmt.Errorf("rate limit status: %w", out.Err)
		}
		return ratelimit.Quota{}, fmt.Errorf("rate limit status: %s", out)
	}

	core := rl.Resources.Core
	return ratelimit.Quota{
		Limit:      core.Limit,
		Remaining:  core.Remaining,
		Used:       core.Used,
		Reset:      time.Unix(core.Reset, 0),
		Resource:   "core",
		ObservedAt: time.Now(),
	}, nil
}

// errorMessage extracts GitHub's {"message": "..."} from an error body.
func errorMessage(body []byte, fallback string) string {
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return e.Message
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return fallback
}
