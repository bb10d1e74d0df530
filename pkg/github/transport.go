// Package github adapts go-github to the paginated harvesting core.
//
// Each secret gets its own go-github client, authenticated through an
// oauth2 static token source. Every list call is exposed as a
// pagination.Resource and every error is mapped onto a client.Outcome, so
// rate limits and revoked tokens are handled by client.Execute rather than
// by the caller.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/gh-harvester/pkg/client"
	"github.com/Sternrassler/gh-harvester/pkg/pagination"
	"github.com/Sternrassler/gh-harvester/pkg/ratelimit"
	gh "github.com/google/go-github/v80/github"
	"golang.org/x/oauth2"
)

const (
	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultUserAgent identifies the harvester.
	DefaultUserAgent = "gh-harvester"

	// DefaultMaxClients bounds the number of cached per-secret clients.
	DefaultMaxClients = 64
)

// Config holds the transport configuration.
type Config struct {
	// BaseURL of the API. Empty means api.github.com.
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout per request.
	Timeout time.Duration

	// Base is the round tripper underneath the token injection,
	// e.g. a cache.Transport. Nil means http.DefaultTransport.
	Base http.RoundTripper

	// MaxClients bounds the per-secret client cache. Refreshed secrets
	// push out the oldest clients once the bound is reached.
	MaxClients int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		UserAgent:  DefaultUserAgent,
		Timeout:    DefaultTimeout,
		MaxClients: DefaultMaxClients,
	}
}

// Filter narrows pull request and issue listings.
type Filter struct {
	State     string
	Sort      string
	Direction string
}

// DefaultFilter lists closed items, newest first.
func DefaultFilter() Filter {
	return Filter{State: "closed", Sort: "created", Direction: "desc"}
}

// Transport builds go-github clients per secret.
type Transport struct {
	config  Config
	baseURL *url.URL

	mu      sync.Mutex
	clients map[string]*gh.Client
	order   []string
}

// New creates a new transport.
func New(cfg Config) (*Transport, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Base == nil {
		cfg.Base = http.DefaultTransport
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}

	t := &Transport{
		config:  cfg,
		clients: make(map[string]*gh.Client),
	}

	if cfg.BaseURL != "" {
		raw := cfg.BaseURL
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("base url must be absolute (got %q)", cfg.BaseURL)
		}
		t.baseURL = u
	}

	return t, nil
}

// client returns the go-github client for secret, creating it on first use.
// The oldest client is dropped when the cache is full.
func (t *Transport) client(secret string) *gh.Client {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[secret]; ok {
		return c
	}

	hc := &http.Client{
		Timeout: t.config.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: secret}),
			Base:   t.config.Base,
		},
	}
	c := gh.NewClient(hc)
	c.UserAgent = t.config.UserAgent
	if t.baseURL != nil {
		u := *t.baseURL
		c.BaseURL = &u
	}

	if len(t.order) >= t.config.MaxClients {
		delete(t.clients, t.order[0])
		t.order = t.order[1:]
	}
	t.clients[secret] = c
	t.order = append(t.order, secret)
	return c
}

// listFunc performs one go-github list call for a page.
type listFunc[T any] func(ctx context.Context, c *gh.Client, opts gh.ListOptions) ([]T, *gh.Response, error)

func resource[T any](t *Transport, kind, name string, list listFunc[T]) pagination.Resource[T] {
	return pagination.Resource[T]{
		Name:   kind + " " + name,
		Metric: kind,
		Fetch: func(ctx context.Context, secret string, cur pagination.Cursor) ([]T, client.Outcome) {
			items, resp, err := list(ctx, t.client(secret), gh.ListOptions{Page: cur.Page, PerPage: cur.PerPage})
			if err != nil {
				return nil, Classify(resp, err)
			}
			return items, client.Success(quotaOf(resp))
		},
	}
}

// PullRequests lists the pull requests of owner/repo.
func (t *Transport) PullRequests(owner, repo string, f Filter) pagination.Resource[*gh.PullRequest] {
	return resource(t, "pulls", owner+"/"+repo,
		func(ctx context.Context, c *gh.Client, lo gh.ListOptions) ([]*gh.PullRequest, *gh.Response, error) {
			return c.PullRequests.List(ctx, owner, repo, &gh.PullRequestListOptions{
				State:       f.State,
				Sort:        f.Sort,
				Direction:   f.Direction,
				ListOptions: lo,
			})
		})
}

// Issues lists the issues of owner/repo. GitHub includes pull requests in this listing.
func (t *Transport) Issues(owner, repo string, f Filter) pagination.Resource[*gh.Issue] {
	return resource(t, "issues", owner+"/"+repo,
		func(ctx context.Context, c *gh.Client, lo gh.ListOptions) ([]*gh.Issue, *gh.Response, error) {
			return c.Issues.ListByRepo(ctx, owner, repo, &gh.IssueListByRepoOptions{
				State:       f.State,
				Sort:        f.Sort,
				Direction:   f.Direction,
				ListOptions: lo,
			})
		})
}

// Commits lists the commits on the default branch of owner/repo.
func (t *Transport) Commits(owner, repo string) pagination.Resource[*gh.RepositoryCommit] {
	return resource(t, "commits", owner+"/"+repo,
		func(ctx context.Context, c *gh.Client, lo gh.ListOptions) ([]*gh.RepositoryCommit, *gh.Response, error) {
			return c.Repositories.ListCommits(ctx, owner, repo, &gh.CommitsListOptions{ListOptions: lo})
		})
}

// IssueComments lists the comments of issue or pull request number.
// Number 0 lists the comments of every issue in the repository.
func (t *Transport) IssueComments(owner, repo string, number int) pagination.Resource[*gh.IssueComment] {
	name := owner + "/" + repo
	if number != 0 {
		name = fmt.Sprintf("%s#%d", name, number)
	}
	return resource(t, "comments", name,
		func(ctx context.Context, c *gh.Client, lo gh.ListOptions) ([]*gh.IssueComment, *gh.Response, error) {
			return c.Issues.ListComments(ctx, owner, repo, number, &gh.IssueListCommentsOptions{ListOptions: lo})
		})
}

// PullCommits lists the commits of pull request number.
func (t *Transport) PullCommits(owner, repo string, number int) pagination.Resource[*gh.RepositoryCommit] {
	return resource(t, "pull_commits", fmt.Sprintf("%s/%s#%d", owner, repo, number),
		func(ctx context.Context, c *gh.Client, lo gh.ListOptions) ([]*gh.RepositoryCommit, *gh.Response, error) {
			return c.PullRequests.ListCommits(ctx, owner, repo, number, &lo)
		})
}

// Repository fetches owner/repo. Use it as a client.Operation.
func (t *Transport) Repository(owner, repo string) client.Operation[*gh.Repository] {
	return func(ctx context.Context, secret string) (*gh.Repository, client.Outcome) {
		r, resp, err := t.client(secret).Repositories.Get(ctx, owner, repo)
		if err != nil {
			return nil, Classify(resp, err)
		}
		return r, client.Success(quotaOf(resp))
	}
}

// Quota reports the core rate limit of secret. GitHub does not count this call.
func (t *Transport) Quota(ctx context.Context, secret string) (ratelimit.Quota, error) {
	limits, _, err := t.client(secret).RateLimit.Get(ctx)
	if err != nil {
		return ratelimit.Quota{}, fmt.Errorf("rate limit status: %w", err)
	}
	if limits == nil || limits.Core == nil {
		return ratelimit.Quota{}, fmt.Errorf("rate limit status: %w: no core limit", client.ErrMalformedResponse)
	}
	q := rateToQuota(*limits.Core)
	if q.Resource == "" {
		q.Resource = "core"
	}
	return q, nil
}

// Classify maps a go-github error onto an outcome.
func Classify(resp *gh.Response, err error) client.Outcome {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		q := rateToQuota(rateErr.Rate)
		if status == 0 {
			status = http.StatusForbidden
		}
		return client.RateLimited(status, &q, 0)
	}

	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		var retryAfter time.Duration
		if abuseErr.RetryAfter != nil {
			retryAfter = *abuseErr.RetryAfter
		}
		if status == 0 {
			status = http.StatusForbidden
		}
		return client.RateLimited(status, quotaOf(resp), retryAfter)
	}

	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		return client.FromResponse(errResp.Response.StatusCode, errResp.Response.Header, errResp.Message)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		out := client.Fatal(status, fmt.Errorf("%w: %v", client.ErrMalformedResponse, err))
		out.Quota = quotaOf(resp)
		return out
	}

	return client.Fatal(status, fmt.Errorf("%w: %w", client.ErrUnclassified, err))
}

func quotaOf(resp *gh.Response) *ratelimit.Quota {
	if resp == nil || resp.Rate.Limit == 0 {
		return nil
	}
	q := rateToQuota(resp.Rate)
	return &q
}

func rateToQuota(r gh.Rate) ratelimit.Quota {
	return ratelimit.Quota{
		Limit:      r.Limit,
		Remaining:  r.Remaining,
		Used:       r.Used,
		Reset:      r.Reset.Time,
		Resource:   r.Resource,
		ObservedAt: time.Now(),
	}
}
