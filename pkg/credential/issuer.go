package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Issuer turns an identity into a secret.
type Issuer interface {
	Issue(ctx context.Context, identity string) (string, error)
}

// IssuerFunc adapts a function to the Issuer interface.
type IssuerFunc func(ctx context.Context, identity string) (string, error)

// Issue calls f.
func (f IssuerFunc) Issue(ctx context.Context, identity string) (string, error) {
	return f(ctx, identity)
}

// Defaults for the token service.
const (
	DefaultIssuerURL   = "http://localhost:3001"
	DefaultIssuerPath  = "/github/token"
	DefaultIssuerParam = "team"

	// maxErrorBody bounds how much of an error response is kept for the error message.
	maxErrorBody = 512
)

// IssuerConfig configures an HTTPIssuer.
type IssuerConfig struct {
	// BaseURL is the token service domain, e.g. "http://localhost:3001".
	BaseURL string

	// Path is the token endpoint path (default "/github/token").
	Path string

	// Param is the query parameter carrying the identity (default "team").
	Param string

	// Bearer is the service credential sent as "Authorization: Bearer <Bearer>".
	Bearer string

	// Timeout bounds each request (default 10s).
	Timeout time.Duration

	// HTTPClient overrides the default client (for testing).
	HTTPClient *http.Client
}

// HTTPIssuer fetches secrets from the token service.
type HTTPIssuer struct {
	baseURL    string
	path       string
	param      string
	bearer     string
	httpClient *http.Client
}

type tokenResponse struct {
	Token string `json:"token"`
}

// NewHTTPIssuer creates an issuer for the token service.
func NewHTTPIssuer(cfg IssuerConfig) *HTTPIssuer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultIssuerURL
	}
	if cfg.Path == "" {
		cfg.Path = DefaultIssuerPath
	}
	if cfg.Param == "" {
		cfg.Param = DefaultIssuerParam
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &HTTPIssuer{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		path:       "/" + strings.TrimLeft(cfg.Path, "/"),
		param:      cfg.Param,
		bearer:     cfg.Bearer,
		httpClient: hc,
	}
}

// Issue requests the secret for identity.
// Any status other than 200, an undecodable body or an empty token is an error.
func (i *HTTPIssuer) Issue(ctx context.Context, identity string) (string, error) {
	endpoint := i.baseURL + i.path + "?" + url.Values{i.param: []string{identity}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if i.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+i.bearer)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: identity %q: %v", ErrIssueFailed, identity, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("%w: identity %q: status %d: %s",
			ErrIssueFailed, identity, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("%w: identity %q: %v", ErrMalformedToken, identity, err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("%w: identity %q: missing 'token' field", ErrMalformedToken, identity)
	}

	return tr.Token, nil
}

// StaticIssuer serves secrets that were supplied directly, bypassing any token service.
type StaticIssuer map[string]string

// Issue returns the configured secret for identity.
func (s StaticIssuer) Issue(_ context.Context, identity string) (string, error) {
	secret, ok := s[identity]
	if !ok || secret == "" {
		return "", fmt.Errorf("%w: no static secret for identity %q", ErrIssueFailed, identity)
	}
	return secret, nil
}

// NewStaticIssuer labels directly supplied secrets as "token-1", "token-2", ...
// and returns the issuer together with the identities in order.
func NewStaticIssuer(secrets []string) (StaticIssuer, []string) {
	issuer := make(StaticIssuer, len(secrets))
	identities := make([]string, 0, len(secrets))
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id := fmt.Sprintf("token-%d", len(identities)+1)
		issuer[id] = s
		identities = append(identities, id)
	}
	return issuer, identities
}
