// Package testutil provides a mock GitHub API and token service for tests.
package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultLimit is the hourly quota reported for every identity.
const DefaultLimit = 5000

// MockResponse defines a fixed response for a path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockGitHub is a configurable GitHub REST API plus token service.
//
// Secrets are issued by GET /github/token?team=<identity> and are bound to
// their identity. Each identity has its own quota; once it reaches zero the
// API answers 403 with X-RateLimit-Remaining: 0 until SetQuota raises it.
// Collections registered with SetCollection are served page by page and
// carry ETags, so conditional requests are answered with 304.
type MockGitHub struct {
	server *httptest.Server
	mu     sync.Mutex

	bearer      string
	identities  map[string]bool
	issued      map[string]int
	owner       map[string]string
	revoked     map[string]bool
	failIssue   map[string]int
	remaining   map[string]int
	collections map[string][]json.RawMessage
	handlers    map[string]http.HandlerFunc

	// Tracking
	RequestCount      int
	TokenRequests     int
	ConditionalCount  int
	PageRequests      map[string][]int
	LastRequestHeader http.Header
}

// NewMockGitHub starts a mock serving the given identities.
// The token endpoint requires "Authorization: Bearer <bearer>" unless bearer is empty.
func NewMockGitHub(bearer string, identities ...string) *MockGitHub {
	m := &MockGitHub{
		bearer:       bearer,
		identities:   make(map[string]bool),
		issued:       make(map[string]int),
		owner:        make(map[string]string),
		revoked:      make(map[string]bool),
		failIssue:    make(map[string]int),
		remaining:    make(map[string]int),
		collections:  make(map[string][]json.RawMessage),
		handlers:     make(map[string]http.HandlerFunc),
		PageRequests: make(map[string][]int),
	}
	for _, id := range identities {
		m.identities[id] = true
		m.remaining[id] = DefaultLimit
	}

	m.server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// URL returns the server URL without a trailing slash.
func (m *MockGitHub) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockGitHub) Close() {
	m.server.Close()
}

// Client returns an HTTP client for the server.
func (m *MockGitHub) Client() *http.Client {
	return m.server.Client()
}

// AddSecret registers a secret directly, bypassing the token service.
func (m *MockGitHub) AddSecret(identity, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identities[identity] = true
	if _, ok := m.remaining[identity]; !ok {
		m.remaining[identity] = DefaultLimit
	}
	m.owner[secret] = identity
}

// SetQuota sets the remaining requests of identity.
func (m *MockGitHub) SetQuota(identity string, remaining int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remaining[identity] = remaining
}

// Quota returns the remaining requests of identity.
func (m *MockGitHub) Quota(identity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining[identity]
}

// Revoke makes every secret issued so far for identity answer 401.
// Secrets issued afterwards are accepted again.
func (m *MockGitHub) Revoke(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for secret, owner := range m.owner {
		if owner == identity {
			m.revoked[secret] = true
		}
	}
}

// FailIssue makes the next n token requests for identity fail with 500.
// A negative n fails them forever.
func (m *MockGitHub) FailIssue(identity string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failIssue[identity] = n
}

// Issued returns how many secrets were issued for identity.
func (m *MockGitHub) Issued(identity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issued[identity]
}

// SetCollection serves items as a paginated JSON array at path.
func (m *MockGitHub) SetCollection(path string, items any) error {
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("collection must be an array: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[path] = raw
	return nil
}

// SetHandler sets a custom handler for a specific path. Authentication and
// quota accounting still apply.
func (m *MockGitHub) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockGitHub) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			_, _ = w.Write([]byte(resp.Body))
		}
	})
}

// Pages returns the page numbers requested for path, in order.
func (m *MockGitHub) Pages(path string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.PageRequests[path]...)
}

// GetRequestCount returns the number of API requests, excluding the token service.
func (m *MockGitHub) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// GetConditionalCount returns the number of conditional requests.
func (m *MockGitHub) GetConditionalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConditionalCount
}

func (m *MockGitHub) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	if r.URL.Path == "/github/token" {
		m.serveToken(w, r)
		return
	}

	m.mu.Lock()
	m.RequestCount++
	m.LastRequestHeader = r.Header.Clone()
	conditional := r.Header.Get("If-None-Match") != ""
	if conditional {
		m.ConditionalCount++
	}

	secret := bearerToken(r.Header.Get("Authorization"))
	identity, known := m.owner[secret]
	if !known || m.revoked[secret] {
		m.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "Bad credentials")
		return
	}

	if r.URL.Path == "/rate_limit" {
		remaining := m.remaining[identity]
		m.mu.Unlock()
		writeRateLimit(w, remaining)
		return
	}

	if m.remaining[identity] <= 0 {
		m.mu.Unlock()
		setQuotaHeaders(w, 0)
		writeError(w, http.StatusForbidden, "API rate limit exceeded for "+identity)
		return
	}
	if !conditional {
		m.remaining[identity]--
	}
	remaining := m.remaining[identity]

	handler, hasHandler := m.handlers[r.URL.Path]
	items, hasCollection := m.collections[r.URL.Path]
	page := 0
	if hasCollection {
		page = intParam(r, "page", 1)
		m.PageRequests[r.URL.Path] = append(m.PageRequests[r.URL.Path], page)
	}
	m.mu.Unlock()

	setQuotaHeaders(w, remaining)

	switch {
	case hasHandler:
		handler(w, r)
	case hasCollection:
		servePage(w, r, items, page)
	default:
		writeError(w, http.StatusNotFound, "Not Found")
	}
}

func (m *MockGitHub) serveToken(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TokenRequests++

	if m.bearer != "" && r.Header.Get("Authorization") != "Bearer "+m.bearer {
		writeError(w, http.StatusUnauthorized, "invalid service credential")
		return
	}

	identity := r.URL.Query().Get("team")
	if !m.identities[identity] {
		writeError(w, http.StatusNotFound, "unknown team")
		return
	}

	if n := m.failIssue[identity]; n != 0 {
		if n > 0 {
			m.failIssue[identity] = n - 1
		}
		writeError(w, http.StatusInternalServerError, "token service unavailable")
		return
	}

	m.issued[identity]++
	secret := fmt.Sprintf("ghs_%s_%04d", identity, m.issued[identity])
	m.owner[secret] = identity

	_ = json.NewEncoder(w).Encode(map[string]string{"token": secret})
}

func servePage(w http.ResponseWriter, r *http.Request, items []json.RawMessage, page int) {
	perPage := intParam(r, "per_page", 30)
	start := (page - 1) * perPage
	var slice []json.RawMessage
	if start >= 0 && start < len(items) {
		end := min(start+perPage, len(items))
		slice = items[start:end]
	}
	if slice == nil {
		slice = []json.RawMessage{}
	}

	body, _ := json.Marshal(slice)
	sum := sha256.Sum256(body)
	etag := `"` + hex.EncodeToString(sum[:8]) + `"`

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func setQuotaHeaders(w http.ResponseWriter, remaining int) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(DefaultLimit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Used", strconv.Itoa(DefaultLimit-remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	w.Header().Set("X-RateLimit-Resource", "core")
}

func writeRateLimit(w http.ResponseWriter, remaining int) {
	core := map[string]any{
		"limit":     DefaultLimit,
		"remaining": remaining,
		"used":      DefaultLimit - remaining,
		"reset":     time.Now().Add(time.Hour).Unix(),
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"resources": map[string]any{"core": core},
		"rate":      core,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"message":           message,
		"documentation_url": "https://docs.github.com/rest",
	})
}

func bearerToken(header string) string {
	for _, prefix := range []string{"Bearer ", "token "} {
		if strings.HasPrefix(header, prefix) {
			return strings.TrimPrefix(header, prefix)
		}
	}
	return ""
}

func intParam(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
