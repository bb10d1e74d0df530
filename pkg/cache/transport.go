package cache

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport is an http.RoundTripper that revalidates cached GET responses.
// Cache failures never fail a request; they only cost the saved quota.
type Transport struct {
	base    http.RoundTripper
	manager *Manager
	logger  zerolog.Logger
}

// NewTransport wraps base. A nil base means http.DefaultTransport.
func NewTransport(base http.RoundTripper, manager *Manager) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:    base,
		manager: manager,
		logger:  log.With().Str("component", "gh-cache").Logger(),
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || t.manager == nil {
		return t.base.RoundTrip(req)
	}

	ctx := req.Context()
	key := KeyFromRequest(req)

	entry, err := t.manager.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrCacheMiss) {
		t.logger.Warn().Err(err).Str("path", key.Path).Msg("Cache get error")
	}

	outgoing := req
	if entry.Revalidatable() {
		outgoing = req.Clone(ctx)
		AddConditionalHeaders(outgoing, entry)
		ConditionalRequestsSent.Inc()
		t.logger.Debug().
			Str("path", key.Path).
			Str("etag", entry.ETag).
			Msg("Making conditional request")
	}

	resp, err := t.base.RoundTrip(outgoing)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified && entry != nil {
		NotModifiedResponses.Inc()
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if err := t.manager.Touch(ctx, key, entry); err != nil {
			t.logger.Warn().Err(err).Msg("Failed to extend cache entry")
		}
		t.logger.Debug().Str("path", key.Path).Msg("304 Not Modified - using cache")
		return EntryToResponse(entry, req, resp.Header), nil
	}

	if resp.StatusCode == http.StatusOK && (resp.Header.Get("ETag") != "" || resp.Header.Get("Last-Modified") != "") {
		fresh, err := ResponseToEntry(resp, t.manager.Retention())
		if err != nil {
			return nil, err
		}
		if err := t.manager.Set(ctx, key, fresh); err != nil {
			t.logger.Warn().Err(err).Str("path", key.Path).Msg("Failed to cache response")
		}
	}

	return resp, nil
}
