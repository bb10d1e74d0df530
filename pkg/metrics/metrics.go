// Package metrics exposes the Prometheus metrics of the harvester.
// All metrics are defined in their respective packages (credential, client,
// pagination, ratelimit, cache, harvest) and registered via promauto.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry is the default Prometheus registry used by the harvester.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer matching Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Server serves /metrics until its context is cancelled.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr (":9090", "127.0.0.1:0", ...) and returns a server ready to Serve.
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until ctx is cancelled, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(s.ln)
	}()

	log.Info().Str("component", "metrics").Str("addr", s.Addr()).Msg("Serving metrics")

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// Metrics Documentation
//
// Credential Metrics (pkg/credential):
//   - gh_credential_fetches_total{result} (Counter): Secret fetches from the token service
//   - gh_credential_rotations_total (Counter): Rotations to the next identity
//   - gh_credential_invalidations_total (Counter): Identities removed from rotation
//   - gh_credential_remaining (Gauge): Identities still valid
//
// Client Metrics (pkg/client):
//   - gh_attempts_total{outcome} (Counter): Attempts by outcome
//   - gh_recoveries_total{action} (Counter): rotate, refresh, invalidate, wait
//   - gh_quota_wait_seconds (Histogram): Time waiting for a direct token's quota
//   - gh_execute_failures_total{reason} (Counter): Executions that surfaced an error
//
// Pagination Metrics (pkg/pagination):
//   - gh_pages_fetched_total{resource} (Counter): Pages fetched, including the final empty page
//   - gh_items_fetched_total{resource} (Counter): Items fetched
//
// Rate Limit Metrics (pkg/ratelimit):
//   - gh_rate_limit_remaining{identity} (Gauge): Last observed remaining quota
//   - gh_rate_limit_exhausted_total{identity} (Counter): Observations of a zero quota
//   - gh_throttle_wait_seconds (Histogram): Time spent in the proactive throttle
//
// Cache Metrics (pkg/cache):
//   - gh_cache_hits_total{layer="redis"} (Counter): Cache lookups that found an entry
//   - gh_cache_misses_total (Counter): Lookups without an entry
//   - gh_cache_size_bytes{layer="redis"} (Gauge): Bytes written to the cache
//   - gh_304_responses_total (Counter): 304 Not Modified responses
//   - gh_conditional_requests_total (Counter): Requests sent with If-None-Match / If-Modified-Since
//   - gh_cache_errors_total{operation} (Counter): Cache operation errors
//
// Harvest Metrics (pkg/harvest):
//   - gh_harvest_jobs_total{resource, result} (Counter): Jobs by result (ok, error, cancelled)
//   - gh_harvest_job_duration_seconds{resource} (Histogram): Job duration
//
// Example Prometheus Queries:
//
//   # Identities left
//   gh_credential_remaining < 2
//
//   # Rotation rate
//   rate(gh_credential_rotations_total[5m])
//
//   # Quota saved by conditional requests
//   rate(gh_304_responses_total[5m]) / rate(gh_conditional_requests_total[5m])
//
//   # Lowest quota across identities
//   min(gh_rate_limit_remaining)
