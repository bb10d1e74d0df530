// Package client runs units of GitHub work under a rotating credential and
// recovers from rate limiting and rejected credentials on its own.
//
// Every attempt returns an Outcome. Execute feeds that outcome through a small
// state machine:
//
//	RateLimited  -> wait for quota (no pool) or rotate (pool)
//	Unauthorized -> refresh once per identity, then invalidate and rotate
//	NotFound     -> empty result, no error
//	Fatal        -> returned as is
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/gh-harvester/pkg/credential"
	"github.com/Sternrassler/gh-harvester/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DirectIdentity labels the directly supplied secret when no pool is configured.
const DirectIdentity = "direct"

// QuotaChecker reports the remaining quota of a secret.
type QuotaChecker interface {
	Quota(ctx context.Context, secret string) (ratelimit.Quota, error)
}

// QuotaCheckerFunc adapts a function to the QuotaChecker interface.
type QuotaCheckerFunc func(ctx context.Context, secret string) (ratelimit.Quota, error)

// Quota calls f.
func (f QuotaCheckerFunc) Quota(ctx context.Context, secret string) (ratelimit.Quota, error) {
	return f(ctx, secret)
}

// Operation performs one attempt with secret and classifies the result.
type Operation[T any] func(ctx context.Context, secret string) (T, Outcome)

// Response is the result of a successful Execute.
type Response[T any] struct {
	// Value is the payload; the zero value when NotFound is set.
	Value T

	// Identity is the credential that produced the final outcome.
	Identity string

	// Quota is the last quota observed during the execution, if any.
	Quota *ratelimit.Quota

	// Attempts counts the operation calls, including retries.
	Attempts int

	// NotFound reports a 404.
	NotFound bool
}

// Config holds the client configuration.
type Config struct {
	// Pool is the shared credential pool. Either Pool or Secret is required.
	Pool *credential.Pool

	// Secret is a directly supplied credential used when Pool is nil.
	Secret string

	// Quota is polled while a direct secret is rate limited. Required without a pool.
	Quota QuotaChecker

	// Tracker records observed quotas and throttles attempts. Optional.
	Tracker *ratelimit.Tracker

	// PollInterval is the sleep between quota polls.
	PollInterval time.Duration

	// MaxAttempts bounds the attempts of one execution. 0 means unbounded.
	MaxAttempts int
}

// DefaultConfig returns the default configuration without any credential set.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Minute,
	}
}

// Client executes operations with credential recovery.
type Client struct {
	pool    *credential.Pool
	secret  string
	quota   QuotaChecker
	tracker *ratelimit.Tracker
	config  Config
	logger  zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.Pool == nil && cfg.Secret == "" {
		return nil, fmt.Errorf("credential pool or secret is required")
	}

	if cfg.Pool == nil && cfg.Quota == nil {
		return nil, fmt.Errorf("quota checker is required without a credential pool")
	}

	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll_interval must be > 0 (got %s)", cfg.PollInterval)
	}

	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("max_attempts must be >= 0 (got %d)", cfg.MaxAttempts)
	}

	logger := log.With().Str("component", "gh-client").Logger()

	return &Client{
		pool:    cfg.Pool,
		secret:  cfg.Secret,
		quota:   cfg.Quota,
		tracker: cfg.Tracker,
		config:  cfg,
		logger:  logger,
	}, nil
}

// Pool returns the credential pool, or nil for a direct secret.
func (c *Client) Pool() *credential.Pool {
	return c.pool
}

// Tracker returns the quota tracker, or nil.
func (c *Client) Tracker() *ratelimit.Tracker {
	return c.tracker
}

// Execute runs op until it succeeds, is not found, or fails in a way that
// rotation cannot fix.
func Execute[T any](ctx context.Context, c *Client, op Operation[T]) (Response[T], error) {
	var value T
	ex, err := c.run(ctx, func(ctx context.Context, secret string) Outcome {
		v, out := op(ctx, secret)
		if out.Kind == KindSuccess {
			value = v
		}
		return out
	})

	resp := Response[T]{
		Identity: ex.identity,
		Quota:    ex.quota,
		Attempts: ex.attempts,
		NotFound: ex.notFound,
	}
	if err != nil {
		return resp, err
	}
	if !ex.notFound {
		resp.Value = value
	}
	return resp, nil
}

// execution is the mutable state of one Execute call.
type execution struct {
	identity    string
	quota       *ratelimit.Quota
	attempts    int
	notFound    bool
	rateLimited int
	refreshed   map[string]bool
}

func (c *Client) run(ctx context.Context, attempt func(context.Context, string) Outcome) (*execution, error) {
	ex := &execution{refreshed: make(map[string]bool)}

	for {
		if err := ctx.Err(); err != nil {
			ghExecuteFailuresTotal.WithLabelValues("cancelled").Inc()
			return ex, err
		}
		if c.config.MaxAttempts > 0 && ex.attempts >= c.config.MaxAttempts {
			ghExecuteFailuresTotal.WithLabelValues("max_attempts").Inc()
			return ex, fmt.Errorf("%w after %d attempts", ErrAttemptsExhausted, ex.attempts)
		}

		cred, err := c.acquire(ctx)
		if err != nil {
			return ex, err
		}

		if c.tracker != nil {
			if err := c.tracker.Wait(ctx); err != nil {
				ghExecuteFailuresTotal.WithLabelValues("cancelled").Inc()
				return ex, err
			}
		}

		ex.attempts++
		ex.identity = cred.Identity
		out := attempt(ctx, cred.Secret)

		if c.pool != nil {
			c.pool.MarkUsed(cred.Identity)
		}
		if out.Quota != nil {
			ex.quota = out.Quota
			c.record(ctx, cred.Identity, *out.Quota)
		}
		ghAttemptsTotal.WithLabelValues(string(out.Kind)).Inc()

		c.logger.Debug().
			Str("identity", cred.Identity).
			Str("outcome", string(out.Kind)).
			Int("attempt", ex.attempts).
			Msg("Attempt finished")

		switch out.Kind {
		case KindSuccess:
			return ex, nil

		case KindNotFound:
			ex.notFound = true
			return ex, nil

		case KindRateLimited:
			if err := c.onRateLimited(ctx, ex, cred, out); err != nil {
				return ex, err
			}

		case KindUnauthorized:
			if err := c.onUnauthorized(ctx, ex, cred, out); err != nil {
				return ex, err
			}

		default:
			ghExecuteFailuresTotal.WithLabelValues("fatal").Inc()
			c.logger.Warn().
				Str("identity", cred.Identity).
				Int("status", out.StatusCode).
				Err(out.Err).
				Msg("Attempt failed")
			return ex, outcomeError(out, ErrUnclassified)
		}
	}
}

// acquire returns the credential for the next attempt. A credential whose
// secret cannot be issued is invalidated and the next one is tried.
func (c *Client) acquire(ctx context.Context) (credential.Credential, error) {
	if c.pool == nil {
		return credential.Credential{Identity: DirectIdentity, Secret: c.secret, Valid: true}, nil
	}

	for {
		cred, err := c.pool.Current(ctx)
		if err == nil {
			return cred, nil
		}
		if errors.Is(err, credential.ErrPoolExhausted) {
			ghExecuteFailuresTotal.WithLabelValues("pool_exhausted").Inc()
			return cred, err
		}
		if ctx.Err() != nil {
			ghExecuteFailuresTotal.WithLabelValues("cancelled").Inc()
			return cred, err
		}

		ghRecoveriesTotal.WithLabelValues("invalidate").Inc()
		c.logger.Warn().
			Err(err).
			Str("identity", cred.Identity).
			Msg("Secret unavailable, invalidating credential")
		c.pool.Invalidate(cred.Identity)
	}
}

func (c *Client) onRateLimited(ctx context.Context, ex *execution, cred credential.Credential, out Outcome) error {
	if c.pool == nil {
		return c.waitForQuota(ctx, out)
	}

	// Rate limiting never invalidates; it only counts against this execution.
	ex.rateLimited++
	remaining := c.pool.RemainingCount()
	if ex.rateLimited >= remaining {
		ghExecuteFailuresTotal.WithLabelValues("pool_exhausted").Inc()
		c.logger.Error().
			Int("rate_limited", ex.rateLimited).
			Int("remaining", remaining).
			Msg("All credentials rate limited")
		return fmt.Errorf("%w: %d of %d valid credentials rate limited",
			ErrPoolExhausted, ex.rateLimited, remaining)
	}

	ghRecoveriesTotal.WithLabelValues("rotate").Inc()
	c.logger.Info().
		Str("identity", cred.Identity).
		Int("remaining", remaining).
		Msg("Rate limited, rotating credential")

	return c.rotateFrom(ctx, cred.Identity)
}

func (c *Client) onUnauthorized(ctx context.Context, ex *execution, cred credential.Credential, out Outcome) error {
	if c.pool == nil {
		ghExecuteFailuresTotal.WithLabelValues("unauthorized").Inc()
		return outcomeError(out, ErrUnauthorized)
	}

	if !ex.refreshed[cred.Identity] {
		ex.refreshed[cred.Identity] = true
		ghRecoveriesTotal.WithLabelValues("refresh").Inc()
		c.logger.Info().Str("identity", cred.Identity).Msg("Unauthorized, refreshing credential")

		_, err := c.pool.RefreshIdentity(ctx, cred.Identity)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		c.logger.Warn().Err(err).Str("identity", cred.Identity).Msg("Refresh failed")
	}

	ghRecoveriesTotal.WithLabelValues("invalidate").Inc()
	c.pool.Invalidate(cred.Identity)

	if c.pool.RemainingCount() == 0 {
		ghExecuteFailuresTotal.WithLabelValues("pool_exhausted").Inc()
		return fmt.Errorf("%w: last credential %q unauthorized", ErrPoolExhausted, cred.Identity)
	}

	ghRecoveriesTotal.WithLabelValues("rotate").Inc()
	return c.rotateFrom(ctx, cred.Identity)
}

// rotateFrom moves the pool off identity. Secret fetch failures of the new
// identity are left to acquire on the next attempt.
func (c *Client) rotateFrom(ctx context.Context, identity string) error {
	_, err := c.pool.RotateFrom(ctx, identity)
	if errors.Is(err, credential.ErrPoolExhausted) {
		ghExecuteFailuresTotal.WithLabelValues("pool_exhausted").Inc()
		return err
	}
	if err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}

func (c *Client) record(ctx context.Context, identity string, q ratelimit.Quota) {
	if c.tracker == nil {
		return
	}
	if err := c.tracker.Record(ctx, identity, q); err != nil {
		c.logger.Warn().Err(err).Str("identity", identity).Msg("Failed to record quota")
	}
}
