package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/gh-harvester/pkg/cache"
	"github.com/Sternrassler/gh-harvester/pkg/client"
	"github.com/Sternrassler/gh-harvester/pkg/config"
	"github.com/Sternrassler/gh-harvester/pkg/credential"
	"github.com/Sternrassler/gh-harvester/pkg/github"
	"github.com/Sternrassler/gh-harvester/pkg/logging"
	"github.com/Sternrassler/gh-harvester/pkg/ratelimit"
	"github.com/Sternrassler/gh-harvester/pkg/rest"
	"github.com/redis/go-redis/v9"
)

// app holds the components shared by all commands.
type app struct {
	cfg     config.Config
	redis   *redis.Client
	pool    *credential.Pool
	tracker *ratelimit.Tracker
	client  *client.Client
	github  *github.Transport
	rest    *rest.Client
}

// newApp validates cfg and wires the credential pool, the quota tracker and
// both GitHub transports. With a Redis URL, responses are cached and quota
// observations are shared through Redis.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	var base http.RoundTripper = http.DefaultTransport

	if cfg.RedisURL != "" {
		rdb, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = rdb
		base = cache.NewTransport(base, cache.NewManager(rdb, cache.DefaultRetention))
	}

	a.tracker = ratelimit.NewTracker(a.redis, logging.NewLogger("ratelimit"))
	a.tracker.SetThrottle(cfg.RequestsPerSecond, 1)

	var err error
	a.github, err = github.New(github.Config{BaseURL: cfg.APIBaseURL, Base: base})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.rest, err = rest.New(rest.Config{
		BaseURL:    cfg.APIBaseURL,
		HTTPClient: &http.Client{Transport: base, Timeout: rest.DefaultConfig().Timeout},
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if a.pool, err = newPool(cfg); err != nil {
		a.Close()
		return nil, err
	}

	clientCfg := client.DefaultConfig()
	clientCfg.Pool = a.pool
	clientCfg.Tracker = a.tracker
	clientCfg.PollInterval = cfg.PollInterval
	if a.pool == nil {
		clientCfg.Secret = cfg.Token
		clientCfg.Quota = a.github
	}
	if a.client, err = client.New(clientCfg); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// newPool returns nil for a single direct token.
func newPool(cfg config.Config) (*credential.Pool, error) {
	logger := logging.NewLogger("credential-pool")

	switch cfg.Mode() {
	case config.ModeIssuer:
		issuer := credential.NewHTTPIssuer(credential.IssuerConfig{
			BaseURL: cfg.IssuerURL,
			Bearer:  cfg.IssuerBearer,
		})
		return credential.NewPool(cfg.Identities, issuer, logger)
	case config.ModeTokens:
		issuer, identities := credential.NewStaticIssuer(cfg.Tokens)
		return credential.NewPool(identities, issuer, logger)
	case config.ModeDirect:
		return nil, nil
	default:
		return nil, config.ErrNoCredentials
	}
}

// connectRedis accepts redis:// URLs as well as plain host:port addresses.
func connectRedis(ctx context.Context, raw string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(raw, "://") {
		parsed, err := redis.ParseURL(raw)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: raw}
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// Close releases the Redis connection.
func (a *app) Close() error {
	if a.redis == nil {
		return nil
	}
	err := a.redis.Close()
	a.redis = nil
	if err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
