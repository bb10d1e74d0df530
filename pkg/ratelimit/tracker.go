package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for quota tracking.
var (
	ghRateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gh_rate_limit_remaining",
		Help: "Requests remaining in the current rate limit window by identity",
	}, []string{"identity"})

	ghRateLimitExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_rate_limit_exhausted_total",
		Help: "Total number of observations of an exhausted quota by identity",
	}, []string{"identity"})

	ghThrottleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gh_throttle_wait_seconds",
		Help:    "Time spent waiting on the proactive request throttle",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5},
	})
)

// ErrorThresholdWarning is the remaining count below which observations are logged at warn level.
const ErrorThresholdWarning = 100

// Tracker remembers the last observed quota for every identity.
// A Redis client is optional; when set, every observation is mirrored.
type Tracker struct {
	mu      sync.RWMutex
	quotas  map[string]Quota
	redis   *redis.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewTracker creates a new quota tracker. redisClient may be nil.
func NewTracker(redisClient *redis.Client, logger zerolog.Logger) *Tracker {
	return &Tracker{
		quotas: make(map[string]Quota),
		redis:  redisClient,
		logger: logger,
	}
}

// SetThrottle enables proactive throttling at rps requests per second.
// A non-positive rps disables it.
func (t *Tracker) SetThrottle(rps float64, burst int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rps <= 0 {
		t.limiter = nil
		return
	}
	if burst < 1 {
		burst = 1
	}
	t.limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

// Wait blocks until the proactive throttle admits another request.
// Returns immediately when throttling is disabled.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.RLock()
	lim := t.limiter
	t.mu.RUnlock()
	if lim == nil {
		return nil
	}

	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("throttle wait: %w", err)
	}
	ghThrottleWaitSeconds.Observe(time.Since(start).Seconds())
	return nil
}

// Record stores a quota observation for identity.
func (t *Tracker) Record(ctx context.Context, identity string, q Quota) error {
	if q.ObservedAt.IsZero() {
		q.ObservedAt = time.Now()
	}

	t.mu.Lock()
	t.quotas[identity] = q
	t.mu.Unlock()

	ghRateLimitRemaining.WithLabelValues(identity).Set(float64(q.Remaining))

	switch {
	case q.Exhausted():
		ghRateLimitExhaustedTotal.WithLabelValues(identity).Inc()
		t.logger.Warn().
			Str("identity", identity).
			Time("reset_at", q.Reset).
			Msg("Rate limit exhausted")
	case q.Remaining < ErrorThresholdWarning:
		t.logger.Warn().
			Str("identity", identity).
			Int("remaining", q.Remaining).
			Msg("Rate limit running low")
	default:
		t.logger.Debug().
			Str("identity", identity).
			Int("remaining", q.Remaining).
			Msg("Rate limit state updated")
	}

	if t.redis == nil {
		return nil
	}

	lastUpdateJSON, err := json.Marshal(q.ObservedAt)
	if err != nil {
		return fmt.Errorf("marshal last update: %w", err)
	}

	ttl := q.TimeUntilReset() + time.Minute
	pipe := t.redis.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(RedisKeyRemaining, identity), q.Remaining, ttl)
	pipe.Set(ctx, fmt.Sprintf(RedisKeyLimit, identity), q.Limit, ttl)
	pipe.Set(ctx, fmt.Sprintf(RedisKeyReset, identity), q.Reset.Unix(), ttl)
	pipe.Set(ctx, fmt.Sprintf(RedisKeyLastUpdate, identity), lastUpdateJSON, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}
	return nil
}

// Get returns the last quota observed for identity in this process.
func (t *Tracker) Get(identity string) (Quota, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.quotas[identity]
	return q, ok
}

// Load reads the mirrored quota for identity from Redis.
// Falls back to the in-process observation when Redis is not configured.
func (t *Tracker) Load(ctx context.Context, identity string) (Quota, bool, error) {
	if t.redis == nil {
		q, ok := t.Get(identity)
		return q, ok, nil
	}

	remaining, err := t.redis.Get(ctx, fmt.Sprintf(RedisKeyRemaining, identity)).Int()
	if err == redis.Nil {
		return Quota{}, false, nil
	}
	if err != nil {
		return Quota{}, false, fmt.Errorf("get remaining: %w", err)
	}

	limit, err := t.redis.Get(ctx, fmt.Sprintf(RedisKeyLimit, identity)).Int()
	if err != nil && err != redis.Nil {
		return Quota{}, false, fmt.Errorf("get limit: %w", err)
	}

	resetTimestamp, err := t.redis.Get(ctx, fmt.Sprintf(RedisKeyReset, identity)).Int64()
	if err != nil && err != redis.Nil {
		return Quota{}, false, fmt.Errorf("get reset timestamp: %w", err)
	}

	var observedAt time.Time
	lastUpdate, err := t.redis.Get(ctx, fmt.Sprintf(RedisKeyLastUpdate, identity)).Bytes()
	if err != nil && err != redis.Nil {
		return Quota{}, false, fmt.Errorf("get last update: %w", err)
	}
	if len(lastUpdate) > 0 {
		if err := json.Unmarshal(lastUpdate, &observedAt); err != nil {
			return Quota{}, false, fmt.Errorf("parse last update: %w", err)
		}
	}

	return Quota{
		Limit:      limit,
		Remaining:  remaining,
		Reset:      time.Unix(resetTimestamp, 0),
		ObservedAt: observedAt,
	}, true, nil
}

// Snapshot returns a copy of all in-process observations.
func (t *Tracker) Snapshot() map[string]Quota {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Quota, len(t.quotas))
	for k, v := range t.quotas {
		out[k] = v
	}
	return out
}
