// Package ratelimit tracks GitHub API quota per credential identity.
// It parses the X-RateLimit-* response headers, remembers the last observed
// quota for each identity and can mirror that state into Redis so that
// several harvester processes see each other's consumption.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Response headers carrying quota information.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderUsed       = "X-RateLimit-Used"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderResource   = "X-RateLimit-Resource"
	HeaderRetryAfter = "Retry-After"
)

// Redis key layout for mirrored quota state. The identity is substituted for %s.
const (
	RedisKeyRemaining  = "gh:rate_limit:%s:remaining"
	RedisKeyLimit      = "gh:rate_limit:%s:limit"
	RedisKeyReset      = "gh:rate_limit:%s:reset_timestamp"
	RedisKeyLastUpdate = "gh:rate_limit:%s:last_update"
)

// Quota is a snapshot of the request budget of one credential.
type Quota struct {
	// Limit is the size of the budget window (X-RateLimit-Limit).
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the window (X-RateLimit-Remaining).
	Remaining int `json:"remaining"`

	// Used is the number of requests consumed in the window (X-RateLimit-Used).
	Used int `json:"used"`

	// Reset is when the window starts over (X-RateLimit-Reset, unix seconds).
	Reset time.Time `json:"reset"`

	// Resource is the quota bucket, usually "core".
	Resource string `json:"resource,omitempty"`

	// ObservedAt is when the snapshot was taken.
	ObservedAt time.Time `json:"observed_at"`
}

// Exhausted reports whether no requests remain in the current window.
func (q Quota) Exhausted() bool {
	return q.Remaining <= 0
}

// TimeUntilReset returns the duration until the window resets.
// Returns 0 if the reset time has already passed.
func (q Quota) TimeUntilReset() time.Duration {
	d := time.Until(q.Reset)
	if d < 0 {
		return 0
	}
	return d
}

// UsedPercent returns the consumed share of the window in percent.
func (q Quota) UsedPercent() float64 {
	if q.Limit <= 0 {
		return 100
	}
	return (1 - float64(q.Remaining)/float64(q.Limit)) * 100
}

// IsStale returns true if the snapshot is older than maxAge.
func (q Quota) IsStale(maxAge time.Duration) bool {
	return time.Since(q.ObservedAt) > maxAge
}

// ParseHeaders extracts a Quota from response headers.
// The boolean is false when the remaining-count header is absent or unparsable.
func ParseHeaders(h http.Header) (Quota, bool) {
	remainStr := h.Get(HeaderRemaining)
	if remainStr == "" {
		return Quota{}, false
	}
	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return Quota{}, false
	}

	q := Quota{
		Remaining:  remain,
		Resource:   h.Get(HeaderResource),
		ObservedAt: time.Now(),
	}
	if v, err := strconv.Atoi(h.Get(HeaderLimit)); err == nil {
		q.Limit = v
	}
	if v, err := strconv.Atoi(h.Get(HeaderUsed)); err == nil {
		q.Used = v
	}
	if v, err := strconv.ParseInt(h.Get(HeaderReset), 10, 64); err == nil {
		q.Reset = time.Unix(v, 0)
	}
	return q, true
}

// RetryAfter parses the Retry-After header in seconds. Returns 0 when absent.
func RetryAfter(h http.Header) time.Duration {
	v := h.Get(HeaderRetryAfter)
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// IsRateLimited reports whether a response signals quota depletion:
// 429, or 403 with a zero remaining count or a Retry-After header.
func IsRateLimited(statusCode int, h http.Header) bool {
	switch statusCode {
	case http.StatusTooManyRequests:
		return true
	case http.StatusForbidden:
		if q, ok := ParseHeaders(h); ok && q.Exhausted() {
			return true
		}
		return RetryAfter(h) > 0
	default:
		return false
	}
}
