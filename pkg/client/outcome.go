package client

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/gh-harvester/pkg/ratelimit"
)

// Kind classifies the result of a single attempt.
type Kind string

const (
	// KindSuccess means the attempt produced a payload.
	KindSuccess Kind = "success"

	// KindRateLimited means the credential ran out of quota.
	KindRateLimited Kind = "rate_limited"

	// KindUnauthorized means the credential was rejected (401).
	KindUnauthorized Kind = "unauthorized"

	// KindNotFound means the resource does not exist (404).
	KindNotFound Kind = "not_found"

	// KindFatal covers everything rotation cannot fix.
	KindFatal Kind = "fatal"
)

// Outcome is the classified result of one attempt. It is never persisted.
type Outcome struct {
	Kind Kind

	// Err carries the cause of a fatal outcome.
	Err error

	// StatusCode is the HTTP status of the attempt, if any.
	StatusCode int

	// Quota is the budget observed on the response, if the transport reported one.
	Quota *ratelimit.Quota

	// RetryAfter is the server-requested delay for rate-limited outcomes.
	RetryAfter time.Duration
}

// Success returns a successful outcome.
func Success(q *ratelimit.Quota) Outcome {
	return Outcome{Kind: KindSuccess, StatusCode: http.StatusOK, Quota: q}
}

// RateLimited returns a rate-limited outcome.
func RateLimited(statusCode int, q *ratelimit.Quota, retryAfter time.Duration) Outcome {
	return Outcome{Kind: KindRateLimited, StatusCode: statusCode, Quota: q, RetryAfter: retryAfter}
}

// Unauthorized returns an unauthorized outcome.
func Unauthorized(q *ratelimit.Quota) Outcome {
	return Outcome{Kind: KindUnauthorized, StatusCode: http.StatusUnauthorized, Quota: q}
}

// NotFound returns a not-found outcome.
func NotFound(q *ratelimit.Quota) Outcome {
	return Outcome{Kind: KindNotFound, StatusCode: http.StatusNotFound, Quota: q}
}

// Fatal returns a fatal outcome wrapping err.
func Fatal(statusCode int, err error) Outcome {
	return Outcome{Kind: KindFatal, StatusCode: statusCode, Err: err}
}

// Classify maps an HTTP status and its headers onto an outcome kind.
// A bare 304 carries no body to page through and is fatal; the cache
// transport answers revalidated requests with the stored 200.
func Classify(statusCode int, h http.Header) Kind {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return KindSuccess
	case ratelimit.IsRateLimited(statusCode, h):
		return KindRateLimited
	case statusCode == http.StatusUnauthorized:
		return KindUnauthorized
	case statusCode == http.StatusNotFound:
		return KindNotFound
	default:
		return KindFatal
	}
}

// FromResponse builds the outcome for a non-success HTTP response.
// message is the response body or error text, used for fatal outcomes.
func FromResponse(statusCode int, h http.Header, message string) Outcome {
	var quota *ratelimit.Quota
	if q, ok := ratelimit.ParseHeaders(h); ok {
		quota = &q
	}

	switch kind := Classify(statusCode, h); kind {
	case KindSuccess:
		return Success(quota)
	case KindRateLimited:
		return RateLimited(statusCode, quota, ratelimit.RetryAfter(h))
	case KindUnauthorized:
		return Unauthorized(quota)
	case KindNotFound:
		return NotFound(quota)
	default:
		out := Fatal(statusCode, &APIError{
			StatusCode: statusCode,
			Kind:       kind,
			Message:    message,
			Err:        ErrUnclassified,
		})
		out.Quota = quota
		return out
	}
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s (status %d): %v", o.Kind, o.StatusCode, o.Err)
	}
	return fmt.Sprintf("%s (status %d)", o.Kind, o.StatusCode)
}
