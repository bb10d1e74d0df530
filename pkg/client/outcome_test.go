package client

import (
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	exhausted := http.Header{}
	exhausted.Set("X-RateLimit-Remaining", "0")

	remaining := http.Header{}
	remaining.Set("X-RateLimit-Remaining", "42")

	retryAfter := http.Header{}
	retryAfter.Set("Retry-After", "60")

	tests := []struct {
		name     string
		status   int
		header   http.Header
		expected Kind
	}{
		{"200", http.StatusOK, nil, KindSuccess},
		{"304 without cache", http.StatusNotModified, nil, KindFatal},
		{"401", http.StatusUnauthorized, nil, KindUnauthorized},
		{"403 quota exhausted", http.StatusForbidden, exhausted, KindRateLimited},
		{"403 secondary limit", http.StatusForbidden, retryAfter, KindRateLimited},
		{"403 with quota left", http.StatusForbidden, remaining, KindFatal},
		{"404", http.StatusNotFound, nil, KindNotFound},
		{"422", http.StatusUnprocessableEntity, nil, KindFatal},
		{"429", http.StatusTooManyRequests, nil, KindRateLimited},
		{"500", http.StatusInternalServerError, nil, KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.header
			if h == nil {
				h = http.Header{}
			}
			if got := Classify(tt.status, h); got != tt.expected {
				t.Errorf("Classify(%d) = %q, want %q", tt.status, got, tt.expected)
			}
		})
	}
}

func TestFromResponse(t *testing.T) {
	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Limit", "5000")
	h.Set("Retry-After", "30")

	out := FromResponse(http.StatusForbidden, h, "API rate limit exceeded")
	if out.Kind != KindRateLimited {
		t.Fatalf("Kind = %q, want rate_limited", out.Kind)
	}
	if out.Quota == nil || out.Quota.Limit != 5000 {
		t.Errorf("Quota = %+v", out.Quota)
	}
	if out.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", out.RetryAfter)
	}

	out = FromResponse(http.StatusBadGateway, http.Header{}, "bad gateway")
	if out.Kind != KindFatal {
		t.Fatalf("Kind = %q, want fatal", out.Kind)
	}
	if !errors.Is(out.Err, ErrUnclassified) {
		t.Errorf("Err = %v, want ErrUnclassified", out.Err)
	}
	var apiErr *APIError
	if !errors.As(out.Err, &apiErr) || apiErr.Message != "bad gateway" {
		t.Errorf("Err = %#v", out.Err)
	}
}

func TestAPIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *APIError
		expected string
	}{
		{
			name: "with wrapped error",
			err: &APIError{
				StatusCode: 500,
				Kind:       KindFatal,
				Message:    "Internal Server Error",
				Err:        ErrUnclassified,
			},
			expected: "GitHub fatal error (status 500): Internal Server Error: unclassified error",
		},
		{
			name: "without wrapped error",
			err: &APIError{
				StatusCode: 401,
				Kind:       KindUnauthorized,
				Message:    "Bad credentials",
			},
			expected: "GitHub unauthorized error (status 401): Bad credentials",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	err := &APIError{StatusCode: 500, Kind: KindFatal, Err: ErrUnclassified}
	if !errors.Is(err, ErrUnclassified) {
		t.Error("errors.Is(err, ErrUnclassified) = false, want true")
	}
}
