package client

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/gh-harvester/pkg/credential"
)

// Errors surfaced by Execute.
var (
	// ErrPoolExhausted is returned when no credential is left to try.
	ErrPoolExhausted = credential.ErrPoolExhausted

	// ErrMalformedResponse is returned when the remote API answered with unparseable data.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrUnclassified is returned for failures that are neither quota, auth nor not-found related.
	ErrUnclassified = errors.New("unclassified error")

	// ErrUnauthorized is returned for a rejected credential when there is no pool to rotate through.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAttemptsExhausted is returned when Config.MaxAttempts is reached.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

// APIError is a failed remote call with its HTTP context.
type APIError struct {
	StatusCode int
	Kind       Kind
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("GitHub %s error (status %d): %s: %v",
			e.Kind, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("GitHub %s error (status %d): %s",
		e.Kind, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// outcomeError converts a fatal or unrecoverable outcome into an error.
func outcomeError(out Outcome, fallback error) error {
	if out.Err != nil {
		return out.Err
	}
	return &APIError{
		StatusCode: out.StatusCode,
		Kind:       out.Kind,
		Message:    string(out.Kind),
		Err:        fallback,
	}
}
