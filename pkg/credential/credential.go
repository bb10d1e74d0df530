package credential

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolExhausted is returned when no valid identity remains in the pool.
	ErrPoolExhausted = errors.New("credential pool exhausted")

	// ErrIssueFailed is returned when the issuing endpoint refuses to hand out a secret.
	ErrIssueFailed = errors.New("credential issue failed")

	// ErrMalformedToken is returned when the issuing endpoint answers with an unusable body.
	ErrMalformedToken = errors.New("malformed token response")

	// ErrUnknownIdentity is returned for identities that are not part of the pool.
	ErrUnknownIdentity = errors.New("unknown identity")
)

// Credential is one identity of the pool together with its secret.
type Credential struct {
	// Identity is the label of the credential, unique within the pool.
	Identity string

	// Secret is the value presented to the remote API.
	Secret string

	// Usage counts the requests made with this credential.
	Usage int64

	// Valid is false once the identity has been invalidated.
	Valid bool
}

// Preview returns a redacted form of the secret that is safe to log.
func (c Credential) Preview() string {
	return Redact(c.Secret)
}

// String implements fmt.Stringer without leaking the secret.
func (c Credential) String() string {
	return fmt.Sprintf("%s(%s)", c.Identity, c.Preview())
}

// Redact shortens a secret to its first 8 and last 4 characters.
func Redact(secret string) string {
	if len(secret) <= 12 {
		return "[redacted]"
	}
	return secret[:8] + "..." + secret[len(secret)-4:]
}
