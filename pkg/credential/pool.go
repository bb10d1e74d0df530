package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ErrInvalidated is returned when an operation targets an invalidated identity.
var ErrInvalidated = errors.New("identity invalidated")

// Pool is an ordered, rotating set of credentials shared by all fetch tasks of a run.
type Pool struct {
	mu         sync.Mutex
	identities []string
	index      int
	secrets    map[string]string
	invalid    map[string]bool
	usage      map[string]int64
	issuer     Issuer
	logger     zerolog.Logger
}

// NewPool creates a pool over identities, resolving secrets through issuer.
// Identities are trimmed; blank entries and duplicates are rejected.
func NewPool(identities []string, issuer Issuer, logger zerolog.Logger) (*Pool, error) {
	if issuer == nil {
		return nil, fmt.Errorf("issuer is required")
	}

	ids := make([]string, 0, len(identities))
	seen := make(map[string]bool, len(identities))
	for _, raw := range identities {
		id := strings.TrimSpace(raw)
		if id == "" {
			return nil, fmt.Errorf("identity must not be blank")
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate identity %q", id)
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one identity is required")
	}

	Remaining.Set(float64(len(ids)))

	return &Pool{
		identities: ids,
		secrets:    make(map[string]string, len(ids)),
		invalid:    make(map[string]bool),
		usage:      make(map[string]int64, len(ids)),
		issuer:     issuer,
		logger:     logger,
	}, nil
}

// Current returns the currently selected credential, fetching its secret on first access.
// If the current identity was invalidated, the next valid identity becomes current.
// On a fetch failure the returned Credential still names the identity that failed.
func (p *Pool) Current(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.resolveLocked() {
		return Credential{}, ErrPoolExhausted
	}
	return p.loadLocked(ctx, p.identities[p.index])
}

// Rotate advances cyclically to the next valid identity and returns it.
// With more than one valid identity it never returns the previous one.
func (p *Pool) Rotate(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.rotateLocked(ctx)
}

// RotateFrom rotates only if from is still the current identity.
// If another caller has already moved on, the new current credential is returned
// instead, so concurrent tasks reacting to the same failure skip one identity, not several.
func (p *Pool) RotateFrom(ctx context.Context, from string) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.identities[p.index] == from {
		return p.rotateLocked(ctx)
	}
	if !p.resolveLocked() {
		return Credential{}, ErrPoolExhausted
	}
	return p.loadLocked(ctx, p.identities[p.index])
}

// Invalidate marks identity as unusable and drops its cached secret.
// An empty identity means the current one. The index is not advanced.
// Invalidating twice is a no-op.
func (p *Pool) Invalidate(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if identity == "" {
		identity = p.identities[p.index]
	}
	if !p.knownLocked(identity) {
		p.logger.Warn().Str("identity", identity).Msg("Ignoring invalidation of unknown identity")
		return
	}
	if p.invalid[identity] {
		return
	}

	p.invalid[identity] = true
	delete(p.secrets, identity)

	remaining := len(p.identities) - len(p.invalid)
	Invalidations.Inc()
	Remaining.Set(float64(remaining))

	p.logger.Warn().
		Str("identity", identity).
		Int("remaining", remaining).
		Msg("Credential invalidated")
}

// Refresh re-fetches the secret of the current identity.
// Validity and index are left untouched.
func (p *Pool) Refresh(ctx context.Context) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.resolveLocked() {
		return Credential{}, ErrPoolExhausted
	}
	return p.refreshLocked(ctx, p.identities[p.index])
}

// RefreshIdentity re-fetches the secret of a specific identity.
func (p *Pool) RefreshIdentity(ctx context.Context, identity string) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.knownLocked(identity) {
		return Credential{}, fmt.Errorf("%w: %q", ErrUnknownIdentity, identity)
	}
	if p.invalid[identity] {
		return Credential{}, fmt.Errorf("%w: %q", ErrInvalidated, identity)
	}
	return p.refreshLocked(ctx, identity)
}

// Lookup returns the credential for identity without moving the cursor,
// fetching its secret if it is not cached yet.
func (p *Pool) Lookup(ctx context.Context, identity string) (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.knownLocked(identity) {
		return Credential{}, fmt.Errorf("%w: %q", ErrUnknownIdentity, identity)
	}
	if p.invalid[identity] {
		return p.credentialLocked(identity, ""), fmt.Errorf("%w: %q", ErrInvalidated, identity)
	}
	return p.loadLocked(ctx, identity)
}

// RemainingCount returns the number of identities that are still valid.
func (p *Pool) RemainingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.identities) - len(p.invalid)
}

// Size returns the total number of identities, valid or not.
func (p *Pool) Size() int {
	return len(p.identities)
}

// Identities returns the identities in pool order.
func (p *Pool) Identities() []string {
	out := make([]string, len(p.identities))
	copy(out, p.identities)
	return out
}

// MarkUsed increments the usage counter of identity.
func (p *Pool) MarkUsed(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.knownLocked(identity) {
		p.usage[identity]++
	}
}

// Snapshot returns usage and validity of every identity in pool order.
// Secrets are not included.
func (p *Pool) Snapshot() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Credential, 0, len(p.identities))
	for _, id := range p.identities {
		out = append(out, p.credentialLocked(id, ""))
	}
	return out
}

// resolveLocked moves the index forward to the first valid identity, starting
// at the current position. Returns false if the pool is exhausted.
func (p *Pool) resolveLocked() bool {
	n := len(p.identities)
	for i := 0; i < n; i++ {
		idx := (p.index + i) % n
		if !p.invalid[p.identities[idx]] {
			p.index = idx
			return true
		}
	}
	return false
}

func (p *Pool) rotateLocked(ctx context.Context) (Credential, error) {
	n := len(p.identities)
	from := p.identities[p.index]

	next := -1
	for i := 1; i <= n; i++ {
		idx := (p.index + i) % n
		if !p.invalid[p.identities[idx]] {
			next = idx
			break
		}
	}
	if next < 0 {
		return Credential{}, ErrPoolExhausted
	}

	p.index = next
	to := p.identities[next]
	Rotations.Inc()

	p.logger.Info().
		Str("from", from).
		Str("to", to).
		Int("remaining", n-len(p.invalid)).
		Msg("Rotated credential")

	return p.loadLocked(ctx, to)
}

func (p *Pool) refreshLocked(ctx context.Context, identity string) (Credential, error) {
	delete(p.secrets, identity)
	p.logger.Info().Str("identity", identity).Msg("Refreshing credential")
	return p.loadLocked(ctx, identity)
}

// loadLocked returns the credential for identity, fetching the secret on a cache miss.
func (p *Pool) loadLocked(ctx context.Context, identity string) (Credential, error) {
	if secret, ok := p.secrets[identity]; ok {
		return p.credentialLocked(identity, secret), nil
	}

	secret, err := p.issuer.Issue(ctx, identity)
	if err != nil {
		SecretFetches.WithLabelValues("error").Inc()
		p.logger.Error().Err(err).Str("identity", identity).Msg("Failed to fetch credential")
		return p.credentialLocked(identity, ""), fmt.Errorf("fetch secret for %q: %w", identity, err)
	}

	SecretFetches.WithLabelValues("ok").Inc()
	p.secrets[identity] = secret
	p.logger.Debug().
		Str("identity", identity).
		Str("secret", Redact(secret)).
		Msg("Fetched credential")

	return p.credentialLocked(identity, secret), nil
}

func (p *Pool) credentialLocked(identity, secret string) Credential {
	return Credential{
		Identity: identity,
		Secret:   secret,
		Usage:    p.usage[identity],
		Valid:    !p.invalid[identity],
	}
}

func (p *Pool) knownLocked(identity string) bool {
	for _, id := range p.identities {
		if id == identity {
			return true
		}
	}
	return false
}
