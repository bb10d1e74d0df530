// Package credential manages a pool of interchangeable API credentials.
//
// A Pool holds an ordered list of identities (team slugs, token labels) and
// resolves each one to a secret on first use through an Issuer. Callers see a
// single "current" credential and move to the next one with Rotate when the
// current one is rate limited or rejected.
//
// # Basic Usage
//
//	issuer := credential.NewHTTPIssuer(credential.IssuerConfig{
//		BaseURL: "http://localhost:3001",
//		Bearer:  os.Getenv("GHTOKEN_SERVICE_BEARER"),
//	})
//
//	pool, err := credential.NewPool([]string{"team-a", "team-b"}, issuer, logger)
//	if err != nil {
//		return err
//	}
//
//	cred, err := pool.Current(ctx)       // fetches and caches team-a's token
//	cred, err = pool.Rotate(ctx)         // moves on to team-b
//	pool.Invalidate(cred.Identity)       // team-b is never used again
//
// # Invariants
//
//   - Invalidated identities are never handed out again for the life of the pool.
//   - Rotate visits every valid identity once before repeating any.
//   - The secret of an identity is fetched at most once until Refresh or Invalidate.
//   - All state changes, including the secret fetch, happen under a single mutex.
//
// # Metrics
//
//   - gh_credential_fetches_total{result} - secret fetches by result
//   - gh_credential_rotations_total - rotations performed
//   - gh_credential_invalidations_total - identities invalidated
//   - gh_credential_remaining - identities still valid
package credential
