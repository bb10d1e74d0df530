package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// authHashLen is the number of hex characters of the Authorization digest kept in a key.
const authHashLen = 12

// CacheKey identifies a cached GitHub response.
type CacheKey struct {
	// Path is the request path (e.g. "/repos/octo/repo/pulls").
	Path string

	// QueryParams are the query parameters (e.g. {"page": "2", "state": "closed"}).
	QueryParams url.Values

	// AuthHash is a short digest of the Authorization header ("" for anonymous requests).
	AuthHash string
}

// String generates a deterministic cache key string.
// Format: gh:path:query1=val1:query2=val2:auth=<hash>
//
// Example:
//
//	gh:repos/octo/repo/pulls:page=2:per_page=100:auth=3f2a9c0d11be
func (k CacheKey) String() string {
	parts := []string{"gh"}

	path := strings.Trim(k.Path, "/")
	if path != "" {
		parts = append(parts, path)
	}

	if len(k.QueryParams) > 0 {
		keys := make([]string, 0, len(k.QueryParams))
		for key := range k.QueryParams {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			values := append([]string(nil), k.QueryParams[key]...)
			sort.Strings(values)
			parts = append(parts, fmt.Sprintf("%s=%s", key, strings.Join(values, ",")))
		}
	}

	if k.AuthHash != "" {
		parts = append(parts, "auth="+k.AuthHash)
	}

	return strings.Join(parts, ":")
}

// KeyFromRequest builds the cache key of req.
func KeyFromRequest(req *http.Request) CacheKey {
	return CacheKey{
		Path:        req.URL.Path,
		QueryParams: req.URL.Query(),
		AuthHash:    HashAuthorization(req.Header.Get("Authorization")),
	}
}

// HashAuthorization returns a short digest of an Authorization header value.
func HashAuthorization(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:authHashLen]
}
