// Package cache keeps GitHub responses in Redis and revalidates them with
// conditional requests.
//
// GitHub answers a request carrying a matching If-None-Match with
// 304 Not Modified, and a 304 does not count against the rate limit. The
// Transport in this package sits underneath any HTTP client, remembers the
// body and ETag of every successful GET and replays the stored body when
// the server reports it unchanged. For a harvester that re-reads the same
// repositories this saves most of the quota.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient, cache.DefaultRetention)
//
//	httpClient := &http.Client{
//		Transport: cache.NewTransport(http.DefaultTransport, manager),
//	}
//
// Entries are keyed per credential: the key contains a short SHA-256 of the
// Authorization header, never the header itself, so private data fetched with
// one token is not served to another.
//
// # Metrics
//
//   - gh_cache_hits_total{layer="redis"} - Cache hits
//   - gh_cache_misses_total - Cache misses
//   - gh_cache_size_bytes{layer="redis"} - Bytes written
//   - gh_304_responses_total - Conditional request successes
//   - gh_conditional_requests_total - Conditional requests sent
//   - gh_cache_errors_total{operation} - Cache operation errors
package cache
