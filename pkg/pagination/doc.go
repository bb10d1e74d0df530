// Package pagination walks page-numbered GitHub collections one page at a time.
//
// GitHub list endpoints accept page and per_page query parameters and return a
// JSON array. The response does not carry a reliable total, so an empty page is
// treated as the end of the collection. Every page is fetched through
// client.Execute, which handles rate limiting and credential rotation; the
// fetcher itself never requests the same page twice.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher(ghClient, pagination.DefaultConfig())
//	for pr, err := range pagination.FetchAll(ctx, fetcher, transport.PullRequests("octo", "repo")) {
//		if err != nil {
//			return err // *pagination.FetchError names the page that failed
//		}
//		handle(pr)
//	}
//
// Pager exposes the underlying state machine for callers that want to drive
// page by page:
//
//	Idle -> Fetching(page) -> Yielded(page+1) -> Fetching(page+1) ...
//	                       -> Exhausted  (empty page or MaxPages reached)
//	                       -> Aborted    (error from client.Execute)
package pagination
