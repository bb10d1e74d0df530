package harvest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/gh-harvester/pkg/client"
	"github.com/Sternrassler/gh-harvester/pkg/credential"
	"github.com/Sternrassler/gh-harvester/pkg/pagination"
	"github.com/rs/zerolog"
)

func newTestFetcher(t *testing.T, ids ...string) (*pagination.Fetcher, *credential.Pool) {
	t.Helper()
	secrets := make([]string, len(ids))
	for i, id := range ids {
		secrets[i] = "secret-" + id
	}
	issuer, labels := credential.NewStaticIssuer(secrets)
	pool, err := credential.NewPool(labels, issuer, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	cfg := client.DefaultConfig()
	cfg.Pool = pool
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	return pagination.NewFetcher(c, pagination.Config{PerPage: 10, Quiet: true}), pool
}

// pagedResource serves total items in pages of 10.
func pagedResource(name string, total int) pagination.Resource[string] {
	return pagination.Resource[string]{
		Name: name,
		Fetch: func(_ context.Context, _ string, cur pagination.Cursor) ([]string, client.Outcome) {
			start := (cur.Page - 1) * cur.PerPage
			var items []string
			for i := start; i < total && i < start+cur.PerPage; i++ {
				items = append(items, fmt.Sprintf("%s-%d", name, i))
			}
			return items, client.Success(nil)
		},
	}
}

func failingResource(name string, failPage int) pagination.Resource[string] {
	return pagination.Resource[string]{
		Name: name,
		Fetch: func(_ context.Context, _ string, cur pagination.Cursor) ([]string, client.Outcome) {
			if cur.Page == failPage {
				return nil, client.FromResponse(http.StatusInternalServerError, http.Header{}, "boom")
			}
			return []string{"x", "y"}, client.Success(nil)
		},
	}
}

func TestRunner_IsolatesFailures(t *testing.T) {
	f, _ := newTestFetcher(t, "a", "b")
	r := NewRunner(f, 2)

	jobs := []Job{
		NewJob("octo/one", "pulls", pagedResource("one", 25)),
		NewJob("octo/two", "pulls", failingResource("two", 2)),
		NewJob("octo/three", "commits", pagedResource("three", 0)),
	}

	var records []Record
	results, summary, err := r.Run(context.Background(), jobs, func(rec Record) error {
		records = append(records, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}

	if results[0].Err != nil || results[0].Items != 25 || results[0].Page != 4 {
		t.Errorf("results[0] = %+v, want 25 items over 4 pages", results[0])
	}

	if results[1].Err == nil {
		t.Fatal("results[1].Err = nil, want error")
	}
	var fe *pagination.FetchError
	if !errors.As(results[1].Err, &fe) {
		t.Errorf("results[1].Err = %T, want *pagination.FetchError", results[1].Err)
	}
	if results[1].Page != 2 || results[1].Items != 2 {
		t.Errorf("results[1] page = %d items = %d, want 2 and 2", results[1].Page, results[1].Items)
	}
	if !errors.Is(results[1].Err, client.ErrUnclassified) {
		t.Errorf("results[1].Err = %v, want ErrUnclassified", results[1].Err)
	}

	if results[2].Err != nil || results[2].Items != 0 || results[2].Page != 1 {
		t.Errorf("results[2] = %+v, want empty success after 1 page", results[2])
	}

	if summary.Jobs != 3 || summary.Failed != 1 || summary.Items != 27 {
		t.Errorf("summary = %+v, want 3 jobs, 1 failed, 27 items", summary)
	}
	if len(records) != 27 {
		t.Errorf("records = %d, want 27", len(records))
	}
	for _, rec := range records {
		if rec.RunID != summary.RunID {
			t.Errorf("record run id = %q, want %q", rec.RunID, summary.RunID)
			break
		}
	}
}

func TestRunner_RunIDsAreUnique(t *testing.T) {
	f, _ := newTestFetcher(t, "a")
	r := NewRunner(f, 1)

	_, s1, _ := r.Run(context.Background(), nil, nil)
	_, s2, _ := r.Run(context.Background(), nil, nil)

	if s1.RunID == "" || s1.RunID == s2.RunID {
		t.Errorf("run ids = %q, %q, want distinct non-empty", s1.RunID, s2.RunID)
	}
	if len(s1.RunID) != 26 {
		t.Errorf("run id length = %d, want 26", len(s1.RunID))
	}
}

func TestRunner_BoundsConcurrency(t *testing.T) {
	f, _ := newTestFetcher(t, "a")
	r := NewRunner(f, 2)

	var inFlight, peak atomic.Int32
	slow := pagination.Resource[int]{
		Name: "slow",
		Fetch: func(_ context.Context, _ string, cur pagination.Cursor) ([]int, client.Outcome) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			if cur.Page > 1 {
				return nil, client.Success(nil)
			}
			return []int{1}, client.Success(nil)
		},
	}

	jobs := make([]Job, 6)
	for i := range jobs {
		jobs[i] = NewJob(fmt.Sprintf("octo/r%d", i), "slow", slow)
	}

	results, _, err := r.Run(context.Background(), jobs, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i, res := range results {
		if res.Err != nil {
			t.Errorf("results[%d].Err = %v", i, res.Err)
		}
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestRunner_SharesPoolAcrossJobs(t *testing.T) {
	f, pool := newTestFetcher(t, "a", "b")
	r := NewRunner(f, 3)

	// The first identity is rate limited; every job must move to the second.
	limited := pagination.Resource[string]{
		Name: "limited",
		Fetch: func(_ context.Context, secret string, cur pagination.Cursor) ([]string, client.Outcome) {
			if secret == "secret-a" {
				return nil, client.RateLimited(http.StatusForbidden, nil, 0)
			}
			if cur.Page > 1 {
				return nil, client.Success(nil)
			}
			return []string{secret}, client.Success(nil)
		},
	}

	jobs := []Job{
		NewJob("octo/one", "limited", limited),
		NewJob("octo/two", "limited", limited),
		NewJob("octo/three", "limited", limited),
	}
	var got []Record
	results, summary, err := r.Run(context.Background(), jobs, func(rec Record) error {
		got = append(got, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Failed != 0 {
		t.Fatalf("failed = %d, results = %+v", summary.Failed, results)
	}
	for _, rec := range got {
		if rec.Item != "secret-b" {
			t.Errorf("item = %v, want secret-b", rec.Item)
		}
	}
	if pool.RemainingCount() != 2 {
		t.Errorf("RemainingCount() = %d, want 2", pool.RemainingCount())
	}
}

func TestRunner_SinkErrorFailsOnlyItsJob(t *testing.T) {
	f, _ := newTestFetcher(t, "a")
	r := NewRunner(f, 1)

	errFull := errors.New("disk full")
	jobs := []Job{
		NewJob("octo/one", "pulls", pagedResource("one", 5)),
		NewJob("octo/two", "pulls", pagedResource("two", 5)),
	}

	results, summary, err := r.Run(context.Background(), jobs, func(rec Record) error {
		if rec.Repo == "octo/one" {
			return errFull
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !errors.Is(results[0].Err, errFull) {
		t.Errorf("results[0].Err = %v, want %v", results[0].Err, errFull)
	}
	if results[1].Err != nil || results[1].Items != 5 {
		t.Errorf("results[1] = %+v, want 5 items", results[1])
	}
	if summary.Failed != 1 {
		t.Errorf("failed = %d, want 1", summary.Failed)
	}
}

func TestRunner_SinkErrorReportsAcceptedItems(t *testing.T) {
	f, _ := newTestFetcher(t, "a")
	r := NewRunner(f, 1)

	errFull := errors.New("disk full")
	failAfter := func(n int) Sink {
		accepted := 0
		return func(Record) error {
			if accepted == n {
				return errFull
			}
			accepted++
			return nil
		}
	}

	parents := pagination.Resource[int]{
		Name: "parents",
		Fetch: func(_ context.Context, _ string, cur pagination.Cursor) ([]int, client.Outcome) {
			if cur.Page > 1 {
				return nil, client.Success(nil)
			}
			return []int{0, 1}, client.Success(nil)
		},
	}
	child := func(n int) (pagination.Resource[string], bool) {
		return pagedResource(fmt.Sprintf("child%d", n), 10), true
	}

	tests := []struct {
		name      string
		job       Job
		accept    int
		wantItems int
	}{
		{"single page", NewJob("octo/one", "pulls", pagedResource("one", 10)), 1, 1},
		{"second page", NewJob("octo/one", "pulls", pagedResource("one", 25)), 13, 13},
		{"fan out", NewFanOutJob("octo/one", "pull_commits", parents, child), 13, 13},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, _, err := r.Run(context.Background(), []Job{tt.job}, failAfter(tt.accept))
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if !errors.Is(results[0].Err, errFull) {
				t.Errorf("Err = %v, want %v", results[0].Err, errFull)
			}
			if results[0].Items != tt.wantItems {
				t.Errorf("Items = %d, want %d", results[0].Items, tt.wantItems)
			}
		})
	}
}

func TestRunner_Cancelled(t *testing.T) {
	f, _ := newTestFetcher(t, "a")
	r := NewRunner(f, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, _, err := r.Run(ctx, []Job{NewJob("octo/one", "pulls", pagedResource("one", 5))}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if results[0].Err == nil {
		t.Error("results[0].Err = nil, want cancellation")
	}
}

func TestRunner_FanOut(t *testing.T) {
	f, _ := newTestFetcher(t, "a")
	r := NewRunner(f, 1)

	// Parents 0..2; odd parents are skipped, even parents have 12 children.
	parents := pagination.Resource[int]{
		Name: "parents",
		Fetch: func(_ context.Context, _ string, cur pagination.Cursor) ([]int, client.Outcome) {
			if cur.Page > 1 {
				return nil, client.Success(nil)
			}
			return []int{0, 1, 2}, client.Success(nil)
		},
	}
	child := func(n int) (pagination.Resource[string], bool) {
		if n%2 == 1 {
			return pagination.Resource[string]{}, false
		}
		return pagedResource(fmt.Sprintf("child%d", n), 12), true
	}

	var got []Record
	results, _, err := r.Run(context.Background(),
		[]Job{NewFanOutJob("octo/one", "pull_commits", parents, child)},
		func(rec Record) error {
			got = append(got, rec)
			return nil
		})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	res := results[0]
	if res.Err != nil {
		t.Fatalf("Err = %v", res.Err)
	}
	if res.Items != 24 || len(got) != 24 {
		t.Errorf("items = %d, records = %d, want 24", res.Items, len(got))
	}
	// Two children with pages 10, 2 and a final empty page each.
	if res.Page != 6 {
		t.Errorf("Page = %d, want 6", res.Page)
	}
	if got[0].Item != "child0-0" || got[23].Item != "child2-11" {
		t.Errorf("first/last item = %v/%v", got[0].Item, got[23].Item)
	}
	for _, rec := range got {
		if rec.Resource != "pull_commits" {
			t.Errorf("resource = %q, want pull_commits", rec.Resource)
			break
		}
	}
}

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		in        string
		wantOwner string
		wantName  string
		wantErr   bool
	}{
		{in: "octo/hello", wantOwner: "octo", wantName: "hello"},
		{in: " octo/hello ", wantOwner: "octo", wantName: "hello"},
		{in: "octo", wantErr: true},
		{in: "/hello", wantErr: true},
		{in: "octo/", wantErr: true},
		{in: "a/b/c", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			owner, name, err := SplitRepo(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SplitRepo(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if owner != tt.wantOwner || name != tt.wantName {
				t.Errorf("SplitRepo(%q) = %q, %q, want %q, %q", tt.in, owner, name, tt.wantOwner, tt.wantName)
			}
		})
	}
}
