package harvest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Sternrassler/gh-harvester/pkg/pagination"
)

// Record is one harvested item as handed to a Sink.
type Record struct {
	RunID    string `json:"run_id"`
	Repo     string `json:"repo"`
	Resource string `json:"resource"`
	Item     any    `json:"item"`
}

// Sink receives every harvested item. The runner serializes calls,
// so a Sink does not need to be safe for concurrent use.
// Returning an error aborts the job that produced the record.
type Sink func(Record) error

// Discard is a Sink that drops every record.
func Discard(Record) error { return nil }

// Job harvests one collection of one repository.
type Job struct {
	Repo     string
	Resource string

	fetch func(ctx context.Context, f *pagination.Fetcher, emit func(any) error) (items, page int, err error)
}

// NewJob wraps res so that it can be scheduled next to jobs of other item types.
func NewJob[T any](repo, resource string, res pagination.Resource[T]) Job {
	return Job{
		Repo:     repo,
		Resource: resource,
		fetch: func(ctx context.Context, f *pagination.Fetcher, emit func(any) error) (int, int, error) {
			p := pagination.NewPager(f, res)
			emitted := 0
			for {
				batch, err := p.Next(ctx)
				if errors.Is(err, pagination.Done) {
					return emitted, p.Pages(), nil
				}
				if err != nil {
					page := p.Cursor().Page
					var fe *pagination.FetchError
					if errors.As(err, &fe) {
						page = fe.Page
					}
					return emitted, page, err
				}
				for _, item := range batch {
					if err := emit(item); err != nil {
						return emitted, p.Pages(), fmt.Errorf("sink: %w", err)
					}
					emitted++
				}
			}
		},
	}
}

// NewFanOutJob pages through parent and, for every parent item that child
// accepts, through the collection child returns. Only child items reach the sink.
// Page sums the pages fetched from the child collections.
func NewFanOutJob[P, C any](repo, resource string, parent pagination.Resource[P], child func(P) (pagination.Resource[C], bool)) Job {
	return Job{
		Repo:     repo,
		Resource: resource,
		fetch: func(ctx context.Context, f *pagination.Fetcher, emit func(any) error) (int, int, error) {
			var items, pages int
			for p, err := range pagination.FetchAll(ctx, f, parent) {
				if err != nil {
					return items, pages, err
				}
				res, ok := child(p)
				if !ok {
					continue
				}
				n, pg, err := NewJob(repo, resource, res).fetch(ctx, f, emit)
				items += n
				pages += pg
				if err != nil {
					return items, pages, err
				}
			}
			return items, pages, nil
		},
	}
}

// SplitRepo splits "owner/name" into its parts.
func SplitRepo(full string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(full), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository %q: want owner/name", full)
	}
	return owner, name, nil
}
