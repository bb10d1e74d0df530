package pagination

import (
	"context"
	"errors"

	"github.com/Sternrassler/gh-harvester/pkg/client"
)

// Done is returned by Pager.Next once the collection is exhausted.
var Done = errors.New("no more pages")

// State is the position of a Pager in its lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateYielded   State = "yielded"
	StateExhausted State = "exhausted"
	StateAborted   State = "aborted"
)

// Pager fetches one collection page by page. It is not safe for concurrent use.
type Pager[T any] struct {
	fetcher  *Fetcher
	resource Resource[T]
	cursor   Cursor
	state    State
	pages    int
	items    int
	err      error
}

// NewPager creates a pager positioned at page 1.
func NewPager[T any](f *Fetcher, res Resource[T]) *Pager[T] {
	return &Pager[T]{
		fetcher:  f,
		resource: res,
		cursor:   Cursor{Page: 1, PerPage: f.config.PerPage},
		state:    StateIdle,
	}
}

// State returns the current state.
func (p *Pager[T]) State() State {
	return p.state
}

// Cursor returns the cursor of the next page to fetch.
func (p *Pager[T]) Cursor() Cursor {
	return p.cursor
}

// Pages returns the number of pages fetched so far, including the final empty one.
func (p *Pager[T]) Pages() int {
	return p.pages
}

// Items returns the number of items fetched so far.
func (p *Pager[T]) Items() int {
	return p.items
}

// Next fetches the next page.
// It returns Done once the collection is exhausted and a *FetchError if it was aborted.
func (p *Pager[T]) Next(ctx context.Context) ([]T, error) {
	switch p.state {
	case StateExhausted:
		return nil, Done
	case StateAborted:
		return nil, p.err
	}

	f := p.fetcher
	cur := p.cursor
	p.state = StateFetching

	resp, err := client.Execute(ctx, f.client, func(ctx context.Context, secret string) ([]T, client.Outcome) {
		return p.resource.Fetch(ctx, secret, cur)
	})
	if err != nil {
		p.state = StateAborted
		p.err = &FetchError{Resource: p.resource.Name, Page: cur.Page, Err: err}
		f.logger.Error().
			Err(err).
			Str("resource", p.resource.Name).
			Int("page", cur.Page).
			Int("items", p.items).
			Msg("Pagination aborted")
		return nil, p.err
	}

	p.pages++
	label := p.resource.metricLabel()
	ghPagesFetchedTotal.WithLabelValues(label).Inc()

	if len(resp.Value) == 0 {
		p.state = StateExhausted
		f.logger.Debug().
			Str("resource", p.resource.Name).
			Int("pages", p.pages).
			Int("items", p.items).
			Bool("not_found", resp.NotFound).
			Msg("Pagination complete")
		return nil, Done
	}

	p.items += len(resp.Value)
	p.cursor.Page++
	p.state = StateYielded
	ghItemsFetchedTotal.WithLabelValues(label).Add(float64(len(resp.Value)))

	if !f.config.Quiet {
		event := f.logger.Info().
			Str("resource", p.resource.Name).
			Int("page", cur.Page).
			Int("page_items", len(resp.Value)).
			Int("items", p.items).
			Str("identity", resp.Identity)
		if resp.Quota != nil {
			event = event.Int("remaining", resp.Quota.Remaining).Int("limit", resp.Quota.Limit)
		}
		event.Msg("Fetched page")
	}

	if f.config.MaxPages > 0 && p.pages >= f.config.MaxPages {
		p.state = StateExhausted
		f.logger.Debug().
			Str("resource", p.resource.Name).
			Int("max_pages", f.config.MaxPages).
			Msg("Page cap reached")
	}

	return resp.Value, nil
}
