package pagination

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/Sternrassler/gh-harvester/pkg/client"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MaxPerPage is the largest page size GitHub accepts.
const MaxPerPage = 100

// Prometheus metrics for page fetching.
var (
	ghPagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_pages_fetched_total",
		Help: "Total pages fetched by resource",
	}, []string{"resource"})

	ghItemsFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_items_fetched_total",
		Help: "Total items fetched by resource",
	}, []string{"resource"})
)

// Cursor is the position in a collection. It only ever moves forward.
type Cursor struct {
	Page    int `url:"page"`
	PerPage int `url:"per_page"`
}

// Config holds fetcher configuration.
type Config struct {
	// PerPage is the page size (default and maximum 100).
	PerPage int

	// MaxPages caps the number of pages per collection. 0 means unlimited.
	MaxPages int

	// Quiet suppresses the per-page progress log.
	Quiet bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PerPage: MaxPerPage,
	}
}

// Resource describes one paginated collection.
type Resource[T any] struct {
	// Name labels logs, metrics and errors, e.g. "pulls octo/repo".
	Name string

	// Metric is the low-cardinality label for metrics, e.g. "pulls". Defaults to Name.
	Metric string

	// Fetch retrieves one page with secret.
	Fetch func(ctx context.Context, secret string, cur Cursor) ([]T, client.Outcome)
}

func (r Resource[T]) metricLabel() string {
	if r.Metric != "" {
		return r.Metric
	}
	return r.Name
}

// FetchError reports where a collection stopped.
type FetchError struct {
	Resource string
	Page     int
	Err      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s page %d: %v", e.Resource, e.Page, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher creates pagers that share one client.
type Fetcher struct {
	client *client.Client
	config Config
	logger zerolog.Logger
}

// NewFetcher creates a new fetcher.
func NewFetcher(c *client.Client, config Config) *Fetcher {
	if config.PerPage <= 0 || config.PerPage > MaxPerPage {
		config.PerPage = MaxPerPage
	}
	if config.MaxPages < 0 {
		config.MaxPages = 0
	}

	return &Fetcher{
		client: c,
		config: config,
		logger: log.With().Str("component", "paginator").Logger(),
	}
}

// Config returns the effective configuration.
func (f *Fetcher) Config() Config {
	return f.config
}

// Client returns the client shared by all pagers of this fetcher.
func (f *Fetcher) Client() *client.Client {
	return f.client
}

// FetchAll returns a lazy sequence over every item of res.
// On failure the sequence yields a single *FetchError and stops.
// Breaking out of the loop early leaves nothing to clean up.
func FetchAll[T any](ctx context.Context, f *Fetcher, res Resource[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		p := NewPager(f, res)
		for {
			items, err := p.Next(ctx)
			if errors.Is(err, Done) {
				return
			}
			if err != nil {
				yield(*new(T), err)
				return
			}

			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

// Collect drains seq. Items yielded before an error are returned with it.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for item, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}
