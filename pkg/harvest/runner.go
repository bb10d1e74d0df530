// Package harvest runs many pagination jobs concurrently against one shared
// credential pool.
//
// A run schedules one job per repository and collection on a bounded
// errgroup. A failing job is reported in its Result and never cancels its
// siblings; only cancellation of the parent context stops the whole run.
package harvest

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/gh-harvester/pkg/pagination"
	"github.com/Sternrassler/gh-harvester/pkg/ratelimit"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of jobs running at the same time.
const DefaultConcurrency = 4

var (
	ghJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gh_harvest_jobs_total",
		Help: "Total number of harvest jobs by resource and result",
	}, []string{"resource", "result"})

	ghJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gh_harvest_job_duration_seconds",
		Help:    "Duration of harvest jobs",
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
	}, []string{"resource"})
)

// Result is the outcome of one job.
type Result struct {
	Repo     string
	Resource string

	// Items is the number of items handed to the sink.
	Items int

	// Page is the last page requested. For a failed job it is the page that failed.
	// Fan-out jobs report the pages of all their collections together.
	Page int

	// Err is nil when the collection was read to its end or page cap.
	Err error

	Duration time.Duration
}

// Summary aggregates the results of a run.
type Summary struct {
	RunID    string
	Jobs     int
	Failed   int
	Items    int
	Duration time.Duration
}

// Runner executes jobs with bounded concurrency.
type Runner struct {
	fetcher     *pagination.Fetcher
	concurrency int
	logger      zerolog.Logger
}

// NewRunner creates a runner. A non-positive concurrency means DefaultConcurrency.
func NewRunner(f *pagination.Fetcher, concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Runner{
		fetcher:     f,
		concurrency: concurrency,
		logger:      log.With().Str("component", "harvester").Logger(),
	}
}

// Run executes jobs and returns their results in job order.
// The error is non-nil only if ctx was cancelled.
func (r *Runner) Run(ctx context.Context, jobs []Job, sink Sink) ([]Result, Summary, error) {
	if sink == nil {
		sink = Discard
	}

	runID := ulid.Make().String()
	logger := r.logger.With().Str("run_id", runID).Logger()
	start := time.Now()

	logger.Info().
		Int("jobs", len(jobs)).
		Int("concurrency", r.concurrency).
		Msg("Harvest started")

	var sinkMu sync.Mutex
	results := make([]Result, len(jobs))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, job := range jobs {
		g.Go(func() error {
			results[i] = r.runJob(gCtx, logger, runID, job, func(rec Record) error {
				sinkMu.Lock()
				defer sinkMu.Unlock()
				return sink(rec)
			})
			// Job failures stay in their Result.
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{RunID: runID, Jobs: len(jobs), Duration: time.Since(start)}
	for _, res := range results {
		summary.Items += res.Items
		if res.Err != nil {
			summary.Failed++
		}
	}

	logger.Info().
		Int("jobs", summary.Jobs).
		Int("failed", summary.Failed).
		Int("items", summary.Items).
		Dur("duration", summary.Duration).
		Msg("Harvest finished")

	r.logUsage(logger)

	return results, summary, ctx.Err()
}

func (r *Runner) runJob(ctx context.Context, logger zerolog.Logger, runID string, job Job, sink Sink) Result {
	start := time.Now()
	res := Result{Repo: job.Repo, Resource: job.Resource}

	if ctx.Err() != nil {
		res.Err = ctx.Err()
		ghJobsTotal.WithLabelValues(job.Resource, "cancelled").Inc()
		return res
	}

	res.Items, res.Page, res.Err = job.fetch(ctx, r.fetcher, func(item any) error {
		return sink(Record{RunID: runID, Repo: job.Repo, Resource: job.Resource, Item: item})
	})
	res.Duration = time.Since(start)
	ghJobDuration.WithLabelValues(job.Resource).Observe(res.Duration.Seconds())

	if res.Err != nil {
		ghJobsTotal.WithLabelValues(job.Resource, "error").Inc()
		logger.Error().
			Err(res.Err).
			Str("repo", job.Repo).
			Str("resource", job.Resource).
			Int("page", res.Page).
			Int("items", res.Items).
			Msg("Job failed")
		return res
	}

	ghJobsTotal.WithLabelValues(job.Resource, "ok").Inc()
	logger.Info().
		Str("repo", job.Repo).
		Str("resource", job.Resource).
		Int("pages", res.Page).
		Int("items", res.Items).
		Dur("duration", res.Duration).
		Msg("Job complete")
	return res
}

// logUsage reports how many requests each identity served.
func (r *Runner) logUsage(logger zerolog.Logger) {
	pool := r.fetcher.Client().Pool()
	if pool == nil {
		return
	}
	var quotas map[string]ratelimit.Quota
	if tracker := r.fetcher.Client().Tracker(); tracker != nil {
		quotas = tracker.Snapshot()
	}
	for _, cred := range pool.Snapshot() {
		event := logger.Info().
			Str("identity", cred.Identity).
			Int64("requests", cred.Usage).
			Bool("valid", cred.Valid)
		if q, ok := quotas[cred.Identity]; ok {
			event = event.Int("remaining", q.Remaining)
		}
		event.Msg("Credential usage")
	}
}
