package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/Sternrassler/gh-harvester/pkg/config"
	"github.com/Sternrassler/gh-harvester/pkg/github"
	"github.com/Sternrassler/gh-harvester/pkg/harvest"
	"github.com/Sternrassler/gh-harvester/pkg/metrics"
	"github.com/Sternrassler/gh-harvester/pkg/pagination"
	gh "github.com/google/go-github/v80/github"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type harvestFlags struct {
	repos       []string
	resources   []string
	state       string
	perPage     int
	maxPages    int
	workers     int
	out         string
	metricsAddr string
}

func newHarvestCmd(cfg *config.Config) *cobra.Command {
	var flags harvestFlags

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest collections of one or more repositories as JSON lines",
		Long: `Harvest pages through every requested collection of every repository and
writes one JSON object per item: {"run_id", "repo", "resource", "item"}.

Resources: pulls, issues, commits, comments, pull_commits.
A failing repository does not stop the others; the command exits non-zero
if any job failed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			applyHarvestFlags(cmd, cfg, flags)
			return runHarvest(cmd, *cfg, flags.out)
		},
	}

	cmd.Flags().StringArrayVar(&flags.repos, "repo", nil, "repository as owner/name (repeatable)")
	cmd.Flags().StringArrayVar(&flags.resources, "resource", nil, "collection to harvest (repeatable, default pulls)")
	cmd.Flags().StringVar(&flags.state, "state", "closed", "state filter for pulls and issues (open, closed, all)")
	cmd.Flags().IntVar(&flags.perPage, "per-page", config.DefaultPerPage, "items per page (max 100)")
	cmd.Flags().IntVar(&flags.maxPages, "max-pages", 0, "page cap per collection (0 = unlimited)")
	cmd.Flags().IntVar(&flags.workers, "workers", config.DefaultConcurrency, "concurrent jobs")
	cmd.Flags().StringVarP(&flags.out, "out", "o", "-", "output file, - for stdout")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

// applyHarvestFlags lets explicitly set flags win over environment and file.
func applyHarvestFlags(cmd *cobra.Command, cfg *config.Config, flags harvestFlags) {
	changed := cmd.Flags().Changed
	if changed("repo") {
		cfg.Repos = flags.repos
	}
	if changed("resource") {
		cfg.Resources = flags.resources
	}
	if changed("state") {
		cfg.State = flags.state
	}
	if changed("per-page") {
		cfg.PerPage = flags.perPage
	}
	if changed("max-pages") {
		cfg.MaxPages = flags.maxPages
	}
	if changed("workers") {
		cfg.Concurrency = flags.workers
	}
	if changed("metrics-addr") {
		cfg.MetricsAddr = flags.metricsAddr
	}
}

func runHarvest(cmd *cobra.Command, cfg config.Config, out string) (err error) {
	ctx := cmd.Context()

	if len(cfg.Repos) == 0 {
		return fmt.Errorf("no repositories: use --repo or set repos in the config file")
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := buildJobs(a.github, cfg)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		srv, err := metrics.Listen(cfg.MetricsAddr)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Serve(ctx); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	w := cmd.OutOrStdout()
	if out != "" && out != "-" {
		f, ferr := os.Create(out)
		if ferr != nil {
			return fmt.Errorf("create output: %w", ferr)
		}
		buf := bufio.NewWriter(f)
		defer func() {
			if cerr := closeOutput(buf, f); cerr != nil && err == nil {
				err = cerr
			}
		}()
		w = buf
	}

	fetcher := pagination.NewFetcher(a.client, pagination.Config{
		PerPage:  cfg.PerPage,
		MaxPages: cfg.MaxPages,
	})
	runner := harvest.NewRunner(fetcher, cfg.Concurrency)

	_, summary, err := runner.Run(ctx, jobs, jsonLines(w))
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d jobs failed (run %s)", summary.Failed, summary.Jobs, summary.RunID)
	}
	return nil
}

// closeOutput flushes buffered records and closes the output file.
func closeOutput(buf *bufio.Writer, f *os.File) error {
	flushErr := buf.Flush()
	closeErr := f.Close()
	if flushErr != nil {
		return fmt.Errorf("flush output: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close output: %w", closeErr)
	}
	return nil
}

// jsonLines writes every record as one JSON object per line.
func jsonLines(w io.Writer) harvest.Sink {
	enc := json.NewEncoder(w)
	return func(rec harvest.Record) error {
		return enc.Encode(rec)
	}
}

// buildJobs creates one job per repository and resource.
func buildJobs(t *github.Transport, cfg config.Config) ([]harvest.Job, error) {
	filter := github.DefaultFilter()
	if cfg.State != "" {
		filter.State = cfg.State
	}

	resources := cfg.Resources
	if len(resources) == 0 {
		resources = []string{config.ResourcePulls}
	}

	var jobs []harvest.Job
	for _, repo := range cfg.Repos {
		owner, name, err := harvest.SplitRepo(repo)
		if err != nil {
			return nil, err
		}
		full := owner + "/" + name

		for _, resource := range resources {
			switch resource {
			case config.ResourcePulls:
				jobs = append(jobs, harvest.NewJob(full, resource, t.PullRequests(owner, name, filter)))
			case config.ResourceIssues:
				jobs = append(jobs, harvest.NewJob(full, resource, t.Issues(owner, name, filter)))
			case config.ResourceCommits:
				jobs = append(jobs, harvest.NewJob(full, resource, t.Commits(owner, name)))
			case config.ResourceComments:
				jobs = append(jobs, harvest.NewJob(full, resource, t.IssueComments(owner, name, 0)))
			case config.ResourcePullCommits:
				jobs = append(jobs, harvest.NewFanOutJob(full, resource, t.PullRequests(owner, name, filter),
					func(pr *gh.PullRequest) (pagination.Resource[*gh.RepositoryCommit], bool) {
						return t.PullCommits(owner, name, pr.GetNumber()), pr.GetNumber() > 0
					}))
			default:
				return nil, fmt.Errorf("unknown resource %q", resource)
			}
		}
	}
	return jobs, nil
}
