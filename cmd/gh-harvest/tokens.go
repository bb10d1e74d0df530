package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/gh-harvester/pkg/client"
	"github.com/Sternrassler/gh-harvester/pkg/config"
	"github.com/Sternrassler/gh-harvester/pkg/ratelimit"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// errNoSharedQuota marks identities no harvester has reported to Redis yet.
var errNoSharedQuota = errors.New("no shared quota")

func newTokensCmd(cfg *config.Config) *cobra.Command {
	var (
		watch  time.Duration
		shared bool
	)

	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Show the rate limit of every configured credential",
		Long: `Tokens queries GET /rate_limit for every credential, which does not count
against the quota, and prints one row per identity. With --watch the table is
refreshed until interrupted.

With --shared the table is read from the quotas other harvester processes
mirrored to Redis; no secret is fetched and GitHub is not contacted. Without
it, identities whose secret or quota cannot be fetched fall back to the
mirrored quota when one exists.`,
		Example: `  gh-harvest tokens
  gh-harvest tokens --watch 30s
  REDIS_URL=redis://localhost:6379/0 gh-harvest tokens --shared`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if shared && cfg.RedisURL == "" {
				return fmt.Errorf("--shared requires REDIS_URL")
			}

			a, err := newApp(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			return monitorTokens(cmd.Context(), a, cmd.OutOrStdout(), watch, shared)
		},
	}

	cmd.Flags().DurationVar(&watch, "watch", 0, "refresh interval (0 = print once)")
	cmd.Flags().BoolVar(&shared, "shared", false, "read quotas mirrored to Redis instead of querying GitHub")

	return cmd
}

// tokenStatus is one row of the tokens table.
type tokenStatus struct {
	Identity string
	Quota    ratelimit.Quota
	Shared   bool
	Err      error
}

func monitorTokens(ctx context.Context, a *app, w io.Writer, watch time.Duration, shared bool) error {
	for {
		printTokens(w, collectTokens(ctx, a, shared))
		if watch <= 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watch):
		}
		fmt.Fprintln(w)
	}
}

// collectTokens looks up every identity without moving the pool cursor.
func collectTokens(ctx context.Context, a *app, shared bool) []tokenStatus {
	identities := []string{client.DirectIdentity}
	if a.pool != nil {
		identities = a.pool.Identities()
	}

	out := make([]tokenStatus, 0, len(identities))
	for _, id := range identities {
		if shared {
			out = append(out, sharedToken(ctx, a, id))
			continue
		}

		row := liveToken(ctx, a, id)
		if row.Err != nil {
			if mirrored := sharedToken(ctx, a, id); mirrored.Err == nil {
				log.Warn().Err(row.Err).Str("identity", id).Msg("Showing shared quota")
				row = mirrored
			}
		}
		out = append(out, row)
	}
	return out
}

func liveToken(ctx context.Context, a *app, identity string) tokenStatus {
	if a.pool == nil {
		return queryToken(ctx, a, identity, a.cfg.Token)
	}
	cred, err := a.pool.Lookup(ctx, identity)
	if err != nil {
		return tokenStatus{Identity: identity, Err: err}
	}
	return queryToken(ctx, a, identity, cred.Secret)
}

// sharedToken reads the quota another process mirrored for identity.
func sharedToken(ctx context.Context, a *app, identity string) tokenStatus {
	if a.redis == nil {
		return tokenStatus{Identity: identity, Err: errNoSharedQuota}
	}
	q, ok, err := a.tracker.Load(ctx, identity)
	switch {
	case err != nil:
		return tokenStatus{Identity: identity, Err: err}
	case !ok:
		return tokenStatus{Identity: identity, Err: errNoSharedQuota}
	}
	return tokenStatus{Identity: identity, Quota: q, Shared: true}
}

func queryToken(ctx context.Context, a *app, identity, secret string) tokenStatus {
	q, err := a.rest.Quota(ctx, secret)
	if err != nil {
		return tokenStatus{Identity: identity, Err: err}
	}
	if err := a.tracker.Record(ctx, identity, q); err != nil {
		log.Warn().Err(err).Str("identity", identity).Msg("Failed to share quota")
	}
	return tokenStatus{Identity: identity, Quota: q}
}

func printTokens(w io.Writer, rows []tokenStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTITY\tSTATUS\tREMAINING\tLIMIT\tUSED\tRESET")

	var total, limit int
	for _, r := range rows {
		if r.Err != nil {
			fmt.Fprintf(tw, "%s\terror: %v\t-\t-\t-\t-\n", r.Identity, r.Err)
			continue
		}
		total += r.Quota.Remaining
		limit += r.Quota.Limit
		state := status(r.Quota)
		if r.Shared {
			state += " (shared)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.1f%%\t%s\n",
			r.Identity,
			state,
			r.Quota.Remaining,
			r.Quota.Limit,
			r.Quota.UsedPercent(),
			r.Quota.TimeUntilReset().Round(time.Second),
		)
	}
	fmt.Fprintf(tw, "TOTAL\t\t%d\t%d\t\t\n", total, limit)
	_ = tw.Flush()
}

func status(q ratelimit.Quota) string {
	switch {
	case q.Exhausted():
		return "exhausted"
	case q.Remaining < ratelimit.ErrorThresholdWarning:
		return "low"
	default:
		return "ok"
	}
}
