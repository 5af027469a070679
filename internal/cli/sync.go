package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/secdash/internal/api"
	"github.com/ppiankov/secdash/internal/apiclient"
	"github.com/ppiankov/secdash/internal/health"
	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/reporter"
	"github.com/spf13/cobra"
)

var (
	syncSince     string
	syncConnector string
	syncFormat    string
	syncStrict    bool
	syncRollup    bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a one-shot sync across enabled connectors",
	Long: `Sync runs connectors synchronously in this process and prints one result per
connector. Every run is audited and updates the connector status, exactly as
scheduled runs do. With --server the sync is enqueued on a running serve
instance instead and the job id is printed.

Exit codes:
  0 - all runs finished (per-item errors are reported but do not fail the run)
  1 - with --strict, at least one connector run failed
  2 - invalid flags or config
  3 - runtime error

Example:
  secdash sync incidents --since 2h
  secdash sync incidents --since 2026-02-15T00:00:00Z --connector falcon
  secdash sync assets --format json
  secdash sync incidents --server http://localhost:8080`,
}

var syncIncidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "Fetch incidents detected or changed since a point in time",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		since, err := api.ParseSince(syncSince, time.Now())
		if err != nil {
			return &ValidationError{Message: err.Error()}
		}
		return runSync(cmd, models.SyncIncidents, since)
	},
}

var syncAssetsCmd = &cobra.Command{
	Use:   "assets",
	Short: "Enumerate the full asset inventory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, models.SyncAssets, nil)
	},
}

func init() {
	syncCmd.PersistentFlags().StringVar(&syncConnector, "connector", "", "sync only this connector id")
	syncCmd.PersistentFlags().StringVar(&syncFormat, "format", "text", "output format: text or json")
	syncCmd.PersistentFlags().BoolVar(&syncStrict, "strict", false, "exit 1 when any connector run fails")
	syncCmd.PersistentFlags().BoolVar(&syncRollup, "rollup", true, "recompute metrics after the sync")
	syncIncidentsCmd.Flags().StringVar(&syncSince, "since", "", "lookback as a duration (2h) or RFC3339 time (default 24h)")

	syncCmd.AddCommand(syncIncidentsCmd)
	syncCmd.AddCommand(syncAssetsCmd)
}

func runSync(cmd *cobra.Command, syncType models.SyncType, since *time.Time) error {
	if err := validateFormat(syncFormat, "text", "json"); err != nil {
		return err
	}

	if serverURL != "" {
		return triggerRemoteSync(cmd, syncType)
	}

	ctx := cmd.Context()
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.WithError(err).Warn("shutdown incomplete")
		}
	}()

	results, err := runSyncResults(ctx, rt, syncType, since)
	if err != nil {
		return err
	}

	// the comparison is only printed when a previous snapshot exists
	var previous, current *models.MetricsSnapshot
	if syncRollup {
		previous, err = rt.store.LatestMetrics(ctx)
		if err != nil {
			logger.WithError(err).Warn("failed to read previous metrics")
		}
		rollup := health.NewRollup(rt.store, rt.sink, rt.metrics, logger)
		if current, err = rollup.Run(ctx); err != nil {
			logger.WithError(err).Warn("metrics rollup failed")
		}
	}

	out := cmd.OutOrStdout()
	if syncFormat == "json" {
		err = reporter.NewJSONReporter(out, true).SyncResults(syncType, results)
	} else {
		err = reporter.NewTextReporter(out).SyncResults(syncType, results)
		if err == nil && current != nil && previous != nil {
			_, err = fmt.Fprintf(out, "\n%s", health.CompareSnapshots(current, previous))
		}
	}
	if err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if syncStrict && failed > 0 {
		return &ThresholdExceededError{Failed: failed, Total: len(results)}
	}
	return nil
}

func runSyncResults(ctx context.Context, rt *runtime, syncType models.SyncType, since *time.Time) (map[string]*models.SyncResult, error) {
	if syncConnector != "" {
		if err := api.ValidateConnectorID(syncConnector); err != nil {
			return nil, &ValidationError{Message: err.Error()}
		}
		result, err := rt.manager.SyncConnector(ctx, syncConnector, syncType, since)
		if err != nil {
			return nil, &ValidationError{Message: err.Error()}
		}
		return map[string]*models.SyncResult{syncConnector: result}, nil
	}

	if syncType == models.SyncIncidents {
		return rt.manager.SyncAllIncidents(ctx, since), nil
	}
	return rt.manager.SyncAllAssets(ctx), nil
}

// triggerRemoteSync enqueues the sync on a running server. --connector is not
// supported there because the API only triggers fan-out jobs.
func triggerRemoteSync(cmd *cobra.Command, syncType models.SyncType) error {
	if syncConnector != "" {
		return &ValidationError{Message: "--connector cannot be combined with --server"}
	}

	client := apiclient.New(serverURL, cfg.HTTPTimeout)
	ref, err := client.TriggerSync(cmd.Context(), syncType, syncSince)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if syncFormat == "json" {
		return reporter.NewJSONReporter(out, true).Generate(ref)
	}
	fmt.Fprintf(out, "Enqueued %s (job %s)\n", ref.Job, ref.JobID)
	return nil
}

// validateFormat rejects an output format outside allowed
func validateFormat(format string, allowed ...string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	return &ValidationError{Message: fmt.Sprintf("invalid format: %s (must be one of %v)", format, allowed)}
}
