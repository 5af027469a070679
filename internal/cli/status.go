package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ppiankov/secdash/internal/apiclient"
	"github.com/ppiankov/secdash/internal/health"
	"github.com/ppiankov/secdash/internal/reporter"
	"github.com/ppiankov/secdash/internal/storage"
	"github.com/ppiankov/secdash/internal/tui"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// statusWindow is the metrics history rendered as the sparkline
const statusWindow = 24 * time.Hour

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connector health and the latest security metrics",
	Long: `Status shows every configured connector with its live status, the latest
metrics snapshot and the trend against the previous snapshot.

Data comes from the configured store (database_url), or from a running serve
instance with --server. Without either, only the configured connectors are
shown since nothing has been synced yet.

The interactive board (tui) is the default on a terminal; text is used when
stdout is redirected.

Example:
  secdash status
  secdash status --format json
  secdash status --server http://localhost:8080 --format tui`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "",
		"output format: text, json or tui (default tui on a terminal, else text)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	format := statusFormat
	if format == "" {
		format = "text"
		if term.IsTerminal(int(os.Stdout.Fd())) {
			format = "tui"
		}
	}
	if err := validateFormat(format, "text", "json", "tui"); err != nil {
		return err
	}

	ctx := cmd.Context()
	load, release, err := openBoard(ctx)
	if err != nil {
		return err
	}
	defer release()

	board, err := load(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch format {
	case "tui":
		return tui.Run(board, load)
	case "json":
		return reporter.NewJSONReporter(out, true).Status(reporter.StatusReport{
			Timestamp:  time.Now().UTC(),
			Connectors: board.Connectors,
			Metrics:    board.Metrics,
			Trend:      board.Trend,
		})
	default:
		r := reporter.NewTextReporter(out)
		if err := r.Connectors(board.Connectors); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		fmt.Fprintln(out)
		if err := r.Metrics(board.Metrics, board.Trend); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		return nil
	}
}

// openBoard picks the board source: the --server API, else the configured
// store. release closes the store.
func openBoard(ctx context.Context) (load tui.Loader, release func(), err error) {
	if serverURL != "" {
		return remoteBoard(apiclient.New(serverURL, cfg.HTTPTimeout)), func() {}, nil
	}
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return localBoard(store), func() { _ = store.Close() }, nil
}

// localBoard reads the board from the store
func localBoard(store storage.Gateway) tui.Loader {
	return func(ctx context.Context) (tui.Board, error) {
		conns, err := store.ListConnectorConfigs(ctx, false)
		if err != nil {
			return tui.Board{}, fmt.Errorf("failed to list connectors: %w", err)
		}
		latest, err := store.LatestMetrics(ctx)
		if err != nil {
			return tui.Board{}, fmt.Errorf("failed to read metrics: %w", err)
		}
		history, err := store.MetricsHistory(ctx, time.Now().Add(-statusWindow), 0)
		if err != nil {
			return tui.Board{}, fmt.Errorf("failed to read metrics history: %w", err)
		}

		board := tui.Board{
			Connectors: conns,
			Metrics:    latest,
			Sparkline:  health.Sparkline(history),
		}
		if n := len(history); n >= 2 {
			board.Trend = health.CalculateTrend(&history[n-1], &history[n-2])
		}
		return board, nil
	}
}

// remoteBoard reads the board from a running server's API
func remoteBoard(client *apiclient.Client) tui.Loader {
	return func(ctx context.Context) (tui.Board, error) {
		conns, err := client.Connectors(ctx)
		if err != nil {
			return tui.Board{}, err
		}
		latest, err := client.LatestMetrics(ctx)
		if err != nil {
			return tui.Board{}, err
		}
		history, err := client.MetricsHistory(ctx, statusWindow.String())
		if err != nil {
			return tui.Board{}, err
		}
		trend, err := client.Trend(ctx)
		if err != nil {
			return tui.Board{}, err
		}
		return tui.Board{
			Connectors: conns,
			Metrics:    latest,
			Trend:      trend,
			Sparkline:  history.Sparkline,
		}, nil
	}
}
