package cli

import (
	"fmt"

	"github.com/ppiankov/secdash/internal/reporter"
	"github.com/spf13/cobra"
)

var testFormat string

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Probe every enabled connector",
	Long: `Test runs the connection check of every enabled connector concurrently and
prints whether each one is reachable with the configured credentials.

Exit codes:
  0 - every connector is reachable
  3 - at least one connector is unreachable

Example:
  secdash test
  secdash test --format json`,
	Args: cobra.NoArgs,
	RunE: runTest,
}

func init() {
	testCmd.Flags().StringVar(&testFormat, "format", "text", "output format: text or json")
}

func runTest(cmd *cobra.Command, args []string) error {
	if err := validateFormat(testFormat, "text", "json"); err != nil {
		return err
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

	results := rt.manager.TestAllConnections(ctx)

	out := cmd.OutOrStdout()
	if testFormat == "json" {
		err = reporter.NewJSONReporter(out, true).Health(results)
	} else {
		err = reporter.NewTextReporter(out).Health(results)
	}
	if err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	failed := 0
	for _, ok := range results {
		if !ok {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d connectors unreachable", failed, len(results))
	}
	return nil
}
