package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/ppiankov/secdash/internal/connector"
	"github.com/ppiankov/secdash/internal/models"
	"github.com/ppiankov/secdash/internal/reporter"
	"github.com/spf13/cobra"
)

var validateOutput string

var validateCmd = &cobra.Command{
	Use:   "validate [connectors-file]",
	Short: "Validate connector definitions without contacting any system",
	Long: `Validate resolves the implementation of every connector and checks its
connection fields and source-specific config against the implementation's
schema. No network calls are made.

Without an argument the connectors from the loaded config are checked. With a
file argument the connectors in that import file are checked instead (same
format as 'secdash connectors import').

Disabled connectors are checked too, but their problems are only warnings.

Returns exit 0 if every enabled connector is valid, exit 2 otherwise.

Example:
  secdash validate
  secdash validate connectors.yaml --format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringVar(&validateOutput, "format", "text", "output format: text or json")
}

// connectorCheck is the validation outcome of one connector
type connectorCheck struct {
	ID             string   `json:"id"`
	Enabled        bool     `json:"enabled"`
	Implementation string   `json:"implementation,omitempty"`
	Valid          bool     `json:"valid"`
	Problems       []string `json:"problems,omitempty"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	if err := validateFormat(validateOutput, "text", "json"); err != nil {
		return err
	}

	conns := cfg.Connectors
	if len(args) == 1 {
		parsed, err := readConnectorsFile(args[0])
		if err != nil {
			return err
		}
		conns = parsed
	}

	checks := checkConnectors(conns)

	out := cmd.OutOrStdout()
	var err error
	if validateOutput == "json" {
		if checks == nil {
			checks = []connectorCheck{}
		}
		err = reporter.NewJSONReporter(out, true).Generate(checks)
	} else {
		err = writeChecks(out, checks)
	}
	if err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	invalid := 0
	for _, c := range checks {
		if c.Enabled && !c.Valid {
			invalid++
		}
	}
	if invalid > 0 {
		return &ValidationError{Message: fmt.Sprintf("%d of %d connectors invalid", invalid, len(checks))}
	}
	return nil
}

// checkConnectors resolves and validates each connector offline
func checkConnectors(conns []models.ConnectorConfig) []connectorCheck {
	var checks []connectorCheck
	for _, conn := range conns {
		check := connectorCheck{ID: conn.ID, Enabled: conn.Enabled}

		impl, err := connector.Resolve(conn)
		if err != nil {
			check.Problems = []string{err.Error()}
			checks = append(checks, check)
			continue
		}
		check.Implementation = impl.Key

		if err := connector.ValidateConfig(impl, conn); err != nil {
			var verr *connector.ValidationError
			if errors.As(err, &verr) {
				check.Problems = verr.Problems
			} else {
				check.Problems = []string{err.Error()}
			}
		}
		check.Valid = len(check.Problems) == 0
		checks = append(checks, check)
	}
	return checks
}

func writeChecks(w io.Writer, checks []connectorCheck) error {
	ok := color.New(color.FgGreen).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()
	bad := color.New(color.FgRed, color.Bold).SprintFunc()

	if len(checks) == 0 {
		_, err := fmt.Fprintln(w, "No connectors configured")
		return err
	}

	for _, c := range checks {
		impl := c.Implementation
		if impl == "" {
			impl = "?"
		}
		switch {
		case c.Valid:
			fmt.Fprintf(w, "%s %s (%s)\n", ok("VALID  "), c.ID, impl)
		case !c.Enabled:
			fmt.Fprintf(w, "%s %s (%s, disabled)\n", warn("WARN   "), c.ID, impl)
		default:
			fmt.Fprintf(w, "%s %s (%s)\n", bad("INVALID"), c.ID, impl)
		}
		for _, p := range c.Problems {
			fmt.Fprintf(w, "  - %s\n", p)
		}
	}
	_, err := fmt.Fprintf(w, "\n%d connectors checked\n", len(checks))
	return err
}
